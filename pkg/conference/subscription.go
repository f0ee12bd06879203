package conference

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/rcs_stack/pkg/dialog"
)

// Заголовки событийного пакета conference
const (
	eventPackage    = "conference"
	acceptType      = "application/conference-info+xml"
	defaultRespWait = 30 * time.Second
)

// RosterListener получает изменения состава конференции
type RosterListener interface {
	ParticipantStatusChanged(participant Participant)
}

// SubscriptionConfig конфигурация менеджера подписки
type SubscriptionConfig struct {
	// SessionID идентификатор владеющей сессии
	SessionID string

	// LocalParty локальный адрес подписчика
	LocalParty sip.Uri

	// Conference URI фокуса конференции
	Conference sip.Uri

	// SelfEntity собственный URI, исключается из событий состава
	SelfEntity string

	// Expire запрашиваемый период подписки в секундах,
	// 0 берет значение из Settings или по умолчанию
	Expire int

	// ResponseTimeout таймаут ожидания финального ответа
	ResponseTimeout time.Duration

	// Settings хранилище периодов подписки, nil дает хранилище в памяти
	Settings Settings

	// Transport внешний SIP транспорт
	Transport dialog.RequestTransport

	// Auth агент digest аутентификации, nil отключает повтор по 401/407
	Auth *dialog.AuthenticationAgent

	// Listener получатель изменений состава
	Listener RosterListener

	// OnFailure вызывается при провале подписки или продления
	OnFailure func(error)

	// OnTerminated вызывается при завершении подписки сервером
	OnTerminated func()

	// RefreshCounter счетчик успешных подписок и продлений
	RefreshCounter prometheus.Counter

	// Logger поле для структурного логирования
	Logger logrus.FieldLogger
}

// SubscriptionManager поддерживает подписку на состав конференции.
//
// Подписка владеет собственным DialogPath, отдельным от основного
// диалога сессии. Продление взводится на половину выданного периода.
// Challenge аутентификации и 423 обрабатываются прозрачно, по одному
// повтору на попытку. Любой другой исход завершает подписку: таймер
// останавливается, диалог очищается, ошибка поднимается владельцу
type SubscriptionManager struct {
	config SubscriptionConfig

	runner    *dialog.TransactionRunner
	refresher *PeriodicRefresher
	diff      *RosterDiff
	logger    logrus.FieldLogger

	attempts      chan struct{} // Семафор сериализации попыток
	stateMu       sync.Mutex
	path          *dialog.DialogPath
	subscribed    bool
	grantedExpire int
	ctx           context.Context
}

// NewSubscriptionManager создает менеджера подписки
func NewSubscriptionManager(config SubscriptionConfig) (*SubscriptionManager, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("не задан SIP транспорт")
	}
	if config.Conference.Host == "" {
		return nil, fmt.Errorf("не задан URI конференции")
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = defaultRespWait
	}
	if config.Settings == nil {
		config.Settings = NewMemorySettings()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{
		"session_id": config.SessionID,
		"conference": config.Conference.String(),
	})

	m := &SubscriptionManager{
		config:    config,
		runner:    dialog.NewTransactionRunner(config.Transport, entry),
		refresher: NewPeriodicRefresher(entry),
		diff:      NewRosterDiff(config.SelfEntity),
		logger:    entry,
		attempts:  make(chan struct{}, 1),
		ctx:       context.Background(),
	}
	return m, nil
}

// Subscribe запускает подписку асинхронно. Результат поднимается через
// OnFailure либо отражается в Subscribed
func (m *SubscriptionManager) Subscribe(ctx context.Context) {
	m.stateMu.Lock()
	m.ctx = ctx
	m.stateMu.Unlock()

	go func() {
		if err := m.subscribeAttempt(ctx, m.requestedExpire()); err != nil {
			m.fail(err)
		}
	}()
}

// Unsubscribe снимает подписку. Запрос с нулевым периодом отправляется
// best-effort, состояние очищается независимо от ответа
func (m *SubscriptionManager) Unsubscribe(ctx context.Context) {
	m.stateMu.Lock()
	if !m.subscribed {
		m.stateMu.Unlock()
		return
	}
	path := m.path
	m.subscribed = false
	m.path = nil
	m.grantedExpire = 0
	m.stateMu.Unlock()

	m.refresher.Stop()

	if path == nil {
		return
	}
	req, err := path.BuildRequest(sip.SUBSCRIBE)
	if err != nil {
		m.logger.WithError(err).Debug("запрос отписки не построен")
		return
	}
	decorateSubscribe(req, 0)
	if _, err := m.runner.SendAndWait(ctx, req, m.config.ResponseTimeout); err != nil {
		m.logger.WithError(err).Debug("отписка не доставлена")
	}
}

// OnNotify обрабатывает NOTIFY подписки: обновляет состав и реагирует
// на серверное завершение подписки
func (m *SubscriptionManager) OnNotify(body []byte, subscriptionState string) error {
	if len(body) > 0 {
		doc, err := ParseConferenceInfo(body)
		if err != nil {
			return err
		}
		events := m.diff.Apply(doc)
		if m.config.Listener != nil {
			for _, ev := range events {
				m.config.Listener.ParticipantStatusChanged(Participant{
					Entity: ev.Entity,
					Status: ev.Status,
				})
			}
		}
	}

	state := strings.ToLower(strings.TrimSpace(subscriptionState))
	if strings.HasPrefix(state, "terminated") {
		m.logger.Info("подписка завершена сервером")
		m.clear()
		if m.config.OnTerminated != nil {
			m.config.OnTerminated()
		}
	}
	return nil
}

// Subscribed возвращает true для активной подписки
func (m *SubscriptionManager) Subscribed() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.subscribed
}

// GrantedExpire возвращает выданный сервером период в секундах
func (m *SubscriptionManager) GrantedExpire() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.grantedExpire
}

// RefreshIn возвращает интервал взведенного продления
func (m *SubscriptionManager) RefreshIn() time.Duration {
	return m.refresher.NextIn()
}

// Roster возвращает текущий срез состава конференции
func (m *SubscriptionManager) Roster() *RosterSnapshot {
	return m.diff.Snapshot()
}

// requestedExpire возвращает период для следующей попытки с учетом
// сохраненного минимума сервера
func (m *SubscriptionManager) requestedExpire() int {
	expire := m.config.Expire
	if expire <= 0 {
		expire = m.config.Settings.GetInt(KeySubscribeExpire, DefaultSubscribeExpire)
	}
	if min := m.config.Settings.GetInt(KeyMinSubscribeExpire, 0); min > expire {
		expire = min
	}
	return expire
}

// subscribeAttempt выполняет одну попытку подписки с обработкой
// challenge и 423
func (m *SubscriptionManager) subscribeAttempt(ctx context.Context, expire int) error {
	// Попытки сериализуются, продление не гонится с подпиской
	m.acquire()
	defer m.release()

	tc, err := m.sendSubscribe(ctx, expire, false)
	if err != nil {
		return err
	}

	switch {
	case !tc.Received:
		return fmt.Errorf("подписка: нет ответа за %s", m.config.ResponseTimeout)

	case tc.StatusCode == sip.StatusOK || tc.StatusCode == sip.StatusAccepted:
		m.succeed(tc, expire)
		return nil

	case tc.StatusCode == sip.StatusUnauthorized || tc.StatusCode == sip.StatusProxyAuthRequired:
		// Один аутентифицированный повтор на challenge
		if m.config.Auth == nil {
			return fmt.Errorf("подписка отклонена со статусом %d, аутентификация не настроена", tc.StatusCode)
		}
		if err := m.config.Auth.ReadChallenge(tc.Response); err != nil {
			return err
		}
		retry, err := m.sendSubscribe(ctx, expire, true)
		if err != nil {
			return err
		}
		if retry.Received && (retry.StatusCode == sip.StatusOK || retry.StatusCode == sip.StatusAccepted) {
			m.succeed(retry, expire)
			return nil
		}
		return fmt.Errorf("подписка отклонена после аутентификации: %s", describe(retry))

	case tc.StatusCode == 423:
		// Сервер требует больший период: сохраняем минимум и
		// повторяем один раз
		min, perr := strconv.Atoi(strings.TrimSpace(tc.Header("Min-Expires")))
		if perr != nil || min <= 0 {
			return fmt.Errorf("ответ 423 без корректного Min-Expires")
		}
		m.config.Settings.SetInt(KeyMinSubscribeExpire, min)
		retry, err := m.sendSubscribe(ctx, min, false)
		if err != nil {
			return err
		}
		if retry.Received && (retry.StatusCode == sip.StatusOK || retry.StatusCode == sip.StatusAccepted) {
			m.succeed(retry, min)
			return nil
		}
		return fmt.Errorf("подписка отклонена после коррекции периода: %s", describe(retry))

	default:
		return fmt.Errorf("подписка отклонена: %s", describe(tc))
	}
}

// sendSubscribe строит и отправляет SUBSCRIBE текущего диалога
func (m *SubscriptionManager) sendSubscribe(ctx context.Context, expire int, withAuth bool) (*dialog.TransactionContext, error) {
	path := m.ensurePath()
	req, err := path.BuildRequest(sip.SUBSCRIBE)
	if err != nil {
		return nil, err
	}
	decorateSubscribe(req, expire)
	if withAuth {
		if err := m.config.Auth.ApplyChallenge(req); err != nil {
			return nil, err
		}
	}

	tc, err := m.runner.SendAndWait(ctx, req, m.config.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if tc.IsSuccess() {
		path.UpdateFromResponse(tc.Response)
		_ = path.Establish()
	}
	return tc, nil
}

// succeed фиксирует активную подписку и взводит продление на половину
// выданного периода
func (m *SubscriptionManager) succeed(tc *dialog.TransactionContext, requested int) {
	granted := requested
	if v, err := strconv.Atoi(strings.TrimSpace(tc.Header("Expires"))); err == nil && v > 0 {
		granted = v
	}

	m.stateMu.Lock()
	m.subscribed = true
	m.grantedExpire = granted
	ctx := m.ctx
	m.stateMu.Unlock()

	if m.config.RefreshCounter != nil {
		m.config.RefreshCounter.Inc()
	}

	refreshIn := time.Duration(granted) * time.Second / 2
	m.refresher.Arm(refreshIn, func() {
		if ctx.Err() != nil {
			return
		}
		if err := m.subscribeAttempt(ctx, granted); err != nil {
			m.fail(err)
		}
	})

	m.logger.WithFields(logrus.Fields{
		"expires":    granted,
		"refresh_in": refreshIn,
	}).Info("подписка активна")
}

// fail завершает подписку: таймер останавливается, диалог очищается,
// ошибка поднимается владельцу
func (m *SubscriptionManager) fail(err error) {
	m.logger.WithError(err).Warn("подписка завершена с ошибкой")
	m.clear()
	if m.config.OnFailure != nil {
		m.config.OnFailure(err)
	}
}

// clear сбрасывает состояние подписки
func (m *SubscriptionManager) clear() {
	m.refresher.Stop()
	m.stateMu.Lock()
	m.subscribed = false
	m.path = nil
	m.grantedExpire = 0
	m.stateMu.Unlock()
}

// ensurePath возвращает диалог подписки, создавая его при необходимости
func (m *SubscriptionManager) ensurePath() *dialog.DialogPath {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.path == nil {
		m.path = dialog.NewDialogPath(dialog.DialogPathConfig{
			LocalParty:  m.config.LocalParty,
			RemoteParty: m.config.Conference,
			Logger:      m.logger,
		})
	}
	return m.path
}

func (m *SubscriptionManager) acquire() { m.attempts <- struct{}{} }
func (m *SubscriptionManager) release() { <-m.attempts }

// decorateSubscribe добавляет заголовки событийного пакета conference
func decorateSubscribe(req *sip.Request, expire int) {
	req.AppendHeader(sip.NewHeader("Event", eventPackage))
	req.AppendHeader(sip.NewHeader("Accept", acceptType))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expire)))
}

// describe возвращает краткое описание исхода транзакции
func describe(tc *dialog.TransactionContext) string {
	if !tc.Received {
		return "нет ответа"
	}
	return fmt.Sprintf("%d %s", tc.StatusCode, tc.Reason)
}
