// Package session реализует жизненный цикл одной IMS сессии: конечный
// автомат состояний, диспетчеризацию ответов на INVITE, ожидание решения
// пользователя для входящих приглашений, session timer и реестр активных
// сессий с политикой замещения.
//
// Пакет не владеет сокетами. Сигнализация делегируется внешнему
// транспорту через dialog.RequestTransport, медиа согласование
// делегируется media_sdp.MediaNegotiator.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/rcs_stack/pkg/dialog"
	"github.com/arzzra/rcs_stack/pkg/media_sdp"
)

// События переходов FSM сессии
const (
	eventInvite    = "invite"
	eventAccept    = "accept"
	eventEstablish = "establish"
	eventTerminate = "terminate"
)

// Таймауты по умолчанию
const (
	defaultRingingTimeout  = 60 * time.Second
	defaultResponseTimeout = 30 * time.Second
	defaultAckTimeout      = 15 * time.Second
)

// IncomingInvite граница входящего приглашения. Внешний транспортный
// слой принимает INVITE и передает его сессии через этот интерфейс
type IncomingInvite interface {
	// Offer возвращает тело SDP offer приглашения
	Offer() []byte

	// Respond отправляет ответ на приглашение
	Respond(ctx context.Context, status int, reason string, body []byte) error

	// AwaitAck ждет ACK на финальный 2xx не дольше timeout
	AwaitAck(ctx context.Context, timeout time.Duration) error
}

// Config конфигурация сессии
type Config struct {
	// ID идентификатор сессии, пустой генерируется
	ID string

	// Direction направление сессии
	Direction Direction

	// LocalParty локальный адрес
	LocalParty sip.Uri

	// RemoteParty адрес удаленной стороны
	RemoteParty sip.Uri

	// RemoteContact контакт удаленной стороны для политики замещения
	RemoteContact string

	// Transport внешний SIP транспорт
	Transport dialog.RequestTransport

	// Auth агент digest аутентификации, nil отключает повтор по 401/407
	Auth *dialog.AuthenticationAgent

	// Negotiator согласует медиа параметры сессии
	Negotiator media_sdp.MediaNegotiator

	// Invite входящее приглашение, обязательно для terminating
	Invite IncomingInvite

	// Registry реестр активных сессий, nil отключает учет
	Registry *Registry

	// Metrics коллектор метрик, nil отключает учет
	Metrics *MetricsCollector

	// Listener первичный слушатель событий жизненного цикла
	Listener Listener

	// RingingTimeout максимум ожидания решения пользователя
	RingingTimeout time.Duration

	// ResponseTimeout максимум ожидания финального ответа на запрос
	ResponseTimeout time.Duration

	// AckTimeout максимум ожидания ACK после отправки 2xx
	AckTimeout time.Duration

	// SessionExpire период session timer в секундах, 0 отключает
	SessionExpire int

	// AutoAccept принимать приглашение без участия пользователя
	AutoAccept bool

	// EmbeddedFileTransfer сессия несет встроенную передачу файла и
	// принимается автоматически
	EmbeddedFileTransfer bool

	// Logger поле для структурного логирования
	Logger logrus.FieldLogger
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Direction != DirectionOriginating && c.Direction != DirectionTerminating {
		return fmt.Errorf("неизвестное направление сессии: %q", c.Direction)
	}
	if c.Transport == nil {
		return fmt.Errorf("не задан транспорт")
	}
	if c.Negotiator == nil {
		return fmt.Errorf("не задан медиа переговорщик")
	}
	if c.Direction == DirectionTerminating && c.Invite == nil {
		return fmt.Errorf("входящая сессия требует приглашение")
	}
	if c.Direction == DirectionOriginating && c.RemoteParty.Host == "" {
		return fmt.Errorf("не задан адрес удаленной стороны")
	}
	return nil
}

// Session одна IMS сессия: исходящий вызов или входящее приглашение.
//
// Завершение идемпотентно: ровно одна причина фиксируется ровно один
// раз, остальные попытки ничего не делают. Флаг прерывания ставится
// один раз и не снимается, после него сессия не отправляет новых
// запросов кроме прощальной сигнализации
type Session struct {
	config Config
	id     string
	logger logrus.FieldLogger

	path     *dialog.DialogPath
	runner   *dialog.TransactionRunner
	notifier *notifier

	stateMachine *fsm.FSM

	interrupted  atomic.Bool
	finalSent    atomic.Bool
	autoAnswered atomic.Bool

	answerOnce sync.Once
	answerCh   chan InvitationStatus

	finishOnce sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc

	mu              sync.Mutex
	inviteCSeq      uint32
	lastErr         *Error
	interruptReason TerminationReason
}

// New создает сессию и регистрирует ее в реестре.
//
// Ошибка возвращается при некорректной конфигурации или отказе
// политики замещения реестра
func New(config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.RingingTimeout <= 0 {
		config.RingingTimeout = defaultRingingTimeout
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = defaultResponseTimeout
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaultAckTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Session{
		config:   config,
		id:       config.ID,
		logger:   logger.WithField("session_id", config.ID),
		answerCh: make(chan InvitationStatus, 1),
	}
	s.path = dialog.NewDialogPath(dialog.DialogPathConfig{
		LocalParty:    config.LocalParty,
		RemoteParty:   config.RemoteParty,
		SessionExpire: config.SessionExpire,
		Logger:        s.logger,
	})
	s.runner = dialog.NewTransactionRunner(config.Transport, s.logger)
	s.notifier = newNotifier(s.logger)
	s.notifier.add(config.Listener)
	s.initStateMachine()

	if config.Direction == DirectionTerminating && config.Invite != nil {
		s.path.SetRemoteContent(string(config.Invite.Offer()))
	}

	if config.Registry != nil {
		if err := config.Registry.Add(s); err != nil {
			return nil, err
		}
	}
	config.Metrics.SessionStarted(config.Direction)
	return s, nil
}

func (s *Session) initStateMachine() {
	s.stateMachine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventInvite, Src: []string{StateIdle}, Dst: StateRinging},
			{Name: eventAccept, Src: []string{StateRinging}, Dst: StateAccepting},
			{Name: eventEstablish, Src: []string{StateRinging, StateAccepting}, Dst: StateEstablished},
			{Name: eventTerminate, Src: []string{StateIdle, StateRinging, StateAccepting, StateEstablished}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.config.Metrics.StateTransition(e.Src, e.Dst)
				s.logger.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("переход состояния сессии")
			},
		},
	)
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string { return s.id }

// Direction возвращает направление сессии
func (s *Session) Direction() Direction { return s.config.Direction }

// State возвращает текущее состояние жизненного цикла
func (s *Session) State() string { return s.stateMachine.Current() }

// RemoteContact возвращает контакт удаленной стороны
func (s *Session) RemoteContact() string { return s.config.RemoteContact }

// DialogPath возвращает SIP диалог сессии
func (s *Session) DialogPath() *dialog.DialogPath { return s.path }

// IsPending возвращает true, пока сессия не установлена и не завершена
func (s *Session) IsPending() bool {
	switch s.State() {
	case StateIdle, StateRinging, StateAccepting:
		return true
	}
	return false
}

// IsEstablished возвращает true для установленной сессии
func (s *Session) IsEstablished() bool { return s.State() == StateEstablished }

// Interrupted возвращает true после прерывания сессии
func (s *Session) Interrupted() bool { return s.interrupted.Load() }

// Err возвращает терминальную ошибку сессии, nil при штатном завершении
func (s *Session) Err() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// AddListener добавляет слушателя событий
func (s *Session) AddListener(l Listener) { s.notifier.add(l) }

// RemoveListener удаляет слушателя событий
func (s *Session) RemoveListener(l Listener) { s.notifier.remove(l) }

// Start запускает сценарий сессии в отдельной горутине
func (s *Session) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runCtx = runCtx
	s.runCancel = cancel
	s.mu.Unlock()

	go func() {
		if s.config.Direction == DirectionOriginating {
			s.runOriginating(runCtx)
		} else {
			s.runTerminating(runCtx)
		}
	}()
}

// Accept фиксирует принятие приглашения пользователем
func (s *Session) Accept() {
	s.deliverAnswer(AnswerAccepted)
}

// Reject фиксирует отклонение приглашения пользователем
func (s *Session) Reject() {
	s.deliverAnswer(AnswerRejectedByUser)
}

// deliverAnswer фиксирует исход приглашения. Первый вызов побеждает,
// остальные ничего не делают
func (s *Session) deliverAnswer(status InvitationStatus) {
	s.answerOnce.Do(func() {
		s.answerCh <- status
	})
}

// evaluateAutoAccept принимает приглашение автоматически не более
// одного раза за жизнь сессии
func (s *Session) evaluateAutoAccept() {
	if !s.autoAnswered.CompareAndSwap(false, true) {
		return
	}
	if s.config.AutoAccept || s.config.EmbeddedFileTransfer {
		s.logger.Info("приглашение принято автоматически")
		s.deliverAnswer(AnswerAccepted)
	}
}

// WaitAnswer сигнализирует слушателям о входящем вызове и ждет решение
// не дольше timeout. Возвращает ровно один исход, конкурирующие решения
// проигрывают первому
func (s *Session) WaitAnswer(ctx context.Context, timeout time.Duration) InvitationStatus {
	_ = s.transition(eventInvite)
	s.notifier.ringing(s)

	if s.Interrupted() {
		s.deliverAnswer(AnswerRejectedBySystem)
	}
	s.evaluateAutoAccept()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-s.answerCh:
		return status
	case <-timer.C:
		s.deliverAnswer(AnswerTimeout)
		return <-s.answerCh
	case <-ctx.Done():
		s.deliverAnswer(AnswerRejectedBySystem)
		return <-s.answerCh
	}
}

// ReceiveCancel обрабатывает CANCEL удаленной стороны. После
// установления сессии отмена игнорируется
func (s *Session) ReceiveCancel() {
	if s.State() == StateEstablished {
		s.logger.Debug("CANCEL после установления сессии проигнорирован")
		return
	}
	s.deliverAnswer(AnswerRejectedByRemote)
}

// ReceiveBye обрабатывает BYE удаленной стороны
func (s *Session) ReceiveBye() {
	s.finish(TerminatedByRemote, nil)
}

// Terminate завершает сессию по инициативе пользователя. Для входящего
// неотвеченного приглашения равносильно отклонению
func (s *Session) Terminate(ctx context.Context) {
	s.interrupt(TerminatedByUser)
	s.teardown(ctx, TerminatedByUser, AnswerRejectedByUser)
}

// Abort принудительно завершает сессию по инициативе системы.
// Используется политикой замещения реестра и остановкой стека
func (s *Session) Abort() {
	s.interrupt(TerminatedBySystem)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.teardown(ctx, TerminatedBySystem, AnswerRejectedBySystem)
}

// interrupt ставит флаг прерывания и запоминает причину первого
// прерывания. Флаг не снимается
func (s *Session) interrupt(reason TerminationReason) {
	s.mu.Lock()
	if s.interruptReason == "" {
		s.interruptReason = reason
	}
	s.mu.Unlock()
	s.interrupted.Store(true)
}

// interruptedReason возвращает причину первого прерывания
func (s *Session) interruptedReason() TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interruptReason == "" {
		return TerminatedBySystem
	}
	return s.interruptReason
}

func (s *Session) teardown(ctx context.Context, reason TerminationReason, pendingStatus InvitationStatus) {
	switch {
	case s.State() == StateTerminated:
		return
	case s.State() == StateEstablished:
		s.sendBye(ctx)
		s.finish(reason, nil)
	case s.config.Direction == DirectionTerminating:
		// Исход дойдет до WaitAnswer, прощальный ответ отправит он
		s.deliverAnswer(pendingStatus)
	default:
		s.sendCancel(ctx)
		s.finish(reason, nil)
	}
}

// --- исходящая сессия ---

func (s *Session) runOriginating(ctx context.Context) {
	offer, err := s.config.Negotiator.BuildOffer()
	if err != nil {
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	body, err := offer.Marshal()
	if err != nil {
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	s.path.SetLocalContent(string(body))

	_ = s.transition(eventInvite)

	tc, err := s.sendInvite(ctx, body)
	if err != nil {
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	s.completeInvite(ctx, tc, body, false, false)
}

// sendInvite отправляет INVITE с SDP offer и ждет финальный ответ
func (s *Session) sendInvite(ctx context.Context, body []byte) (*dialog.TransactionContext, error) {
	req, err := s.path.BuildRequest(sip.INVITE)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.inviteCSeq = s.path.CSeq()
	s.mu.Unlock()

	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if expire := s.path.SessionExpire(); expire > 0 {
		req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(expire)))
		req.AppendHeader(sip.NewHeader("Supported", "timer"))
	}
	if s.config.Auth != nil && s.config.Auth.HasChallenge() {
		if err := s.config.Auth.ApplyChallenge(req); err != nil {
			return nil, err
		}
	}
	req.SetBody(body)

	return s.runner.SendAndWait(ctx, req, s.config.ResponseTimeout)
}

// completeInvite диспетчеризует финальный ответ на INVITE. Повтор по
// аутентификации и по 422 выполняется не более одного раза каждый
func (s *Session) completeInvite(ctx context.Context, tc *dialog.TransactionContext, body []byte, authRetried, expireRetried bool) {
	switch {
	case !tc.Received:
		s.fail(ErrTimeout(s.id, "финальный ответ на INVITE"), RejectedByTimeout)

	case tc.StatusCode == sip.StatusOK:
		s.establishOriginating(ctx, tc)

	case tc.StatusCode == sip.StatusProxyAuthRequired || tc.StatusCode == sip.StatusUnauthorized:
		if authRetried || s.config.Auth == nil {
			s.fail(ErrForbidden(s.id), TerminatedByError)
			return
		}
		if err := s.config.Auth.ReadChallenge(tc.Response); err != nil {
			s.fail(ErrUnexpected(s.id, err), TerminatedByError)
			return
		}
		s.logger.Info("повтор INVITE с аутентификацией")
		retry, err := s.sendInvite(ctx, body)
		if err != nil {
			s.fail(ErrUnexpected(s.id, err), TerminatedByError)
			return
		}
		s.completeInvite(ctx, retry, body, true, expireRetried)

	case tc.StatusCode == 422:
		if expireRetried {
			s.fail(ErrFailed(s.id, tc.StatusCode, tc.Reason), TerminatedByError)
			return
		}
		minExpire, err := strconv.Atoi(tc.Header("Min-SE"))
		if err != nil || minExpire <= 0 {
			s.fail(ErrFailed(s.id, tc.StatusCode, tc.Reason), TerminatedByError)
			return
		}
		s.path.SetMinSessionExpire(minExpire)
		s.path.SetSessionExpire(minExpire)
		s.logger.WithField("min_se", minExpire).Info("повтор INVITE с увеличенным периодом session timer")
		retry, err := s.sendInvite(ctx, body)
		if err != nil {
			s.fail(ErrUnexpected(s.id, err), TerminatedByError)
			return
		}
		s.completeInvite(ctx, retry, body, authRetried, true)

	case tc.StatusCode == sip.StatusNotFound:
		s.fail(ErrNotFound(s.id), TerminatedByError)

	case tc.StatusCode == sip.StatusForbidden:
		s.fail(ErrForbidden(s.id), TerminatedByError)

	case tc.StatusCode == sip.StatusBusyHere || tc.StatusCode == 480:
		s.fail(ErrBusy(s.id), RejectedByRemote)

	case tc.StatusCode == sip.StatusRequestTerminated:
		// Ответ на наш CANCEL, завершение уже инициировано локально
		s.finish(TerminatedByUser, nil)

	case tc.StatusCode == 603:
		s.fail(ErrDeclined(s.id), RejectedByRemote)

	default:
		s.fail(ErrFailed(s.id, tc.StatusCode, tc.Reason), TerminatedByError)
	}
}

// establishOriginating завершает установление исходящей сессии по 2xx
func (s *Session) establishOriginating(ctx context.Context, tc *dialog.TransactionContext) {
	s.path.UpdateFromResponse(tc.Response)
	s.path.SetRemoteContent(string(tc.Body()))

	s.sendAck(ctx)

	var answer sdp.SessionDescription
	if err := answer.Unmarshal(tc.Body()); err != nil {
		s.sendBye(ctx)
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	if err := s.config.Negotiator.ProcessAnswer(&answer); err != nil {
		s.sendBye(ctx)
		s.fail(ErrUnsupportedMedia(s.id).WithCause(err), TerminatedByError)
		return
	}

	if s.Interrupted() {
		s.sendBye(ctx)
		s.finish(s.interruptedReason(), nil)
		return
	}

	_ = s.transition(eventAccept)
	if err := s.config.Negotiator.Open(ctx); err != nil {
		s.sendBye(ctx)
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	_ = s.transition(eventEstablish)
	_ = s.path.Establish()

	s.logger.Info("исходящая сессия установлена")
	s.notifier.started(s)
	s.startSessionTimer(ctx)
}

// --- входящая сессия ---

func (s *Session) runTerminating(ctx context.Context) {
	var offer sdp.SessionDescription
	if err := offer.Unmarshal(s.config.Invite.Offer()); err != nil {
		s.respondFinal(ctx, 415, "Unsupported Media Type", nil)
		s.fail(ErrUnsupportedMedia(s.id).WithCause(err), TerminatedByError)
		return
	}
	if err := s.config.Negotiator.ProcessOffer(&offer); err != nil {
		if media_sdp.IsUnsupportedMediaType(err) {
			s.respondFinal(ctx, 415, "Unsupported Media Type", nil)
			s.fail(ErrUnsupportedMedia(s.id).WithCause(err), TerminatedByError)
		} else {
			s.respondFinal(ctx, 488, "Not Acceptable Here", nil)
			s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		}
		return
	}

	if err := s.config.Invite.Respond(ctx, sip.StatusRinging, "Ringing", nil); err != nil {
		s.logger.WithError(err).Warn("не удалось отправить 180 Ringing")
	}

	status := s.WaitAnswer(ctx, s.config.RingingTimeout)
	s.logger.WithField("status", string(status)).Info("исход приглашения зафиксирован")

	switch status {
	case AnswerAccepted:
		s.acceptTerminating(ctx)
	case AnswerRejectedByUser:
		s.respondFinal(ctx, 603, "Decline", nil)
		s.finish(RejectedByUser, nil)
	case AnswerTimeout:
		s.respondFinal(ctx, sip.StatusBusyHere, "Busy Here", nil)
		s.finish(RejectedByTimeout, nil)
	case AnswerRejectedByRemote:
		s.respondFinal(ctx, sip.StatusRequestTerminated, "Request Terminated", nil)
		s.finish(RejectedByRemote, nil)
	default:
		s.finish(TerminatedBySystem, nil)
	}
}

// acceptTerminating отвечает 200 с SDP answer и ждет ACK. Отсутствие
// ACK фатально и не повторяется
func (s *Session) acceptTerminating(ctx context.Context) {
	_ = s.transition(eventAccept)

	answer, err := s.config.Negotiator.BuildAnswer()
	if err != nil {
		s.respondFinal(ctx, 500, "Server Internal Error", nil)
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	body, err := answer.Marshal()
	if err != nil {
		s.respondFinal(ctx, 500, "Server Internal Error", nil)
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	s.path.SetLocalContent(string(body))

	s.respondFinal(ctx, sip.StatusOK, "OK", body)

	if err := s.config.Invite.AwaitAck(ctx, s.config.AckTimeout); err != nil {
		s.fail(ErrMissingAck(s.id), TerminatedByError)
		return
	}

	// Прерывание могло прийти, пока сессия ждала ACK
	if s.Interrupted() {
		s.sendBye(ctx)
		s.finish(s.interruptedReason(), nil)
		return
	}

	if err := s.config.Negotiator.Open(ctx); err != nil {
		s.sendBye(ctx)
		s.fail(ErrUnexpected(s.id, err), TerminatedByError)
		return
	}
	_ = s.transition(eventEstablish)
	_ = s.path.Establish()

	s.logger.Info("входящая сессия установлена")
	s.notifier.started(s)
	s.startSessionTimer(ctx)
}

// respondFinal отправляет терминальный ответ на приглашение не более
// одного раза за жизнь сессии
func (s *Session) respondFinal(ctx context.Context, status int, reason string, body []byte) {
	if s.config.Invite == nil {
		return
	}
	if !s.finalSent.CompareAndSwap(false, true) {
		return
	}
	if err := s.config.Invite.Respond(ctx, status, reason, body); err != nil {
		s.logger.WithError(err).Warn("не удалось отправить терминальный ответ")
	}
}

// --- session timer ---

// startSessionTimer продлевает сессию запросом UPDATE каждые
// SessionExpire/2 секунд. Неудачное продление завершает сессию
func (s *Session) startSessionTimer(ctx context.Context) {
	expire := s.path.SessionExpire()
	if expire <= 0 {
		return
	}
	interval := time.Duration(expire) * time.Second / 2

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Interrupted() || s.State() != StateEstablished {
					return
				}
				if !s.refreshSession(ctx) {
					s.sendBye(ctx)
					s.fail(ErrTimeout(s.id, "продление сессии"), TerminatedByInactivity)
					return
				}
			}
		}
	}()
}

func (s *Session) refreshSession(ctx context.Context) bool {
	req, err := s.path.BuildRequest(sip.UPDATE)
	if err != nil {
		return false
	}
	req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(s.path.SessionExpire())))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))

	tc, err := s.runner.SendAndWait(ctx, req, s.config.ResponseTimeout)
	if err != nil || !tc.IsSuccess() {
		s.logger.Warn("продление сессии не подтверждено")
		return false
	}
	return true
}

// --- прощальная сигнализация ---

func (s *Session) sendAck(ctx context.Context) {
	s.mu.Lock()
	seqNo := s.inviteCSeq
	s.mu.Unlock()

	req, err := s.path.BuildRequestWithCSeq(sip.ACK, seqNo)
	if err != nil {
		s.logger.WithError(err).Warn("не удалось построить ACK")
		return
	}
	if err := s.runner.Fire(ctx, req); err != nil {
		s.logger.WithError(err).Warn("не удалось отправить ACK")
	}
}

func (s *Session) sendCancel(ctx context.Context) {
	s.mu.Lock()
	seqNo := s.inviteCSeq
	s.mu.Unlock()
	if seqNo == 0 {
		return
	}

	req, err := s.path.BuildRequestWithCSeq(sip.CANCEL, seqNo)
	if err != nil {
		return
	}
	if err := s.runner.Fire(ctx, req); err != nil {
		s.logger.WithError(err).Warn("не удалось отправить CANCEL")
	}
}

// sendBye отправляет BYE по принципу лучших усилий
func (s *Session) sendBye(ctx context.Context) {
	req, err := s.path.BuildRequest(sip.BYE)
	if err != nil {
		return
	}
	if _, err := s.runner.SendAndWait(ctx, req, 5*time.Second); err != nil {
		s.logger.WithError(err).Warn("не удалось отправить BYE")
	}
}

// --- завершение ---

func (s *Session) fail(serr *Error, reason TerminationReason) {
	s.finish(reason, serr)
}

// finish фиксирует завершение сессии. Выполняется ровно один раз,
// фиксирует причину, освобождает медиа и удаляет сессию из реестра
func (s *Session) finish(reason TerminationReason, serr *Error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.lastErr = serr
		cancel := s.runCancel
		s.mu.Unlock()

		_ = s.transition(eventTerminate)
		s.path.Terminate()
		if cancel != nil {
			cancel()
		}
		if err := s.config.Negotiator.Close(); err != nil {
			s.logger.WithError(err).Warn("не удалось закрыть медиа")
		}
		if s.config.Registry != nil {
			s.config.Registry.Remove(s.id)
		}
		s.config.Metrics.SessionClosed(reason)

		entry := s.logger.WithField("reason", string(reason))
		if serr != nil {
			entry.WithError(serr).Warn("сессия завершена с ошибкой")
			s.notifier.failed(s, serr)
		} else {
			entry.Info("сессия завершена")
		}
		s.notifier.terminated(s, reason)
	})
}

func (s *Session) transition(event string) error {
	return s.stateMachine.Event(context.Background(), event)
}
