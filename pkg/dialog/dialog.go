// Package dialog реализует клиентский SIP слой протокольного движка:
// состояние диалога (DialogPath), транзакции запрос/ответ поверх
// внешнего транспорта и повтор запросов по digest аутентификации.
//
// Пакет не владеет сокетами. Отправка сообщений делегируется
// интерфейсу RequestTransport, который поставляется внешним слоем.
package dialog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Состояния диалога
const (
	StateEarly       = "early"
	StateConfirmed   = "confirmed"
	StateEstablished = "established"
	StateTerminated  = "terminated"
)

// События переходов FSM диалога
const (
	eventConfirm   = "confirm"
	eventEstablish = "establish"
	eventTerminate = "terminate"
)

// DialogPath хранит состояние одного SIP диалога: идентификацию,
// адресацию, счетчик CSeq и SDP содержимое обеих сторон.
//
// CSeq принадлежит диалогу монопольно и только растет. Диалог в
// состоянии established не может вернуться в early, терминальное
// состояние поглощающее.
type DialogPath struct {
	mu sync.RWMutex

	callID    string
	localTag  string
	remoteTag string

	localParty  sip.Uri
	remoteParty sip.Uri
	target      sip.Uri // Remote target из Contact
	routeSet    []sip.Uri

	localSeq uint32

	localContent  string
	remoteContent string

	// Период session timer и подсказка минимума от сервера, секунды
	sessionExpire    int
	minSessionExpire int

	stateMachine *fsm.FSM
	logger       logrus.FieldLogger
}

// DialogPathConfig конфигурация создания диалога
type DialogPathConfig struct {
	// CallID идентификатор диалога, пустой генерируется
	CallID string

	// LocalTag локальный tag, пустой генерируется
	LocalTag string

	// LocalParty локальный адрес (From исходящего запроса)
	LocalParty sip.Uri

	// RemoteParty адрес удаленной стороны (To исходящего запроса)
	RemoteParty sip.Uri

	// Target начальный remote target, до первого Contact совпадает
	// с RemoteParty
	Target sip.Uri

	// InitialCSeq начальное значение счетчика CSeq
	InitialCSeq uint32

	// SessionExpire период session timer в секундах, 0 отключает
	SessionExpire int

	// Logger поле для структурного логирования, nil заменяется
	// стандартным логгером
	Logger logrus.FieldLogger
}

// NewDialogPath создает диалог в состоянии early
func NewDialogPath(config DialogPathConfig) *DialogPath {
	callID := config.CallID
	if callID == "" {
		callID = GenerateCallID()
	}
	localTag := config.LocalTag
	if localTag == "" {
		localTag = GenerateTag()
	}
	target := config.Target
	if target.Host == "" {
		target = config.RemoteParty
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := &DialogPath{
		callID:        callID,
		localTag:      localTag,
		localParty:    config.LocalParty,
		remoteParty:   config.RemoteParty,
		target:        target,
		localSeq:      config.InitialCSeq,
		sessionExpire: config.SessionExpire,
		logger:        logger.WithField("call_id", callID),
	}
	p.initStateMachine()
	return p
}

// initStateMachine инициализирует конечный автомат состояний
func (p *DialogPath) initStateMachine() {
	p.stateMachine = fsm.NewFSM(
		StateEarly,
		fsm.Events{
			{Name: eventConfirm, Src: []string{StateEarly}, Dst: StateConfirmed},
			{Name: eventEstablish, Src: []string{StateEarly, StateConfirmed}, Dst: StateEstablished},
			{Name: eventTerminate, Src: []string{StateEarly, StateConfirmed, StateEstablished}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				p.logger.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("переход состояния диалога")
			},
		},
	)
}

// State возвращает текущее состояние диалога
func (p *DialogPath) State() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateMachine.Current()
}

// Confirm переводит диалог в confirmed по провизорному ответу с tag
func (p *DialogPath) Confirm() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateMachine.Event(context.Background(), eventConfirm)
}

// Establish переводит диалог в established по финальному 2xx и ACK
func (p *DialogPath) Establish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stateMachine.Current() == StateEstablished {
		return nil
	}
	return p.stateMachine.Event(context.Background(), eventEstablish)
}

// Terminate переводит диалог в терминальное состояние. Повторный
// вызов не ошибка
func (p *DialogPath) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stateMachine.Current() == StateTerminated {
		return
	}
	_ = p.stateMachine.Event(context.Background(), eventTerminate)
}

// IsEstablished возвращает true для установленного диалога
func (p *DialogPath) IsEstablished() bool {
	return p.State() == StateEstablished
}

// IsTerminated возвращает true для завершенного диалога
func (p *DialogPath) IsTerminated() bool {
	return p.State() == StateTerminated
}

// CallID возвращает идентификатор диалога
func (p *DialogPath) CallID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.callID
}

// LocalTag возвращает локальный tag
func (p *DialogPath) LocalTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localTag
}

// RemoteTag возвращает tag удаленной стороны, пустой до первого ответа
func (p *DialogPath) RemoteTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteTag
}

// SetRemoteTag устанавливает tag удаленной стороны
func (p *DialogPath) SetRemoteTag(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteTag = tag
}

// LocalParty возвращает локальный адрес
func (p *DialogPath) LocalParty() sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localParty
}

// RemoteParty возвращает адрес удаленной стороны
func (p *DialogPath) RemoteParty() sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteParty
}

// Target возвращает текущий remote target
func (p *DialogPath) Target() sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

// RouteSet возвращает копию набора маршрутов
func (p *DialogPath) RouteSet() []sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]sip.Uri, len(p.routeSet))
	copy(out, p.routeSet)
	return out
}

// CSeq возвращает текущее значение счетчика без изменения
func (p *DialogPath) CSeq() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localSeq
}

// IncrementCSeq увеличивает счетчик и возвращает новое значение.
// Счетчик только растет
func (p *DialogPath) IncrementCSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSeq++
	return p.localSeq
}

// LocalContent возвращает локальное SDP содержимое
func (p *DialogPath) LocalContent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localContent
}

// SetLocalContent сохраняет локальное SDP содержимое
func (p *DialogPath) SetLocalContent(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localContent = content
}

// RemoteContent возвращает SDP содержимое удаленной стороны
func (p *DialogPath) RemoteContent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteContent
}

// SetRemoteContent сохраняет SDP содержимое удаленной стороны
func (p *DialogPath) SetRemoteContent(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteContent = content
}

// SessionExpire возвращает период session timer в секундах
func (p *DialogPath) SessionExpire() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionExpire
}

// SetSessionExpire устанавливает период session timer
func (p *DialogPath) SetSessionExpire(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionExpire = seconds
}

// MinSessionExpire возвращает минимум, объявленный сервером в 422
func (p *DialogPath) MinSessionExpire() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minSessionExpire
}

// SetMinSessionExpire сохраняет минимум из Min-SE заголовка
func (p *DialogPath) SetMinSessionExpire(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minSessionExpire = seconds
}

// BuildRequest строит in-dialog запрос с инкрементом CSeq
func (p *DialogPath) BuildRequest(method sip.RequestMethod) (*sip.Request, error) {
	return p.buildRequest(method, 0, true)
}

// BuildRequestWithCSeq строит запрос с явным значением CSeq.
// Используется для ACK и CANCEL, которые несут CSeq исходного INVITE
func (p *DialogPath) BuildRequestWithCSeq(method sip.RequestMethod, seqNo uint32) (*sip.Request, error) {
	return p.buildRequest(method, seqNo, false)
}

func (p *DialogPath) buildRequest(method sip.RequestMethod, seqNo uint32, increment bool) (*sip.Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stateMachine.Current() == StateTerminated {
		return nil, fmt.Errorf("диалог %s завершен", p.callID)
	}
	if p.target.Host == "" {
		return nil, fmt.Errorf("у диалога %s нет remote target", p.callID)
	}

	req := sip.NewRequest(method, p.target)

	callID := sip.CallIDHeader(p.callID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.FromHeader{
		Address: p.localParty,
		Params:  sip.HeaderParams{"tag": p.localTag},
	})

	toHeader := &sip.ToHeader{
		Address: p.remoteParty,
		Params:  sip.HeaderParams{},
	}
	if p.remoteTag != "" {
		toHeader.Params["tag"] = p.remoteTag
	}
	req.AppendHeader(toHeader)

	if increment {
		p.localSeq++
		seqNo = p.localSeq
	}
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      seqNo,
		MethodName: method,
	})

	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	for _, route := range p.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}

	return req, nil
}

// UpdateFromResponse обновляет состояние диалога по ответу: tag
// удаленной стороны, remote target из Contact и route set из
// Record-Route (в обратном порядке, как у клиентской стороны)
func (p *DialogPath) UpdateFromResponse(resp *sip.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			p.remoteTag = tag
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	if contact := resp.GetHeader("Contact"); contact != nil {
		var contactURI sip.Uri
		if err := sip.ParseUri(stripAngleBrackets(contact.Value()), &contactURI); err != nil {
			p.logger.WithError(err).Warn("не удалось разобрать Contact URI")
		} else {
			p.target = contactURI
		}
	}

	recordRoutes := resp.GetHeaders("Record-Route")
	if len(recordRoutes) == 0 {
		return
	}
	p.routeSet = nil
	for i := len(recordRoutes) - 1; i >= 0; i-- {
		var routeURI sip.Uri
		value := stripAngleBrackets(recordRoutes[i].Value())
		if err := sip.ParseUri(value, &routeURI); err != nil {
			p.logger.WithError(err).Warn("не удалось разобрать Record-Route URI")
			continue
		}
		p.routeSet = append(p.routeSet, routeURI)
	}
}

// Clone возвращает копию диалога с независимым состоянием.
// Используется для повторной подписки с сохранением идентификации
func (p *DialogPath) Clone() *DialogPath {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clone := &DialogPath{
		callID:           p.callID,
		localTag:         p.localTag,
		remoteTag:        p.remoteTag,
		localParty:       p.localParty,
		remoteParty:      p.remoteParty,
		target:           p.target,
		localSeq:         p.localSeq,
		localContent:     p.localContent,
		remoteContent:    p.remoteContent,
		sessionExpire:    p.sessionExpire,
		minSessionExpire: p.minSessionExpire,
		logger:           p.logger,
	}
	clone.routeSet = make([]sip.Uri, len(p.routeSet))
	copy(clone.routeSet, p.routeSet)
	clone.initStateMachine()
	return clone
}

// stripAngleBrackets убирает угловые скобки вокруг URI заголовка
func stripAngleBrackets(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "<") {
		if end := strings.IndexByte(value, '>'); end > 0 {
			return value[1:end]
		}
	}
	return value
}
