package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_stack/pkg/dialog"
	"github.com/arzzra/rcs_stack/pkg/media_sdp"
)

const testChallenge = `Digest realm="ims.example.com", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", algorithm=MD5, qop="auth"`

// scriptedTransport отдает подготовленные ответы и записывает
// отправленные запросы. ACK и CANCEL записываются без потребления
// ответа, финального ответа у них нет
type scriptedTransport struct {
	mu       sync.Mutex
	requests []*sip.Request
	replies  []func(req *sip.Request) (*sip.Response, error)
}

func (s *scriptedTransport) Send(_ context.Context, req *sip.Request) (*sip.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if req.Method == sip.ACK || req.Method == sip.CANCEL {
		return nil, nil
	}
	if len(s.replies) == 0 {
		return nil, fmt.Errorf("неожиданный запрос %s", req.Method)
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply(req)
}

func (s *scriptedTransport) sent() []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sip.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *scriptedTransport) sentMethods() []sip.RequestMethod {
	var out []sip.RequestMethod
	for _, req := range s.sent() {
		out = append(out, req.Method)
	}
	return out
}

func reply(status int, reason string, body []byte, headers map[string]string) func(*sip.Request) (*sip.Response, error) {
	return func(req *sip.Request) (*sip.Response, error) {
		resp := sip.NewResponseFromRequest(req, status, reason, body)
		resp.To().Params["tag"] = "srv-tag"
		for name, value := range headers {
			resp.AppendHeader(sip.NewHeader(name, value))
		}
		return resp, nil
	}
}

func noReply() func(*sip.Request) (*sip.Response, error) {
	return func(*sip.Request) (*sip.Response, error) {
		return nil, context.DeadlineExceeded
	}
}

// fakeNegotiator протоколирует вызовы и отдает фиксированное SDP
type fakeNegotiator struct {
	mu              sync.Mutex
	processOfferErr error
	openErr         error
	opened          bool
	closed          bool
	answerSeen      bool
	offerSeen       bool
}

func (f *fakeNegotiator) BuildOffer() (*sdp.SessionDescription, error) {
	return testDescription(), nil
}

func (f *fakeNegotiator) ProcessAnswer(_ *sdp.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerSeen = true
	return nil
}

func (f *fakeNegotiator) ProcessOffer(_ *sdp.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerSeen = true
	return f.processOfferErr
}

func (f *fakeNegotiator) BuildAnswer() (*sdp.SessionDescription, error) {
	return testDescription(), nil
}

func (f *fakeNegotiator) Open(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeNegotiator) isOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeNegotiator) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testDescription() *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "192.0.2.10",
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "192.0.2.10"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 40000},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"96"},
			},
			Attributes: []sdp.Attribute{sdp.NewAttribute("rtpmap", "96 H264/90000")},
		}},
	}
}

func testBody(t *testing.T) []byte {
	t.Helper()
	body, err := testDescription().Marshal()
	require.NoError(t, err)
	return body
}

type finalResponse struct {
	status int
	reason string
	body   []byte
}

// fakeInvite протоколирует ответы на входящее приглашение. Ненулевой
// ackCh задерживает ACK до закрытия канала
type fakeInvite struct {
	mu        sync.Mutex
	offer     []byte
	responses []finalResponse
	ackErr    error
	ackCh     chan struct{}
}

func (f *fakeInvite) Offer() []byte { return f.offer }

func (f *fakeInvite) Respond(_ context.Context, status int, reason string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, finalResponse{status: status, reason: reason, body: body})
	return nil
}

func (f *fakeInvite) AwaitAck(ctx context.Context, _ time.Duration) error {
	if f.ackCh != nil {
		select {
		case <-f.ackCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.ackErr
}

func (f *fakeInvite) sent() []finalResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]finalResponse, len(f.responses))
	copy(out, f.responses)
	return out
}

// eventRecorder протоколирует события жизненного цикла
type eventRecorder struct {
	mu         sync.Mutex
	ringing    int
	started    int
	terminated []TerminationReason
	errs       []*Error
}

func (r *eventRecorder) OnSessionRinging(*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringing++
}

func (r *eventRecorder) OnSessionStarted(*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *eventRecorder) OnSessionTerminated(_ *Session, reason TerminationReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, reason)
}

func (r *eventRecorder) OnSessionError(_ *Session, err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *eventRecorder) terminations() []TerminationReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TerminationReason, len(r.terminated))
	copy(out, r.terminated)
	return out
}

func (r *eventRecorder) errorCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, err := range r.errs {
		out = append(out, err.Code)
	}
	return out
}

func (r *eventRecorder) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *eventRecorder) ringingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

func sessURI(t *testing.T, raw string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(raw, &uri))
	return uri
}

func originatingConfig(t *testing.T, transport *scriptedTransport, neg *fakeNegotiator, rec *eventRecorder) Config {
	t.Helper()
	return Config{
		Direction:       DirectionOriginating,
		LocalParty:      sessURI(t, "sip:alice@example.com"),
		RemoteParty:     sessURI(t, "sip:bob@example.com"),
		RemoteContact:   "sip:bob@example.com",
		Transport:       transport,
		Negotiator:      neg,
		Listener:        rec,
		ResponseTimeout: time.Second,
	}
}

func terminatingConfig(t *testing.T, transport *scriptedTransport, neg *fakeNegotiator, invite *fakeInvite, rec *eventRecorder) Config {
	t.Helper()
	return Config{
		Direction:       DirectionTerminating,
		LocalParty:      sessURI(t, "sip:alice@example.com"),
		RemoteParty:     sessURI(t, "sip:bob@example.com"),
		RemoteContact:   "sip:bob@example.com",
		Transport:       transport,
		Negotiator:      neg,
		Invite:          invite,
		Listener:        rec,
		RingingTimeout:  time.Second,
		ResponseTimeout: time.Second,
	}
}

// waitTerminated ждет завершения и доставки события слушателям
func waitTerminated(t *testing.T, s *Session, rec *eventRecorder) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return s.State() == StateTerminated && len(rec.terminations()) > 0
	}, time.Second, 10*time.Millisecond)
}

func waitEstablished(t *testing.T, s *Session) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return s.State() == StateEstablished
	}, time.Second, 10*time.Millisecond)
}

// TestOriginatingEstablished проверяет счастливый путь исходящего
// вызова: INVITE, 200 с answer, ACK, открытие медиа
func TestOriginatingEstablished(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(sip.StatusOK, "OK", testBody(t), nil),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}

	s, err := New(originatingConfig(t, transport, neg, rec))
	require.NoError(t, err)
	s.Start(context.Background())

	waitEstablished(t, s)
	assert.True(t, neg.isOpened())
	assert.Eventually(t, func() bool { return rec.startedCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []sip.RequestMethod{sip.INVITE, sip.ACK}, transport.sentMethods())

	sent := transport.sent()
	assert.Equal(t, sent[0].CSeq().SeqNo, sent[1].CSeq().SeqNo, "ACK несет CSeq исходного INVITE")
	assert.Equal(t, "application/sdp", sent[0].GetHeader("Content-Type").Value())
}

// TestOriginatingAuthRetry проверяет ровно один повтор INVITE по 407
func TestOriginatingAuthRetry(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil,
			map[string]string{"Proxy-Authenticate": testChallenge}),
		reply(sip.StatusOK, "OK", testBody(t), nil),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}

	config := originatingConfig(t, transport, neg, rec)
	config.Auth = dialog.NewAuthenticationAgent("alice", "secret", nil)
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitEstablished(t, s)
	sent := transport.sent()
	require.Len(t, sent, 3)
	assert.Nil(t, sent[0].GetHeader("Proxy-Authorization"))
	require.NotNil(t, sent[1].GetHeader("Proxy-Authorization"))
	assert.Greater(t, sent[1].CSeq().SeqNo, sent[0].CSeq().SeqNo)
}

// TestOriginatingAuthRejectedTwice проверяет, что второй вызов 407
// становится терминальной ошибкой без нового повтора
func TestOriginatingAuthRejectedTwice(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil,
			map[string]string{"Proxy-Authenticate": testChallenge}),
		reply(sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil,
			map[string]string{"Proxy-Authenticate": testChallenge}),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}

	config := originatingConfig(t, transport, neg, rec)
	config.Auth = dialog.NewAuthenticationAgent("alice", "secret", nil)
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitTerminated(t, s, rec)
	assert.Equal(t, []string{CodeForbidden}, rec.errorCodes())
	assert.Len(t, transport.sent(), 2)
}

// TestOriginatingSessionExpireRetry проверяет повтор INVITE по 422 с
// минимумом сервера из Min-SE
func TestOriginatingSessionExpireRetry(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(422, "Session Interval Too Small", nil, map[string]string{"Min-SE": "1800"}),
		reply(sip.StatusOK, "OK", testBody(t), nil),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}

	config := originatingConfig(t, transport, neg, rec)
	config.SessionExpire = 90
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitEstablished(t, s)
	sent := transport.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "90", sent[0].GetHeader("Session-Expires").Value())
	assert.Equal(t, "1800", sent[1].GetHeader("Session-Expires").Value())
	assert.Equal(t, 1800, s.DialogPath().SessionExpire())
}

// TestOriginatingDeclined проверяет исход 603
func TestOriginatingDeclined(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(603, "Decline", nil, nil),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	registry := NewRegistry(nil)

	config := originatingConfig(t, transport, neg, rec)
	config.Registry = registry
	s, err := New(config)
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())
	s.Start(context.Background())

	waitTerminated(t, s, rec)
	assert.Equal(t, []string{CodeDeclined}, rec.errorCodes())
	assert.Equal(t, []TerminationReason{RejectedByRemote}, rec.terminations())
	assert.Equal(t, 0, registry.Len())
}

// TestOriginatingNoResponse проверяет, что молчание сервера дает
// терминальный таймаут, а не зависание
func TestOriginatingNoResponse(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		noReply(),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}

	config := originatingConfig(t, transport, neg, rec)
	config.ResponseTimeout = 50 * time.Millisecond
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitTerminated(t, s, rec)
	assert.Equal(t, []string{CodeTimeout}, rec.errorCodes())
	assert.Equal(t, []TerminationReason{RejectedByTimeout}, rec.terminations())
}

// TestTerminatingRingingTimeout проверяет сценарий неотвеченного
// приглашения: без решения за отведенное время сессия отвечает 486,
// сообщает слушателям исход и удаляется из реестра ровно один раз
func TestTerminatingRingingTimeout(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}
	registry := NewRegistry(nil)

	config := terminatingConfig(t, transport, neg, invite, rec)
	config.RingingTimeout = 50 * time.Millisecond
	config.Registry = registry
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitTerminated(t, s, rec)
	responses := invite.sent()
	require.Len(t, responses, 2)
	assert.Equal(t, sip.StatusRinging, responses[0].status)
	assert.Equal(t, sip.StatusBusyHere, responses[1].status)
	assert.Equal(t, []TerminationReason{RejectedByTimeout}, rec.terminations())
	assert.Equal(t, 1, rec.ringingCount())
	assert.Equal(t, 0, registry.Len())
	assert.False(t, registry.Remove(s.ID()), "повторное удаление не находит сессию")
}

// TestTerminatingAccepted проверяет принятие приглашения: 200 с SDP
// answer, ожидание ACK, открытие медиа
func TestTerminatingAccepted(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	s, err := New(terminatingConfig(t, transport, neg, invite, rec))
	require.NoError(t, err)
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return rec.ringingCount() == 1 }, time.Second, 10*time.Millisecond)
	s.Accept()

	waitEstablished(t, s)
	responses := invite.sent()
	require.Len(t, responses, 2)
	assert.Equal(t, sip.StatusRinging, responses[0].status)
	assert.Equal(t, sip.StatusOK, responses[1].status)
	assert.NotEmpty(t, responses[1].body)
	assert.True(t, neg.isOpened())
	assert.Eventually(t, func() bool { return rec.startedCount() == 1 }, time.Second, 10*time.Millisecond)
}

// TestTerminatingRejectedByUser проверяет отклонение пользователем
func TestTerminatingRejectedByUser(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	s, err := New(terminatingConfig(t, transport, neg, invite, rec))
	require.NoError(t, err)
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return rec.ringingCount() == 1 }, time.Second, 10*time.Millisecond)
	s.Reject()

	waitTerminated(t, s, rec)
	responses := invite.sent()
	require.Len(t, responses, 2)
	assert.Equal(t, 603, responses[1].status)
	assert.Equal(t, []TerminationReason{RejectedByUser}, rec.terminations())
}

// TestTerminatingCancelled проверяет отмену приглашения удаленной
// стороной до принятия решения
func TestTerminatingCancelled(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	s, err := New(terminatingConfig(t, transport, neg, invite, rec))
	require.NoError(t, err)
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return rec.ringingCount() == 1 }, time.Second, 10*time.Millisecond)
	s.ReceiveCancel()

	waitTerminated(t, s, rec)
	responses := invite.sent()
	require.Len(t, responses, 2)
	assert.Equal(t, sip.StatusRequestTerminated, responses[1].status)
	assert.Equal(t, []TerminationReason{RejectedByRemote}, rec.terminations())
}

// TestCancelIgnoredWhenEstablished проверяет, что CANCEL после
// установления сессии ничего не меняет
func TestCancelIgnoredWhenEstablished(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	config := terminatingConfig(t, transport, neg, invite, rec)
	config.AutoAccept = true
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitEstablished(t, s)
	s.ReceiveCancel()

	assert.Equal(t, StateEstablished, s.State())
	assert.Len(t, invite.sent(), 2, "после 200 других ответов нет")
}

// TestTerminateWhileAwaitingAck проверяет, что запрос завершения во
// время ожидания ACK побеждает: сессия не устанавливается, уходит BYE
// и фиксируется причина TERMINATED_BY_USER
func TestTerminateWhileAwaitingAck(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(sip.StatusOK, "OK", nil, nil),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t), ackCh: make(chan struct{})}

	config := terminatingConfig(t, transport, neg, invite, rec)
	config.AutoAccept = true
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return len(invite.sent()) == 2 }, time.Second, 10*time.Millisecond)
	s.Terminate(context.Background())
	close(invite.ackCh)

	waitTerminated(t, s, rec)
	assert.Equal(t, []TerminationReason{TerminatedByUser}, rec.terminations())
	assert.Equal(t, 0, rec.startedCount(), "прерванная сессия не устанавливается")
	assert.False(t, neg.isOpened())
	assert.Equal(t, []sip.RequestMethod{sip.BYE}, transport.sentMethods())
}

// TestTerminatingMissingAck проверяет, что отсутствие ACK после 200
// фатально и не повторяется
func TestTerminatingMissingAck(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t), ackErr: context.DeadlineExceeded}

	config := terminatingConfig(t, transport, neg, invite, rec)
	config.AutoAccept = true
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitTerminated(t, s, rec)
	assert.Equal(t, []string{CodeMissingAck}, rec.errorCodes())
	assert.Equal(t, []TerminationReason{TerminatedByError}, rec.terminations())
}

// TestTerminatingUnsupportedMedia проверяет ответ 415 на offer без
// совместимого медиа формата
func TestTerminatingUnsupportedMedia(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{
		processOfferErr: media_sdp.NewNegotiationError(
			media_sdp.ErrorCodeUnsupportedMediaType, "sess-1", "нет общего кодека"),
	}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	s, err := New(terminatingConfig(t, transport, neg, invite, rec))
	require.NoError(t, err)
	s.Start(context.Background())

	waitTerminated(t, s, rec)
	responses := invite.sent()
	require.Len(t, responses, 1)
	assert.Equal(t, 415, responses[0].status)
	assert.Equal(t, []string{CodeUnsupportedMedia}, rec.errorCodes())
	assert.Equal(t, 0, rec.ringingCount(), "несовместимый offer отклоняется до сигнализации")
}

// TestAnswerExactlyOnce проверяет, что фиксируется ровно один исход
// приглашения, конкурирующие решения проигрывают первому
func TestAnswerExactlyOnce(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	s, err := New(terminatingConfig(t, transport, neg, invite, rec))
	require.NoError(t, err)

	s.Accept()
	s.Reject()
	status := s.WaitAnswer(context.Background(), time.Second)
	assert.Equal(t, AnswerAccepted, status)
	assert.Equal(t, 1, rec.ringingCount())
}

// TestAutoAccept проверяет автоматическое принятие без участия
// пользователя
func TestAutoAccept(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	config := terminatingConfig(t, transport, neg, invite, rec)
	config.EmbeddedFileTransfer = true
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())

	waitEstablished(t, s)
	assert.Eventually(t, func() bool { return rec.startedCount() == 1 }, time.Second, 10*time.Millisecond)
}

// TestAbortBeforeAnswer проверяет прерывание до принятия решения:
// исход REJECTED_BY_SYSTEM без прощальной сигнализации
func TestAbortBeforeAnswer(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	s, err := New(terminatingConfig(t, transport, neg, invite, rec))
	require.NoError(t, err)
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return rec.ringingCount() == 1 }, time.Second, 10*time.Millisecond)
	s.Abort()

	waitTerminated(t, s, rec)
	responses := invite.sent()
	require.Len(t, responses, 1, "системное прерывание не отвечает на приглашение")
	assert.Equal(t, sip.StatusRinging, responses[0].status)
	assert.Equal(t, []TerminationReason{TerminatedBySystem}, rec.terminations())
	assert.True(t, s.Interrupted())
}

// TestTerminateEstablished проверяет завершение установленной сессии
// пользователем: BYE и причина TERMINATED_BY_USER
func TestTerminateEstablished(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(sip.StatusOK, "OK", testBody(t), nil),
		reply(sip.StatusOK, "OK", nil, nil),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}

	s, err := New(originatingConfig(t, transport, neg, rec))
	require.NoError(t, err)
	s.Start(context.Background())
	waitEstablished(t, s)

	s.Terminate(context.Background())

	waitTerminated(t, s, rec)
	methods := transport.sentMethods()
	assert.Equal(t, []sip.RequestMethod{sip.INVITE, sip.ACK, sip.BYE}, methods)
	assert.Equal(t, []TerminationReason{TerminatedByUser}, rec.terminations())
	assert.Eventually(t, neg.isClosed, time.Second, 10*time.Millisecond)
}

// TestReceiveBye проверяет завершение по BYE удаленной стороны
func TestReceiveBye(t *testing.T) {
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	config := terminatingConfig(t, transport, neg, invite, rec)
	config.AutoAccept = true
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())
	waitEstablished(t, s)

	s.ReceiveBye()

	waitTerminated(t, s, rec)
	assert.Equal(t, []TerminationReason{TerminatedByRemote}, rec.terminations())
	assert.Empty(t, transport.sent(), "на BYE удаленной стороны свой BYE не отправляется")
}

// TestRegistryRejectsDuplicateForPendingOriginating проверяет политику
// замещения: ожидающая исходящая сессия блокирует новую для того же
// контакта
func TestRegistryRejectsDuplicateForPendingOriginating(t *testing.T) {
	registry := NewRegistry(nil)
	transport := &scriptedTransport{}
	neg := &fakeNegotiator{}

	config := originatingConfig(t, transport, neg, &eventRecorder{})
	config.Registry = registry
	first, err := New(config)
	require.NoError(t, err)
	require.True(t, first.IsPending())

	duplicate := originatingConfig(t, &scriptedTransport{}, &fakeNegotiator{}, &eventRecorder{})
	duplicate.Registry = registry
	_, err = New(duplicate)
	require.Error(t, err)
	assert.Equal(t, 1, registry.Len())
}

// TestRegistryReplacesPendingTerminating проверяет замещение: входящая
// ожидающая сессия принудительно завершается новой для того же контакта
func TestRegistryReplacesPendingTerminating(t *testing.T) {
	registry := NewRegistry(nil)
	rec := &eventRecorder{}
	invite := &fakeInvite{offer: testBody(t)}

	existingConfig := terminatingConfig(t, &scriptedTransport{}, &fakeNegotiator{}, invite, rec)
	existingConfig.Registry = registry
	existing, err := New(existingConfig)
	require.NoError(t, err)
	existing.Start(context.Background())
	assert.Eventually(t, func() bool { return rec.ringingCount() == 1 }, time.Second, 10*time.Millisecond)

	replacement := originatingConfig(t, &scriptedTransport{}, &fakeNegotiator{}, &eventRecorder{})
	replacement.Registry = registry
	newcomer, err := New(replacement)
	require.NoError(t, err)

	waitTerminated(t, existing, rec)
	assert.Equal(t, []TerminationReason{TerminatedBySystem}, rec.terminations())
	assert.Equal(t, 1, registry.Len())
	_, ok := registry.Get(newcomer.ID())
	assert.True(t, ok)
}

// TestSessionTimerTerminatesOnFailedRefresh проверяет, что отказ в
// продлении session timer завершает сессию по неактивности
func TestSessionTimerTerminatesOnFailedRefresh(t *testing.T) {
	transport := &scriptedTransport{replies: []func(*sip.Request) (*sip.Response, error){
		reply(sip.StatusOK, "OK", testBody(t), nil),
		reply(sip.StatusNotFound, "Not Found", nil, nil),
		reply(sip.StatusOK, "OK", nil, nil),
	}}
	neg := &fakeNegotiator{}
	rec := &eventRecorder{}

	config := originatingConfig(t, transport, neg, rec)
	config.SessionExpire = 1
	s, err := New(config)
	require.NoError(t, err)
	s.Start(context.Background())
	waitEstablished(t, s)

	assert.Eventually(t, func() bool {
		return s.State() == StateTerminated
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []TerminationReason{TerminatedByInactivity}, rec.terminations())
	assert.Equal(t, []string{CodeTimeout}, rec.errorCodes())

	methods := transport.sentMethods()
	require.GreaterOrEqual(t, len(methods), 3)
	assert.Equal(t, sip.UPDATE, methods[2])
}
