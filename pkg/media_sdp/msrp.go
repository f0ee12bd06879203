package media_sdp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
)

// DefaultAcceptTypes типы содержимого чат сессии по умолчанию
var DefaultAcceptTypes = []string{"message/cpim"}

// MsrpConfig конфигурация переговоров MSRP чат сессии
type MsrpConfig struct {
	// SessionID идентификатор сессии для путей и логирования
	SessionID string

	// LocalHost локальный адрес для SDP и слушающего сокета
	LocalHost string

	// AcceptTypes поддерживаемые типы содержимого.
	// Пустой список заменяется на DefaultAcceptTypes
	AcceptTypes []string

	// BehindNAT за NAT в offer объявляется только роль active
	BehindNAT bool

	// Logger поле для структурного логирования, nil заменяется
	// стандартным логгером
	Logger logrus.FieldLogger
}

// Validate проверяет конфигурацию
func (c *MsrpConfig) Validate() error {
	if c.SessionID == "" {
		return NewNegotiationError(ErrorCodeInvalidConfig, "", "SessionID не задан")
	}
	if c.LocalHost == "" {
		return NewNegotiationError(ErrorCodeInvalidConfig, c.SessionID, "LocalHost не задан")
	}
	return nil
}

// MsrpNegotiator реализует MediaNegotiator для чат сессий поверх MSRP.
//
// Строит m=message линию с атрибутами a=path, a=setup и a=accept-types.
// Активная роль использует фиктивный порт, пассивная открывает
// слушающий сокет и отправляет пустой probe chunk сразу после
// установления соединения.
type MsrpNegotiator struct {
	mu sync.Mutex

	config MsrpConfig
	logger logrus.FieldLogger

	localSetup  SetupRole
	remoteSetup SetupRole
	offered     SetupRole // Роль, объявленная в нашем offer

	localPort   int
	localPath   string
	remotePath  string
	remoteHost  string
	remotePort  int
	acceptTypes []string

	listener net.Listener
	conn     net.Conn
	opened   bool
}

// NewMsrpNegotiator создает переговорщика MSRP чат сессии
func NewMsrpNegotiator(config MsrpConfig) (*MsrpNegotiator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(config.AcceptTypes) == 0 {
		config.AcceptTypes = DefaultAcceptTypes
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MsrpNegotiator{
		config:      config,
		logger:      logger.WithField("session_id", config.SessionID),
		acceptTypes: config.AcceptTypes,
	}, nil
}

// BuildOffer строит SDP offer для исходящей чат сессии.
// За NAT предлагается роль active с фиктивным портом, иначе actpass
// с заранее открытым слушающим сокетом
func (n *MsrpNegotiator) BuildOffer() (*sdp.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.offered = OfferSetupRole(n.config.BehindNAT)
	n.localSetup = n.offered

	if n.offered == SetupActive {
		n.localPort = PlaceholderPort
	} else if err := n.bindLocked(); err != nil {
		return nil, err
	}

	n.localPath = n.buildLocalPath()
	return n.buildDescriptionLocked(n.offered), nil
}

// ProcessAnswer обрабатывает SDP answer удаленной стороны и
// фиксирует итоговые роли соединения
func (n *MsrpNegotiator) ProcessAnswer(answer *sdp.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	media := findMedia(answer, MediaTypeMSRP)
	if media == nil {
		return NewNegotiationError(ErrorCodeMissingMedia, n.config.SessionID,
			"в answer отсутствует m=message")
	}
	if err := n.readRemoteLocked(answer, media); err != nil {
		return err
	}

	// Если мы предлагали actpass, итоговая роль - дополнение к ответу
	if n.offered == SetupActPass {
		n.localSetup = AnswerSetupRole(n.remoteSetup)
		if n.localSetup == SetupActive && n.listener != nil {
			_ = n.listener.Close()
			n.listener = nil
			n.localPort = PlaceholderPort
		}
	}

	n.logger.WithFields(logrus.Fields{
		"local_setup":  n.localSetup,
		"remote_setup": n.remoteSetup,
		"remote_path":  n.remotePath,
	}).Debug("MSRP answer обработан")
	return nil
}

// ProcessOffer обрабатывает входящий SDP offer чат сессии
func (n *MsrpNegotiator) ProcessOffer(offer *sdp.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	media := findMedia(offer, MediaTypeMSRP)
	if media == nil {
		return NewNegotiationError(ErrorCodeMissingMedia, n.config.SessionID,
			"в offer отсутствует m=message")
	}
	if err := n.readRemoteLocked(offer, media); err != nil {
		return err
	}

	// Локальная роль - дополнение к роли удаленной стороны,
	// неопределенная роль дает passive
	n.localSetup = AnswerSetupRole(n.remoteSetup)
	return nil
}

// BuildAnswer строит SDP answer по обработанному offer.
// Пассивная роль открывает слушающий сокет и объявляет его порт
func (n *MsrpNegotiator) BuildAnswer() (*sdp.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.remoteSetup == SetupUnknown && n.remotePath == "" {
		return nil, NewNegotiationError(ErrorCodeNotNegotiated, n.config.SessionID,
			"answer запрошен до обработки offer")
	}

	if n.localSetup == SetupPassive {
		if err := n.bindLocked(); err != nil {
			return nil, err
		}
	} else {
		n.localPort = PlaceholderPort
	}

	n.localPath = n.buildLocalPath()
	return n.buildDescriptionLocked(n.localSetup), nil
}

// Open устанавливает MSRP соединение по согласованным ролям.
//
// Активная сторона подключается к адресу из a=path удаленной стороны.
// Пассивная принимает соединение в фоне и сразу после установления
// отправляет пустой probe chunk для пробития NAT. Фоновый прием
// ограничен временем жизни ctx
func (n *MsrpNegotiator) Open(ctx context.Context) error {
	n.mu.Lock()
	if n.opened {
		n.mu.Unlock()
		return nil
	}
	n.opened = true
	setup := n.localSetup
	listener := n.listener
	remoteHost := n.remoteHost
	remotePort := n.remotePort
	n.mu.Unlock()

	if setup == SetupPassive {
		if listener == nil {
			return NewNegotiationError(ErrorCodeTransportOpen, n.config.SessionID,
				"пассивная роль без слушающего сокета")
		}
		go n.acceptAndProbe(ctx, listener)
		return nil
	}

	if remoteHost == "" || remotePort <= 0 {
		return NewNegotiationError(ErrorCodeTransportOpen, n.config.SessionID,
			"адрес удаленной стороны не согласован")
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp",
		net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort)))
	if err != nil {
		return WrapNegotiationError(ErrorCodeTransportOpen, n.config.SessionID, err,
			"не удалось подключиться к %s:%d", remoteHost, remotePort)
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	n.logger.WithField("remote", conn.RemoteAddr().String()).Debug("MSRP соединение установлено")
	return nil
}

// Close закрывает соединение и слушающий сокет
func (n *MsrpNegotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	if n.conn != nil {
		err = n.conn.Close()
		n.conn = nil
	}
	if n.listener != nil {
		if lerr := n.listener.Close(); err == nil {
			err = lerr
		}
		n.listener = nil
	}
	n.opened = false
	return err
}

// LocalPath возвращает локальный MSRP путь
func (n *MsrpNegotiator) LocalPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localPath
}

// RemotePath возвращает MSRP путь удаленной стороны
func (n *MsrpNegotiator) RemotePath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remotePath
}

// LocalSetup возвращает итоговую локальную setup роль
func (n *MsrpNegotiator) LocalSetup() SetupRole {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localSetup
}

// LocalPort возвращает порт, объявленный в локальном SDP
func (n *MsrpNegotiator) LocalPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localPort
}

// AcceptTypes возвращает согласованные типы содержимого
func (n *MsrpNegotiator) AcceptTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.acceptTypes))
	copy(out, n.acceptTypes)
	return out
}

// Conn возвращает установленное соединение, nil до Open
func (n *MsrpNegotiator) Conn() net.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn
}

// bindLocked открывает слушающий сокет на эфемерном порту
func (n *MsrpNegotiator) bindLocked() error {
	if n.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(n.config.LocalHost, "0"))
	if err != nil {
		return WrapNegotiationError(ErrorCodeTransportOpen, n.config.SessionID, err,
			"не удалось открыть слушающий сокет на %s", n.config.LocalHost)
	}
	n.listener = listener
	n.localPort = listener.Addr().(*net.TCPAddr).Port
	return nil
}

// acceptAndProbe принимает одно соединение и отправляет пустой probe
// chunk. Probe пробивает исходящее состояние через NAT, даже когда
// локальная роль пассивна
func (n *MsrpNegotiator) acceptAndProbe(ctx context.Context, listener net.Listener) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = listener.Close()
		case <-done:
		}
	}()

	conn, err := listener.Accept()
	if err != nil {
		n.logger.WithError(err).Debug("прием MSRP соединения прерван")
		return
	}

	n.mu.Lock()
	n.conn = conn
	localPath := n.localPath
	remotePath := n.remotePath
	n.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if _, err := conn.Write(emptyProbeChunk(localPath, remotePath)); err != nil {
		n.logger.WithError(err).Warn("не удалось отправить probe chunk")
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
	n.logger.WithField("remote", conn.RemoteAddr().String()).Debug("MSRP probe chunk отправлен")
}

// readRemoteLocked извлекает параметры удаленной стороны из медиа описания
func (n *MsrpNegotiator) readRemoteLocked(sd *sdp.SessionDescription, media *sdp.MediaDescription) error {
	path, ok := media.Attribute("path")
	if !ok || path == "" {
		return NewNegotiationError(ErrorCodeSDPParsing, n.config.SessionID,
			"в m=message отсутствует a=path")
	}
	n.remotePath = strings.TrimSpace(path)
	n.remoteSetup = parseSetupRole(media)

	host, err := connectionAddress(sd, media)
	if err != nil {
		return WrapNegotiationError(ErrorCodeSDPParsing, n.config.SessionID, err,
			"не удалось извлечь адрес удаленной стороны")
	}
	n.remoteHost = host
	n.remotePort = mediaPort(media)

	if types, ok := media.Attribute("accept-types"); ok {
		if common := intersectTypes(n.config.AcceptTypes, strings.Fields(types)); len(common) > 0 {
			n.acceptTypes = common
		}
	}
	return nil
}

// buildLocalPath формирует MSRP URI локальной стороны
func (n *MsrpNegotiator) buildLocalPath() string {
	return fmt.Sprintf("msrp://%s:%d/%s;tcp", n.config.LocalHost, n.localPort, n.config.SessionID)
}

// buildDescriptionLocked строит SDP с m=message линией
func (n *MsrpNegotiator) buildDescriptionLocked(setup SetupRole) *sdp.SessionDescription {
	desc := newSessionDescription(n.config.LocalHost, "chat")
	desc.MediaDescriptions = []*sdp.MediaDescription{
		{
			MediaName: sdp.MediaName{
				Media:   string(MediaTypeMSRP),
				Port:    sdp.RangedPort{Value: n.localPort},
				Protos:  []string{"TCP", "MSRP"},
				Formats: []string{"*"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("accept-types", strings.Join(n.acceptTypes, " ")),
				sdp.NewAttribute("setup", string(setup)),
				sdp.NewAttribute("path", n.localPath),
				sdp.NewPropertyAttribute("sendrecv"),
			},
		},
	}
	return desc
}

// intersectTypes возвращает локальные типы, поддержанные удаленной
// стороной, в локальном порядке предпочтения. Звездочка удаленной
// стороны принимает все
func intersectTypes(local, remote []string) []string {
	var out []string
	for _, lt := range local {
		for _, rt := range remote {
			if rt == "*" || strings.EqualFold(lt, rt) {
				out = append(out, lt)
				break
			}
		}
	}
	return out
}

// emptyProbeChunk формирует пустой MSRP SEND chunk без тела
func emptyProbeChunk(fromPath, toPath string) []byte {
	txID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	messageID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	var b strings.Builder
	fmt.Fprintf(&b, "MSRP %s SEND\r\n", txID)
	fmt.Fprintf(&b, "To-Path: %s\r\n", toPath)
	fmt.Fprintf(&b, "From-Path: %s\r\n", fromPath)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("Byte-Range: 1-0/0\r\n")
	fmt.Fprintf(&b, "-------%s$\r\n", txID)
	return []byte(b.String())
}
