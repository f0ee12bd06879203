package media_sdp

import (
	"context"
	"strconv"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	rtpx "github.com/arzzra/rcs_stack/pkg/rtp"
)

// VideoConfig конфигурация переговоров видео сессии
type VideoConfig struct {
	// SessionID идентификатор сессии
	SessionID string

	// LocalHost локальный адрес для SDP
	LocalHost string

	// LocalPort локальный RTP порт
	LocalPort int

	// Codecs кандидаты кодеков в порядке локального предпочтения
	Codecs []Codec

	// OrientationID id расширения ориентации видео для offer,
	// 0 отключает объявление a=extmap
	OrientationID uint8

	// Logger поле для структурного логирования, nil заменяется
	// стандартным логгером
	Logger logrus.FieldLogger
}

// Validate проверяет конфигурацию
func (c *VideoConfig) Validate() error {
	if c.SessionID == "" {
		return NewNegotiationError(ErrorCodeInvalidConfig, "", "SessionID не задан")
	}
	if c.LocalHost == "" {
		return NewNegotiationError(ErrorCodeInvalidConfig, c.SessionID, "LocalHost не задан")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return NewNegotiationError(ErrorCodeInvalidConfig, c.SessionID,
			"недопустимый LocalPort: %d", c.LocalPort)
	}
	if len(c.Codecs) == 0 {
		return NewNegotiationError(ErrorCodeInvalidConfig, c.SessionID,
			"список кодеков пуст")
	}
	if c.OrientationID > rtpx.MaxExtensionID {
		return NewNegotiationError(ErrorCodeInvalidConfig, c.SessionID,
			"недопустимый OrientationID: %d", c.OrientationID)
	}
	return nil
}

// VideoNegotiator реализует MediaNegotiator для видео сессий поверх RTP.
//
// Строит m=video RTP/AVP линию с кандидатами кодеков, выбирает кодек
// как первый локальный кандидат из списка удаленной стороны и
// извлекает id расширения ориентации видео из a=extmap. Сам RTP
// транспорт (датаграммный) поставляется внешним слоем, поэтому Open
// только фиксирует завершенность переговоров
type VideoNegotiator struct {
	mu sync.Mutex

	config VideoConfig
	logger logrus.FieldLogger

	selected            *Codec
	remoteHost          string
	remotePort          int
	remoteOrientationID uint8
	negotiated          bool
}

// NewVideoNegotiator создает переговорщика видео сессии
func NewVideoNegotiator(config VideoConfig) (*VideoNegotiator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VideoNegotiator{
		config: config,
		logger: logger.WithField("session_id", config.SessionID),
	}, nil
}

// BuildOffer строит SDP offer со всеми локальными кандидатами кодеков
func (n *VideoNegotiator) BuildOffer() (*sdp.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buildDescriptionLocked(n.config.Codecs, n.config.OrientationID), nil
}

// ProcessAnswer обрабатывает SDP answer удаленной стороны.
// Выбранный кодек обязан быть членом локального списка кандидатов
func (n *VideoNegotiator) ProcessAnswer(answer *sdp.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	media := findMedia(answer, MediaTypeVideo)
	if media == nil {
		return NewNegotiationError(ErrorCodeMissingMedia, n.config.SessionID,
			"в answer отсутствует m=video")
	}

	remote := remoteCodecs(media)
	selected, ok := n.selectCodec(remote)
	if !ok {
		return NewNegotiationError(ErrorCodeCodecMismatch, n.config.SessionID,
			"кодек из answer не входит в список кандидатов offer")
	}
	n.selected = &selected

	if err := n.readRemoteLocked(answer, media); err != nil {
		return err
	}
	n.negotiated = true

	n.logger.WithFields(logrus.Fields{
		"codec":          selected.Rtpmap(),
		"remote":         n.remoteHost,
		"orientation_id": n.remoteOrientationID,
	}).Debug("видео answer обработан")
	return nil
}

// ProcessOffer обрабатывает входящий SDP offer.
// Выбирается первый локальный кандидат, присутствующий в списке
// удаленной стороны. Отсутствие пересечения - ошибка
// UnsupportedMediaType, сессия отвечает кодом 415
func (n *VideoNegotiator) ProcessOffer(offer *sdp.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	media := findMedia(offer, MediaTypeVideo)
	if media == nil {
		return NewNegotiationError(ErrorCodeMissingMedia, n.config.SessionID,
			"в offer отсутствует m=video")
	}

	remote := remoteCodecs(media)
	selected, ok := n.selectCodec(remote)
	if !ok {
		return NewNegotiationError(ErrorCodeUnsupportedMediaType, n.config.SessionID,
			"нет общего кодека с удаленной стороной")
	}
	n.selected = &selected

	if err := n.readRemoteLocked(offer, media); err != nil {
		return err
	}
	n.negotiated = true
	return nil
}

// BuildAnswer строит SDP answer с единственным выбранным кодеком.
// Объявленный удаленной стороной id расширения ориентации
// подтверждается тем же значением
func (n *VideoNegotiator) BuildAnswer() (*sdp.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.selected == nil {
		return nil, NewNegotiationError(ErrorCodeNotNegotiated, n.config.SessionID,
			"answer запрошен до обработки offer")
	}

	orientationID := uint8(0)
	if n.remoteOrientationID != 0 && n.config.OrientationID != 0 {
		orientationID = n.remoteOrientationID
	}
	return n.buildDescriptionLocked([]Codec{*n.selected}, orientationID), nil
}

// Open фиксирует завершенность переговоров. RTP транспорт
// поставляется внешним слоем
func (n *VideoNegotiator) Open(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.negotiated {
		return NewNegotiationError(ErrorCodeNotNegotiated, n.config.SessionID,
			"видео сессия не согласована")
	}
	return nil
}

// Close освобождает ресурсы переговорщика
func (n *VideoNegotiator) Close() error {
	return nil
}

// SelectedCodec возвращает согласованный кодек, false до завершения
// переговоров
func (n *VideoNegotiator) SelectedCodec() (Codec, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.selected == nil {
		return Codec{}, false
	}
	return *n.selected, true
}

// RemoteAddress возвращает согласованный адрес удаленной стороны
func (n *VideoNegotiator) RemoteAddress() (host string, port int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteHost, n.remotePort
}

// OrientationID возвращает id расширения ориентации для исходящих RTP
// пакетов, 0 если расширение не согласовано
func (n *VideoNegotiator) OrientationID() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remoteOrientationID == 0 || n.config.OrientationID == 0 {
		return 0
	}
	return n.remoteOrientationID
}

// selectCodec возвращает первого локального кандидата, присутствующего
// в списке удаленной стороны. Порядок локального предпочтения
// сохраняется
func (n *VideoNegotiator) selectCodec(remote []Codec) (Codec, bool) {
	for _, local := range n.config.Codecs {
		for _, rc := range remote {
			if local.Matches(rc) {
				// Payload type берется из SDP удаленной стороны
				selected := local
				selected.PayloadType = rc.PayloadType
				return selected, true
			}
		}
	}
	return Codec{}, false
}

// readRemoteLocked извлекает адрес и id расширения ориентации
func (n *VideoNegotiator) readRemoteLocked(sd *sdp.SessionDescription, media *sdp.MediaDescription) error {
	host, err := connectionAddress(sd, media)
	if err != nil {
		return WrapNegotiationError(ErrorCodeSDPParsing, n.config.SessionID, err,
			"не удалось извлечь адрес удаленной стороны")
	}
	n.remoteHost = host
	n.remotePort = mediaPort(media)
	n.remoteOrientationID = parseExtmapID(media, rtpx.VideoOrientationURI)
	return nil
}

// buildDescriptionLocked строит SDP с m=video линией
func (n *VideoNegotiator) buildDescriptionLocked(codecs []Codec, orientationID uint8) *sdp.SessionDescription {
	desc := newSessionDescription(n.config.LocalHost, "video")

	formats := make([]string, 0, len(codecs))
	attributes := make([]sdp.Attribute, 0, len(codecs)+2)
	for _, codec := range codecs {
		pt := strconv.Itoa(int(codec.PayloadType))
		formats = append(formats, pt)
		attributes = append(attributes, sdp.NewAttribute("rtpmap", pt+" "+codec.Rtpmap()))
	}
	if orientationID != 0 {
		attributes = append(attributes, sdp.NewAttribute("extmap",
			strconv.Itoa(int(orientationID))+" "+rtpx.VideoOrientationURI))
	}
	attributes = append(attributes, sdp.NewPropertyAttribute("sendrecv"))

	desc.MediaDescriptions = []*sdp.MediaDescription{
		{
			MediaName: sdp.MediaName{
				Media:   string(MediaTypeVideo),
				Port:    sdp.RangedPort{Value: n.config.LocalPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attributes,
		},
	}
	return desc
}

// remoteCodecs собирает кандидатов удаленной стороны из rtpmap атрибутов
func remoteCodecs(media *sdp.MediaDescription) []Codec {
	var out []Codec
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		if codec, ok := parseRtpmap(attr.Value); ok {
			out = append(out, codec)
		}
	}
	return out
}
