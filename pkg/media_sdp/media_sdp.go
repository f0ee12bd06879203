// Package media_sdp реализует SDP offer/answer переговоры для медиа
// сессий: MSRP (чат) и RTP видео.
//
// Пакет предоставляет стратегии MediaNegotiator, которые строят и
// разбирают SDP тела, согласовывают setup роли (active/passive),
// выбирают кодек из списков кандидатов и извлекают id расширения
// ориентации видео из a=extmap. Сами транспортные соединения
// устанавливаются в соответствии с согласованными ролями: активная
// сторона подключается к адресу пассивной, пассивная слушает и
// отправляет пустой probe chunk сразу после открытия соединения.
package media_sdp

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// MediaType тип медиа линии в SDP
type MediaType string

const (
	// MediaTypeMSRP чат поверх MSRP (m=message)
	MediaTypeMSRP MediaType = "message"
	// MediaTypeVideo видео поверх RTP (m=video)
	MediaTypeVideo MediaType = "video"
)

// SetupRole роль стороны в установке транспортного соединения (a=setup)
type SetupRole string

const (
	// SetupActive сторона инициирует соединение
	SetupActive SetupRole = "active"
	// SetupPassive сторона слушает и принимает соединение
	SetupPassive SetupRole = "passive"
	// SetupActPass сторона готова к обеим ролям, решает отвечающий
	SetupActPass SetupRole = "actpass"
	// SetupUnknown роль не объявлена или не распознана
	SetupUnknown SetupRole = ""
)

// PlaceholderPort фиктивный порт в SDP, когда локальная сторона
// активна и слушающий сокет не открывается
const PlaceholderPort = 9

// OfferSetupRole возвращает setup роль для исходящего offer.
// За NAT предлагается только active, иначе actpass
func OfferSetupRole(behindNAT bool) SetupRole {
	if behindNAT {
		return SetupActive
	}
	return SetupActPass
}

// AnswerSetupRole возвращает локальную setup роль для answer:
// дополнение к роли удаленной стороны. Неизвестная или отсутствующая
// роль дает passive
func AnswerSetupRole(remote SetupRole) SetupRole {
	switch remote {
	case SetupActPass:
		return SetupActive
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default:
		return SetupPassive
	}
}

// Codec описывает кандидата кодека для видео линии
type Codec struct {
	// Name имя кодека, как в rtpmap (например H264)
	Name string
	// PayloadType динамический payload type
	PayloadType uint8
	// ClockRate частота в Гц
	ClockRate uint32
}

// Rtpmap возвращает значение атрибута rtpmap без payload type
func (c Codec) Rtpmap() string {
	return fmt.Sprintf("%s/%d", c.Name, c.ClockRate)
}

// Matches сравнивает кодеки по имени и частоте без учета регистра имени
func (c Codec) Matches(other Codec) bool {
	return strings.EqualFold(c.Name, other.Name) && c.ClockRate == other.ClockRate
}

// MediaNegotiator стратегия SDP переговоров одной медиа линии.
//
// Исходящая сторона использует BuildOffer + ProcessAnswer, входящая
// ProcessOffer + BuildAnswer. Open устанавливает транспортное
// соединение по согласованным ролям, Close освобождает ресурсы.
type MediaNegotiator interface {
	// BuildOffer строит SDP offer из локальной конфигурации
	BuildOffer() (*sdp.SessionDescription, error)

	// ProcessAnswer обрабатывает SDP answer удаленной стороны
	ProcessAnswer(answer *sdp.SessionDescription) error

	// ProcessOffer обрабатывает входящий SDP offer
	ProcessOffer(offer *sdp.SessionDescription) error

	// BuildAnswer строит SDP answer по обработанному offer
	BuildAnswer() (*sdp.SessionDescription, error)

	// Open устанавливает медиа транспорт по итогам переговоров.
	// Фоновые операции ограничены временем жизни ctx
	Open(ctx context.Context) error

	// Close закрывает транспорт и освобождает ресурсы
	Close() error
}
