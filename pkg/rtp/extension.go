// Package rtp реализует бинарный кодек заголовка расширения RTP
// и отслеживание extended sequence numbers для RTP источников.
//
// Формат расширения основан на one-byte-header элементах (RFC 5285):
//   - Session-level: 2 байта profile id, 2 байта количество элементов
//   - Каждый элемент: (id<<4 | len-1) + len байт полезной нагрузки
//   - Блок дополняется нулями до границы 4 байт
//
// Основное применение - передача ориентации видео (CVO, urn:3gpp:video-orientation)
// одним байтом внутри RTP пакета видео сессии.
package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// ExtensionProfileOneByte профиль для one-byte-header расширений (RFC 5285)
const ExtensionProfileOneByte = 0xBEDE

// VideoOrientationURI URI расширения ориентации видео (3GPP TS 26.114)
const VideoOrientationURI = "urn:3gpp:video-orientation"

// Диапазон допустимых идентификаторов элементов.
// 0 зарезервирован для padding, 15 запрещен спецификацией.
const (
	MinExtensionID = 1
	MaxExtensionID = 14
)

// ExtensionElement один элемент one-byte-header расширения
type ExtensionElement struct {
	// ID идентификатор элемента, допустимый диапазон [1..14]
	ID uint8
	// Payload полезная нагрузка, от 1 до 16 байт
	Payload []byte
}

// VideoOrientation представляет байт ориентации видео (CVO):
// бит 3 - направление камеры, бит 2 - горизонтальный flip,
// биты 1-0 - поворот с шагом 90 градусов.
type VideoOrientation uint8

// Предопределенные значения поворота
const (
	OrientationRotateNone VideoOrientation = 0x00
	OrientationRotate90   VideoOrientation = 0x01
	OrientationRotate180  VideoOrientation = 0x02
	OrientationRotate270  VideoOrientation = 0x03
)

// Rotation возвращает поворот в градусах по часовой стрелке
func (v VideoOrientation) Rotation() int {
	return int(v&0x03) * 90
}

// IsFlipped возвращает true, если изображение отражено по горизонтали
func (v VideoOrientation) IsFlipped() bool {
	return v&0x04 != 0
}

// IsFrontCamera возвращает true для фронтальной камеры
func (v VideoOrientation) IsFrontCamera() bool {
	return v&0x08 != 0
}

// OrientationElement создает элемент расширения с байтом ориентации
func OrientationElement(id uint8, orientation VideoOrientation) ExtensionElement {
	return ExtensionElement{
		ID:      id,
		Payload: []byte{byte(orientation)},
	}
}

// Pack упаковывает элементы в бинарный блок расширения с профилем по умолчанию
func Pack(elements []ExtensionElement) ([]byte, error) {
	return PackWithProfile(ExtensionProfileOneByte, elements)
}

// PackWithProfile упаковывает элементы в бинарный блок расширения.
//
// Формат: 2 байта profile, 2 байта количество элементов, затем элементы
// вида (id<<4 | len-1) + payload. Блок дополняется нулями до границы 4 байт.
func PackWithProfile(profile uint16, elements []ExtensionElement) ([]byte, error) {
	buf := make([]byte, 4, 4+len(elements)*4)
	binary.BigEndian.PutUint16(buf[0:2], profile)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(elements)))

	for _, el := range elements {
		if el.ID < MinExtensionID || el.ID > MaxExtensionID {
			return nil, fmt.Errorf("недопустимый id элемента расширения: %d", el.ID)
		}
		if len(el.Payload) < 1 || len(el.Payload) > 16 {
			return nil, fmt.Errorf("недопустимая длина payload элемента %d: %d", el.ID, len(el.Payload))
		}
		buf = append(buf, el.ID<<4|uint8(len(el.Payload)-1))
		buf = append(buf, el.Payload...)
	}

	// Выравнивание до границы 4 байт
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf, nil
}

// Unpack разбирает бинарный блок расширения.
//
// Разбор останавливается, как только собрано объявленное количество
// элементов. Байт 0x00 трактуется как padding и пропускается без чтения
// длины. Идентификатор вне диапазона [1..14] означает конец списка,
// а не ошибку - так переносится padding в конце блока.
func Unpack(data []byte) (uint16, []ExtensionElement, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("блок расширения слишком короткий: %d байт", len(data))
	}
	profile := binary.BigEndian.Uint16(data[0:2])
	count := int(binary.BigEndian.Uint16(data[2:4]))

	elements := make([]ExtensionElement, 0, count)
	pos := 4
	for len(elements) < count && pos < len(data) {
		b := data[pos]
		id := b >> 4
		if id == 0 {
			// Padding байт, длина не читается
			pos++
			continue
		}
		if id > MaxExtensionID {
			// Конец списка, не ошибка даже до объявленного количества
			return profile, elements, nil
		}
		length := int(b&0x0F) + 1
		pos++
		if pos+length > len(data) {
			return 0, nil, fmt.Errorf("элемент %d выходит за границы блока", id)
		}
		payload := make([]byte, length)
		copy(payload, data[pos:pos+length])
		elements = append(elements, ExtensionElement{ID: id, Payload: payload})
		pos += length
	}

	if len(elements) < count {
		return 0, nil, fmt.Errorf("объявлено %d элементов, разобрано %d", count, len(elements))
	}
	return profile, elements, nil
}

// UnpackOrientation извлекает байт ориентации из блока расширения.
// Возвращает false, если элемент с указанным id отсутствует.
func UnpackOrientation(data []byte, id uint8) (VideoOrientation, bool) {
	_, elements, err := Unpack(data)
	if err != nil {
		return 0, false
	}
	for _, el := range elements {
		if el.ID == id && len(el.Payload) >= 1 {
			return VideoOrientation(el.Payload[0]), true
		}
	}
	return 0, false
}

// ApplyOrientation присоединяет расширение ориентации к заголовку RTP пакета.
// Используется при фреймировании исходящих видео пакетов, когда удаленная
// сторона объявила id расширения через a=extmap.
func ApplyOrientation(packet *rtp.Packet, id uint8, orientation VideoOrientation) error {
	if id < MinExtensionID || id > MaxExtensionID {
		return fmt.Errorf("недопустимый id расширения ориентации: %d", id)
	}
	packet.Header.Extension = true
	packet.Header.ExtensionProfile = ExtensionProfileOneByte
	return packet.Header.SetExtension(id, []byte{byte(orientation)})
}
