package media_sdp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// newSessionDescription создает базовую SDP структуру с connection
// информацией на указанном хосте
func newSessionDescription(host, sessionName string) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
	}
}

// findMedia находит первое медиа описание указанного типа
func findMedia(sd *sdp.SessionDescription, mediaType MediaType) *sdp.MediaDescription {
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == string(mediaType) {
			return m
		}
	}
	return nil
}

// connectionAddress извлекает адрес соединения: сначала из медиа
// описания, затем из сессионного уровня
func connectionAddress(sd *sdp.SessionDescription, m *sdp.MediaDescription) (string, error) {
	conn := m.ConnectionInformation
	if conn == nil {
		conn = sd.ConnectionInformation
	}
	if conn == nil || conn.Address == nil || conn.Address.Address == "" {
		return "", fmt.Errorf("отсутствует connection информация")
	}
	return conn.Address.Address, nil
}

// parseSetupRole читает атрибут a=setup медиа описания
func parseSetupRole(m *sdp.MediaDescription) SetupRole {
	value, ok := m.Attribute("setup")
	if !ok {
		return SetupUnknown
	}
	switch SetupRole(strings.ToLower(strings.TrimSpace(value))) {
	case SetupActive:
		return SetupActive
	case SetupPassive:
		return SetupPassive
	case SetupActPass:
		return SetupActPass
	default:
		return SetupUnknown
	}
}

// parseRtpmap разбирает значение атрибута rtpmap вида
// "96 H264/90000" в кодек
func parseRtpmap(value string) (Codec, bool) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return Codec{}, false
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil || pt < 0 || pt > 127 {
		return Codec{}, false
	}
	nameAndRate := strings.SplitN(fields[1], "/", 3)
	if len(nameAndRate) < 2 {
		return Codec{}, false
	}
	rate, err := strconv.Atoi(nameAndRate[1])
	if err != nil || rate <= 0 {
		return Codec{}, false
	}
	return Codec{
		Name:        nameAndRate[0],
		PayloadType: uint8(pt),
		ClockRate:   uint32(rate),
	}, true
}

// parseExtmapID извлекает id расширения ориентации видео из атрибутов
// a=extmap медиа описания. Возвращает 0, если расширение не объявлено
// или id вне допустимого диапазона one-byte-header элементов [1..14]
func parseExtmapID(m *sdp.MediaDescription, uri string) uint8 {
	for _, attr := range m.Attributes {
		if attr.Key != "extmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 || fields[1] != uri {
			continue
		}
		idPart := fields[0]
		if slash := strings.IndexByte(idPart, '/'); slash >= 0 {
			idPart = idPart[:slash]
		}
		id, err := strconv.Atoi(idPart)
		if err != nil || id < 1 || id > 14 {
			continue
		}
		return uint8(id)
	}
	return 0
}

// mediaPort возвращает порт медиа линии
func mediaPort(m *sdp.MediaDescription) int {
	return m.MediaName.Port.Value
}
