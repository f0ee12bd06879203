// Package conference реализует поддержание актуального состава
// группового чата: SIP подписку на событийный пакет conference с
// периодическим продлением и вычисление изменений состава по
// conference-info документам из NOTIFY.
package conference

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// ParticipantStatus статус участника конференции
type ParticipantStatus string

const (
	StatusUnknown      ParticipantStatus = "unknown"
	StatusConnected    ParticipantStatus = "connected"
	StatusDisconnected ParticipantStatus = "disconnected"
	StatusDeparted     ParticipantStatus = "departed"
	StatusBooted       ParticipantStatus = "booted"
	StatusFailed       ParticipantStatus = "failed"
	StatusBusy         ParticipantStatus = "busy"
	StatusDeclined     ParticipantStatus = "declined"
	StatusPending      ParticipantStatus = "pending"
)

// Participant участник конференции. Идентичность определяется только
// entity URI, смена статуса - мутация, а не новый участник
type Participant struct {
	// Entity URI участника
	Entity string
	// Status нормализованный статус
	Status ParticipantStatus
}

// RosterDocument разобранный conference-info документ
type RosterDocument struct {
	// Full true для state="full", false для частичного обновления
	Full bool
	// Entity URI конференции
	Entity string
	// Participants участники с нормализованными статусами
	Participants []Participant
}

// RosterSnapshot неизменяемый срез состава конференции. Заменяется
// целиком при каждом изменяющем состав NOTIFY
type RosterSnapshot struct {
	full         bool
	participants map[string]Participant
}

// NewRosterSnapshot создает пустой срез
func NewRosterSnapshot() *RosterSnapshot {
	return &RosterSnapshot{participants: make(map[string]Participant)}
}

// Full возвращает true для среза, построенного из полного документа
func (s *RosterSnapshot) Full() bool {
	return s.full
}

// Get возвращает участника по entity URI
func (s *RosterSnapshot) Get(entity string) (Participant, bool) {
	p, ok := s.participants[entity]
	return p, ok
}

// Len возвращает количество участников
func (s *RosterSnapshot) Len() int {
	return len(s.participants)
}

// Participants возвращает копию списка участников
func (s *RosterSnapshot) Participants() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out
}

// Схема conference-info документа (RFC 4575)
type conferenceInfoXML struct {
	XMLName xml.Name `xml:"conference-info"`
	State   string   `xml:"state,attr"`
	Entity  string   `xml:"entity,attr"`
	Users   struct {
		Users []userXML `xml:"user"`
	} `xml:"users"`
}

type userXML struct {
	Entity    string        `xml:"entity,attr"`
	State     string        `xml:"state,attr"`
	Endpoints []endpointXML `xml:"endpoint"`
}

type endpointXML struct {
	Entity              string `xml:"entity,attr"`
	Status              string `xml:"status"`
	DisconnectionMethod string `xml:"disconnection-method"`
	DisconnectionInfo   struct {
		Reason string `xml:"reason"`
	} `xml:"disconnection-info"`
}

// ParseConferenceInfo разбирает тело NOTIFY с conference-info
// документом и нормализует статусы участников
func ParseConferenceInfo(body []byte) (*RosterDocument, error) {
	var info conferenceInfoXML
	if err := xml.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("не удалось разобрать conference-info: %w", err)
	}

	doc := &RosterDocument{
		Full:   !strings.EqualFold(info.State, "partial"),
		Entity: info.Entity,
	}
	for _, user := range info.Users.Users {
		if user.Entity == "" {
			continue
		}
		doc.Participants = append(doc.Participants, Participant{
			Entity: user.Entity,
			Status: normalizeStatus(user.Endpoints),
		})
	}
	return doc, nil
}

// normalizeStatus приводит сырой статус endpoint к статусу участника.
//
// Переходные значения dialing-in/dialing-out дают PENDING, чтобы
// транзитные состояния не выглядели отдельными статусами. Для
// disconnected уточнение берется из disconnection-method, а причина
// отказа с кодом 603 дает DECLINED
func normalizeStatus(endpoints []endpointXML) ParticipantStatus {
	if len(endpoints) == 0 {
		return StatusUnknown
	}
	// Состав описывается первым endpoint участника
	ep := endpoints[0]

	switch strings.ToLower(strings.TrimSpace(ep.Status)) {
	case "connected", "on-hold", "muted-via-focus":
		return StatusConnected
	case "dialing-in", "dialing-out", "alerting", "pending":
		return StatusPending
	case "busy":
		return StatusBusy
	case "disconnected", "disconnecting":
		return disconnectedStatus(ep)
	default:
		return StatusUnknown
	}
}

func disconnectedStatus(ep endpointXML) ParticipantStatus {
	if strings.Contains(ep.DisconnectionInfo.Reason, "603") {
		return StatusDeclined
	}
	switch strings.ToLower(strings.TrimSpace(ep.DisconnectionMethod)) {
	case "departed":
		return StatusDeparted
	case "booted":
		return StatusBooted
	case "failed":
		return StatusFailed
	default:
		return StatusDisconnected
	}
}
