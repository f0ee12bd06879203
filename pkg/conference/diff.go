package conference

import "sync"

// RosterEvent одно изменение статуса участника
type RosterEvent struct {
	Entity string
	Status ParticipantStatus
}

// RosterDiff вычисляет изменения состава между последовательными
// conference-info документами.
//
// Полный документ замещает предыдущий срез целиком, частичный
// вливается в копию предыдущего по entity URI. Новый срез становится
// каноническим после каждого применения, поэтому повторное применение
// того же полного документа не дает событий
type RosterDiff struct {
	mu sync.Mutex

	// selfEntity собственный URI, исключается из событий
	selfEntity string
	snapshot   *RosterSnapshot
}

// NewRosterDiff создает дифференциатор с пустым исходным срезом
func NewRosterDiff(selfEntity string) *RosterDiff {
	return &RosterDiff{
		selfEntity: selfEntity,
		snapshot:   NewRosterSnapshot(),
	}
}

// Snapshot возвращает текущий канонический срез
func (d *RosterDiff) Snapshot() *RosterSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

// Apply применяет разобранный документ и возвращает по одному событию
// на каждого участника, чей статус отличается от предыдущего среза
func (d *RosterDiff) Apply(doc *RosterDocument) []RosterEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := &RosterSnapshot{
		full:         doc.Full,
		participants: make(map[string]Participant, len(doc.Participants)),
	}
	if !doc.Full {
		// Частичный документ вливается в копию предыдущего среза,
		// не упомянутые участники сохраняются
		for entity, p := range d.snapshot.participants {
			next.participants[entity] = p
		}
	}
	for _, p := range doc.Participants {
		next.participants[p.Entity] = p
	}

	var events []RosterEvent
	for entity, p := range next.participants {
		if entity == d.selfEntity {
			continue
		}
		prev, existed := d.snapshot.participants[entity]
		if !existed || prev.Status != p.Status {
			events = append(events, RosterEvent{Entity: entity, Status: p.Status})
		}
	}

	d.snapshot = next
	return events
}
