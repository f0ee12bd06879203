package rtp

import (
	"sync"

	"github.com/pion/rtp"
)

// Константы эвристик RFC 3550 Appendix A.1
const (
	maxDropout    = 3000 // Максимальный скачок вперед без ресинхронизации
	maxMisorder   = 100  // Максимальное отставание для reordered пакетов
	minSequential = 2    // Пакетов подряд для выхода из пробации

	seqNumCycle = 1 << 16

	// dedupWindow размер окна дедупликации поздних/переупорядоченных пакетов
	dedupWindow = 128
)

// SequenceTracker отслеживает sequence numbers одного RTP источника.
//
// Расширяет 16-битный wire sequence number до 32-битного extended
// значения через подсчет циклов (cycles*65536 + seq). Wire значение
// всегда восстановимо как младшие 16 бит extended значения.
//
// Обнаружение wraparound и ресинхронизация следуют эвристикам
// RFC 3550: большой скачок вперед начинает пробацию кандидата,
// второй пакет, продолжающий скачок, вызывает resync вместо отбрасывания.
type SequenceTracker struct {
	mu sync.Mutex

	baseSeq  uint16
	maxSeq   uint16 // Наибольший принятый wire sequence number
	cycles   uint32 // Завершенные циклы, кратно 65536
	badSeq   uint16 // Кандидат wire seq после подозрительного скачка
	hasBad   bool
	received uint64

	probation int  // Осталось последовательных пакетов до валидации
	valid     bool // Источник прошел пробацию

	// Окно дедупликации: extended seq принятых пакетов
	seen   map[uint32]struct{}
	maxExt uint32
}

// NewSequenceTracker создает трекер, инициализированный первым пакетом источника
func NewSequenceTracker(firstSeq uint16) *SequenceTracker {
	return &SequenceTracker{
		baseSeq:   firstSeq,
		maxSeq:    firstSeq,
		maxExt:    uint32(firstSeq),
		probation: minSequential - 1,
		seen:      map[uint32]struct{}{uint32(firstSeq): {}},
	}
}

// Extended возвращает текущий extended sequence number (cycles*65536 + maxSeq)
func (st *SequenceTracker) Extended() uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cycles + uint32(st.maxSeq)
}

// Received возвращает количество принятых (не отброшенных) пакетов
func (st *SequenceTracker) Received() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.received
}

// Valid возвращает true, если источник прошел пробацию
func (st *SequenceTracker) Valid() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.valid
}

// TrackPacket обрабатывает RTP пакет источника, см. Track
func (st *SequenceTracker) TrackPacket(packet *rtp.Packet) (uint32, bool) {
	return st.Track(packet.Header.SequenceNumber)
}

// Track обрабатывает очередной wire sequence number.
//
// Возвращает extended sequence number пакета и признак его пригодности.
// ok=false означает, что пакет отброшен: дубликат в окне дедупликации,
// источник еще в пробации или неподтвержденный скачок.
func (st *SequenceTracker) Track(seq uint16) (uint32, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	udelta := seq - st.maxSeq

	if st.probation > 0 {
		if seq == st.maxSeq+1 {
			st.probation--
			if st.probation == 0 {
				st.valid = true
			}
			st.advance(seq)
		} else {
			// Пробация перезапускается от нового значения,
			// счетчик циклов не трогается
			st.probation = minSequential - 1
			st.baseSeq = seq
			st.maxSeq = seq
		}
		ext := st.cycles + uint32(seq)
		if !st.valid {
			return ext, false
		}
		st.received++
		st.remember(ext)
		return ext, true
	}

	switch {
	case udelta > 0 && udelta < maxDropout:
		// Порядок соблюден, возможен wraparound
		st.hasBad = false
		st.advance(seq)
		ext := st.cycles + uint32(seq)
		st.received++
		st.remember(ext)
		return ext, true

	case udelta <= seqNumCycle-maxMisorder && udelta >= maxDropout:
		// Большой скачок вперед: принимаем только если следующий пакет
		// продолжает новую последовательность
		if st.hasBad && seq == st.badSeq {
			st.resync(seq)
			ext := st.cycles + uint32(seq)
			st.received++
			st.remember(ext)
			return ext, true
		}
		st.hasBad = true
		st.badSeq = seq + 1
		return st.cycles + uint32(seq), false

	default:
		// udelta == 0 либо пакет поздний/переупорядоченный
		st.hasBad = false
		ext := st.lateExtended(seq)
		if st.isDuplicate(ext) {
			return ext, false
		}
		st.received++
		st.remember(ext)
		return ext, true
	}
}

// advance продвигает maxSeq с учетом wraparound
func (st *SequenceTracker) advance(seq uint16) {
	if seq < st.maxSeq {
		// Wire значение обернулось через 65535
		st.cycles += seqNumCycle
	}
	st.maxSeq = seq
}

// resync перезапускает отслеживание от нового базового значения,
// сохраняя счетчик циклов, чтобы extended значения оставались связными
func (st *SequenceTracker) resync(seq uint16) {
	st.baseSeq = seq
	st.maxSeq = seq
	st.hasBad = false
	st.seen = map[uint32]struct{}{}
}

// lateExtended вычисляет extended seq для позднего пакета: значение
// больше maxSeq на пол-цикла относится к предыдущему циклу
func (st *SequenceTracker) lateExtended(seq uint16) uint32 {
	if seq > st.maxSeq && uint32(seq-st.maxSeq) > seqNumCycle/2 && st.cycles > 0 {
		return st.cycles - seqNumCycle + uint32(seq)
	}
	return st.cycles + uint32(seq)
}

func (st *SequenceTracker) isDuplicate(ext uint32) bool {
	_, ok := st.seen[ext]
	return ok
}

// remember фиксирует принятый пакет в окне дедупликации и
// вытесняет записи, вышедшие за его пределы
func (st *SequenceTracker) remember(ext uint32) {
	if ext > st.maxExt {
		st.maxExt = ext
	}
	st.seen[ext] = struct{}{}
	if len(st.seen) > dedupWindow {
		for k := range st.seen {
			if k+dedupWindow <= st.maxExt {
				delete(st.seen, k)
			}
		}
	}
}
