package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry реестр активных сессий.
//
// Все мутации сериализованы. Перечисление работает по снимку и
// переживает параллельные добавления и удаления. Реестр внедряется
// явно, глобального состояния нет
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   logrus.FieldLogger
}

// NewRegistry создает пустой реестр
func NewRegistry(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Add добавляет сессию с применением политики замещения.
//
// Если для того же удаленного контакта уже есть сессия: ожидающая
// исходящая сессия блокирует новую, любая другая принудительно
// завершается и новая занимает ее место
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	existing := r.findByContactLocked(s.RemoteContact())
	if existing != nil && existing.ID() != s.ID() {
		if existing.IsPending() && existing.Direction() == DirectionOriginating {
			r.mu.Unlock()
			return fmt.Errorf("для контакта %s уже есть ожидающая исходящая сессия %s",
				s.RemoteContact(), existing.ID())
		}
	} else {
		existing = nil
	}
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	if existing != nil {
		r.logger.WithFields(logrus.Fields{
			"replaced": existing.ID(),
			"by":       s.ID(),
		}).Info("сессия замещена новой для того же контакта")
		existing.Abort()
	}
	return nil
}

// Remove удаляет сессию. Возвращает true только при первом удалении
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get возвращает сессию по идентификатору
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len возвращает количество активных сессий
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions возвращает снимок активных сессий
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// FindByContact возвращает сессию удаленного контакта
func (r *Registry) FindByContact(contact string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.findByContactLocked(contact)
	return s, s != nil
}

func (r *Registry) findByContactLocked(contact string) *Session {
	if contact == "" {
		return nil
	}
	for _, s := range r.sessions {
		if s.RemoteContact() == contact {
			return s
		}
	}
	return nil
}
