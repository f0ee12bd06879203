package conference

import "sync"

// Ключи настроек подписки
const (
	// KeySubscribeExpire запрашиваемый период подписки, секунды
	KeySubscribeExpire = "subscribe.expire"
	// KeyMinSubscribeExpire минимум, объявленный сервером в 423
	KeyMinSubscribeExpire = "subscribe.min_expire"
)

// DefaultSubscribeExpire период подписки по умолчанию, секунды
const DefaultSubscribeExpire = 3600

// Settings внешнее key/value хранилище настроек. Подсказка минимального
// периода переживает пересоздание подписки того же вида
type Settings interface {
	GetInt(key string, def int) int
	SetInt(key string, value int)
}

// MemorySettings потокобезопасная реализация Settings в памяти
type MemorySettings struct {
	mu     sync.RWMutex
	values map[string]int
}

// NewMemorySettings создает пустое хранилище
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]int)}
}

// GetInt возвращает значение ключа или def
func (s *MemorySettings) GetInt(key string, def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// SetInt сохраняет значение ключа
func (s *MemorySettings) SetInt(key string, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}
