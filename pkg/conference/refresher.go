package conference

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeriodicRefresher планирует продление подписки по wall-clock
// дедлайну.
//
// Таймер не самовозобновляется: успешное продление взводит следующий
// срабатывание заново, неуспешное оставляет таймер остановленным
type PeriodicRefresher struct {
	mu sync.Mutex

	timer  *time.Timer
	nextIn time.Duration
	logger logrus.FieldLogger
}

// NewPeriodicRefresher создает остановленный планировщик
func NewPeriodicRefresher(logger logrus.FieldLogger) *PeriodicRefresher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PeriodicRefresher{logger: logger}
}

// Arm взводит срабатывание task через d, отменяя ранее взведенное
func (r *PeriodicRefresher) Arm(d time.Duration, task func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.nextIn = d
	r.timer = time.AfterFunc(d, task)
	r.logger.WithField("in", d).Debug("продление подписки запланировано")
}

// Stop отменяет запланированное срабатывание. Повторный вызов не ошибка
func (r *PeriodicRefresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.nextIn = 0
}

// NextIn возвращает интервал последнего взведения, 0 после Stop
func (r *PeriodicRefresher) NextIn() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextIn
}

// Stopped возвращает true, если срабатывание не запланировано
func (r *PeriodicRefresher) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer == nil
}
