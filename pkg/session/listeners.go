package session

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener получает события жизненного цикла сессии.
//
// Слушатели не владеют сессией. Каждое семантическое событие
// доставляется каждому слушателю не более одного раза
type Listener interface {
	// OnSessionRinging вызов сигнализируется пользователю
	OnSessionRinging(s *Session)

	// OnSessionStarted сессия установлена, медиа открыто
	OnSessionStarted(s *Session)

	// OnSessionTerminated сессия завершена с указанной причиной
	OnSessionTerminated(s *Session, reason TerminationReason)

	// OnSessionError терминальная ошибка сессии
	OnSessionError(s *Session, err *Error)
}

// notifier рассылает события слушателям с гарантией "не более одного
// раза на переход"
type notifier struct {
	mu        sync.Mutex
	listeners []Listener

	ringingFired    bool
	startedFired    bool
	terminatedFired bool

	logger logrus.FieldLogger
}

func newNotifier(logger logrus.FieldLogger) *notifier {
	return &notifier{logger: logger}
}

func (n *notifier) add(l Listener) {
	if l == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *notifier) remove(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.listeners {
		if existing == l {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

// snapshotFor возвращает слушателей, если событие еще не рассылалось
func (n *notifier) snapshotFor(fired *bool) []Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	if *fired {
		return nil
	}
	*fired = true
	out := make([]Listener, len(n.listeners))
	copy(out, n.listeners)
	return out
}

func (n *notifier) snapshot() []Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Listener, len(n.listeners))
	copy(out, n.listeners)
	return out
}

func (n *notifier) ringing(s *Session) {
	for _, l := range n.snapshotFor(&n.ringingFired) {
		l.OnSessionRinging(s)
	}
}

func (n *notifier) started(s *Session) {
	for _, l := range n.snapshotFor(&n.startedFired) {
		l.OnSessionStarted(s)
	}
}

func (n *notifier) terminated(s *Session, reason TerminationReason) {
	for _, l := range n.snapshotFor(&n.terminatedFired) {
		l.OnSessionTerminated(s, reason)
	}
}

// failed доставляет ошибку. Ошибки различимы по коду, поэтому
// дедупликации по переходу нет
func (n *notifier) failed(s *Session, err *Error) {
	for _, l := range n.snapshot() {
		l.OnSessionError(s, err)
	}
}
