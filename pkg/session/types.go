package session

// Direction направление сессии
type Direction string

const (
	// DirectionOriginating сессия инициирована локально
	DirectionOriginating Direction = "originating"
	// DirectionTerminating сессия инициирована удаленной стороной
	DirectionTerminating Direction = "terminating"
)

// Состояния жизненного цикла сессии
const (
	StateIdle        = "idle"
	StateRinging     = "ringing"
	StateAccepting   = "accepting"
	StateEstablished = "established"
	StateTerminated  = "terminated"
)

// InvitationStatus исход ожидания ответа на приглашение.
// Ровно один исход фиксируется ровно один раз
type InvitationStatus string

const (
	// AnswerAccepted приглашение принято пользователем или автоматикой
	AnswerAccepted InvitationStatus = "ACCEPTED"
	// AnswerRejectedByUser пользователь отклонил приглашение
	AnswerRejectedByUser InvitationStatus = "REJECTED_BY_USER"
	// AnswerRejectedByRemote удаленная сторона отменила приглашение
	AnswerRejectedByRemote InvitationStatus = "REJECTED_BY_REMOTE"
	// AnswerTimeout решение не принято за отведенное время
	AnswerTimeout InvitationStatus = "TIMED_OUT"
	// AnswerRejectedBySystem сессия прервана до принятия решения
	AnswerRejectedBySystem InvitationStatus = "REJECTED_BY_SYSTEM"
)

// TerminationReason причина завершения сессии, сообщаемая слушателям
type TerminationReason string

const (
	TerminatedByUser       TerminationReason = "TERMINATED_BY_USER"
	TerminatedByRemote     TerminationReason = "TERMINATED_BY_REMOTE"
	TerminatedBySystem     TerminationReason = "TERMINATED_BY_SYSTEM"
	TerminatedByInactivity TerminationReason = "TERMINATED_BY_INACTIVITY"
	RejectedByUser         TerminationReason = "REJECTED_BY_USER"
	RejectedByRemote       TerminationReason = "REJECTED_BY_REMOTE"
	RejectedByTimeout      TerminationReason = "REJECTED_BY_TIMEOUT"
	TerminatedByError      TerminationReason = "TERMINATED_BY_ERROR"
)
