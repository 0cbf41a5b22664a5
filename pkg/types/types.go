package types

import (
	"time"
)

// SessionStatus is the lifecycle state of an exam session.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusDisconnected SessionStatus = "disconnected"
	StatusCompleted    SessionStatus = "completed"
	StatusExpired      SessionStatus = "expired"
	StatusCleared      SessionStatus = "cleared"
)

// IsTerminal reports whether no further status transition is possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCleared:
		return true
	default:
		return false
	}
}

// IsLive reports whether the session still counts against the
// one-live-session-per-student invariant.
func (s SessionStatus) IsLive() bool {
	return s == StatusActive || s == StatusDisconnected
}

// TerminationType records why a session ended. Empty means the session has
// not been terminated.
type TerminationType string

const (
	TerminationGraceful         TerminationType = "graceful"
	TerminationTimeout          TerminationType = "timeout"
	TerminationForcedViolations TerminationType = "forced_violations"
	TerminationViolation        TerminationType = "violation"
	TerminationFullscreen       TerminationType = "fullscreen_violation"
	TerminationDocumentHidden   TerminationType = "document_hidden_violation"
	TerminationAdminAction      TerminationType = "admin_action"
)

// Session is the record of one student's exam attempt. The in-memory copy
// owned by the session manager is authoritative; the persisted copy exists
// so a restart can recover the day's sessions.
type Session struct {
	ID                   string               `json:"sessionId"`
	StudentName          string               `json:"studentName"`
	StudentClass         string               `json:"studentClass"`
	Status               SessionStatus        `json:"status"`
	StartTime            time.Time            `json:"startTime"`
	ExamEndTime          time.Time            `json:"examEndTime"`
	LastActivity         time.Time            `json:"lastActivity"`
	EndTime              *time.Time           `json:"endTime,omitempty"`
	LastCode             string               `json:"lastCode"`
	SuspiciousActivities []SuspiciousActivity `json:"suspiciousActivities"`
	TerminationType      TerminationType      `json:"terminationType,omitempty"`
	ClearedAt            *time.Time           `json:"clearedAt,omitempty"`
	ClearedBy            string               `json:"clearedBy,omitempty"`
}

// RemainingTime returns how much exam time is left at now. The deadline is
// absolute and never moves except through an explicit extension.
func (s *Session) RemainingTime(now time.Time) time.Duration {
	left := s.ExamEndTime.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Partition returns the daily partition key the session is stored under.
func (s *Session) Partition() string {
	return s.StartTime.UTC().Format("2006-01-02")
}

// SuspiciousActivity is one append-only entry in a session's activity log.
type SuspiciousActivity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionView is the dashboard projection of a live session.
type SessionView struct {
	SessionID         string        `json:"sessionId"`
	StudentName       string        `json:"studentName"`
	StudentClass      string        `json:"studentClass"`
	Status            SessionStatus `json:"status"`
	TimeLeft          int64         `json:"timeLeft"`
	FormattedTimeLeft string        `json:"formattedTimeLeft"`
	LastActivity      time.Time     `json:"lastActivity"`
	SuspiciousCount   int           `json:"suspiciousCount"`
}

// RosterReason classifies the outcome of a roster validation.
type RosterReason string

const (
	RosterValid             RosterReason = "valid"
	RosterInvalidClass      RosterReason = "invalid_class"
	RosterInvalidStudent    RosterReason = "invalid_student"
	RosterStudentNotInClass RosterReason = "student_not_in_class"
)

// RosterResult is the answer of the roster validator collaborator.
type RosterResult struct {
	Valid   bool         `json:"valid"`
	Reason  RosterReason `json:"reason"`
	Message string       `json:"message"`
}

// LoginResultType classifies the outcome of a student join attempt.
type LoginResultType string

const (
	LoginSuccess         LoginResultType = "success"
	LoginContinueSession LoginResultType = "continue_session"
	LoginExamExpired     LoginResultType = "exam_expired"
	LoginStudentExists   LoginResultType = "student_exists"
	LoginInvalidStudent  LoginResultType = "invalid_student"
	LoginInvalidClass    LoginResultType = "invalid_class"
	LoginNotInClass      LoginResultType = "student_not_in_class"
)

// LoginResult is the value-typed outcome of a login attempt. Rejections are
// results, not errors; only persistence faults surface as errors.
type LoginResult struct {
	Success   bool
	Type      LoginResultType
	Message   string
	SessionID string
	TimeLeft  time.Duration
	LastCode  string
}
