package types

import "encoding/json"

// Wire event names. These must stay byte-compatible with the student and
// teacher clients.
const (
	// Client -> server
	EventJoin               = "join"
	EventTeacherJoin        = "teacher-join"
	EventCodeUpdate         = "code-update"
	EventSuspiciousActivity = "suspicious-activity"
	EventExamComplete       = "exam-complete"
	EventHeartbeat          = "heartbeat"

	// Server -> student
	EventStudentIDAssigned = "student-id-assigned"
	EventSessionRestored   = "session-restored"
	EventLoginError        = "login-error"
	EventExamExpired       = "exam-expired"
	EventExamCompleted     = "exam-completed"
	EventForceDisconnect   = "force-disconnect"
	EventTimeWarning       = "time-warning"
	EventTimeExtended      = "time-extended"
	EventAntiCheatWarning  = "anti-cheat-warning"

	// Server -> teacher
	EventStudentConnected    = "student-connected"
	EventStudentDisconnected = "student-disconnected"
	EventStudentCodeUpdate   = "student-code-update"
	EventStudentSuspicious   = "student-suspicious"
	EventStudentTerminated   = "student-terminated"
	EventStudentTimeWarning  = "student-time-warning"
	EventAllStudents         = "all-students"
	EventExamStatistics      = "exam-statistics"
)

// Envelope is the framing for every websocket message: a named event plus an
// opaque payload decoded by the handler for that event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the student join payload.
type JoinRequest struct {
	StudentName  string `json:"studentName"`
	StudentClass string `json:"studentClass"`
}

// CodeUpdate carries a code snapshot from the editor.
type CodeUpdate struct {
	Code           string `json:"code"`
	Filename       string `json:"filename"`
	Suspicious     string `json:"suspicious,omitempty"`
	TypingDuration int64  `json:"typingDuration,omitempty"` // milliseconds
}

// SuspiciousReport is a client-observed suspicious activity. Older clients
// send "activity", newer ones "activityType"; both are accepted.
type SuspiciousReport struct {
	ActivityType string `json:"activityType,omitempty"`
	Activity     string `json:"activity,omitempty"`
	Details      string `json:"details,omitempty"`
	Severity     string `json:"severity,omitempty"`
}

// Type returns whichever activity field the client populated.
func (r *SuspiciousReport) Type() string {
	if r.ActivityType != "" {
		return r.ActivityType
	}
	return r.Activity
}

// FocusEvent is one entry of the client-reported focus history.
// Timestamps are Unix milliseconds.
type FocusEvent struct {
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// KeystrokeEvent is one client-reported keystroke timestamp in Unix
// milliseconds. Only timing is reported, never key content.
type KeystrokeEvent struct {
	Timestamp int64 `json:"timestamp"`
}

// ScreenInfo is the client's claim about its display environment.
type ScreenInfo struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ScreenCount int    `json:"screenCount"`
	Timezone    string `json:"timezone"`
}

// Heartbeat is the periodic telemetry report from a student client. Every
// field is a self-reported claim and is treated as spoofable.
type Heartbeat struct {
	IsOnWarningScreen bool             `json:"isOnWarningScreen,omitempty"`
	FocusHistory      []FocusEvent     `json:"focusHistory,omitempty"`
	KeystrokeEvents   []KeystrokeEvent `json:"keystrokeEvents,omitempty"`
	ScreenInfo        *ScreenInfo      `json:"screenInfo,omitempty"`
}

// LoginAck is sent for both fresh sessions (student-id-assigned) and
// resumed ones (session-restored).
type LoginAck struct {
	SessionID string `json:"sessionId"`
	TimeLeft  int64  `json:"timeLeft"` // milliseconds
	Message   string `json:"message"`
	LastCode  string `json:"lastCode,omitempty"`
}

// LoginError is sent when a join attempt is rejected.
type LoginError struct {
	Type    LoginResultType `json:"type"`
	Message string          `json:"message"`
}

// ForceDisconnect tells a student client the server is closing its session.
type ForceDisconnect struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// TimeWarning is a one-shot countdown notice.
type TimeWarning struct {
	MinutesLeft       int    `json:"minutesLeft"`
	Message           string `json:"message"`
	TimeLeft          int64  `json:"timeLeft"` // milliseconds
	FormattedTimeLeft string `json:"formattedTimeLeft"`
}

// Warning is one active anti-cheat warning echoed back to the student.
type Warning struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// AntiCheatWarning accompanies a heartbeat acknowledgement when the engine
// has something to say.
type AntiCheatWarning struct {
	Warnings       []Warning `json:"warnings"`
	SuspicionScore float64   `json:"suspicionScore"`
}
