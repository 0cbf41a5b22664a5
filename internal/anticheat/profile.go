package anticheat

import "time"

// ViolationType is a scored violation category.
type ViolationType string

const (
	ViolationFocusLoss        ViolationType = "focusLoss"
	ViolationKeystrokeAnomaly ViolationType = "keystrokeAnomaly"
	ViolationHeartbeatMissed  ViolationType = "heartbeatMissed"
	ViolationCodeInjection    ViolationType = "codeInjection"
	ViolationTimeManipulation ViolationType = "timeManipulation"
)

// ExamState is the engine's view of a profile. Terminated is terminal.
type ExamState string

const (
	ExamActive     ExamState = "active"
	ExamTerminated ExamState = "terminated"
)

// ViolationCounts holds per-category counters plus the cumulative weighted
// TotalScore the termination predicate compares against its threshold.
// HeartbeatMissed is a liveness signal: it is counted but its weight never
// feeds TotalScore, so missed heartbeats alone can never terminate an exam.
type ViolationCounts struct {
	FocusLoss        int     `json:"focusLoss"`
	KeystrokeAnomaly int     `json:"keystrokeAnomaly"`
	HeartbeatMissed  int     `json:"heartbeatMissed"`
	CodeInjection    int     `json:"codeInjection"`
	TimeManipulation int     `json:"timeManipulation"`
	TotalScore       float64 `json:"totalScore"`
}

// ViolationRecord is one append-only scored violation.
type ViolationRecord struct {
	ID        string        `json:"id"`
	Type      ViolationType `json:"type"`
	Suspicion float64       `json:"suspicion"`
	Count     int           `json:"count"`
	Timestamp time.Time     `json:"timestamp"`
}

// SubmissionRecord is the bounded history entry for one code submission.
type SubmissionRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	CodeLength int       `json:"codeLength"`
	Suspicion  float64   `json:"suspicion"`
	Patterns   []string  `json:"patterns"`
}

// keystrokeStats are the bounded rolling typing statistics. During the
// learning phase only the average inter-key interval is accumulated.
type keystrokeStats struct {
	samples         int
	intervalSum     float64
	averageInterval float64 // milliseconds, 0 until learned
}

// Profile is the per-connection behavioral bookkeeping for one live
// session. It is created on join and discarded on disconnect; suspicion
// does not survive a reconnect.
type Profile struct {
	StudentID         string
	SessionStart      time.Time
	ExamState         ExamState
	LastActivity      time.Time
	IsOnWarningScreen bool

	lastHeartbeat     time.Time
	expectedHeartbeat time.Time

	keystrokes  keystrokeStats
	Violations  ViolationCounts
	records     []ViolationRecord
	submissions []SubmissionRecord
}

const (
	maxViolationRecords  = 100
	maxSubmissionRecords = 100
	learningSampleTarget = 100
	learningMinSamples   = 20
)

// appendRecord keeps the violation history bounded.
func (p *Profile) appendRecord(r ViolationRecord) {
	p.records = append(p.records, r)
	if len(p.records) > maxViolationRecords {
		p.records = p.records[len(p.records)-maxViolationRecords:]
	}
}

// appendSubmission keeps the submission history bounded.
func (p *Profile) appendSubmission(r SubmissionRecord) {
	p.submissions = append(p.submissions, r)
	if len(p.submissions) > maxSubmissionRecords {
		p.submissions = p.submissions[len(p.submissions)-maxSubmissionRecords:]
	}
}

// recentRecords returns up to n of the newest violation records.
func (p *Profile) recentRecords(n int) []ViolationRecord {
	if len(p.records) <= n {
		out := make([]ViolationRecord, len(p.records))
		copy(out, p.records)
		return out
	}
	out := make([]ViolationRecord, n)
	copy(out, p.records[len(p.records)-n:])
	return out
}
