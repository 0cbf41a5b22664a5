package anticheat

import "proctor/pkg/types"

// StudentStats is the dashboard snapshot of one monitored profile.
type StudentStats struct {
	StudentID       string            `json:"studentId"`
	ExamState       ExamState         `json:"examState"`
	Violations      ViolationCounts   `json:"violations"`
	SuspicionScore  float64           `json:"suspicionScore"`
	KeystrokeSample int               `json:"keystrokeSamples"`
	Submissions     int               `json:"submissions"`
	RecentRecords   []ViolationRecord `json:"recentViolations"`
}

// OverallStats aggregates across every live profile.
type OverallStats struct {
	MonitoredStudents  int     `json:"monitoredStudents"`
	TerminatedStudents int     `json:"terminatedStudents"`
	TotalViolations    int     `json:"totalViolations"`
	HighRiskStudents   int     `json:"highRiskStudents"`
	AverageSuspicion   float64 `json:"averageSuspicion"`
}

// Stats returns a snapshot for one student, or false if no profile exists.
func (e *Engine) Stats(studentID string) (StudentStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[studentID]
	if !ok {
		return StudentStats{}, false
	}
	return StudentStats{
		StudentID:       p.StudentID,
		ExamState:       p.ExamState,
		Violations:      p.Violations,
		SuspicionScore:  suspicionScore(p),
		KeystrokeSample: p.keystrokes.samples,
		Submissions:     len(p.submissions),
		RecentRecords:   p.recentRecords(10),
	}, true
}

// Overall aggregates monitoring statistics for the teacher dashboard.
// High risk means a suspicion score above 50.
func (e *Engine) Overall() OverallStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out OverallStats
	var scoreSum float64
	for _, p := range e.profiles {
		out.MonitoredStudents++
		if p.ExamState == ExamTerminated {
			out.TerminatedStudents++
		}
		v := p.Violations
		out.TotalViolations += v.FocusLoss + v.KeystrokeAnomaly + v.HeartbeatMissed +
			v.CodeInjection + v.TimeManipulation
		score := suspicionScore(p)
		scoreSum += score
		if score > 50 {
			out.HighRiskStudents++
		}
	}
	if out.MonitoredStudents > 0 {
		out.AverageSuspicion = scoreSum / float64(out.MonitoredStudents)
	}
	return out
}

// ActiveWarnings returns the advisory warnings currently attached to a
// profile, for pushing to the student outside the heartbeat reply.
func (e *Engine) ActiveWarnings(studentID string) []types.Warning {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[studentID]
	if !ok {
		return nil
	}
	return activeWarnings(p)
}
