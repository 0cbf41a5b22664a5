package anticheat

import (
	"fmt"
	"log"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctor/pkg/types"
)

// TerminationEvent is delivered to the registered handler exactly once per
// profile, at the moment a violation flips the exam state to Terminated.
type TerminationEvent struct {
	StudentID      string
	Reason         ViolationType
	Violations     ViolationCounts
	SuspicionScore float64
	Records        []ViolationRecord
}

// HeartbeatResult reports the outcome of one heartbeat validation.
type HeartbeatResult struct {
	Valid          bool
	Reason         string
	Suspicion      float64
	Terminated     bool
	Warnings       []types.Warning
	SuspicionScore float64
}

// CodeResult reports the outcome of one code submission validation.
// When Valid is false the submission must be discarded.
type CodeResult struct {
	Valid      bool
	Reason     string
	Suspicion  float64
	Patterns   []string
	Terminated bool
}

type codePattern struct {
	name string
	re   *regexp.Regexp
}

// forbiddenPatterns are client-runtime tokens that never appear in honest
// exam solutions. Each distinct match contributes its own weight.
var forbiddenPatterns = []codePattern{
	{"exam_app_access", regexp.MustCompile(`(?i)window\.ExamApp`)},
	{"socket_access", regexp.MustCompile(`(?i)socket\.emit`)},
	{"terminate_call", regexp.MustCompile(`(?i)terminateExam`)},
	{"violation_tamper", regexp.MustCompile(`(?i)violationCount`)},
	{"anticheat_tamper", regexp.MustCompile(`(?i)antiCheatActive`)},
	{"eval_call", regexp.MustCompile(`(?i)eval\s*\(`)},
	{"function_constructor", regexp.MustCompile(`(?i)\bFunction\s*\(`)},
	{"new_function", regexp.MustCompile(`(?i)new\s+Function`)},
	{"document_access", regexp.MustCompile(`(?i)document\.`)},
	{"location_access", regexp.MustCompile(`(?i)location\.`)},
	{"navigator_access", regexp.MustCompile(`(?i)navigator\.`)},
	{"debugger_statement", regexp.MustCompile(`(?i)\bdebugger\b`)},
	{"tight_interval", regexp.MustCompile(`(?i)setInterval\([^)]*,\s*1?\d{1,2}\s*\)`)},
	{"tight_timeout", regexp.MustCompile(`(?i)setTimeout\([^)]*,\s*\d{1,2}\s*\)`)},
}

// consoleCallRe matches any console method call; allowed logging methods
// are filtered out separately because RE2 has no negative lookahead.
var consoleCallRe = regexp.MustCompile(`console\.(\w+)`)

var allowedConsoleMethods = map[string]bool{
	"log": true, "error": true, "warn": true, "info": true,
}

var advancedIdioms = []string{
	".reduce(", ".filter(", ".map(", "async function", "await", "Promise.",
}

// vmResolutions are screen sizes characteristic of virtual machine defaults.
var vmResolutions = map[[2]int]bool{
	{1024, 768}:  true,
	{1280, 1024}: true,
	{1366, 768}:  true,
}

const (
	weightHeartbeatLate  = 0.6
	weightHeartbeatSweep = 0.5
	weightFocusLoss      = 1.0
	weightMissingFocus   = 0.8
	weightMalformedFocus = 0.9
	weightBadTimestamp   = 1.0
	weightRapidToggling  = 0.8
	weightBotTyping      = 0.9
	weightChangedTyping  = 0.7
	weightPerPattern     = 0.3
	weightRapidCode      = 0.5
	weightPerfectCode    = 0.4

	codeRejectThreshold   = 0.7
	screenRejectThreshold = 0.7
	totalScoreLimit       = 3.0
)

// Engine scores student behavior and decides terminations. All profile
// state is owned by the engine's mutex; the termination handler is always
// invoked outside the lock.
type Engine struct {
	mu       sync.RWMutex
	profiles map[string]*Profile

	heartbeatInterval  time.Duration
	heartbeatTolerance time.Duration
	expectedTimezone   string

	onTerminate func(TerminationEvent)
	now         func() time.Time
}

// NewEngine creates an engine with the given heartbeat cadence and the
// timezone submitted screen info is checked against.
func NewEngine(heartbeatInterval, heartbeatTolerance time.Duration, expectedTimezone string) *Engine {
	return &Engine{
		profiles:           make(map[string]*Profile),
		heartbeatInterval:  heartbeatInterval,
		heartbeatTolerance: heartbeatTolerance,
		expectedTimezone:   expectedTimezone,
		now:                time.Now,
	}
}

// SetTerminationHandler registers the callback fired when a profile is
// terminated. Must be called before traffic arrives.
func (e *Engine) SetTerminationHandler(fn func(TerminationEvent)) {
	e.mu.Lock()
	e.onTerminate = fn
	e.mu.Unlock()
}

// InitProfile creates fresh behavioral state for a connecting student.
// An existing profile for the same id is replaced.
func (e *Engine) InitProfile(studentID string) {
	now := e.now()
	e.mu.Lock()
	e.profiles[studentID] = &Profile{
		StudentID:         studentID,
		SessionStart:      now,
		ExamState:         ExamActive,
		LastActivity:      now,
		lastHeartbeat:     now,
		expectedHeartbeat: now.Add(e.heartbeatInterval),
	}
	e.mu.Unlock()
	log.Printf("anticheat: profile initialized student=%s", studentID)
}

// Cleanup discards a profile. Safe to call for unknown ids.
func (e *Engine) Cleanup(studentID string) {
	e.mu.Lock()
	_, existed := e.profiles[studentID]
	delete(e.profiles, studentID)
	e.mu.Unlock()
	if existed {
		log.Printf("anticheat: profile removed student=%s", studentID)
	}
}

// ValidateHeartbeat runs the full heartbeat pipeline: cadence, focus
// history, keystroke dynamics and screen info. An invalid result carries
// the reason of the first fatal check; warnings and score are advisory.
func (e *Engine) ValidateHeartbeat(studentID string, hb *types.Heartbeat) HeartbeatResult {
	e.mu.Lock()
	p, ok := e.profiles[studentID]
	if !ok || p.ExamState == ExamTerminated {
		e.mu.Unlock()
		return HeartbeatResult{Valid: false, Reason: "invalid_session", Suspicion: 1.0}
	}

	now := e.now()
	var pending *TerminationEvent

	sinceLast := now.Sub(p.lastHeartbeat)
	p.IsOnWarningScreen = hb.IsOnWarningScreen
	p.lastHeartbeat = now
	p.expectedHeartbeat = now.Add(e.heartbeatInterval)
	p.LastActivity = now

	if sinceLast > e.heartbeatInterval+e.heartbeatTolerance && !hb.IsOnWarningScreen {
		pending = e.recordViolation(p, ViolationHeartbeatMissed, weightHeartbeatLate, now)
	}

	if reason, suspicion, vt := e.checkFocusHistory(p, hb.FocusHistory, now); reason != "" {
		if vt != "" {
			if ev := e.recordViolation(p, vt, suspicion, now); ev != nil {
				pending = ev
			}
		}
		res := HeartbeatResult{
			Valid:          false,
			Reason:         reason,
			Suspicion:      suspicion,
			Terminated:     p.ExamState == ExamTerminated,
			SuspicionScore: suspicionScore(p),
		}
		e.mu.Unlock()
		e.fire(pending)
		return res
	}

	if reason, suspicion := e.checkKeystrokes(p, hb.KeystrokeEvents); reason != "" {
		if ev := e.recordViolation(p, ViolationKeystrokeAnomaly, suspicion, now); ev != nil {
			pending = ev
		}
		res := HeartbeatResult{
			Valid:          false,
			Reason:         reason,
			Suspicion:      suspicion,
			Terminated:     p.ExamState == ExamTerminated,
			SuspicionScore: suspicionScore(p),
		}
		e.mu.Unlock()
		e.fire(pending)
		return res
	}

	if hb.ScreenInfo != nil {
		if suspicion := e.screenSuspicion(hb.ScreenInfo); suspicion >= screenRejectThreshold {
			if ev := e.recordViolation(p, ViolationTimeManipulation, suspicion, now); ev != nil {
				pending = ev
			}
			res := HeartbeatResult{
				Valid:          false,
				Reason:         "suspicious_screen_configuration",
				Suspicion:      suspicion,
				Terminated:     p.ExamState == ExamTerminated,
				SuspicionScore: suspicionScore(p),
			}
			e.mu.Unlock()
			e.fire(pending)
			return res
		}
	}

	res := HeartbeatResult{
		Valid:          true,
		Warnings:       activeWarnings(p),
		SuspicionScore: suspicionScore(p),
	}
	e.mu.Unlock()
	e.fire(pending)
	return res
}

// checkFocusHistory validates the focus event list. Only an actual blur is
// scored as a violation; missing or malformed data and suspect timestamps
// reject the heartbeat without touching the profile, so the returned
// violation type is empty for those paths.
func (e *Engine) checkFocusHistory(p *Profile, events []types.FocusEvent, now time.Time) (reason string, suspicion float64, vt ViolationType) {
	if events == nil {
		return "missing_focus_data", weightMissingFocus, ""
	}

	var prev int64
	for _, ev := range events {
		if ev.Type != "focus" && ev.Type != "blur" {
			return "malformed_focus_event", weightMalformedFocus, ""
		}
		ts := time.UnixMilli(ev.Timestamp)
		if ts.Before(p.SessionStart) || ts.After(now.Add(time.Second)) {
			return "timestamp_manipulation", weightBadTimestamp, ""
		}
		if ev.Timestamp < prev {
			return "timestamp_manipulation", weightBadTimestamp, ""
		}
		prev = ev.Timestamp
		if ev.Type == "blur" {
			return "focus_loss_detected", weightFocusLoss, ViolationFocusLoss
		}
	}

	// Rapid alternation between hidden and visible suggests a second
	// display or automated window switching.
	gaps := 0
	for i := 1; i < len(events); i++ {
		if events[i].Type == "focus" && events[i-1].Type == "blur" &&
			events[i].Timestamp-events[i-1].Timestamp > 1000 {
			gaps++
		}
	}
	if gaps >= 3 {
		return "rapid_focus_switching", weightRapidToggling, ""
	}
	return "", 0, ""
}

// checkKeystrokes folds a heartbeat's keystroke timings into the rolling
// profile and flags bot-like regularity or a changed typist.
func (e *Engine) checkKeystrokes(p *Profile, events []types.KeystrokeEvent) (reason string, suspicion float64) {
	if len(events) < 2 {
		return "", 0
	}

	intervals := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		d := float64(events[i].Timestamp - events[i-1].Timestamp)
		if d > 0 && d < 5000 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) < 10 {
		return "", 0
	}

	var sum float64
	for _, d := range intervals {
		sum += d
	}
	mean := sum / float64(len(intervals))

	var varSum float64
	for _, d := range intervals {
		varSum += (d - mean) * (d - mean)
	}
	stddev := math.Sqrt(varSum / float64(len(intervals)))
	cv := stddev / mean

	if p.keystrokes.samples < learningSampleTarget {
		p.keystrokes.samples += len(intervals)
		p.keystrokes.intervalSum += sum
		if p.keystrokes.samples >= learningMinSamples {
			p.keystrokes.averageInterval = p.keystrokes.intervalSum / float64(p.keystrokes.samples)
		}
		return "", 0
	}

	if cv < 0.15 && len(intervals) > 50 {
		return "bot_like_typing", weightBotTyping
	}
	if p.keystrokes.averageInterval > 0 && len(intervals) > 30 {
		deviation := math.Abs(mean-p.keystrokes.averageInterval) / p.keystrokes.averageInterval
		if deviation > 0.5 {
			return "typing_pattern_change", weightChangedTyping
		}
	}
	return "", 0
}

// screenSuspicion sums the screen configuration heuristics, clamped to 1.
func (e *Engine) screenSuspicion(info *types.ScreenInfo) float64 {
	var s float64
	if vmResolutions[[2]int{info.Width, info.Height}] {
		s += 0.3
	}
	if info.Height > 0 {
		ratio := float64(info.Width) / float64(info.Height)
		if ratio < 1.2 || ratio > 2.0 {
			s += 0.2
		}
	}
	if info.ScreenCount > 1 {
		s += 0.4
	}
	if info.Timezone != "" && info.Timezone != e.expectedTimezone {
		s += 0.3
	}
	if s > 1.0 {
		s = 1.0
	}
	return s
}

// ValidateCodeSubmission scores one code submission. Submissions at or
// above the rejection threshold are recorded as code injection and the
// caller must discard the code.
func (e *Engine) ValidateCodeSubmission(studentID, code string, typingDuration time.Duration) CodeResult {
	e.mu.Lock()
	p, ok := e.profiles[studentID]
	if !ok || p.ExamState == ExamTerminated {
		e.mu.Unlock()
		return CodeResult{Valid: false, Reason: "invalid_session", Suspicion: 1.0}
	}

	now := e.now()
	var suspicion float64
	var matched []string

	for _, cp := range forbiddenPatterns {
		if cp.re.MatchString(code) {
			suspicion += weightPerPattern
			matched = append(matched, cp.name)
		}
	}
	for _, m := range consoleCallRe.FindAllStringSubmatch(code, -1) {
		if !allowedConsoleMethods[m[1]] {
			suspicion += weightPerPattern
			matched = append(matched, "console_access")
			break
		}
	}

	if p.keystrokes.averageInterval > 0 && typingDuration > 0 {
		expected := float64(len(code)) * p.keystrokes.averageInterval
		if expected > 3*float64(typingDuration.Milliseconds()) {
			suspicion += weightRapidCode
			matched = append(matched, "rapid_code_appearance")
		}
	}

	if len(code) > 100 && looksGenerated(code) {
		suspicion += weightPerfectCode
		matched = append(matched, "suspiciously_perfect_code")
	}

	p.appendSubmission(SubmissionRecord{
		Timestamp:  now,
		CodeLength: len(code),
		Suspicion:  suspicion,
		Patterns:   matched,
	})
	p.LastActivity = now

	var pending *TerminationEvent
	valid := suspicion < codeRejectThreshold
	if !valid {
		pending = e.recordViolation(p, ViolationCodeInjection, suspicion, now)
	}

	res := CodeResult{
		Valid:      valid,
		Suspicion:  suspicion,
		Patterns:   matched,
		Terminated: p.ExamState == ExamTerminated,
	}
	if !valid {
		res.Reason = "code_injection_detected"
	}
	e.mu.Unlock()
	e.fire(pending)
	return res
}

// looksGenerated flags code with no comments, perfectly even indentation
// and a pile of advanced idioms, a combination students rarely produce
// under exam pressure.
func looksGenerated(code string) bool {
	lines := strings.Split(code, "\n")
	comments := 0
	indents := map[int]int{}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") {
			comments++
		}
		if trimmed == "" {
			continue
		}
		n := 0
		for _, r := range line {
			if r != ' ' && r != '\t' {
				break
			}
			n++
		}
		indents[n]++
	}
	if float64(comments)/float64(len(lines)) >= 0.01 {
		return false
	}
	if len(indents) > 4 {
		return false
	}

	idioms := 0
	for _, idiom := range advancedIdioms {
		if strings.Contains(code, idiom) {
			idioms++
		}
	}
	if strings.Contains(code, "try") && strings.Contains(code, "catch") {
		idioms++
	}
	return idioms > 3
}

// CheckMissedHeartbeats is the periodic sweep for students that stopped
// sending heartbeats entirely. Students on a warning screen are excused.
func (e *Engine) CheckMissedHeartbeats() {
	e.mu.Lock()
	now := e.now()
	var events []*TerminationEvent
	for _, p := range e.profiles {
		if p.ExamState != ExamActive {
			continue
		}
		if now.After(p.expectedHeartbeat.Add(e.heartbeatTolerance)) {
			if !p.IsOnWarningScreen {
				if ev := e.recordViolation(p, ViolationHeartbeatMissed, weightHeartbeatSweep, now); ev != nil {
					events = append(events, ev)
				}
				log.Printf("anticheat: missed heartbeat student=%s count=%d", p.StudentID, p.Violations.HeartbeatMissed)
			}
			p.expectedHeartbeat = now.Add(e.heartbeatInterval)
		}
	}
	e.mu.Unlock()
	for _, ev := range events {
		e.fire(ev)
	}
}

// recordViolation updates counters and score under the engine lock and
// returns a termination event when this violation crossed the line.
// HeartbeatMissed contributes to its counter but not to TotalScore.
func (e *Engine) recordViolation(p *Profile, vt ViolationType, suspicion float64, now time.Time) *TerminationEvent {
	count := 0
	switch vt {
	case ViolationFocusLoss:
		p.Violations.FocusLoss++
		count = p.Violations.FocusLoss
	case ViolationKeystrokeAnomaly:
		p.Violations.KeystrokeAnomaly++
		count = p.Violations.KeystrokeAnomaly
	case ViolationHeartbeatMissed:
		p.Violations.HeartbeatMissed++
		count = p.Violations.HeartbeatMissed
	case ViolationCodeInjection:
		p.Violations.CodeInjection++
		count = p.Violations.CodeInjection
	case ViolationTimeManipulation:
		p.Violations.TimeManipulation++
		count = p.Violations.TimeManipulation
	}
	if vt != ViolationHeartbeatMissed {
		p.Violations.TotalScore += suspicion
	}
	p.appendRecord(ViolationRecord{
		ID:        uuid.New().String(),
		Type:      vt,
		Suspicion: suspicion,
		Count:     count,
		Timestamp: now,
	})
	log.Printf("anticheat: violation student=%s type=%s suspicion=%.2f total=%.2f",
		p.StudentID, vt, suspicion, p.Violations.TotalScore)

	if p.ExamState == ExamActive && shouldTerminate(p.Violations) {
		p.ExamState = ExamTerminated
		return &TerminationEvent{
			StudentID:      p.StudentID,
			Reason:         vt,
			Violations:     p.Violations,
			SuspicionScore: suspicionScore(p),
			Records:        p.recentRecords(10),
		}
	}
	return nil
}

// shouldTerminate is the single termination predicate. Missed heartbeats
// never participate; connection loss is handled by session expiry instead.
func shouldTerminate(v ViolationCounts) bool {
	return v.FocusLoss > 0 ||
		v.CodeInjection >= 1 ||
		v.TimeManipulation >= 1 ||
		v.KeystrokeAnomaly >= 3 ||
		v.TotalScore >= totalScoreLimit
}

// suspicionScore is the 0..100 reporting gauge shown to teachers. It is a
// display quantity and plays no part in termination decisions.
func suspicionScore(p *Profile) float64 {
	v := p.Violations
	s := float64(v.FocusLoss)*100 +
		float64(v.CodeInjection)*50 +
		float64(v.KeystrokeAnomaly)*20 +
		float64(v.HeartbeatMissed)*15 +
		float64(v.TimeManipulation)*30
	return math.Min(s, 100)
}

// activeWarnings builds the advisory warnings for a valid heartbeat reply.
func activeWarnings(p *Profile) []types.Warning {
	var out []types.Warning
	if n := p.Violations.KeystrokeAnomaly; n > 0 {
		level := "medium"
		if n >= 2 {
			level = "high"
		}
		out = append(out, types.Warning{
			Type:    "keystroke_anomaly",
			Level:   level,
			Message: fmt.Sprintf("Unusual typing patterns detected (%d)", n),
		})
	}
	if n := p.Violations.HeartbeatMissed; n > 1 {
		out = append(out, types.Warning{
			Type:    "connection_instability",
			Level:   "medium",
			Message: fmt.Sprintf("Connection interruptions detected (%d)", n),
		})
	}
	return out
}

// fire invokes the termination handler outside the engine lock.
func (e *Engine) fire(ev *TerminationEvent) {
	if ev == nil {
		return
	}
	e.mu.RLock()
	fn := e.onTerminate
	e.mu.RUnlock()
	if fn != nil {
		log.Printf("anticheat: exam terminated student=%s reason=%s score=%.2f",
			ev.StudentID, ev.Reason, ev.Violations.TotalScore)
		fn(*ev)
	}
}
