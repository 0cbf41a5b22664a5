package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"proctor/internal/anticheat"
	"proctor/internal/config"
	"proctor/internal/session"
	"proctor/internal/sweep"
	"proctor/pkg/types"
)

// trustedReports are client-observed violations acted on without engine
// scoring. A browser cannot misreport its own fullscreen or visibility
// state to itself, so these force completion directly. Everything else a
// client reports is recorded but never changes session state on the
// client's say-so.
var trustedReports = map[string]bool{
	"fullscreen_violation":      true,
	"document_hidden_violation": true,
}

// Coordinator owns the realtime exam flow: joins, heartbeats, code
// updates, suspicious reports, disconnects and the periodic sweeps that
// push countdowns and expire overdue sessions.
type Coordinator struct {
	sessions *session.Manager
	engine   *anticheat.Engine
	registry *Registry

	timeWarnings []int // minutes, checked descending

	mu     sync.Mutex
	warned map[string]map[int]bool // sessionID -> fired warning thresholds

	tasks sweep.Group
}

// NewCoordinator wires the manager, engine and registry together and
// registers the engine's termination callback.
func NewCoordinator(sessions *session.Manager, engine *anticheat.Engine, registry *Registry, cfg *config.Config) *Coordinator {
	warnings := make([]int, len(cfg.Exam.TimeWarnings))
	copy(warnings, cfg.Exam.TimeWarnings)
	sort.Sort(sort.Reverse(sort.IntSlice(warnings)))

	c := &Coordinator{
		sessions:     sessions,
		engine:       engine,
		registry:     registry,
		timeWarnings: warnings,
		warned:       make(map[string]map[int]bool),
	}
	engine.SetTerminationHandler(c.onEngineTermination)

	c.tasks.Add("heartbeat-push", cfg.Realtime.HeartbeatPushInterval, c.pushHeartbeats)
	c.tasks.Add("time-warnings", cfg.Realtime.TimeWarningInterval, c.checkTimeWarnings)
	c.tasks.Add("missed-heartbeats", cfg.AntiCheat.HeartbeatInterval/2, engine.CheckMissedHeartbeats)
	return c
}

// Start launches the periodic sweeps.
func (c *Coordinator) Start() { c.tasks.Start() }

// Stop halts the sweeps. Connections are closed by the HTTP server
// shutting down their sockets.
func (c *Coordinator) Stop() { c.tasks.Stop() }

// Dispatch routes one inbound envelope from a connection.
func (c *Coordinator) Dispatch(ctx context.Context, conn client, env *types.Envelope) {
	switch env.Event {
	case types.EventJoin:
		var req types.JoinRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendLoginError(conn, types.LoginInvalidStudent, "Malformed join request")
			return
		}
		c.handleJoin(ctx, conn, &req)
	case types.EventTeacherJoin:
		c.handleTeacherJoin(ctx, conn)
	case types.EventHeartbeat:
		var hb types.Heartbeat
		if err := json.Unmarshal(env.Data, &hb); err != nil {
			log.Printf("realtime: malformed heartbeat session=%s err=%v", conn.SessionID(), err)
			return
		}
		c.handleHeartbeat(ctx, conn, &hb)
	case types.EventCodeUpdate:
		var upd types.CodeUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			log.Printf("realtime: malformed code update session=%s err=%v", conn.SessionID(), err)
			return
		}
		c.handleCodeUpdate(ctx, conn, &upd)
	case types.EventSuspiciousActivity:
		var rep types.SuspiciousReport
		if err := json.Unmarshal(env.Data, &rep); err != nil {
			log.Printf("realtime: malformed suspicious report session=%s err=%v", conn.SessionID(), err)
			return
		}
		c.handleSuspicious(ctx, conn, &rep)
	case types.EventExamComplete:
		c.handleExamComplete(ctx, conn)
	default:
		log.Printf("realtime: unknown event=%s role=%s", env.Event, conn.Role())
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, conn client, req *types.JoinRequest) {
	result, err := c.sessions.Login(ctx, req.StudentName, req.StudentClass)
	if err != nil {
		log.Printf("realtime: login failed name=%q class=%q err=%v", req.StudentName, req.StudentClass, err)
		c.sendLoginError(conn, types.LoginInvalidStudent, "Login failed, please try again")
		return
	}

	if !result.Success {
		if result.Type == types.LoginExamExpired {
			_ = conn.Send(types.EventExamExpired, types.LoginError{Type: result.Type, Message: result.Message})
		} else {
			c.sendLoginError(conn, result.Type, result.Message)
		}
		_ = conn.Close()
		return
	}

	conn.SetRole("student")
	conn.SetSessionID(result.SessionID)
	c.registry.RegisterStudent(result.SessionID, conn)
	c.engine.InitProfile(result.SessionID)

	ack := types.LoginAck{
		SessionID: result.SessionID,
		TimeLeft:  result.TimeLeft.Milliseconds(),
		Message:   result.Message,
		LastCode:  result.LastCode,
	}
	event := types.EventStudentIDAssigned
	if result.Type == types.LoginContinueSession {
		event = types.EventSessionRestored
	}
	if err := conn.Send(event, ack); err != nil {
		log.Printf("realtime: join ack failed session=%s err=%v", result.SessionID, err)
		return
	}

	log.Printf("realtime: student joined session=%s restored=%v", result.SessionID, result.Type == types.LoginContinueSession)
	c.notifyTeachersSession(result.SessionID, types.EventStudentConnected)
	c.broadcastStatistics(ctx)
}

func (c *Coordinator) handleTeacherJoin(ctx context.Context, conn client) {
	conn.SetRole("teacher")
	c.registry.RegisterTeacher(conn)
	log.Printf("realtime: teacher joined")

	_ = conn.Send(types.EventAllStudents, c.sessions.ActiveSessions(ctx))
	_ = conn.Send(types.EventExamStatistics, c.statistics(ctx))
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, conn client, hb *types.Heartbeat) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}

	result := c.engine.ValidateHeartbeat(sessionID, hb)
	if result.Terminated {
		// The termination callback already tore the session down.
		return
	}

	if _, err := c.sessions.UpdateActivity(ctx, sessionID, session.ActivityUpdate{}); err != nil {
		log.Printf("realtime: heartbeat activity update failed session=%s err=%v", sessionID, err)
	}

	if !result.Valid {
		c.recordSuspicious(ctx, sessionID, result.Reason, severityFor(result.Suspicion))
		return
	}
	if len(result.Warnings) > 0 {
		_ = conn.Send(types.EventAntiCheatWarning, types.AntiCheatWarning{
			Warnings:       result.Warnings,
			SuspicionScore: result.SuspicionScore,
		})
	}
}

func (c *Coordinator) handleCodeUpdate(ctx context.Context, conn client, upd *types.CodeUpdate) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}

	result := c.engine.ValidateCodeSubmission(sessionID, upd.Code, time.Duration(upd.TypingDuration)*time.Millisecond)
	if !result.Valid {
		log.Printf("realtime: code submission rejected session=%s patterns=%v", sessionID, result.Patterns)
	}

	// The code is forwarded whatever the verdict. Teachers watch live code
	// and need to see exactly what the student submitted, a rejecting
	// verdict included.
	code := upd.Code
	patch := session.ActivityUpdate{Code: &code, Filename: upd.Filename}
	switch {
	case upd.Suspicious != "":
		patch.Suspicious = upd.Suspicious
	case !result.Valid:
		patch.Suspicious = result.Reason
		patch.Severity = "high"
	case result.Suspicion > 0.3:
		patch.Suspicious = "suspicious_code_patterns"
		patch.Severity = severityFor(result.Suspicion)
	}
	ok, err := c.sessions.UpdateActivity(ctx, sessionID, patch)
	if err != nil {
		log.Printf("realtime: code update failed session=%s err=%v", sessionID, err)
		return
	}
	if !ok && !result.Terminated {
		c.expireConnected(ctx, sessionID)
		return
	}

	c.registry.BroadcastTeachers(types.EventStudentCodeUpdate, map[string]interface{}{
		"sessionId": sessionID,
		"code":      upd.Code,
		"filename":  upd.Filename,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (c *Coordinator) handleSuspicious(ctx context.Context, conn client, rep *types.SuspiciousReport) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}
	activity := rep.Type()
	if activity == "" {
		return
	}

	if trustedReports[activity] {
		log.Printf("realtime: trusted violation session=%s activity=%s", sessionID, activity)
		c.terminateStudent(ctx, sessionID, types.TerminationForcedViolations, activity)
		return
	}

	c.recordSuspicious(ctx, sessionID, activity, rep.Severity)
}

func (c *Coordinator) handleExamComplete(ctx context.Context, conn client) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}

	done, err := c.sessions.Complete(ctx, sessionID, types.TerminationGraceful)
	if err != nil {
		log.Printf("realtime: completion failed session=%s err=%v", sessionID, err)
		return
	}
	if done {
		_ = conn.Send(types.EventExamCompleted, map[string]string{"sessionId": sessionID})
		log.Printf("realtime: exam completed session=%s", sessionID)
	}

	c.registry.UnregisterStudent(sessionID, conn)
	c.engine.Cleanup(sessionID)
	c.forgetWarnings(sessionID)
	_ = conn.Close()

	c.notifyTeachersSession(sessionID, types.EventStudentDisconnected)
	c.broadcastStatistics(ctx)
}

// HandleDisconnect is invoked when a connection's read loop ends.
// Behavioral state is discarded; the session itself survives for resume.
func (c *Coordinator) HandleDisconnect(ctx context.Context, conn client) {
	if conn.Role() == "teacher" {
		c.registry.UnregisterTeacher(conn)
		_ = conn.Close()
		log.Printf("realtime: teacher disconnected")
		return
	}

	sessionID := conn.SessionID()
	_ = conn.Close()
	if sessionID == "" {
		return
	}
	if !c.registry.UnregisterStudent(sessionID, conn) {
		return // replaced by a newer connection
	}

	c.engine.Cleanup(sessionID)
	if err := c.sessions.Disconnect(ctx, sessionID); err != nil {
		log.Printf("realtime: disconnect persist failed session=%s err=%v", sessionID, err)
	}
	log.Printf("realtime: student disconnected session=%s", sessionID)
	c.notifyTeachersSession(sessionID, types.EventStudentDisconnected)
	c.broadcastStatistics(ctx)
}

// onEngineTermination runs whenever the engine flips a profile to
// Terminated. It is called outside the engine lock.
func (c *Coordinator) onEngineTermination(ev anticheat.TerminationEvent) {
	ctx := context.Background()
	c.terminateStudent(ctx, ev.StudentID, types.TerminationViolation, string(ev.Reason))

	c.registry.BroadcastTeachers(types.EventStudentTerminated, map[string]interface{}{
		"sessionId":      ev.StudentID,
		"reason":         string(ev.Reason),
		"violations":     ev.Violations,
		"suspicionScore": ev.SuspicionScore,
	})
}

// terminateStudent completes the session, force-disconnects the student
// and tells the teachers. Used for both engine and trusted terminations.
func (c *Coordinator) terminateStudent(ctx context.Context, sessionID string, termination types.TerminationType, reason string) {
	if _, err := c.sessions.Complete(ctx, sessionID, termination); err != nil {
		log.Printf("realtime: termination persist failed session=%s err=%v", sessionID, err)
	}

	if conn, ok := c.registry.Student(sessionID); ok {
		_ = conn.Send(types.EventForceDisconnect, types.ForceDisconnect{
			Reason:  reason,
			Message: "Your exam has been terminated due to a rule violation.",
		})
		c.registry.UnregisterStudent(sessionID, conn)
		_ = conn.Close()
	}
	c.engine.Cleanup(sessionID)
	c.forgetWarnings(sessionID)

	log.Printf("realtime: session terminated session=%s type=%s reason=%s", sessionID, termination, reason)
	if termination != types.TerminationViolation {
		c.notifyTeachersSession(sessionID, types.EventStudentTerminated)
	}
	c.broadcastStatistics(ctx)
}

// Terminate ends a session on admin authority and disconnects the
// student if connected. Returns false when no live session matched.
func (c *Coordinator) Terminate(ctx context.Context, sessionID string) (bool, error) {
	done, err := c.sessions.Complete(ctx, sessionID, types.TerminationAdminAction)
	if err != nil || !done {
		return done, err
	}

	if conn, ok := c.registry.Student(sessionID); ok {
		_ = conn.Send(types.EventForceDisconnect, types.ForceDisconnect{
			Reason:  "admin_action",
			Message: "Your exam was ended by the teacher.",
		})
		c.registry.UnregisterStudent(sessionID, conn)
		_ = conn.Close()
	}
	c.engine.Cleanup(sessionID)
	c.forgetWarnings(sessionID)

	log.Printf("realtime: session ended by admin session=%s", sessionID)
	c.notifyTeachersSession(sessionID, types.EventStudentTerminated)
	c.broadcastStatistics(ctx)
	return true, nil
}

// ExtendTime pushes a session's deadline forward and resets any already
// fired countdown warnings that are valid again.
func (c *Coordinator) ExtendTime(ctx context.Context, sessionID string, minutes int) error {
	if err := c.sessions.ExtendTime(ctx, sessionID, minutes); err != nil {
		return err
	}

	remaining, _ := c.sessions.RemainingTime(sessionID)
	c.mu.Lock()
	if fired := c.warned[sessionID]; fired != nil {
		for threshold := range fired {
			if remaining > time.Duration(threshold)*time.Minute {
				delete(fired, threshold)
			}
		}
	}
	c.mu.Unlock()

	if conn, ok := c.registry.Student(sessionID); ok {
		_ = conn.Send(types.EventTimeExtended, map[string]interface{}{
			"minutes":           minutes,
			"timeLeft":          remaining.Milliseconds(),
			"formattedTimeLeft": session.FormatTimeLeft(remaining),
		})
	}
	c.notifyTeachersSession(sessionID, types.EventStudentConnected)
	return nil
}

// pushHeartbeats sends each connected student its remaining time and
// expires sessions whose deadline has passed.
func (c *Coordinator) pushHeartbeats() {
	ctx := context.Background()
	for sessionID, conn := range c.registry.Students() {
		remaining, ok := c.sessions.RemainingTime(sessionID)
		if !ok {
			continue
		}
		if remaining <= 0 {
			c.expireConnected(ctx, sessionID)
			continue
		}
		_ = conn.Send(types.EventHeartbeat, map[string]interface{}{
			"timeLeft":          remaining.Milliseconds(),
			"formattedTimeLeft": session.FormatTimeLeft(remaining),
		})
	}
	c.broadcastStatistics(ctx)
}

// expireConnected moves a session to Expired and closes its connection.
func (c *Coordinator) expireConnected(ctx context.Context, sessionID string) {
	if err := c.sessions.Expire(ctx, sessionID); err != nil {
		log.Printf("realtime: expiry persist failed session=%s err=%v", sessionID, err)
	}
	if conn, ok := c.registry.Student(sessionID); ok {
		_ = conn.Send(types.EventExamExpired, map[string]string{
			"message": "Exam time is up. Your work has been saved.",
		})
		c.registry.UnregisterStudent(sessionID, conn)
		_ = conn.Close()
	}
	c.engine.Cleanup(sessionID)
	c.forgetWarnings(sessionID)
	log.Printf("realtime: session expired session=%s", sessionID)
	c.notifyTeachersSession(sessionID, types.EventStudentDisconnected)
}

// checkTimeWarnings fires each countdown threshold at most once per
// session as remaining time crosses it.
func (c *Coordinator) checkTimeWarnings() {
	for sessionID, conn := range c.registry.Students() {
		remaining, ok := c.sessions.RemainingTime(sessionID)
		if !ok || remaining <= 0 {
			continue
		}
		minutes := remaining.Minutes()

		c.mu.Lock()
		fired := c.warned[sessionID]
		if fired == nil {
			fired = make(map[int]bool)
			c.warned[sessionID] = fired
		}
		notify := 0
		for _, threshold := range c.timeWarnings { // descending
			if minutes <= float64(threshold) && !fired[threshold] {
				fired[threshold] = true
				notify = threshold
			}
		}
		c.mu.Unlock()

		if notify == 0 {
			continue
		}
		warning := types.TimeWarning{
			MinutesLeft:       notify,
			Message:           fmt.Sprintf("%d minutes remaining", notify),
			TimeLeft:          remaining.Milliseconds(),
			FormattedTimeLeft: session.FormatTimeLeft(remaining),
		}
		_ = conn.Send(types.EventTimeWarning, warning)
		c.registry.BroadcastTeachers(types.EventStudentTimeWarning, map[string]interface{}{
			"sessionId":   sessionID,
			"minutesLeft": notify,
		})
		log.Printf("realtime: time warning session=%s minutes=%d", sessionID, notify)
	}
}

// recordSuspicious appends an activity to the session and tells teachers.
func (c *Coordinator) recordSuspicious(ctx context.Context, sessionID, activity, severity string) {
	ok, err := c.sessions.UpdateActivity(ctx, sessionID, session.ActivityUpdate{
		Suspicious: activity,
		Severity:   severity,
	})
	if err != nil {
		log.Printf("realtime: suspicious record failed session=%s err=%v", sessionID, err)
		return
	}
	if !ok {
		c.expireConnected(ctx, sessionID)
		return
	}

	payload := map[string]interface{}{
		"sessionId": sessionID,
		"activity":  activity,
		"severity":  severity,
		"timestamp": time.Now().UnixMilli(),
	}
	if stats, ok := c.engine.Stats(sessionID); ok {
		payload["suspicionScore"] = stats.SuspicionScore
	}
	c.registry.BroadcastTeachers(types.EventStudentSuspicious, payload)
}

// notifyTeachersSession broadcasts the current view of one session.
func (c *Coordinator) notifyTeachersSession(sessionID, event string) {
	s, ok := c.sessions.Get(sessionID)
	if !ok {
		c.registry.BroadcastTeachers(event, map[string]string{"sessionId": sessionID})
		return
	}
	remaining, _ := c.sessions.RemainingTime(sessionID)
	c.registry.BroadcastTeachers(event, types.SessionView{
		SessionID:         s.ID,
		StudentName:       s.StudentName,
		StudentClass:      s.StudentClass,
		Status:            s.Status,
		TimeLeft:          remaining.Milliseconds(),
		FormattedTimeLeft: session.FormatTimeLeft(remaining),
		LastActivity:      s.LastActivity,
		SuspiciousCount:   len(s.SuspiciousActivities),
	})
}

// Statistics is the aggregate snapshot pushed to teacher dashboards.
type Statistics struct {
	ConnectedStudents int                    `json:"connectedStudents"`
	ConnectedTeachers int                    `json:"connectedTeachers"`
	ActiveSessions    int                    `json:"activeSessions"`
	Monitoring        anticheat.OverallStats `json:"monitoring"`
}

// Snapshot returns the current aggregate, for the REST surface.
func (c *Coordinator) Snapshot(ctx context.Context) Statistics {
	return c.statistics(ctx)
}

func (c *Coordinator) statistics(ctx context.Context) Statistics {
	students, teachers := c.registry.Counts()
	return Statistics{
		ConnectedStudents: students,
		ConnectedTeachers: teachers,
		ActiveSessions:    len(c.sessions.ActiveSessions(ctx)),
		Monitoring:        c.engine.Overall(),
	}
}

func (c *Coordinator) broadcastStatistics(ctx context.Context) {
	c.registry.BroadcastTeachers(types.EventExamStatistics, c.statistics(ctx))
}

func (c *Coordinator) forgetWarnings(sessionID string) {
	c.mu.Lock()
	delete(c.warned, sessionID)
	c.mu.Unlock()
}

func severityFor(suspicion float64) string {
	switch {
	case suspicion >= 0.9:
		return "critical"
	case suspicion >= 0.7:
		return "high"
	default:
		return "medium"
	}
}

func (c *Coordinator) sendLoginError(conn client, t types.LoginResultType, msg string) {
	_ = conn.Send(types.EventLoginError, types.LoginError{Type: t, Message: msg})
}
