package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"proctor/internal/anticheat"
	"proctor/internal/config"
	"proctor/internal/session"
	"proctor/pkg/types"
)

// fakeClient records every event the coordinator sends it.
type fakeClient struct {
	mu        sync.Mutex
	role      string
	sessionID string
	events    []recordedEvent
	closed    bool
}

type recordedEvent struct {
	name    string
	payload interface{}
}

func (f *fakeClient) Send(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{name: event, payload: payload})
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) Role() string      { f.mu.Lock(); defer f.mu.Unlock(); return f.role }
func (f *fakeClient) SetRole(r string)  { f.mu.Lock(); defer f.mu.Unlock(); f.role = r }
func (f *fakeClient) SessionID() string { f.mu.Lock(); defer f.mu.Unlock(); return f.sessionID }
func (f *fakeClient) SetSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = id
}

func (f *fakeClient) received(name string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].name == name {
			return f.events[i].payload, true
		}
	}
	return nil, false
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// memStore is an in-memory SessionStore.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*types.Session)}
}

func (m *memStore) Save(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memStore) Load(ctx context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) LoadAll(ctx context.Context, partition string) ([]*types.Session, error) {
	return nil, nil
}

func (m *memStore) HealthCheck(ctx context.Context) error { return nil }
func (m *memStore) Close() error                          { return nil }

// openRoster accepts every name and class.
type openRoster struct{}

func (openRoster) Validate(ctx context.Context, name, class string) (*types.RosterResult, error) {
	return &types.RosterResult{Valid: true, Reason: types.RosterValid}, nil
}

func newTestCoordinator(t *testing.T, duration time.Duration) (*Coordinator, *session.Manager, *fakeClient) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Exam.Duration = duration

	sessions := session.NewManager(newMemStore(), openRoster{}, duration)
	engine := anticheat.NewEngine(cfg.AntiCheat.HeartbeatInterval, cfg.AntiCheat.HeartbeatTolerance, cfg.AntiCheat.ExpectedTimezone)
	registry := NewRegistry()
	c := NewCoordinator(sessions, engine, registry, cfg)

	teacher := &fakeClient{}
	c.handleTeacherJoin(context.Background(), teacher)
	return c, sessions, teacher
}

func dispatch(t *testing.T, c *Coordinator, conn client, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	c.Dispatch(context.Background(), conn, &types.Envelope{Event: event, Data: data})
}

func join(t *testing.T, c *Coordinator, name, class string) *fakeClient {
	t.Helper()
	conn := &fakeClient{role: "student"}
	dispatch(t, c, conn, types.EventJoin, types.JoinRequest{StudentName: name, StudentClass: class})
	if conn.SessionID() == "" {
		t.Fatalf("join did not assign a session: %+v", conn.events)
	}
	return conn
}

func TestJoinAssignsSessionAndNotifiesTeachers(t *testing.T) {
	c, sessions, teacher := newTestCoordinator(t, 3*time.Hour)

	student := join(t, c, "Ivan Petrov", "11A")

	payload, ok := student.received(types.EventStudentIDAssigned)
	if !ok {
		t.Fatal("no student-id-assigned event")
	}
	ack := payload.(types.LoginAck)
	if ack.SessionID != "11a-ivan-petrov" {
		t.Errorf("unexpected session id %q", ack.SessionID)
	}

	if _, ok := sessions.Get(ack.SessionID); !ok {
		t.Error("session not created")
	}
	if _, ok := teacher.received(types.EventStudentConnected); !ok {
		t.Error("teachers were not told about the join")
	}
	if _, ok := teacher.received(types.EventExamStatistics); !ok {
		t.Error("statistics were not refreshed")
	}
}

func TestTeacherJoinGetsSnapshot(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 3*time.Hour)
	_ = join(t, c, "Ivan Petrov", "11A")

	late := &fakeClient{}
	c.handleTeacherJoin(context.Background(), late)

	payload, ok := late.received(types.EventAllStudents)
	if !ok {
		t.Fatal("no all-students snapshot")
	}
	views := payload.([]types.SessionView)
	if len(views) != 1 || views[0].SessionID != "11a-ivan-petrov" {
		t.Errorf("unexpected snapshot: %+v", views)
	}
	if _, ok := late.received(types.EventExamStatistics); !ok {
		t.Error("no statistics snapshot")
	}
}

func TestTrustedViolationTerminates(t *testing.T) {
	c, sessions, teacher := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	dispatch(t, c, student, types.EventSuspiciousActivity, types.SuspiciousReport{
		ActivityType: "fullscreen_violation",
	})

	s, _ := sessions.Get(student.SessionID())
	if s.Status != types.StatusCompleted || s.TerminationType != types.TerminationForcedViolations {
		t.Fatalf("expected completed/forced_violations, got %s/%s", s.Status, s.TerminationType)
	}
	if _, ok := student.received(types.EventForceDisconnect); !ok {
		t.Error("student was not force-disconnected")
	}
	if !student.isClosed() {
		t.Error("student connection left open")
	}
	if _, ok := teacher.received(types.EventStudentTerminated); !ok {
		t.Error("teachers were not told about the termination")
	}
}

func TestUntrustedReportOnlyRecords(t *testing.T) {
	c, sessions, teacher := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	dispatch(t, c, student, types.EventSuspiciousActivity, types.SuspiciousReport{
		Activity: "devtools_suspected",
		Severity: "low",
	})

	s, _ := sessions.Get(student.SessionID())
	if s.Status != types.StatusActive {
		t.Fatalf("client report changed session state to %s", s.Status)
	}
	if len(s.SuspiciousActivities) != 1 || s.SuspiciousActivities[0].Type != "devtools_suspected" {
		t.Fatalf("activity not recorded: %+v", s.SuspiciousActivities)
	}
	if _, ok := teacher.received(types.EventStudentSuspicious); !ok {
		t.Error("teachers were not told")
	}
	if _, ok := student.received(types.EventForceDisconnect); ok {
		t.Error("untrusted report must not disconnect the student")
	}
}

func TestEngineTerminationFlow(t *testing.T) {
	c, sessions, teacher := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	dispatch(t, c, student, types.EventHeartbeat, types.Heartbeat{
		FocusHistory: []types.FocusEvent{
			{Timestamp: time.Now().UnixMilli(), Type: "blur"},
		},
	})

	s, _ := sessions.Get(student.SessionID())
	if s.Status != types.StatusCompleted || s.TerminationType != types.TerminationViolation {
		t.Fatalf("expected completed/violation, got %s/%s", s.Status, s.TerminationType)
	}
	if _, ok := student.received(types.EventForceDisconnect); !ok {
		t.Error("student was not force-disconnected")
	}
	if _, ok := teacher.received(types.EventStudentTerminated); !ok {
		t.Error("teachers were not told")
	}
}

func TestCodeUpdateBroadcastsToTeachers(t *testing.T) {
	c, sessions, teacher := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	dispatch(t, c, student, types.EventCodeUpdate, types.CodeUpdate{
		Code:     "print('hello')",
		Filename: "main.py",
	})

	s, _ := sessions.Get(student.SessionID())
	if s.LastCode != "print('hello')" {
		t.Errorf("code not stored: %q", s.LastCode)
	}
	if _, ok := teacher.received(types.EventStudentCodeUpdate); !ok {
		t.Error("teachers did not get the code update")
	}
}

func TestInjectedCodeIsDiscarded(t *testing.T) {
	c, sessions, _ := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	dispatch(t, c, student, types.EventCodeUpdate, types.CodeUpdate{
		Code: "eval(atob(p)); debugger; document.cookie",
	})

	s, _ := sessions.Get(student.SessionID())
	if s.LastCode != "" {
		t.Errorf("injected code was stored: %q", s.LastCode)
	}
	// Three patterns terminate the exam through the engine.
	if s.TerminationType != types.TerminationViolation {
		t.Errorf("expected violation termination, got %q", s.TerminationType)
	}
}

func TestExamCompleteAcknowledged(t *testing.T) {
	c, sessions, _ := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	dispatch(t, c, student, types.EventExamComplete, nil)

	s, _ := sessions.Get(student.SessionID())
	if s.Status != types.StatusCompleted || s.TerminationType != types.TerminationGraceful {
		t.Fatalf("expected completed/graceful, got %s/%s", s.Status, s.TerminationType)
	}
	if _, ok := student.received(types.EventExamCompleted); !ok {
		t.Error("completion was not acknowledged")
	}
	if !student.isClosed() {
		t.Error("connection left open after completion")
	}
}

func TestDisconnectKeepsSessionResumable(t *testing.T) {
	c, sessions, teacher := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	c.HandleDisconnect(context.Background(), student)

	s, _ := sessions.Get(student.SessionID())
	if s.Status != types.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", s.Status)
	}
	if _, ok := teacher.received(types.EventStudentDisconnected); !ok {
		t.Error("teachers were not told")
	}

	// The student can come straight back.
	again := join(t, c, "Ivan Petrov", "11A")
	if _, ok := again.received(types.EventSessionRestored); !ok {
		t.Error("rejoin did not restore the session")
	}
	if again.SessionID() != student.SessionID() {
		t.Error("rejoin created a new session")
	}
}

func TestTimeWarningsFireOncePerThreshold(t *testing.T) {
	c, _, teacher := newTestCoordinator(t, 10*time.Minute)
	student := join(t, c, "Ivan Petrov", "11A")

	c.checkTimeWarnings()

	payload, ok := student.received(types.EventTimeWarning)
	if !ok {
		t.Fatal("no time warning")
	}
	warning := payload.(types.TimeWarning)
	if warning.MinutesLeft != 15 {
		t.Errorf("expected the 15-minute warning, got %d", warning.MinutesLeft)
	}
	if _, ok := teacher.received(types.EventStudentTimeWarning); !ok {
		t.Error("teachers did not get the warning")
	}

	// A second sweep at the same remaining time stays silent.
	before := student.eventCount()
	c.checkTimeWarnings()
	if student.eventCount() != before {
		t.Error("warning fired twice for the same threshold")
	}
}

func TestHeartbeatPushExpiresOverdueSessions(t *testing.T) {
	c, sessions, teacher := newTestCoordinator(t, time.Millisecond)
	student := join(t, c, "Ivan Petrov", "11A")

	time.Sleep(5 * time.Millisecond)
	c.pushHeartbeats()

	s, _ := sessions.Get(student.SessionID())
	if s.Status != types.StatusExpired {
		t.Fatalf("expected expired, got %s", s.Status)
	}
	if _, ok := student.received(types.EventExamExpired); !ok {
		t.Error("student was not told time is up")
	}
	if !student.isClosed() {
		t.Error("expired connection left open")
	}
	if _, ok := teacher.received(types.EventStudentDisconnected); !ok {
		t.Error("teachers were not told")
	}
}

func TestHeartbeatPushSendsCountdown(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 3*time.Hour)
	student := join(t, c, "Ivan Petrov", "11A")

	c.pushHeartbeats()

	if _, ok := student.received(types.EventHeartbeat); !ok {
		t.Error("no countdown heartbeat")
	}
}

func TestExtendTimeResetsWarnings(t *testing.T) {
	c, sessions, _ := newTestCoordinator(t, 10*time.Minute)
	student := join(t, c, "Ivan Petrov", "11A")

	c.checkTimeWarnings() // fires 15-minute threshold

	if err := c.ExtendTime(context.Background(), student.SessionID(), 60); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if _, ok := student.received(types.EventTimeExtended); !ok {
		t.Error("student was not told about the extension")
	}

	remaining, _ := sessions.RemainingTime(student.SessionID())
	if remaining <= time.Hour {
		t.Fatalf("extension not applied: %s left", remaining)
	}

	// With over an hour left no threshold applies, and the old marks are
	// gone so the warnings can fire again later.
	before := student.eventCount()
	c.checkTimeWarnings()
	if student.eventCount() != before {
		t.Error("warning fired with over an hour remaining")
	}

	c.mu.Lock()
	marks := len(c.warned[student.SessionID()])
	c.mu.Unlock()
	if marks != 0 {
		t.Errorf("expected warning marks cleared, %d left", marks)
	}
}

func TestMalformedJoinRejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 3*time.Hour)

	conn := &fakeClient{}
	c.Dispatch(context.Background(), conn, &types.Envelope{
		Event: types.EventJoin,
		Data:  json.RawMessage(`{"studentName": 42}`),
	})

	if _, ok := conn.received(types.EventLoginError); !ok {
		t.Error("malformed join got no login-error")
	}
}
