package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proctor/pkg/types"
)

// mockStore records saves in memory and can be told to fail.
type mockStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	saveErr  error
	saves    int
}

func newMockStore() *mockStore {
	return &mockStore{sessions: make(map[string]*types.Session)}
}

func (m *mockStore) Save(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	copied := *s
	m.sessions[s.ID] = &copied
	m.saves++
	return nil
}

func (m *mockStore) Load(ctx context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *mockStore) LoadAll(ctx context.Context, partition string) ([]*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Session
	for _, s := range m.sessions {
		if s.Partition() == partition {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

// mockRoster accepts everything unless told otherwise.
type mockRoster struct {
	result *types.RosterResult
	err    error
}

func (m *mockRoster) Validate(ctx context.Context, name, class string) (*types.RosterResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &types.RosterResult{Valid: true, Reason: types.RosterValid}, nil
}

func newTestManager(t *testing.T) (*Manager, *mockStore, *time.Time) {
	t.Helper()
	store := newMockStore()
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	m := NewManager(store, &mockRoster{}, 3*time.Hour)
	m.now = func() time.Time { return now }
	return m, store, &now
}

func TestLoginCreatesSession(t *testing.T) {
	m, store, _ := newTestManager(t)

	result, err := m.Login(context.Background(), "ivan petrov", "11a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.Type != types.LoginSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.SessionID != "11a-ivan-petrov" {
		t.Errorf("expected slug id, got %q", result.SessionID)
	}
	if result.TimeLeft != 3*time.Hour {
		t.Errorf("expected full duration, got %s", result.TimeLeft)
	}

	if _, err := store.Load(context.Background(), result.SessionID); err != nil {
		t.Errorf("session was not persisted: %v", err)
	}
}

func TestLoginRejectsBlankIdentity(t *testing.T) {
	m, _, _ := newTestManager(t)

	result, err := m.Login(context.Background(), "   ", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Type != types.LoginInvalidStudent {
		t.Fatalf("expected invalid_student, got %+v", result)
	}
}

func TestLoginRosterRejection(t *testing.T) {
	store := newMockStore()
	roster := &mockRoster{result: &types.RosterResult{
		Valid:   false,
		Reason:  types.RosterInvalidClass,
		Message: "Unknown class",
	}}
	m := NewManager(store, roster, 3*time.Hour)

	result, err := m.Login(context.Background(), "Ivan Petrov", "13Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Type != types.LoginInvalidClass {
		t.Fatalf("expected invalid_class, got %+v", result)
	}
}

func TestLoginRosterFault(t *testing.T) {
	store := newMockStore()
	roster := &mockRoster{err: errors.New("roster unreadable")}
	m := NewManager(store, roster, 3*time.Hour)

	if _, err := m.Login(context.Background(), "Ivan Petrov", "11A"); err == nil {
		t.Fatal("expected roster fault to surface as error")
	}
}

func TestDisconnectAndResume(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	first, err := m.Login(ctx, "Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Disconnect(ctx, first.SessionID); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	s, _ := m.Get(first.SessionID)
	if s.Status != types.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", s.Status)
	}

	// 30 minutes pass before the student returns.
	*now = now.Add(30 * time.Minute)

	second, err := m.Login(ctx, "IVAN  petrov", "11a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Type != types.LoginContinueSession {
		t.Fatalf("expected continue_session, got %+v", second)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("resume changed session id: %q vs %q", second.SessionID, first.SessionID)
	}
	if want := 3*time.Hour - 30*time.Minute; second.TimeLeft != want {
		t.Errorf("expected %s left, got %s", want, second.TimeLeft)
	}
}

func TestResumeRestoresLastCode(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	code := "print('hello')"
	if _, err := m.UpdateActivity(ctx, first.SessionID, ActivityUpdate{Code: &code}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	_ = m.Disconnect(ctx, first.SessionID)

	second, _ := m.Login(ctx, "Ivan Petrov", "11A")
	if second.LastCode != code {
		t.Errorf("expected restored code %q, got %q", code, second.LastCode)
	}
}

func TestExpiredSessionBlocksRejoin(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	_ = m.Disconnect(ctx, first.SessionID)

	*now = now.Add(3*time.Hour + time.Minute)

	second, err := m.Login(ctx, "Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Success || second.Type != types.LoginExamExpired {
		t.Fatalf("expected exam_expired, got %+v", second)
	}

	s, _ := m.Get(first.SessionID)
	if s.Status != types.StatusExpired || s.TerminationType != types.TerminationTimeout {
		t.Errorf("expected expired/timeout, got %s/%s", s.Status, s.TerminationType)
	}

	// The rejection is permanent for the day.
	third, _ := m.Login(ctx, "Ivan Petrov", "11A")
	if third.Success {
		t.Fatal("expected expired session to keep blocking rejoin")
	}
}

func TestCompletedSessionBlocksRejoin(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	done, err := m.Complete(ctx, first.SessionID, types.TerminationGraceful)
	if err != nil || !done {
		t.Fatalf("complete failed: done=%v err=%v", done, err)
	}

	second, _ := m.Login(ctx, "Ivan Petrov", "11A")
	if second.Success || second.Type != types.LoginExamExpired {
		t.Fatalf("expected rejection after completion, got %+v", second)
	}
	if second.Message != "You have already submitted this exam" {
		t.Errorf("unexpected rejection message: %q", second.Message)
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	if _, err := m.Complete(ctx, first.SessionID, types.TerminationViolation); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// No operation moves a terminal session back.
	if err := m.Disconnect(ctx, first.SessionID); err != nil {
		t.Fatalf("disconnect errored: %v", err)
	}
	done, _ := m.Complete(ctx, first.SessionID, types.TerminationGraceful)
	if done {
		t.Error("expected second completion to be a no-op")
	}
	if err := m.ExtendTime(ctx, first.SessionID, 10); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal, got %v", err)
	}
	code := "late edit"
	if ok, _ := m.UpdateActivity(ctx, first.SessionID, ActivityUpdate{Code: &code}); ok {
		t.Error("expected activity update on terminal session to be refused")
	}

	s, _ := m.Get(first.SessionID)
	if s.Status != types.StatusCompleted || s.TerminationType != types.TerminationViolation {
		t.Errorf("terminal state mutated: %s/%s", s.Status, s.TerminationType)
	}
}

func TestSlugCollisionGetsSuffix(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// "Ivan Petrov" and "Ivan-petrov" are different identities with the
	// same slug.
	first, err := m.Login(ctx, "Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.Login(ctx, "ivan-petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.SessionID != "11a-ivan-petrov" {
		t.Errorf("unexpected first id %q", first.SessionID)
	}
	if second.SessionID != "11a-ivan-petrov-2" {
		t.Errorf("expected suffixed id, got %q", second.SessionID)
	}
}

func TestNearSimultaneousJoinsShareSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Login(ctx, "Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.Login(ctx, "Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("second join created a new session: %q vs %q", second.SessionID, first.SessionID)
	}
	if second.Type != types.LoginContinueSession {
		t.Errorf("expected continue_session, got %s", second.Type)
	}
}

func TestUpdateActivityExpiresOverdueSession(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	*now = now.Add(4 * time.Hour)

	code := "late work"
	ok, err := m.UpdateActivity(ctx, first.SessionID, ActivityUpdate{Code: &code})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected update past deadline to be refused")
	}

	s, _ := m.Get(first.SessionID)
	if s.Status != types.StatusExpired {
		t.Errorf("expected expired, got %s", s.Status)
	}
	if s.LastCode == code {
		t.Error("expired session must not accept the code")
	}
}

func TestUpdateActivityRecordsSuspicious(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	ok, err := m.UpdateActivity(ctx, first.SessionID, ActivityUpdate{Suspicious: "tab_switch"})
	if err != nil || !ok {
		t.Fatalf("update failed: ok=%v err=%v", ok, err)
	}

	s, _ := m.Get(first.SessionID)
	if len(s.SuspiciousActivities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(s.SuspiciousActivities))
	}
	a := s.SuspiciousActivities[0]
	if a.Type != "tab_switch" || a.Severity != "medium" || a.ID == "" {
		t.Errorf("unexpected activity record: %+v", a)
	}
}

func TestExtendTime(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	before, _ := m.RemainingTime(first.SessionID)

	if err := m.ExtendTime(ctx, first.SessionID, 15); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	after, _ := m.RemainingTime(first.SessionID)
	if after-before != 15*time.Minute {
		t.Errorf("expected +15m, got %s", after-before)
	}

	if err := m.ExtendTime(ctx, first.SessionID, 0); !errors.Is(err, ErrInvalidExtension) {
		t.Errorf("expected ErrInvalidExtension, got %v", err)
	}
	if err := m.ExtendTime(ctx, "missing", 5); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestClearRemovesFromCacheAndAudits(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Login(ctx, "Ivan Petrov", "11A")
	if err := m.Clear(ctx, first.SessionID, "Mrs. Dimitrova"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	if _, ok := m.Get(first.SessionID); ok {
		t.Error("cleared session still cached")
	}
	stored, err := store.Load(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("cleared session not persisted: %v", err)
	}
	if stored.Status != types.StatusCleared || stored.ClearedBy != "Mrs. Dimitrova" || stored.ClearedAt == nil {
		t.Errorf("missing audit fields: %+v", stored)
	}

	// Student can start over after the clear.
	second, err := m.Login(ctx, "Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Success || second.Type != types.LoginSuccess {
		t.Fatalf("expected fresh session after clear, got %+v", second)
	}
}

func TestLoadSessionsSkipsCleared(t *testing.T) {
	store := newMockStore()
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)

	active := &types.Session{ID: "11a-a", StudentName: "A", StudentClass: "11A",
		Status: types.StatusActive, StartTime: now, ExamEndTime: now.Add(time.Hour)}
	cleared := &types.Session{ID: "11a-b", StudentName: "B", StudentClass: "11A",
		Status: types.StatusCleared, StartTime: now, ExamEndTime: now.Add(time.Hour)}
	_ = store.Save(context.Background(), active)
	_ = store.Save(context.Background(), cleared)

	m := NewManager(store, &mockRoster{}, 3*time.Hour)
	m.now = func() time.Time { return now }
	if err := m.LoadSessions(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if _, ok := m.Get("11a-a"); !ok {
		t.Error("active session not loaded")
	}
	if _, ok := m.Get("11a-b"); ok {
		t.Error("cleared session was revived")
	}
}

func TestLoginRollsBackOnSaveFailure(t *testing.T) {
	store := newMockStore()
	store.saveErr = errors.New("disk full")
	m := NewManager(store, &mockRoster{}, 3*time.Hour)

	if _, err := m.Login(context.Background(), "Ivan Petrov", "11A"); err == nil {
		t.Fatal("expected persistence error")
	}
	if _, ok := m.Get("11a-ivan-petrov"); ok {
		t.Error("failed session left in cache")
	}
}

func TestConcurrentUpdatesAndViews(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Login(ctx, "Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := first.SessionID

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			code := string(rune('a' + n))
			for j := 0; j < 50; j++ {
				if _, err := m.UpdateActivity(ctx, id, ActivityUpdate{
					Code:       &code,
					Suspicious: "tab_switch",
				}); err != nil {
					t.Errorf("update failed: %v", err)
					return
				}
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.ActiveSessions(ctx)
				if s, ok := m.Get(id); ok {
					_ = len(s.SuspiciousActivities)
				}
				if _, err := m.Login(ctx, "Ivan Petrov", "11A"); err != nil {
					t.Errorf("login failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	s, ok := m.Get(id)
	if !ok {
		t.Fatal("session lost")
	}
	if s.Status != types.StatusActive {
		t.Errorf("expected active session, got %s", s.Status)
	}
	if len(s.SuspiciousActivities) != 200 {
		t.Errorf("expected 200 recorded activities, got %d", len(s.SuspiciousActivities))
	}
}

func TestFormatTimeLeft(t *testing.T) {
	cases := map[time.Duration]string{
		0:                                    "00:00:00",
		2*time.Hour + 30*time.Minute + 45*time.Second: "02:30:45",
		-time.Minute:                         "00:00:00",
		59 * time.Second:                     "00:00:59",
	}
	for d, want := range cases {
		if got := FormatTimeLeft(d); got != want {
			t.Errorf("FormatTimeLeft(%s) = %q, want %q", d, got, want)
		}
	}
}
