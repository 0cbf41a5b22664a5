package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// Manager owns exam session records: identity, timing and the status
// machine. The in-memory map is authoritative; the store is a restart
// fallback. All field mutations happen under the write lock, and the store
// receives a snapshot taken at mutation time.
type Manager struct {
	store    interfaces.SessionStore
	roster   interfaces.RosterValidator
	duration time.Duration

	sessions map[string]*types.Session
	mu       sync.RWMutex

	now func() time.Time
}

// ActivityUpdate is the patch applied by UpdateActivity. A nil Code leaves
// the stored snapshot untouched.
type ActivityUpdate struct {
	Code       *string
	Filename   string
	Suspicious string
	Severity   string
}

// NewManager creates a session manager with the given exam duration.
func NewManager(store interfaces.SessionStore, roster interfaces.RosterValidator, duration time.Duration) *Manager {
	return &Manager{
		store:    store,
		roster:   roster,
		duration: duration,
		sessions: make(map[string]*types.Session),
		now:      time.Now,
	}
}

// LoadSessions warms the cache from today's partition. Cleared sessions are
// not revived.
func (m *Manager) LoadSessions(ctx context.Context) error {
	partition := m.now().UTC().Format("2006-01-02")
	sessions, err := m.store.LoadAll(ctx, partition)
	if err != nil {
		return fmt.Errorf("failed to load sessions for %s: %w", partition, err)
	}

	m.mu.Lock()
	for _, s := range sessions {
		if s.Status == types.StatusCleared {
			continue
		}
		m.sessions[s.ID] = s
	}
	m.mu.Unlock()

	log.Printf("Loaded %d sessions for %s", len(sessions), partition)
	return nil
}

// Login resolves a student join attempt: roster validation, then either a
// resume of the student's live session, a permanent rejection off a terminal
// record, or a fresh session. Rejections come back as results; only
// persistence/roster faults are errors.
func (m *Manager) Login(ctx context.Context, studentName, studentClass string) (*types.LoginResult, error) {
	if strings.TrimSpace(studentName) == "" || strings.TrimSpace(studentClass) == "" {
		return &types.LoginResult{
			Type:    types.LoginInvalidStudent,
			Message: "Name and class are required",
		}, nil
	}

	name := types.CleanStudentName(studentName)
	class := types.NormalizeClass(studentClass)

	check, err := m.roster.Validate(ctx, name, class)
	if err != nil {
		return nil, fmt.Errorf("roster validation failed: %w", err)
	}
	if !check.Valid {
		return &types.LoginResult{
			Type:    loginTypeForRoster(check.Reason),
			Message: check.Message,
		}, nil
	}

	if existing := m.findSession(name, class); existing != nil {
		return m.resolveExisting(ctx, existing)
	}

	return m.createSession(ctx, name, class)
}

// resolveExisting applies the login resolution rules to the student's
// existing record: terminal sessions reject permanently, overdue ones expire
// and reject, live ones resume.
func (m *Manager) resolveExisting(ctx context.Context, s *types.Session) (*types.LoginResult, error) {
	m.mu.Lock()
	if s.Status.IsTerminal() || s.TerminationType != "" {
		termination := s.TerminationType
		m.mu.Unlock()
		return &types.LoginResult{
			Type:    types.LoginExamExpired,
			Message: rejectionMessage(termination),
		}, nil
	}

	now := m.now()
	timeLeft := s.RemainingTime(now)
	if timeLeft <= 0 {
		id := s.ID
		m.mu.Unlock()
		if err := m.Expire(ctx, id); err != nil {
			return nil, err
		}
		return &types.LoginResult{
			Type:    types.LoginExamExpired,
			Message: "The exam time has run out",
		}, nil
	}

	s.Status = types.StatusActive
	s.LastActivity = now
	snapshot := *s
	m.mu.Unlock()

	if err := m.store.Save(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to persist resumed session: %w", err)
	}

	log.Printf("Session resumed: id=%s timeLeft=%s", snapshot.ID, FormatTimeLeft(timeLeft))
	return &types.LoginResult{
		Success:   true,
		Type:      types.LoginContinueSession,
		Message:   fmt.Sprintf("Welcome back! You have %s remaining", FormatTimeLeft(timeLeft)),
		SessionID: snapshot.ID,
		TimeLeft:  timeLeft,
		LastCode:  snapshot.LastCode,
	}, nil
}

// createSession builds a fresh Active session with the full exam duration.
func (m *Manager) createSession(ctx context.Context, name, class string) (*types.LoginResult, error) {
	now := m.now()
	s := &types.Session{
		StudentName:          name,
		StudentClass:         class,
		Status:               types.StatusActive,
		StartTime:            now,
		ExamEndTime:          now.Add(m.duration),
		LastActivity:         now,
		SuspiciousActivities: []types.SuspiciousActivity{},
	}

	m.mu.Lock()
	// Re-check under the lock: a join for the same identity may have landed
	// while roster validation was in flight.
	if other := m.findSessionLocked(name, class); other != nil {
		m.mu.Unlock()
		return m.resolveExisting(ctx, other)
	}
	s.ID = m.assignID(class, name)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.store.Save(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}

	log.Printf("Session created: id=%s student=%s class=%s", s.ID, name, class)
	return &types.LoginResult{
		Success:   true,
		Type:      types.LoginSuccess,
		Message:   fmt.Sprintf("The exam has started! You have %s to finish", FormatTimeLeft(m.duration)),
		SessionID: s.ID,
		TimeLeft:  m.duration,
	}, nil
}

// assignID slugs class+name and suffixes a counter on collision. Caller
// holds the write lock.
func (m *Manager) assignID(class, name string) string {
	base := types.Slug(class, name)
	if base == "" {
		base = "student"
	}
	id := base
	for n := 2; ; n++ {
		if _, taken := m.sessions[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// UpdateActivity merges a code/activity patch into a session. Returns false
// without error when the session is unknown, already terminal or past its
// deadline; the deadline case transitions the session to Expired as a side
// effect. Persistence failures are fatal to the caller.
func (m *Manager) UpdateActivity(ctx context.Context, sessionID string, patch ActivityUpdate) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}

	now := m.now()
	if s.RemainingTime(now) <= 0 {
		m.mu.Unlock()
		if err := m.Expire(ctx, sessionID); err != nil {
			return false, err
		}
		return false, nil
	}

	s.LastActivity = now
	s.Status = types.StatusActive
	if patch.Code != nil {
		s.LastCode = *patch.Code
	}
	if patch.Suspicious != "" {
		severity := patch.Severity
		if severity == "" {
			severity = "medium"
		}
		s.SuspiciousActivities = append(s.SuspiciousActivities, types.SuspiciousActivity{
			ID:        uuid.New().String(),
			Type:      patch.Suspicious,
			Severity:  severity,
			Timestamp: now,
		})
	}
	snapshot := *s
	m.mu.Unlock()

	if err := m.store.Save(ctx, &snapshot); err != nil {
		return false, fmt.Errorf("failed to persist activity update: %w", err)
	}
	return true, nil
}

// Disconnect marks a live session Disconnected. Idempotent; terminal
// sessions are left untouched.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}

	s.Status = types.StatusDisconnected
	s.LastActivity = m.now()
	snapshot := *s
	m.mu.Unlock()

	if err := m.store.Save(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist disconnect: %w", err)
	}
	return nil
}

// Complete moves a session to Completed with the given termination type.
// Returns false when the session is unknown or already terminal.
func (m *Manager) Complete(ctx context.Context, sessionID string, termination types.TerminationType) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}

	now := m.now()
	s.Status = types.StatusCompleted
	s.TerminationType = termination
	s.EndTime = &now
	snapshot := *s
	m.mu.Unlock()

	if err := m.store.Save(ctx, &snapshot); err != nil {
		return false, fmt.Errorf("failed to persist completion: %w", err)
	}
	log.Printf("Session completed: id=%s termination=%s", sessionID, termination)
	return true, nil
}

// Expire moves a session to Expired with termination type timeout.
func (m *Manager) Expire(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}

	now := m.now()
	s.Status = types.StatusExpired
	s.TerminationType = types.TerminationTimeout
	s.EndTime = &now
	snapshot := *s
	m.mu.Unlock()

	if err := m.store.Save(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist expiry: %w", err)
	}
	log.Printf("Session expired: id=%s", sessionID)
	return nil
}

// ExtendTime moves the exam deadline forward. This is the one sanctioned
// way remaining time increases.
func (m *Manager) ExtendTime(ctx context.Context, sessionID string, minutes int) error {
	if minutes <= 0 {
		return ErrInvalidExtension
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.Status.IsTerminal() {
		m.mu.Unlock()
		return ErrSessionTerminal
	}

	s.ExamEndTime = s.ExamEndTime.Add(time.Duration(minutes) * time.Minute)
	snapshot := *s
	m.mu.Unlock()

	if err := m.store.Save(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist extension: %w", err)
	}
	log.Printf("Session extended: id=%s minutes=%d", sessionID, minutes)
	return nil
}

// Clear administratively removes a session from the live cache and persists
// it as Cleared with audit fields. Works on cached and store-only records.
func (m *Manager) Clear(ctx context.Context, sessionID, clearedBy string) error {
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.Status = types.StatusCleared
		s.ClearedAt = &now
		s.ClearedBy = clearedBy
		if s.EndTime == nil {
			s.EndTime = &now
		}
		snapshot := *s
		m.mu.Unlock()

		if err := m.store.Save(ctx, &snapshot); err != nil {
			return fmt.Errorf("failed to persist clear: %w", err)
		}

		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		loaded, err := m.store.Load(ctx, sessionID)
		if err != nil {
			return ErrSessionNotFound
		}
		loaded.Status = types.StatusCleared
		loaded.ClearedAt = &now
		loaded.ClearedBy = clearedBy
		if loaded.EndTime == nil {
			loaded.EndTime = &now
		}
		if err := m.store.Save(ctx, loaded); err != nil {
			return fmt.Errorf("failed to persist clear: %w", err)
		}
	}

	log.Printf("Session cleared: id=%s by=%s", sessionID, clearedBy)
	return nil
}

// Get returns a copy of a cached session by id.
func (m *Manager) Get(sessionID string) (*types.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	view := *s
	return &view, true
}

// RemainingTime reports the time left for a cached session.
func (m *Manager) RemainingTime(sessionID string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return s.RemainingTime(m.now()), true
}

// ActiveSessions returns dashboard projections of every live session,
// lazily expiring any whose deadline has passed.
func (m *Manager) ActiveSessions(ctx context.Context) []types.SessionView {
	now := m.now()

	m.mu.RLock()
	views := make([]types.SessionView, 0, len(m.sessions))
	var overdue []string
	for _, s := range m.sessions {
		if !s.Status.IsLive() {
			continue
		}
		timeLeft := s.RemainingTime(now)
		if timeLeft <= 0 {
			overdue = append(overdue, s.ID)
			continue
		}
		views = append(views, types.SessionView{
			SessionID:         s.ID,
			StudentName:       s.StudentName,
			StudentClass:      s.StudentClass,
			Status:            s.Status,
			TimeLeft:          timeLeft.Milliseconds(),
			FormattedTimeLeft: FormatTimeLeft(timeLeft),
			LastActivity:      s.LastActivity,
			SuspiciousCount:   len(s.SuspiciousActivities),
		})
	}
	m.mu.RUnlock()

	for _, id := range overdue {
		if err := m.Expire(ctx, id); err != nil {
			log.Printf("Failed to expire session %s: %v", id, err)
		}
	}
	return views
}

// FormatTimeLeft renders a duration as zero-padded HH:MM:SS.
func FormatTimeLeft(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func loginTypeForRoster(reason types.RosterReason) types.LoginResultType {
	switch reason {
	case types.RosterInvalidClass:
		return types.LoginInvalidClass
	case types.RosterStudentNotInClass:
		return types.LoginNotInClass
	default:
		return types.LoginInvalidStudent
	}
}

// findSession returns the session holding a student identity. A live session
// wins; failing that, a terminal record is returned so the identity stays
// blocked until it is cleared.
func (m *Manager) findSession(name, class string) *types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findSessionLocked(name, class)
}

// findSessionLocked is findSession for callers already holding the lock.
func (m *Manager) findSessionLocked(name, class string) *types.Session {
	var terminal *types.Session
	for _, s := range m.sessions {
		if s.StudentName != name || s.StudentClass != class {
			continue
		}
		if s.Status.IsLive() {
			return s
		}
		terminal = s
	}
	return terminal
}

// rejectionMessage maps a termination type to the permanent login rejection
// shown to the student.
func rejectionMessage(t types.TerminationType) string {
	switch t {
	case types.TerminationGraceful:
		return "You have already submitted this exam"
	case types.TerminationTimeout:
		return "The exam time has run out"
	case types.TerminationForcedViolations:
		return "The exam was ended because of rule violations"
	case types.TerminationViolation:
		return "The exam was terminated by the anti-cheat system"
	case types.TerminationFullscreen:
		return "The exam was ended after fullscreen mode was left"
	case types.TerminationDocumentHidden:
		return "The exam was ended after the exam window was hidden"
	case types.TerminationAdminAction:
		return "The exam was ended by the teacher"
	default:
		return "This exam session has ended"
	}
}
