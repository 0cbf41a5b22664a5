package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"proctor/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	student_name TEXT NOT NULL,
	student_class TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time TIMESTAMP NOT NULL,
	exam_end_time TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	end_time TIMESTAMP,
	last_code TEXT NOT NULL DEFAULT '',
	suspicious_activities TEXT NOT NULL DEFAULT '[]',
	termination_type TEXT NOT NULL DEFAULT '',
	cleared_at TIMESTAMP,
	cleared_by TEXT NOT NULL DEFAULT '',
	exam_date TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_exam_date ON sessions(exam_date);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// Store is the sqlite-backed session store. All writes flow through a single
// writer goroutine; SQLite handles concurrent reads under WAL.
type Store struct {
	db       *sql.DB
	writeCh  chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.RWMutex
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// Open opens (and if needed bootstraps) the session database at path.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(timeout)
	db.SetConnMaxIdleTime(timeout / 3)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply session schema: %w", err)
	}

	s := &Store{
		db:       db,
		writeCh:  make(chan writeOp, 100),
		shutdown: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// writeLoop serializes all writes through one goroutine, retrying a failed
// write once after a short backoff.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			err := op.fn(s.db)
			if err != nil {
				log.Printf("Session store write failed, retrying: %v", err)
				time.Sleep(time.Second)
				err = op.fn(s.db)
				if err != nil {
					log.Printf("Session store write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			// Answer every write already queued so no caller is left
			// waiting on its result. New writes are refused once the
			// closed flag is set, which happens before shutdown closes.
			for {
				select {
				case op := <-s.writeCh:
					op.result <- op.fn(s.db)
				default:
					return
				}
			}
		}
	}
}

// executeWrite queues a write for the loop. The read lock covers the
// enqueue, so an op can only enter the channel before Close sets the
// closed flag, and the shutdown drain is guaranteed to reach it.
func (s *Store) executeWrite(ctx context.Context, fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{fn: fn, result: result}:
		s.mu.RUnlock()
	case <-time.After(30 * time.Second):
		s.mu.RUnlock()
		return ErrWriteTimeout
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	return <-result
}

// Save persists the session, replacing any previous copy. The overwrite is
// idempotent so retries after partial failures are safe.
func (s *Store) Save(ctx context.Context, session *types.Session) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		activitiesJSON, err := json.Marshal(session.SuspiciousActivities)
		if err != nil {
			return fmt.Errorf("failed to marshal suspicious activities: %w", err)
		}

		query := `
			INSERT OR REPLACE INTO sessions
			(id, student_name, student_class, status, start_time, exam_end_time,
			 last_activity, end_time, last_code, suspicious_activities,
			 termination_type, cleared_at, cleared_by, exam_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = db.ExecContext(ctx, query,
			session.ID,
			session.StudentName,
			session.StudentClass,
			string(session.Status),
			session.StartTime,
			session.ExamEndTime,
			session.LastActivity,
			session.EndTime,
			session.LastCode,
			string(activitiesJSON),
			string(session.TerminationType),
			session.ClearedAt,
			session.ClearedBy,
			session.Partition(),
		)
		if err != nil {
			return fmt.Errorf("failed to save session %s: %w", session.ID, err)
		}
		return nil
	})
}

// Load returns the persisted session or types.ErrSessionNotFound.
func (s *Store) Load(ctx context.Context, sessionID string) (*types.Session, error) {
	query := `
		SELECT id, student_name, student_class, status, start_time, exam_end_time,
		       last_activity, end_time, last_code, suspicious_activities,
		       termination_type, cleared_at, cleared_by
		FROM sessions
		WHERE id = ?
	`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	return session, nil
}

// LoadAll returns every session stored under the given daily partition.
func (s *Store) LoadAll(ctx context.Context, partition string) ([]*types.Session, error) {
	query := `
		SELECT id, student_name, student_class, status, start_time, exam_end_time,
		       last_activity, end_time, last_code, suspicious_activities,
		       termination_type, cleared_at, cleared_by
		FROM sessions
		WHERE exam_date = ?
		ORDER BY start_time ASC
	`
	rows, err := s.db.QueryContext(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions for %s: %w", partition, err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// HealthCheck validates database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the writer goroutine and the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close session database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session         types.Session
		status          string
		endTime         sql.NullTime
		activitiesJSON  string
		terminationType string
		clearedAt       sql.NullTime
	)

	err := row.Scan(
		&session.ID,
		&session.StudentName,
		&session.StudentClass,
		&status,
		&session.StartTime,
		&session.ExamEndTime,
		&session.LastActivity,
		&endTime,
		&session.LastCode,
		&activitiesJSON,
		&terminationType,
		&clearedAt,
		&session.ClearedBy,
	)
	if err != nil {
		return nil, err
	}

	session.Status = types.SessionStatus(status)
	session.TerminationType = types.TerminationType(terminationType)
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	if clearedAt.Valid {
		session.ClearedAt = &clearedAt.Time
	}
	if err := json.Unmarshal([]byte(activitiesJSON), &session.SuspiciousActivities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suspicious activities: %w", err)
	}
	return &session, nil
}
