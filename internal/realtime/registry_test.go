package realtime

import (
	"sync"
	"testing"
	"time"
)

// stubConn is a minimal sender for registry tests.
type stubConn struct {
	mu     sync.Mutex
	sent   []string
	closed bool
}

func (s *stubConn) Send(event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, event)
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegisterAndLookupStudent(t *testing.T) {
	r := NewRegistry()
	conn := &stubConn{}

	r.RegisterStudent("11a-ivan-petrov", conn)

	got, ok := r.Student("11a-ivan-petrov")
	if !ok || got != sender(conn) {
		t.Fatal("registered student not found")
	}
	students, teachers := r.Counts()
	if students != 1 || teachers != 0 {
		t.Errorf("unexpected counts: %d students, %d teachers", students, teachers)
	}
}

func TestReplacementClosesOldConnection(t *testing.T) {
	r := NewRegistry()
	old := &stubConn{}
	replacement := &stubConn{}

	r.RegisterStudent("11a-ivan-petrov", old)
	r.RegisterStudent("11a-ivan-petrov", replacement)

	// The old connection is closed asynchronously.
	deadline := time.Now().Add(time.Second)
	for !old.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("replaced connection was never closed")
		}
		time.Sleep(time.Millisecond)
	}

	got, _ := r.Student("11a-ivan-petrov")
	if got != sender(replacement) {
		t.Error("replacement connection not registered")
	}
}

func TestStaleUnregisterIsIgnored(t *testing.T) {
	r := NewRegistry()
	old := &stubConn{}
	replacement := &stubConn{}

	r.RegisterStudent("11a-ivan-petrov", old)
	r.RegisterStudent("11a-ivan-petrov", replacement)

	if r.UnregisterStudent("11a-ivan-petrov", old) {
		t.Error("stale connection unregistered its replacement")
	}
	if _, ok := r.Student("11a-ivan-petrov"); !ok {
		t.Error("replacement was evicted")
	}

	if !r.UnregisterStudent("11a-ivan-petrov", replacement) {
		t.Error("current connection failed to unregister")
	}
}

func TestBroadcastTeachers(t *testing.T) {
	r := NewRegistry()
	a, b := &stubConn{}, &stubConn{}
	r.RegisterTeacher(a)
	r.RegisterTeacher(b)

	r.BroadcastTeachers("exam-statistics", map[string]int{"n": 1})

	for _, conn := range []*stubConn{a, b} {
		conn.mu.Lock()
		n := len(conn.sent)
		conn.mu.Unlock()
		if n != 1 {
			t.Errorf("expected 1 event, got %d", n)
		}
	}

	r.UnregisterTeacher(a)
	_, teachers := r.Counts()
	if teachers != 1 {
		t.Errorf("expected 1 teacher after unregister, got %d", teachers)
	}
}
