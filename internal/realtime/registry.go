package realtime

import (
	"log"
	"sync"
)

// Registry tracks live connections by role. Students are keyed by session
// id, one connection per session; teachers are an unkeyed broadcast set.
type Registry struct {
	mu       sync.RWMutex
	students map[string]sender
	teachers map[sender]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		students: make(map[string]sender),
		teachers: make(map[sender]struct{}),
	}
}

// RegisterStudent binds a connection to a session, closing any previous
// connection for the same session asynchronously.
func (r *Registry) RegisterStudent(sessionID string, conn sender) {
	r.mu.Lock()
	prev, existed := r.students[sessionID]
	r.students[sessionID] = conn
	r.mu.Unlock()

	if existed && prev != conn {
		go func() {
			if err := prev.Close(); err != nil {
				log.Printf("realtime: close replaced connection session=%s err=%v", sessionID, err)
			}
		}()
	}
}

// UnregisterStudent removes a binding only if conn is still the one
// registered, so a stale connection cannot evict its replacement.
func (r *Registry) UnregisterStudent(sessionID string, conn sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.students[sessionID]
	if !ok || current != conn {
		return false
	}
	delete(r.students, sessionID)
	return true
}

// Student returns the live connection for a session, if any.
func (r *Registry) Student(sessionID string) (sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.students[sessionID]
	return conn, ok
}

// Students returns a snapshot of the student bindings.
func (r *Registry) Students() map[string]sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]sender, len(r.students))
	for id, conn := range r.students {
		out[id] = conn
	}
	return out
}

func (r *Registry) RegisterTeacher(conn sender) {
	r.mu.Lock()
	r.teachers[conn] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) UnregisterTeacher(conn sender) {
	r.mu.Lock()
	delete(r.teachers, conn)
	r.mu.Unlock()
}

// BroadcastTeachers sends one event to every teacher. Send failures are
// logged and skipped; a dead teacher is cleaned up by its read loop.
func (r *Registry) BroadcastTeachers(event string, payload interface{}) {
	r.mu.RLock()
	conns := make([]sender, 0, len(r.teachers))
	for conn := range r.teachers {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(event, payload); err != nil {
			log.Printf("realtime: teacher broadcast dropped event=%s err=%v", event, err)
		}
	}
}

// Counts reports connected students and teachers.
func (r *Registry) Counts() (students, teachers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.students), len(r.teachers)
}
