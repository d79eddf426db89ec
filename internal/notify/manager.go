// Package notify delivers transient, toast-style notifications to UI
// subscribers. Delivery is best-effort: a slow or absent subscriber never
// blocks the producer.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a single transient message.
type Notification struct {
	ID          string    `json:"id"`
	Level       Level     `json:"level"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	SessionID   string    `json:"session_id,omitempty"`
	Dismissible bool      `json:"dismissible"`
	CreatedAt   time.Time `json:"created_at"`
}

const defaultHistory = 50

// Manager fans notifications out to subscribers and keeps a bounded
// history for late-mounting UI.
type Manager struct {
	mu      sync.Mutex
	recent  []Notification
	maxKeep int
	subs    map[int]chan Notification
	nextSub int
}

// NewManager creates a Manager with the default history size.
func NewManager() *Manager {
	return &Manager{
		maxKeep: defaultHistory,
		subs:    make(map[int]chan Notification),
	}
}

// Notify records and fans out a notification.
func (m *Manager) Notify(level Level, title, message string) Notification {
	n := Notification{
		ID:          uuid.New().String(),
		Level:       level,
		Title:       title,
		Message:     message,
		Dismissible: true,
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.recent = append(m.recent, n)
	if len(m.recent) > m.maxKeep {
		m.recent = m.recent[len(m.recent)-m.maxKeep:]
	}
	for _, ch := range m.subs {
		// Drop instead of blocking when a subscriber's buffer is full.
		select {
		case ch <- n:
		default:
		}
	}
	m.mu.Unlock()

	return n
}

// Success emits a success-level notification.
func (m *Manager) Success(title, message string) Notification {
	return m.Notify(LevelSuccess, title, message)
}

// Error emits an error-level notification.
func (m *Manager) Error(title, message string) Notification {
	return m.Notify(LevelError, title, message)
}

// Info emits an info-level notification.
func (m *Manager) Info(title, message string) Notification {
	return m.Notify(LevelInfo, title, message)
}

// Warning emits a warning-level notification.
func (m *Manager) Warning(title, message string) Notification {
	return m.Notify(LevelWarning, title, message)
}

// Subscribe returns a buffered channel of future notifications and a
// cancel function that closes it.
func (m *Manager) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns a copy of the retained notification history, oldest first.
func (m *Manager) Recent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.recent))
	copy(out, m.recent)
	return out
}

// Dismiss removes a notification from the retained history.
func (m *Manager) Dismiss(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.recent {
		if n.ID == id {
			m.recent = append(m.recent[:i], m.recent[i+1:]...)
			return
		}
	}
}
