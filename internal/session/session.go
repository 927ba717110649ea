package session

import "time"

// Status is the lifecycle status of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
)

// Session is one assistant conversation the user started. It may be bound
// to a live terminal and may belong to one group.
type Session struct {
	ID           string             `json:"id"`
	Cwd          string             `json:"cwd"`
	Status       Status             `json:"status"`
	Label        string             `json:"label,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	LastActivity *time.Time         `json:"lastActivity,omitempty"`
	ResumeHandle string             `json:"resumeHandle,omitempty"`
	TerminalID   string             `json:"terminalId,omitempty"`
	Provider     string             `json:"provider,omitempty"`
	Model        string             `json:"model,omitempty"`
	Effort       string             `json:"effort,omitempty"`
	Env          map[string]*string `json:"env,omitempty"`
	GroupID      string             `json:"groupId,omitempty"`

	ArchivedAt        *time.Time `json:"archivedAt,omitempty"`
	ArchivedTerminals []string   `json:"archivedTerminals,omitempty"`
}

// Archived reports whether the session was moved out of the active set.
func (s Session) Archived() bool {
	return s.ArchivedAt != nil
}

// Group is the server's record of a session group.
type Group struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// TerminalState is the lifecycle of a hosted terminal process.
type TerminalState string

const (
	TerminalRunning TerminalState = "running"
	TerminalExited  TerminalState = "exited"
)

// Terminal describes a process hosted by the Manager.
type Terminal struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId,omitempty"`
	Cwd       string        `json:"cwd"`
	Command   string        `json:"command"`
	PID       int           `json:"pid"`
	State     TerminalState `json:"state"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	Signal    string        `json:"signal,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	LastSeq   uint64        `json:"lastSeq"`
}
