package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"agent-console/internal/layout"
	"agent-console/internal/session"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Body is the typed payload of a Message. The set of bodies is closed; the
// types below are all of them.
type Body interface {
	MessageType() string
	isBody()
}

// NewMessage wraps body in an envelope with the current timestamp.
func NewMessage(body Body) (*Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      body.MessageType(),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode marshals body as a complete envelope.
func Encode(body Body) ([]byte, error) {
	msg, err := NewMessage(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Server → Client message types.
const (
	TypeTerminalOutput    = "terminal.output"
	TypeTerminalExit      = "terminal.exit"
	TypeTerminalSpawned   = "terminal.spawned"
	TypeSessionsResumable = "sessions.resumable"
	TypeGroupsResumable   = "groups.resumable"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeRequestResumable = "sessions.requestResumable"
	TypeSessionRemove    = "session.remove"
	TypeSessionActivity  = "session.activity"
	TypeTerminalSpawn    = "terminal.spawn"
	TypeTerminalAttach   = "terminal.attach"
	TypeTerminalDetach   = "terminal.detach"
	TypeTerminalInput    = "terminal.input"
	TypeTerminalResize   = "terminal.resize"
	TypeTerminalKill     = "terminal.kill"
	TypeGroupUpsert      = "group.upsert"
)

// Error codes.
const (
	ErrTerminalNotFound = "TERMINAL_NOT_FOUND"
	ErrTerminalExited   = "TERMINAL_EXITED"
	ErrSessionNotFound  = "SESSION_NOT_FOUND"
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrMaxTerminals     = "MAX_TERMINALS"
	ErrSpawnFailed      = "SPAWN_FAILED"
	ErrStoreUnavailable = "STORE_UNAVAILABLE"
)

// Server → Client payloads.

// TerminalOutput carries one chunk of output. Seq increases by one per
// chunk of a terminal; clients drop chunks they have already seen.
type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	Seq        uint64 `json:"seq"`
	Data       []byte `json:"data"`
}

type TerminalExit struct {
	TerminalID string `json:"terminalId"`
	Code       int    `json:"code"`
	Signal     string `json:"signal,omitempty"`
}

type TerminalSpawned struct {
	RequestID string           `json:"requestId,omitempty"`
	Terminal  session.Terminal `json:"terminal"`
	Session   session.Session  `json:"session"`
}

type SessionsResumable struct {
	Sessions []session.Session `json:"sessions"`
}

// GroupRecord is a group as the server knows it, with its saved layout if
// one exists.
type GroupRecord struct {
	session.Group
	Layout *layout.GroupState `json:"layout,omitempty"`
}

type GroupsResumable struct {
	Groups []GroupRecord `json:"groups"`

	// Revision increases with every group list the server sends. Clients
	// ignore a list older than one they have already applied.
	Revision uint64 `json:"revision,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Request names the client message type that failed, if any.
	Request string `json:"request,omitempty"`

	// TerminalID is set when the failed request named a terminal.
	TerminalID string `json:"terminalId,omitempty"`
}

// Client → Server payloads.

type RequestResumable struct{}

type SessionRemove struct {
	SessionID string `json:"sessionId"`
}

type SessionActivity struct {
	SessionID string `json:"sessionId"`
}

type TerminalSpawn struct {
	RequestID       string             `json:"requestId,omitempty"`
	Provider        string             `json:"provider,omitempty"`
	Command         string             `json:"command,omitempty"`
	Cwd             string             `json:"cwd"`
	Model           string             `json:"model,omitempty"`
	Effort          string             `json:"effort,omitempty"`
	Env             map[string]*string `json:"env,omitempty"`
	SessionID       string             `json:"sessionId,omitempty"`
	SkipPermissions bool               `json:"skipPermissions,omitempty"`
	GroupID         string             `json:"groupId,omitempty"`
	Label           string             `json:"label,omitempty"`
	Cols            uint16             `json:"cols,omitempty"`
	Rows            uint16             `json:"rows,omitempty"`
}

type TerminalAttach struct {
	TerminalID string `json:"terminalId"`
	AfterSeq   uint64 `json:"afterSeq"`
}

type TerminalDetach struct {
	TerminalID string `json:"terminalId"`
}

type TerminalInput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type TerminalResize struct {
	TerminalID string `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type TerminalKill struct {
	TerminalID string `json:"terminalId"`
}

type GroupUpsert struct {
	Group  session.Group      `json:"group"`
	Layout *layout.GroupState `json:"layout,omitempty"`
}

func (TerminalOutput) MessageType() string    { return TypeTerminalOutput }
func (TerminalExit) MessageType() string      { return TypeTerminalExit }
func (TerminalSpawned) MessageType() string   { return TypeTerminalSpawned }
func (SessionsResumable) MessageType() string { return TypeSessionsResumable }
func (GroupsResumable) MessageType() string   { return TypeGroupsResumable }
func (Error) MessageType() string             { return TypeError }
func (RequestResumable) MessageType() string  { return TypeRequestResumable }
func (SessionRemove) MessageType() string     { return TypeSessionRemove }
func (SessionActivity) MessageType() string   { return TypeSessionActivity }
func (TerminalSpawn) MessageType() string     { return TypeTerminalSpawn }
func (TerminalAttach) MessageType() string    { return TypeTerminalAttach }
func (TerminalDetach) MessageType() string    { return TypeTerminalDetach }
func (TerminalInput) MessageType() string     { return TypeTerminalInput }
func (TerminalResize) MessageType() string    { return TypeTerminalResize }
func (TerminalKill) MessageType() string      { return TypeTerminalKill }
func (GroupUpsert) MessageType() string       { return TypeGroupUpsert }

func (TerminalOutput) isBody()    {}
func (TerminalExit) isBody()      {}
func (TerminalSpawned) isBody()   {}
func (SessionsResumable) isBody() {}
func (GroupsResumable) isBody()   {}
func (Error) isBody()             {}
func (RequestResumable) isBody()  {}
func (SessionRemove) isBody()     {}
func (SessionActivity) isBody()   {}
func (TerminalSpawn) isBody()     {}
func (TerminalAttach) isBody()    {}
func (TerminalDetach) isBody()    {}
func (TerminalInput) isBody()     {}
func (TerminalResize) isBody()    {}
func (TerminalKill) isBody()      {}
func (GroupUpsert) isBody()       {}
