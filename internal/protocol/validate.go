package protocol

import (
	"encoding/json"
	"fmt"
)

// clientBodies maps each client→server type to a constructor for its body.
var clientBodies = map[string]func() Body{
	TypeRequestResumable: func() Body { return &RequestResumable{} },
	TypeSessionRemove:    func() Body { return &SessionRemove{} },
	TypeSessionActivity:  func() Body { return &SessionActivity{} },
	TypeTerminalSpawn:    func() Body { return &TerminalSpawn{} },
	TypeTerminalAttach:   func() Body { return &TerminalAttach{} },
	TypeTerminalDetach:   func() Body { return &TerminalDetach{} },
	TypeTerminalInput:    func() Body { return &TerminalInput{} },
	TypeTerminalResize:   func() Body { return &TerminalResize{} },
	TypeTerminalKill:     func() Body { return &TerminalKill{} },
	TypeGroupUpsert:      func() Body { return &GroupUpsert{} },
}

// serverBodies maps each server→client type to a constructor for its body.
var serverBodies = map[string]func() Body{
	TypeTerminalOutput:    func() Body { return &TerminalOutput{} },
	TypeTerminalExit:      func() Body { return &TerminalExit{} },
	TypeTerminalSpawned:   func() Body { return &TerminalSpawned{} },
	TypeSessionsResumable: func() Body { return &SessionsResumable{} },
	TypeGroupsResumable:   func() Body { return &GroupsResumable{} },
	TypeError:             func() Body { return &Error{} },
}

// DecodeClient parses and validates a raw message from a client. The
// returned Body is a value of one of the client payload types.
func DecodeClient(raw []byte) (Body, error) {
	msg, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	newBody, ok := clientBodies[msg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	body, err := decodeBody(msg, newBody)
	if err != nil {
		return nil, err
	}
	if err := validateClient(body); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return body, nil
}

// DecodeServer parses a raw message from the server.
func DecodeServer(raw []byte) (Body, error) {
	msg, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	newBody, ok := serverBodies[msg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return decodeBody(msg, newBody)
}

func parseEnvelope(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}
	return &msg, nil
}

// decodeBody unmarshals into a pointer and returns the value, so type
// switches match on value types.
func decodeBody(msg *Message, newBody func() Body) (Body, error) {
	ptr := newBody()
	if err := json.Unmarshal(msg.Payload, ptr); err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	switch b := ptr.(type) {
	case *RequestResumable:
		return *b, nil
	case *SessionRemove:
		return *b, nil
	case *SessionActivity:
		return *b, nil
	case *TerminalSpawn:
		return *b, nil
	case *TerminalAttach:
		return *b, nil
	case *TerminalDetach:
		return *b, nil
	case *TerminalInput:
		return *b, nil
	case *TerminalResize:
		return *b, nil
	case *TerminalKill:
		return *b, nil
	case *GroupUpsert:
		return *b, nil
	case *TerminalOutput:
		return *b, nil
	case *TerminalExit:
		return *b, nil
	case *TerminalSpawned:
		return *b, nil
	case *SessionsResumable:
		return *b, nil
	case *GroupsResumable:
		return *b, nil
	case *Error:
		return *b, nil
	default:
		return nil, fmt.Errorf("unhandled body %T", ptr)
	}
}

// Validate checks the required fields of a client body decoded by other
// means, such as a REST request.
func Validate(body Body) error {
	return validateClient(body)
}

func validateClient(body Body) error {
	switch b := body.(type) {
	case RequestResumable:
		return nil
	case SessionRemove:
		return requireField("sessionId", b.SessionID)
	case SessionActivity:
		return requireField("sessionId", b.SessionID)
	case TerminalSpawn:
		if b.Provider == "" && b.Command == "" {
			return fmt.Errorf("one of 'provider' or 'command' is required")
		}
		return requireField("cwd", b.Cwd)
	case TerminalAttach:
		return requireField("terminalId", b.TerminalID)
	case TerminalDetach:
		return requireField("terminalId", b.TerminalID)
	case TerminalInput:
		return requireField("terminalId", b.TerminalID)
	case TerminalResize:
		if err := requireField("terminalId", b.TerminalID); err != nil {
			return err
		}
		if b.Cols == 0 || b.Rows == 0 {
			return fmt.Errorf("'cols' and 'rows' must be positive")
		}
		return nil
	case TerminalKill:
		return requireField("terminalId", b.TerminalID)
	case GroupUpsert:
		return requireField("group.id", b.Group.ID)
	default:
		return fmt.Errorf("not a client message: %s", body.MessageType())
	}
}

func requireField(field, value string) error {
	if value == "" {
		return fmt.Errorf("missing required field '%s'", field)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(Error{Code: code, Message: message})
}
