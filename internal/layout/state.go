// Package layout holds per-group client state: the pane tree, the terminals
// a group owns, focus, and tab order. It also provides the pure lookups the
// reconciler and UI actions rely on.
package layout

import (
	"time"

	"agent-console/internal/pane"
)

type TerminalState string

const (
	TerminalActive TerminalState = "active"
	TerminalExited TerminalState = "exited"
	TerminalDead   TerminalState = "dead"
)

// TerminalMeta describes a terminal owned by a group. SessionID is a lookup
// key only; the group does not own the session.
type TerminalMeta struct {
	Cwd          string        `json:"cwd"`
	SessionID    string        `json:"sessionId,omitempty"`
	ResumeHandle string        `json:"resumeHandle,omitempty"`
	State        TerminalState `json:"state"`
	ExitCode     *int          `json:"exitCode,omitempty"`
	ExitedAt     *time.Time    `json:"exitedAt,omitempty"`
	Restarts     int           `json:"restarts"`
	Label        string        `json:"label,omitempty"`
	TabColor     string        `json:"tabColor,omitempty"`
}

// GroupState is the layout of one group. The tree only references terminal
// ids; Terminals owns them.
type GroupState struct {
	Tree          *pane.Node              `json:"tree"`
	FocusedPaneID string                  `json:"focusedPaneId,omitempty"`
	ActivePaneID  string                  `json:"activePaneId,omitempty"`
	Terminals     map[string]TerminalMeta `json:"terminals"`
	TabOrder      []string                `json:"tabOrder"`
}

// NewGroupState returns a layout with one empty pane, focused.
func NewGroupState() GroupState {
	tree := pane.Empty()
	return GroupState{
		Tree:          tree,
		FocusedPaneID: tree.ID,
		ActivePaneID:  tree.ID,
		Terminals:     make(map[string]TerminalMeta),
	}
}

// Sanitize repairs a state loaded from persistence: the tree is normalized,
// tab order entries without a terminal are dropped, and focus points at an
// existing leaf.
func (s GroupState) Sanitize() GroupState {
	out := s.Clone()
	out.Tree = pane.Normalize(out.Tree)
	if out.Terminals == nil {
		out.Terminals = make(map[string]TerminalMeta)
	}

	order := out.TabOrder[:0]
	seen := make(map[string]bool)
	for _, id := range out.TabOrder {
		if _, ok := out.Terminals[id]; ok && !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	out.TabOrder = order

	out.fixFocus()
	return out
}

// Clone deep-copies the state.
func (s GroupState) Clone() GroupState {
	out := GroupState{
		Tree:          pane.Clone(s.Tree),
		FocusedPaneID: s.FocusedPaneID,
		ActivePaneID:  s.ActivePaneID,
		Terminals:     make(map[string]TerminalMeta, len(s.Terminals)),
		TabOrder:      append([]string(nil), s.TabOrder...),
	}
	for id, m := range s.Terminals {
		out.Terminals[id] = m
	}
	return out
}

func (s *GroupState) fixFocus() {
	leaves := pane.Leaves(s.Tree)
	if len(leaves) == 0 {
		return
	}
	if _, ok := pane.FindLeaf(s.Tree, s.FocusedPaneID); !ok {
		s.FocusedPaneID = leaves[0].ID
	}
	if _, ok := pane.FindLeaf(s.Tree, s.ActivePaneID); !ok {
		s.ActivePaneID = s.FocusedPaneID
	}
}

func (s *GroupState) touch(terminalID string) {
	s.dropTab(terminalID)
	s.TabOrder = append(s.TabOrder, terminalID)
}

func (s *GroupState) dropTab(terminalID string) {
	for i, id := range s.TabOrder {
		if id == terminalID {
			s.TabOrder = append(s.TabOrder[:i], s.TabOrder[i+1:]...)
			return
		}
	}
}

// Group is a session group with its layout. Acked is set once the server has
// listed the group.
type Group struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	Acked        bool       `json:"-"`
	State        GroupState `json:"state"`
}
