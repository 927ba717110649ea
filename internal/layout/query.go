package layout

import (
	"sort"

	"agent-console/internal/pane"
)

// GroupForTerminal returns the id of the group owning terminalID.
func GroupForTerminal(groups []*Group, terminalID string) (string, bool) {
	for _, g := range groups {
		if _, ok := g.State.Terminals[terminalID]; ok {
			return g.ID, true
		}
	}
	return "", false
}

// TerminalForSession returns the most recently used terminal in g bound to
// sessionID. Terminals missing from the tab order rank below those in it.
func TerminalForSession(g *Group, sessionID string) (string, bool) {
	if g == nil || sessionID == "" {
		return "", false
	}
	inOrder := make(map[string]bool, len(g.State.TabOrder))
	for i := len(g.State.TabOrder) - 1; i >= 0; i-- {
		id := g.State.TabOrder[i]
		inOrder[id] = true
		if m, ok := g.State.Terminals[id]; ok && m.SessionID == sessionID {
			return id, true
		}
	}

	var rest []string
	for id, m := range g.State.Terminals {
		if !inOrder[id] && m.SessionID == sessionID {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 {
		return "", false
	}
	sort.Strings(rest)
	return rest[0], true
}

// TerminalForSessionInGroups searches groups in order.
func TerminalForSessionInGroups(groups []*Group, sessionID string) (groupID, terminalID string, ok bool) {
	for _, g := range groups {
		if id, found := TerminalForSession(g, sessionID); found {
			return g.ID, id, true
		}
	}
	return "", "", false
}

// ReferencedTerminals is the set of terminal ids shown by a leaf of tree.
func ReferencedTerminals(tree *pane.Node) map[string]struct{} {
	out := make(map[string]struct{})
	for _, id := range pane.TerminalIDs(tree) {
		out[id] = struct{}{}
	}
	return out
}

// IsLeafTerminal reports whether any group's tree shows terminalID.
func IsLeafTerminal(groups []*Group, terminalID string) bool {
	for _, g := range groups {
		if _, ok := pane.FindLeafByTerminal(g.State.Tree, terminalID); ok {
			return true
		}
	}
	return false
}
