package layout

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agent-console/internal/clock"
	"agent-console/internal/pane"
)

var (
	ErrGroupNotFound    = errors.New("group not found")
	ErrTerminalNotFound = errors.New("terminal not found")
)

// Workspace is the client's set of groups, one of which is active. It is
// owned by a single goroutine.
type Workspace struct {
	clock  clock.Clock
	groups map[string]*Group
	order  []string
	active string
}

func NewWorkspace(clk clock.Clock) *Workspace {
	return &Workspace{clock: clk, groups: make(map[string]*Group)}
}

// Groups returns the groups in insertion order.
func (w *Workspace) Groups() []*Group {
	out := make([]*Group, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.groups[id])
	}
	return out
}

func (w *Workspace) Group(id string) (*Group, bool) {
	g, ok := w.groups[id]
	return g, ok
}

// NewGroup creates a local group the server has not seen yet and makes it
// active if nothing else is.
func (w *Workspace) NewGroup(label string) *Group {
	now := w.clock.Now()
	g := &Group{
		ID:           uuid.NewString(),
		Label:        label,
		CreatedAt:    now,
		LastActivity: now,
		State:        NewGroupState(),
	}
	w.Put(g)
	return g
}

// Put inserts or replaces a group by id. Its state is sanitized.
func (w *Workspace) Put(g *Group) {
	g.State = g.State.Sanitize()
	if _, ok := w.groups[g.ID]; !ok {
		w.order = append(w.order, g.ID)
	}
	w.groups[g.ID] = g
	if w.active == "" {
		w.active = g.ID
	}
}

// Remove deletes a group and returns the terminal ids it owned.
func (w *Workspace) Remove(id string) ([]string, bool) {
	g, ok := w.groups[id]
	if !ok {
		return nil, false
	}
	delete(w.groups, id)
	for i, gid := range w.order {
		if gid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	if w.active == id {
		w.active = ""
		if len(w.order) > 0 {
			w.active = w.order[0]
		}
	}

	terminals := make([]string, 0, len(g.State.Terminals))
	for tid := range g.State.Terminals {
		terminals = append(terminals, tid)
	}
	return terminals, true
}

// Active returns the active group.
func (w *Workspace) Active() (*Group, bool) {
	g, ok := w.groups[w.active]
	return g, ok
}

func (w *Workspace) Activate(id string) error {
	if _, ok := w.groups[id]; !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	w.active = id
	return nil
}

// AttachTerminal shows terminalID in group groupID and records meta. The
// terminal lands in the focused pane if it is empty, else the first empty
// pane, else a new pane split off the focused one. Attaching a terminal the
// group already shows only refocuses it. Returns the pane id.
func (w *Workspace) AttachTerminal(groupID, terminalID string, meta TerminalMeta) (string, error) {
	g, ok := w.groups[groupID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	st := &g.State
	if meta.State == "" {
		meta.State = TerminalActive
	}

	if leaf, ok := pane.FindLeafByTerminal(st.Tree, terminalID); ok {
		st.Terminals[terminalID] = meta
		st.FocusedPaneID, st.ActivePaneID = leaf.ID, leaf.ID
		st.touch(terminalID)
		g.LastActivity = w.clock.Now()
		return leaf.ID, nil
	}

	target := ""
	if leaf, ok := pane.FindLeaf(st.Tree, st.FocusedPaneID); ok && leaf.Content.IsEmpty() {
		target = leaf.ID
	} else if leaf, ok := pane.FirstEmptyLeaf(st.Tree); ok {
		target = leaf.ID
	} else {
		from := st.FocusedPaneID
		if _, ok := pane.FindLeaf(st.Tree, from); !ok {
			from = pane.Leaves(st.Tree)[0].ID
		}
		tree, fresh, err := pane.Split(st.Tree, from, pane.Horizontal)
		if err != nil {
			return "", err
		}
		st.Tree, target = tree, fresh
	}

	tree, err := pane.SetContent(st.Tree, target, pane.TerminalContent(terminalID))
	if err != nil {
		return "", err
	}
	st.Tree = tree
	st.Terminals[terminalID] = meta
	st.FocusedPaneID, st.ActivePaneID = target, target
	st.touch(terminalID)
	g.LastActivity = w.clock.Now()
	return target, nil
}

// ClosePane removes a pane. A terminal it showed is dropped from the group
// unless another pane still shows it. Returns the dropped terminal id, if
// any.
func (w *Workspace) ClosePane(groupID, paneID string) (string, error) {
	g, ok := w.groups[groupID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	st := &g.State
	leaf, ok := pane.FindLeaf(st.Tree, paneID)
	if !ok {
		return "", fmt.Errorf("%w: %s", pane.ErrLeafNotFound, paneID)
	}
	content := leaf.Content

	tree, err := pane.Remove(st.Tree, paneID)
	if err != nil {
		return "", err
	}
	st.Tree = tree
	st.fixFocus()

	if content.Kind != pane.ContentTerminal {
		return "", nil
	}
	if _, still := pane.FindLeafByTerminal(st.Tree, content.TerminalID); still {
		return "", nil
	}
	delete(st.Terminals, content.TerminalID)
	st.dropTab(content.TerminalID)
	return content.TerminalID, nil
}

// CloseTerminal removes every pane showing terminalID and drops it from its
// group.
func (w *Workspace) CloseTerminal(terminalID string) error {
	groupID, ok := GroupForTerminal(w.Groups(), terminalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, terminalID)
	}
	g := w.groups[groupID]
	for {
		leaf, ok := pane.FindLeafByTerminal(g.State.Tree, terminalID)
		if !ok {
			break
		}
		if _, err := w.ClosePane(groupID, leaf.ID); err != nil {
			return err
		}
	}
	delete(g.State.Terminals, terminalID)
	g.State.dropTab(terminalID)
	return nil
}

// MarkExited records a process exit. The terminal stays in its group.
func (w *Workspace) MarkExited(terminalID string, code int, at time.Time) bool {
	return w.updateMeta(terminalID, func(m *TerminalMeta) {
		m.State = TerminalExited
		m.ExitCode = &code
		m.ExitedAt = &at
	})
}

// MarkDead records a terminal whose process can no longer be reached.
func (w *Workspace) MarkDead(terminalID string) bool {
	return w.updateMeta(terminalID, func(m *TerminalMeta) {
		m.State = TerminalDead
	})
}

// Touch moves terminalID to the most recently used end of its group's tabs.
func (w *Workspace) Touch(terminalID string) bool {
	groupID, ok := GroupForTerminal(w.Groups(), terminalID)
	if !ok {
		return false
	}
	g := w.groups[groupID]
	g.State.touch(terminalID)
	g.LastActivity = w.clock.Now()
	return true
}

// Focus moves focus within a group.
func (w *Workspace) Focus(groupID, paneID string) error {
	g, ok := w.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	leaf, ok := pane.FindLeaf(g.State.Tree, paneID)
	if !ok {
		return fmt.Errorf("%w: %s", pane.ErrLeafNotFound, paneID)
	}
	g.State.FocusedPaneID, g.State.ActivePaneID = paneID, paneID
	if leaf.Content.Kind == pane.ContentTerminal {
		if _, ok := g.State.Terminals[leaf.Content.TerminalID]; ok {
			g.State.touch(leaf.Content.TerminalID)
		}
	}
	return nil
}

// Split splits a pane of a group and focuses the new pane.
func (w *Workspace) Split(groupID, paneID string, o pane.Orientation) (string, error) {
	g, ok := w.groups[groupID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	tree, fresh, err := pane.Split(g.State.Tree, paneID, o)
	if err != nil {
		return "", err
	}
	g.State.Tree = tree
	g.State.FocusedPaneID, g.State.ActivePaneID = fresh, fresh
	return fresh, nil
}

// Resize sets the ratio of a split in a group.
func (w *Workspace) Resize(groupID, splitID string, sizes []float64) error {
	g, ok := w.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	tree, err := pane.Resize(g.State.Tree, splitID, sizes)
	if err != nil {
		return err
	}
	g.State.Tree = tree
	return nil
}

func (w *Workspace) updateMeta(terminalID string, fn func(*TerminalMeta)) bool {
	groupID, ok := GroupForTerminal(w.Groups(), terminalID)
	if !ok {
		return false
	}
	st := &w.groups[groupID].State
	m := st.Terminals[terminalID]
	fn(&m)
	st.Terminals[terminalID] = m
	return true
}
