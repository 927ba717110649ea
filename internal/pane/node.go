// Package pane implements the tiling layout tree of a session group.
//
// A tree is a binary tree of Nodes: leaves hold content, splits hold exactly
// two children. Every operation returns a new tree and leaves its input
// untouched. A tree is never nil; an empty layout is a single empty leaf.
package pane

import (
	"github.com/google/uuid"
)

type Kind string

const (
	KindLeaf  Kind = "leaf"
	KindSplit Kind = "split"
)

type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

type ContentKind string

const (
	ContentEmpty    ContentKind = "empty"
	ContentTerminal ContentKind = "terminal"
	ContentFixed    ContentKind = "fixed"
)

// Content is what a leaf shows. TerminalID is set for terminal content,
// Name for fixed panes.
type Content struct {
	Kind       ContentKind `json:"kind"`
	TerminalID string      `json:"terminalId,omitempty"`
	Name       string      `json:"name,omitempty"`
}

func EmptyContent() Content { return Content{Kind: ContentEmpty} }

func TerminalContent(terminalID string) Content {
	return Content{Kind: ContentTerminal, TerminalID: terminalID}
}

func FixedContent(name string) Content {
	return Content{Kind: ContentFixed, Name: name}
}

// IsEmpty treats the zero Content as empty.
func (c Content) IsEmpty() bool {
	return c.Kind == "" || c.Kind == ContentEmpty
}

// Node is either a leaf or a split, selected by Kind.
type Node struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// Leaf
	Content Content `json:"content,omitzero"`

	// Split
	Orientation Orientation `json:"orientation,omitempty"`
	Children    []*Node     `json:"children,omitempty"`
	Sizes       []float64   `json:"sizes,omitempty"`
}

// newID is replaced in tests that need predictable ids.
var newID = uuid.NewString

// NewLeaf returns a leaf with a fresh id.
func NewLeaf(c Content) *Node {
	return &Node{ID: newID(), Kind: KindLeaf, Content: c}
}

// Empty returns the layout with nothing in it.
func Empty() *Node {
	return NewLeaf(EmptyContent())
}

func (n *Node) IsLeaf() bool  { return n.Kind == KindLeaf }
func (n *Node) IsSplit() bool { return n.Kind == KindSplit }

// Clone deep-copies a tree.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Children != nil {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = Clone(c)
		}
	}
	if n.Sizes != nil {
		out.Sizes = append([]float64(nil), n.Sizes...)
	}
	return &out
}

// Walk visits every node depth first, parents before children.
func Walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		Walk(c, fn)
	}
}

// Leaves returns the leaves in left-to-right order.
func Leaves(n *Node) []*Node {
	var out []*Node
	Walk(n, func(x *Node) {
		if x.IsLeaf() {
			out = append(out, x)
		}
	})
	return out
}

// FindLeaf looks up a leaf by id.
func FindLeaf(n *Node, leafID string) (*Node, bool) {
	for _, l := range Leaves(n) {
		if l.ID == leafID {
			return l, true
		}
	}
	return nil, false
}

// FindLeafByTerminal returns the first leaf showing terminalID.
func FindLeafByTerminal(n *Node, terminalID string) (*Node, bool) {
	if terminalID == "" {
		return nil, false
	}
	for _, l := range Leaves(n) {
		if l.Content.Kind == ContentTerminal && l.Content.TerminalID == terminalID {
			return l, true
		}
	}
	return nil, false
}

// FirstEmptyLeaf returns the leftmost empty leaf.
func FirstEmptyLeaf(n *Node) (*Node, bool) {
	for _, l := range Leaves(n) {
		if l.Content.IsEmpty() {
			return l, true
		}
	}
	return nil, false
}

// TerminalIDs lists every terminal referenced by a leaf, in leaf order.
func TerminalIDs(n *Node) []string {
	var out []string
	for _, l := range Leaves(n) {
		if l.Content.Kind == ContentTerminal && l.Content.TerminalID != "" {
			out = append(out, l.Content.TerminalID)
		}
	}
	return out
}

func find(n *Node, id string) *Node {
	var hit *Node
	Walk(n, func(x *Node) {
		if hit == nil && x.ID == id {
			hit = x
		}
	})
	return hit
}
