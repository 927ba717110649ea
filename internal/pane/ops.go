package pane

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrLeafNotFound  = errors.New("leaf not found")
	ErrSplitNotFound = errors.New("split not found")
	ErrInvalidSizes  = errors.New("invalid sizes")
	ErrInvalidTree   = errors.New("invalid pane tree")
)

// DefaultSizes is the ratio of a fresh split.
var DefaultSizes = []float64{0.5, 0.5}

// Split replaces the leaf leafID with a split whose first child keeps the
// leaf's id and content and whose second child is a new empty leaf. It
// returns the new tree and the id of the new empty leaf.
func Split(tree *Node, leafID string, o Orientation) (*Node, string, error) {
	if o != Horizontal && o != Vertical {
		return nil, "", fmt.Errorf("unknown orientation %q", o)
	}
	out := Clone(tree)
	target := find(out, leafID)
	if target == nil || !target.IsLeaf() {
		return nil, "", fmt.Errorf("%w: %s", ErrLeafNotFound, leafID)
	}

	kept := &Node{ID: target.ID, Kind: KindLeaf, Content: target.Content}
	fresh := Empty()
	*target = Node{
		ID:          newID(),
		Kind:        KindSplit,
		Orientation: o,
		Children:    []*Node{kept, fresh},
		Sizes:       append([]float64(nil), DefaultSizes...),
	}
	return out, fresh.ID, nil
}

// Remove deletes the leaf leafID. Its parent split is replaced by the
// sibling subtree. Removing the only leaf yields a fresh empty leaf.
func Remove(tree *Node, leafID string) (*Node, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leafID)
	}
	out, found := removeLeaf(Clone(tree), leafID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leafID)
	}
	if out == nil {
		return Empty(), nil
	}
	return Normalize(out), nil
}

func removeLeaf(n *Node, leafID string) (*Node, bool) {
	if n.IsLeaf() {
		if n.ID == leafID {
			return nil, true
		}
		return n, false
	}
	for i, c := range n.Children {
		replaced, found := removeLeaf(c, leafID)
		if !found {
			continue
		}
		if replaced != nil {
			n.Children[i] = replaced
			return n, true
		}
		rest := make([]*Node, 0, len(n.Children)-1)
		rest = append(rest, n.Children[:i]...)
		rest = append(rest, n.Children[i+1:]...)
		switch len(rest) {
		case 0:
			return nil, true
		case 1:
			return rest[0], true
		default:
			n.Children = rest
			n.Sizes = nil
			return n, true
		}
	}
	return n, false
}

// Resize sets the ratio of split splitID. Sizes must be two positive
// numbers; they are scaled to sum to 1.
func Resize(tree *Node, splitID string, sizes []float64) (*Node, error) {
	norm, err := normalizeSizes(sizes)
	if err != nil {
		return nil, err
	}
	out := Clone(tree)
	target := find(out, splitID)
	if target == nil || !target.IsSplit() {
		return nil, fmt.Errorf("%w: %s", ErrSplitNotFound, splitID)
	}
	target.Sizes = norm
	return out, nil
}

// SetContent replaces the content of leaf leafID.
func SetContent(tree *Node, leafID string, c Content) (*Node, error) {
	out := Clone(tree)
	target := find(out, leafID)
	if target == nil || !target.IsLeaf() {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leafID)
	}
	target.Content = c
	return out, nil
}

func normalizeSizes(sizes []float64) ([]float64, error) {
	if len(sizes) != 2 {
		return nil, fmt.Errorf("%w: want 2 values, got %d", ErrInvalidSizes, len(sizes))
	}
	var sum float64
	for _, s := range sizes {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSizes, sizes)
		}
		sum += s
	}
	return []float64{sizes[0] / sum, sizes[1] / sum}, nil
}

// Validate checks the structural invariants: every split has two children
// and valid sizes, leaves have no children, and ids are unique.
func Validate(tree *Node) error {
	if tree == nil {
		return fmt.Errorf("%w: nil tree", ErrInvalidTree)
	}
	seen := make(map[string]bool)
	var err error
	Walk(tree, func(n *Node) {
		if err != nil {
			return
		}
		switch {
		case n.ID == "":
			err = fmt.Errorf("%w: node without id", ErrInvalidTree)
		case seen[n.ID]:
			err = fmt.Errorf("%w: duplicate id %s", ErrInvalidTree, n.ID)
		case n.IsLeaf() && len(n.Children) != 0:
			err = fmt.Errorf("%w: leaf %s has children", ErrInvalidTree, n.ID)
		case n.IsSplit() && len(n.Children) != 2:
			err = fmt.Errorf("%w: split %s has %d children", ErrInvalidTree, n.ID, len(n.Children))
		case n.IsSplit() && n.Sizes != nil:
			if _, serr := normalizeSizes(n.Sizes); serr != nil {
				err = fmt.Errorf("%w: split %s: %v", ErrInvalidTree, n.ID, serr)
			}
		case !n.IsLeaf() && !n.IsSplit():
			err = fmt.Errorf("%w: node %s has kind %q", ErrInvalidTree, n.ID, n.Kind)
		}
		seen[n.ID] = true
	})
	return err
}

// Normalize repairs a tree read from outside: nil becomes an empty leaf,
// splits with fewer than two children collapse, extra children nest to the
// right, bad sizes reset to the default, and duplicate or missing ids are
// replaced.
func Normalize(tree *Node) *Node {
	out := normalize(Clone(tree))
	if out == nil {
		return Empty()
	}
	seen := make(map[string]bool)
	Walk(out, func(n *Node) {
		if n.ID == "" || seen[n.ID] {
			n.ID = newID()
		}
		seen[n.ID] = true
	})
	return out
}

func normalize(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.Kind != KindSplit {
		return &Node{ID: n.ID, Kind: KindLeaf, Content: n.Content}
	}
	kids := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if c = normalize(c); c != nil {
			kids = append(kids, c)
		}
	}
	switch len(kids) {
	case 0:
		return nil
	case 1:
		return kids[0]
	case 2:
		n.Children = kids
	default:
		tail := &Node{ID: newID(), Kind: KindSplit, Orientation: n.Orientation, Children: kids[1:]}
		n.Children = []*Node{kids[0], normalize(tail)}
		n.Sizes = append([]float64(nil), DefaultSizes...)
	}
	if n.Orientation != Horizontal && n.Orientation != Vertical {
		n.Orientation = Horizontal
	}
	if n.Sizes != nil {
		if norm, err := normalizeSizes(n.Sizes); err == nil {
			n.Sizes = norm
		} else {
			n.Sizes = append([]float64(nil), DefaultSizes...)
		}
	}
	return n
}
