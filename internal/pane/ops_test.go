package pane

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmpty(t *testing.T) {
	tree := Empty()
	require.NoError(t, Validate(tree))
	assert.True(t, tree.IsLeaf())
	assert.True(t, tree.Content.IsEmpty())
}

func TestSplit(t *testing.T) {
	root := NewLeaf(TerminalContent("t1"))
	out, freshID, err := Split(root, root.ID, Vertical)
	require.NoError(t, err)
	require.NoError(t, Validate(out))

	assert.True(t, out.IsSplit())
	assert.NotEqual(t, root.ID, out.ID)
	assert.Equal(t, Vertical, out.Orientation)
	assert.Equal(t, []float64{0.5, 0.5}, out.Sizes)
	require.Len(t, out.Children, 2)
	assert.Equal(t, root.ID, out.Children[0].ID)
	assert.Equal(t, TerminalContent("t1"), out.Children[0].Content)
	assert.Equal(t, freshID, out.Children[1].ID)
	assert.True(t, out.Children[1].Content.IsEmpty())

	// Input untouched.
	assert.True(t, root.IsLeaf())
	assert.Equal(t, TerminalContent("t1"), root.Content)
}

func TestSplit_Errors(t *testing.T) {
	root := Empty()
	_, _, err := Split(root, "missing", Horizontal)
	assert.ErrorIs(t, err, ErrLeafNotFound)

	_, _, err = Split(root, root.ID, "diagonal")
	assert.Error(t, err)

	split, _, err := Split(root, root.ID, Horizontal)
	require.NoError(t, err)
	_, _, err = Split(split, split.ID, Horizontal)
	assert.ErrorIs(t, err, ErrLeafNotFound, "splits cannot be split")
}

func TestRemove_CollapsesToSibling(t *testing.T) {
	root := NewLeaf(TerminalContent("a"))
	tree, bID, err := Split(root, root.ID, Horizontal)
	require.NoError(t, err)
	tree, err = SetContent(tree, bID, TerminalContent("b"))
	require.NoError(t, err)
	tree, cID, err := Split(tree, bID, Vertical)
	require.NoError(t, err)

	out, err := Remove(tree, root.ID)
	require.NoError(t, err)
	require.NoError(t, Validate(out))
	assert.True(t, out.IsSplit())
	assert.Equal(t, Vertical, out.Orientation)
	assert.Equal(t, []string{"b"}, TerminalIDs(out))

	out, err = Remove(out, cID)
	require.NoError(t, err)
	assert.True(t, out.IsLeaf())
	assert.Equal(t, bID, out.ID)

	// Original still has three leaves.
	assert.Len(t, Leaves(tree), 3)
}

func TestRemove_LastLeafYieldsEmptyTree(t *testing.T) {
	root := NewLeaf(TerminalContent("a"))
	out, err := Remove(root, root.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NoError(t, Validate(out))
	assert.True(t, out.IsLeaf())
	assert.True(t, out.Content.IsEmpty())
	assert.NotEqual(t, root.ID, out.ID)
}

func TestRemove_Missing(t *testing.T) {
	_, err := Remove(Empty(), "nope")
	assert.True(t, errors.Is(err, ErrLeafNotFound))
}

func TestResize(t *testing.T) {
	root := Empty()
	tree, _, err := Split(root, root.ID, Horizontal)
	require.NoError(t, err)

	out, err := Resize(tree, tree.ID, []float64{3, 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.75, 0.25}, out.Sizes, 1e-9)
	assert.Equal(t, []float64{0.5, 0.5}, tree.Sizes)

	for _, bad := range [][]float64{nil, {1}, {1, 2, 3}, {0, 1}, {-1, 2}} {
		_, err := Resize(tree, tree.ID, bad)
		assert.ErrorIs(t, err, ErrInvalidSizes, "sizes %v", bad)
	}
	_, err = Resize(tree, tree.Children[0].ID, []float64{1, 1})
	assert.ErrorIs(t, err, ErrSplitNotFound)
}

func TestFindHelpers(t *testing.T) {
	root := NewLeaf(FixedContent("files"))
	tree, freshID, err := Split(root, root.ID, Horizontal)
	require.NoError(t, err)

	leaf, ok := FirstEmptyLeaf(tree)
	require.True(t, ok)
	assert.Equal(t, freshID, leaf.ID)

	tree, err = SetContent(tree, freshID, TerminalContent("t9"))
	require.NoError(t, err)
	_, ok = FirstEmptyLeaf(tree)
	assert.False(t, ok)

	leaf, ok = FindLeafByTerminal(tree, "t9")
	require.True(t, ok)
	assert.Equal(t, freshID, leaf.ID)
	_, ok = FindLeafByTerminal(tree, "")
	assert.False(t, ok)

	_, ok = FindLeaf(tree, tree.ID)
	assert.False(t, ok, "split ids are not leaves")
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, Validate(Normalize(nil)))

	malformed := &Node{
		ID:   "s1",
		Kind: KindSplit,
		Children: []*Node{
			{ID: "s2", Kind: KindSplit, Children: []*Node{{ID: "a", Kind: KindLeaf}}},
			{ID: "a", Kind: KindLeaf},
			{ID: "", Kind: KindLeaf},
		},
		Sizes: []float64{-1, 0},
	}
	require.Error(t, Validate(malformed))

	out := Normalize(malformed)
	require.NoError(t, Validate(out))
	assert.Len(t, Leaves(out), 3)
	assert.Equal(t, DefaultSizes, out.Sizes)
}

func TestJSONRoundTripKeepsShape(t *testing.T) {
	root := NewLeaf(TerminalContent("t1"))
	tree, _, err := Split(root, root.ID, Vertical)
	require.NoError(t, err)

	raw, err := json.Marshal(tree)
	require.NoError(t, err)
	var back Node
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, tree, &back)
}

// Random sequences of operations never break the invariants.
func TestInvariants_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tree := Empty()
	for step := 0; step < 500; step++ {
		leaves := Leaves(tree)
		leaf := leaves[rng.Intn(len(leaves))]

		var err error
		switch op := rng.Intn(4); {
		case op <= 1 && len(leaves) < 16:
			o := Horizontal
			if rng.Intn(2) == 0 {
				o = Vertical
			}
			tree, _, err = Split(tree, leaf.ID, o)
		case op == 2:
			tree, err = Remove(tree, leaf.ID)
		default:
			var splits []*Node
			Walk(tree, func(n *Node) {
				if n.IsSplit() {
					splits = append(splits, n)
				}
			})
			if len(splits) == 0 {
				continue
			}
			s := splits[rng.Intn(len(splits))]
			tree, err = Resize(tree, s.ID, []float64{rng.Float64() + 0.01, rng.Float64() + 0.01})
		}
		require.NoError(t, err, "step %d", step)
		require.NotNil(t, tree, "step %d", step)
		require.NoError(t, Validate(tree), "step %d", step)
	}
}
