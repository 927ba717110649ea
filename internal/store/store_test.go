package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-console/internal/layout"
	"agent-console/internal/pane"
	"agent-console/internal/session"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "console-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, ctx
}

func strPtr(s string) *string { return &s }

func TestApplyMigrations_Idempotent(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, ApplyMigrations(ctx, s.DB()))

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestOpen_RestrictsFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "console.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSessions_CreateGetRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	in := session.Session{
		ID:           "s1",
		Cwd:          "/work/app",
		Status:       session.StatusIdle,
		Label:        "api",
		CreatedAt:    created,
		ResumeHandle: "r-1",
		Provider:     "claude",
		Model:        "opus",
		Env:          map[string]*string{"FOO": strPtr("bar"), "UNSET": nil},
		GroupID:      "g1",
	}
	require.NoError(t, s.Create(ctx, in))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, in.Cwd, got.Cwd)
	assert.Equal(t, session.StatusIdle, got.Status)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.LastActivity)
	assert.Equal(t, "r-1", got.ResumeHandle)
	assert.Equal(t, "g1", got.GroupID)
	require.Contains(t, got.Env, "FOO")
	assert.Equal(t, "bar", *got.Env["FOO"])
	require.Contains(t, got.Env, "UNSET")
	assert.Nil(t, got.Env["UNSET"])
	assert.False(t, got.Archived())
}

func TestSessions_CreateDuplicate(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.Create(ctx, session.Session{ID: "s1", Cwd: "/a"}))
	err := s.Create(ctx, session.Session{ID: "s1", Cwd: "/b"})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestSessions_NotFound(t *testing.T) {
	s, ctx := newTestStore(t)
	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
	require.ErrorIs(t, s.UpdateActivity(ctx, "missing", time.Now()), ErrNotFound)
	require.ErrorIs(t, s.Update(ctx, "missing", SessionPatch{}), ErrNotFound)
}

func TestSessions_ArchiveAndRestore(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.Create(ctx, session.Session{ID: "s1", Cwd: "/a", TerminalID: "t1"}))
	require.NoError(t, s.Create(ctx, session.Session{ID: "s2", Cwd: "/b"}))

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Archive(ctx, "s1", []string{"t1", "t2"}, at))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].ID)

	archived, err := s.ListArchived(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	got := archived[0]
	assert.True(t, got.Archived())
	assert.Equal(t, []string{"t1", "t2"}, got.ArchivedTerminals)
	assert.Empty(t, got.TerminalID)
	assert.Equal(t, session.StatusIdle, got.Status)

	require.NoError(t, s.Restore(ctx, "s1"))
	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestSessions_ActivityAndUpdates(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.Create(ctx, session.Session{ID: "s1", Cwd: "/a", Status: session.StatusIdle}))

	at := time.Date(2026, 3, 3, 8, 30, 0, 0, time.UTC)
	require.NoError(t, s.UpdateActivity(ctx, "s1", at))
	require.NoError(t, s.UpdateTerminal(ctx, "s1", "t9"))
	require.NoError(t, s.Update(ctx, "s1", SessionPatch{
		Label: strPtr("renamed"),
		Model: strPtr("sonnet"),
		Env:   map[string]*string{"K": strPtr("v")},
	}))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
	require.NotNil(t, got.LastActivity)
	assert.True(t, at.Equal(*got.LastActivity))
	assert.Equal(t, "t9", got.TerminalID)
	assert.Equal(t, "renamed", got.Label)
	assert.Equal(t, "sonnet", got.Model)
	assert.Equal(t, "v", *got.Env["K"])

	require.NoError(t, s.SetStatus(ctx, "s1", session.StatusIdle))
	got, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, got.Status)

	require.NoError(t, s.Delete(ctx, "s1"))
	_, err = s.Get(ctx, "s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGroups_UpsertListDelete(t *testing.T) {
	s, ctx := newTestStore(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertGroup(ctx, session.Group{ID: "g1", Label: "one", CreatedAt: created}))
	require.NoError(t, s.UpsertGroup(ctx, session.Group{ID: "g2", Label: "two", CreatedAt: created.Add(time.Hour)}))
	require.NoError(t, s.UpsertGroup(ctx, session.Group{ID: "g1", Label: "uno", CreatedAt: created, LastActivity: created.Add(2 * time.Hour)}))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "uno", groups[0].Label)
	assert.True(t, created.Add(2*time.Hour).Equal(groups[0].LastActivity))

	require.NoError(t, s.Create(ctx, session.Session{ID: "s1", Cwd: "/a", GroupID: "g1"}))
	require.NoError(t, s.SaveLayout(ctx, "g1", layout.NewGroupState()))
	require.NoError(t, s.DeleteGroup(ctx, "g1"))

	_, err = s.GetGroup(ctx, "g1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadLayout(ctx, "g1")
	require.ErrorIs(t, err, ErrNotFound, "layout should cascade with its group")
	sess, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, sess.GroupID)

	require.ErrorIs(t, s.DeleteGroup(ctx, "g1"), ErrNotFound)
}

func TestLayouts_SaveLoad(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.UpsertGroup(ctx, session.Group{ID: "g1", Label: "one"}))

	st := layout.NewGroupState()
	tree, newLeaf, err := pane.Split(st.Tree, st.Tree.ID, pane.Vertical)
	require.NoError(t, err)
	tree, err = pane.SetContent(tree, newLeaf, pane.TerminalContent("t1"))
	require.NoError(t, err)
	st.Tree = tree
	st.FocusedPaneID = newLeaf
	st.Terminals["t1"] = layout.TerminalMeta{Cwd: "/a", SessionID: "s1", State: layout.TerminalActive, Restarts: 2}
	st.TabOrder = []string{"t1"}

	require.NoError(t, s.SaveLayout(ctx, "g1", st))
	got, err := s.LoadLayout(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, st.Tree, got.Tree)
	assert.Equal(t, newLeaf, got.FocusedPaneID)
	assert.Equal(t, st.Terminals, got.Terminals)
	assert.Equal(t, []string{"t1"}, got.TabOrder)

	all, bad, err := s.LoadLayouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Contains(t, all, "g1")
}

func TestLayouts_SaveForUnknownGroup(t *testing.T) {
	s, ctx := newTestStore(t)
	err := s.SaveLayout(ctx, "nope", layout.NewGroupState())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLayouts_CorruptBlobSkipped(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.UpsertGroup(ctx, session.Group{ID: "g1", Label: "one"}))
	require.NoError(t, s.UpsertGroup(ctx, session.Group{ID: "g2", Label: "two"}))
	require.NoError(t, s.SaveLayout(ctx, "g1", layout.NewGroupState()))
	_, err := s.DB().ExecContext(ctx, `INSERT INTO layouts(group_id, state, updated_at) VALUES ('g2', x'00ff', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	all, bad, err := s.LoadLayouts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	require.Len(t, bad, 1)
	assert.Contains(t, bad[0].Error(), "g2")
}

func TestDecodeLayout_SanitizesTree(t *testing.T) {
	broken := layout.GroupState{
		Tree: &pane.Node{ID: "s", Kind: pane.KindSplit, Orientation: pane.Horizontal,
			Children: []*pane.Node{pane.NewLeaf(pane.TerminalContent("t1"))}},
		FocusedPaneID: "gone",
		Terminals:     map[string]layout.TerminalMeta{"t1": {State: layout.TerminalActive}},
		TabOrder:      []string{"t1", "ghost"},
	}
	blob, err := EncodeLayout(broken)
	require.NoError(t, err)

	got, err := DecodeLayout(blob)
	require.NoError(t, err)
	require.NoError(t, pane.Validate(got.Tree))
	assert.True(t, got.Tree.IsLeaf())
	assert.Equal(t, got.Tree.ID, got.FocusedPaneID)
	assert.Equal(t, []string{"t1"}, got.TabOrder)
}

func TestEncodeLayout_Deterministic(t *testing.T) {
	st := layout.NewGroupState()
	st.Terminals["b"] = layout.TerminalMeta{State: layout.TerminalActive}
	st.Terminals["a"] = layout.TerminalMeta{State: layout.TerminalExited}
	first, err := EncodeLayout(st)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := EncodeLayout(st)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSessions_ResetTerminals(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.Create(ctx, session.Session{ID: "s1", Cwd: "/a", TerminalID: "t1"}))
	require.NoError(t, s.Create(ctx, session.Session{ID: "s2", Cwd: "/b", Status: session.StatusIdle}))

	n, err := s.ResetTerminals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.TerminalID)
	assert.Equal(t, session.StatusIdle, got.Status)

	n, err = s.ResetTerminals(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
