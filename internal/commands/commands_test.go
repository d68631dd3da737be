package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dillproject/dill/internal/db"
	"github.com/dillproject/dill/internal/events"
	"github.com/dillproject/dill/internal/savedtrees"
	"github.com/dillproject/dill/internal/session"
	"github.com/dillproject/dill/internal/testutil"
	"github.com/dillproject/dill/internal/trees"
)

type fixture struct {
	cmds      *Commands
	manager   *session.Manager
	store     *savedtrees.Store
	journal   *db.Store
	emitter   *testutil.RecordingEmitter
	downloads string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	store, err := savedtrees.Open(filepath.Join(root, "saved"))
	require.NoError(t, err)
	journal, _ := testutil.NewStore(t)
	em := &testutil.RecordingEmitter{}
	m := session.NewManager(session.WithEmitter(em), session.WithSaver(store))
	downloads := filepath.Join(root, "downloads")
	cmds := New(Deps{
		State:        m,
		Store:        store,
		Emitter:      em,
		Journal:      journal,
		DownloadsDir: downloads,
	})
	return fixture{cmds: cmds, manager: m, store: store, journal: journal, emitter: em, downloads: downloads}
}

func postedTree(debuggable bool, id trees.SessionID) trees.DebugTree {
	child := uint32(1)
	return trees.DebugTree{
		Input: "1+2",
		Root: trees.DebugNode{
			NodeID: 0, Name: "expr", Internal: "expr", Success: true, InputEnd: 3,
			Children: []trees.DebugNode{
				{NodeID: 1, Name: "num", Internal: "digit", Success: true, ChildID: &child, InputEnd: 1, IsLeaf: true},
				{NodeID: 2, Name: "op", Internal: "char", Success: true, InputStart: 1, InputEnd: 2, IsLeaf: true},
			},
		},
		ParserInfo:   map[string][]trees.ParserRange{},
		IsDebuggable: debuggable,
		Refs:         []trees.RefEntry{{ID: 0, Value: "zero"}},
		SessionID:    id,
		SessionName:  trees.DefaultSessionName,
	}
}

func TestFetchTreeAndChildren(t *testing.T) {
	f := newFixture(t)
	_, err := f.cmds.FetchDebugTree()
	assert.ErrorIs(t, err, session.ErrTreeNotFound)

	_, err = f.manager.PostTree(postedTree(false, trees.UnsetSessionID))
	require.NoError(t, err)

	tree, err := f.cmds.FetchDebugTree()
	require.NoError(t, err)
	assert.Equal(t, "1+2", tree.Input)

	children, err := f.cmds.FetchNodeChildren(0)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "num", children[0].Name)

	leaf, err := f.cmds.FetchNodeChildren(2)
	require.NoError(t, err)
	assert.Empty(t, leaf)
	assert.NotNil(t, leaf)

	_, err = f.cmds.FetchNodeChildren(99)
	assert.ErrorIs(t, err, session.ErrNodeNotFound)
}

func TestSaveDebuggableTreeMapsSession(t *testing.T) {
	f := newFixture(t)
	out, err := f.manager.PostTree(postedTree(true, trees.UnsetSessionID))
	require.NoError(t, err)

	tabs, err := f.cmds.SaveTree("calc")
	require.NoError(t, err)
	assert.Equal(t, []string{"calc"}, tabs)
	ids, err := f.manager.SessionIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]trees.SessionID{"calc": out.SessionID}, ids)

	require.NoError(t, f.manager.FulfillBreakpoint(out.SessionID, session.SkipAll()))

	// A later post for the mapped session overwrites the saved copy.
	next := postedTree(false, out.SessionID)
	next.Input = "3*4"
	again, err := f.manager.PostTree(next)
	require.NoError(t, err)
	assert.False(t, again.IsNew)
	saved, err := f.store.Load("calc")
	require.NoError(t, err)
	assert.Equal(t, "3*4", saved.Input)
}

func TestSaveNonDebuggableTreeOnlyAddsTab(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.PostTree(postedTree(false, trees.UnsetSessionID))
	require.NoError(t, err)

	_, err = f.cmds.SaveTree("one")
	require.NoError(t, err)
	tabs, err := f.cmds.SaveTree("two")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, tabs)
	ids, _ := f.manager.SessionIDs()
	assert.Empty(t, ids)

	_, err = f.cmds.SaveTree("../escape")
	assert.ErrorIs(t, err, savedtrees.ErrInvalidName)
}

func TestResavingNonDebuggableTreeReleasesSession(t *testing.T) {
	f := newFixture(t)
	first, err := f.manager.PostTree(postedTree(true, trees.UnsetSessionID))
	require.NoError(t, err)
	_, err = f.cmds.SaveTree("a")
	require.NoError(t, err)
	require.NoError(t, f.manager.FulfillBreakpoint(first.SessionID, session.Skip(0)))
	override := []trees.RefEntry{{ID: 0, Value: "kept"}}
	require.NoError(t, f.manager.UpdateRefs(first.SessionID, override))

	other := postedTree(false, trees.UnsetSessionID)
	other.Input = "second"
	_, err = f.manager.PostTree(other)
	require.NoError(t, err)
	_, err = f.cmds.SaveTree("a")
	require.NoError(t, err)
	ids, err := f.manager.SessionIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
	refs, err := f.cmds.GetRefs(first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, override, refs)

	// The old session posting again must not clobber the new save.
	again := postedTree(false, first.SessionID)
	again.Input = "first-again"
	out, err := f.manager.PostTree(again)
	require.NoError(t, err)
	assert.Empty(t, out.Tab)
	saved, err := f.store.Load("a")
	require.NoError(t, err)
	assert.Equal(t, "second", saved.Input)
}

func TestLoadDeleteAndDownload(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.PostTree(postedTree(true, trees.UnsetSessionID))
	require.NoError(t, err)
	_, err = f.cmds.SaveTree("first")
	require.NoError(t, err)
	_, err = f.manager.PostTree(postedTree(false, trees.UnsetSessionID))
	require.NoError(t, err)
	_, err = f.cmds.SaveTree("second")
	require.NoError(t, err)

	f.emitter.Reset()
	require.NoError(t, f.cmds.LoadSavedTree(0))
	tree, err := f.cmds.FetchDebugTree()
	require.NoError(t, err)
	assert.True(t, tree.IsDebuggable)
	assert.Equal(t, []events.Kind{events.KindTreeReady}, f.emitter.Kinds())

	path, err := f.cmds.DownloadTree(1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.downloads, "second.json"), path)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	remaining, err := f.cmds.DeleteTree(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, remaining)
	ids, _ := f.manager.SessionIDs()
	assert.Empty(t, ids)
	_, err = f.store.Load("first")
	assert.ErrorIs(t, err, savedtrees.ErrNotFound)

	assert.ErrorIs(t, f.cmds.LoadSavedTree(5), session.ErrTabNotFound)
	_, err = f.cmds.DeleteTree(5)
	assert.ErrorIs(t, err, session.ErrTabNotFound)
}

func TestImportTreeAssignsFreshSession(t *testing.T) {
	f := newFixture(t)
	first, err := f.manager.PostTree(postedTree(true, trees.UnsetSessionID))
	require.NoError(t, err)

	doc, err := trees.MarshalSaved(postedTree(true, 0))
	require.NoError(t, err)

	f.emitter.Reset()
	tabs, err := f.cmds.ImportTree("imported", string(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"imported"}, tabs)
	assert.Equal(t, []events.Kind{events.KindTreeReady, events.KindNewTree}, f.emitter.Kinds())

	tree, err := f.cmds.FetchDebugTree()
	require.NoError(t, err)
	assert.False(t, tree.IsDebuggable)
	assert.Greater(t, tree.SessionID, first.SessionID)

	saved, err := f.store.Load("imported")
	require.NoError(t, err)
	assert.False(t, saved.IsDebuggable)
	assert.Equal(t, tree.SessionID, saved.SessionID)

	_, err = f.cmds.ImportTree("broken", `{"input": "x"}`)
	assert.ErrorIs(t, err, trees.ErrDeserialiseFailed)
	_, err = f.store.Load("broken")
	assert.ErrorIs(t, err, savedtrees.ErrNotFound)
}

func TestImportTreeCompletesWhenNotificationFails(t *testing.T) {
	f := newFixture(t)
	doc, err := trees.MarshalSaved(postedTree(false, 0))
	require.NoError(t, err)

	f.emitter.Err = errors.New("boom")
	tabs, err := f.cmds.ImportTree("imported", string(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"imported"}, tabs)
	assert.Equal(t, []events.Kind{events.KindTreeReady, events.KindNewTree}, f.emitter.Kinds())

	current, err := f.manager.Tabs()
	require.NoError(t, err)
	assert.Equal(t, []string{"imported"}, current)
	tree, err := f.cmds.FetchDebugTree()
	require.NoError(t, err)
	saved, err := f.store.Load("imported")
	require.NoError(t, err)
	assert.Equal(t, tree.SessionID, saved.SessionID)
}

func TestImportTreeReplacesSessionMapping(t *testing.T) {
	f := newFixture(t)
	first, err := f.manager.PostTree(postedTree(true, trees.UnsetSessionID))
	require.NoError(t, err)
	_, err = f.cmds.SaveTree("calc")
	require.NoError(t, err)

	doc, err := trees.MarshalSaved(postedTree(false, 0))
	require.NoError(t, err)
	_, err = f.cmds.ImportTree("calc", string(doc))
	require.NoError(t, err)
	exists, err := f.manager.SessionIDExists(first.SessionID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteSavedTreesResetsState(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.PostTree(postedTree(true, trees.UnsetSessionID))
	require.NoError(t, err)
	_, err = f.cmds.SaveTree("a")
	require.NoError(t, err)

	require.NoError(t, f.cmds.DeleteSavedTrees())
	tabs, _ := f.manager.Tabs()
	assert.Empty(t, tabs)
	names, err := f.store.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
	_, err = f.cmds.FetchDebugTree()
	assert.ErrorIs(t, err, session.ErrTreeNotFound)
}

func TestRefsFollowCurrentTree(t *testing.T) {
	f := newFixture(t)
	out, err := f.manager.PostTree(postedTree(false, trees.UnsetSessionID))
	require.NoError(t, err)

	refs, err := f.cmds.GetRefs(out.SessionID)
	require.NoError(t, err)
	assert.Empty(t, refs)

	override := []trees.RefEntry{{ID: 0, Value: "override"}}
	id, err := f.cmds.UpdateRefs(override)
	require.NoError(t, err)
	assert.Equal(t, out.SessionID, id)
	refs, _ = f.cmds.GetRefs(out.SessionID)
	assert.Equal(t, override, refs)

	_, defaults, err := f.cmds.ResetRefs()
	require.NoError(t, err)
	assert.Equal(t, []trees.RefEntry{{ID: 0, Value: "zero"}}, defaults)
	refs, _ = f.cmds.GetRefs(out.SessionID)
	assert.Equal(t, defaults, refs)
}

func TestBreakpointDecisionsAreJournaled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.manager.PostTree(postedTree(true, trees.UnsetSessionID))
	require.NoError(t, err)

	assert.ErrorIs(t, f.cmds.SkipBreakpoints(ctx, out.SessionID, -1), ErrInvalidArgument)

	got := make(chan session.BreakpointCode, 1)
	go func() {
		code, err := f.manager.AwaitBreakpoint(ctx, out.SessionID, out.Wait)
		if err == nil {
			got <- code
		}
	}()
	require.NoError(t, f.cmds.SkipBreakpoints(ctx, out.SessionID, 3))
	select {
	case code := <-got:
		assert.Equal(t, session.Skip(3), code)
	case <-time.After(2 * time.Second):
		t.Fatal("decision not delivered")
	}

	err = f.cmds.TerminateDebugging(ctx, out.SessionID)
	assert.ErrorIs(t, err, session.ErrChannel)
	err = f.cmds.SkipAllBreakpoints(ctx, 77)
	assert.ErrorIs(t, err, session.ErrNoRendezvous)

	decisions, err := f.journal.ListDecisions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	outcomes := map[string]string{}
	for _, d := range decisions {
		outcomes[d.Action] = d.Outcome
	}
	assert.Equal(t, db.OutcomeDelivered, outcomes["skip"])
	assert.Equal(t, db.OutcomeNoReceiver, outcomes["terminate"])
	assert.Equal(t, db.OutcomeNoReceiver, outcomes["skipAll"])
}

func TestRequestSourceFile(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "Main.scala")
	require.NoError(t, os.WriteFile(path, []byte("object Main"), 0o644))

	n, err := f.cmds.RequestSourceFile(path)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	evs := f.emitter.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindSourceFile, evs[0].Kind)
	assert.Equal(t, "object Main", evs[0].Payload)

	_, err = f.cmds.RequestSourceFile(filepath.Join(t.TempDir(), "missing.scala"))
	assert.ErrorIs(t, err, ErrSourceNotFound)
	_, err = f.cmds.RequestSourceFile(" ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
