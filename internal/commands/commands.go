// Package commands implements the client command surface: tree inspection,
// saved tree management, refs and breakpoint decisions.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/dillproject/dill/internal/db"
	"github.com/dillproject/dill/internal/events"
	"github.com/dillproject/dill/internal/savedtrees"
	"github.com/dillproject/dill/internal/session"
	"github.com/dillproject/dill/internal/trees"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSourceNotFound  = errors.New("source file not found")
)

// Journal records decisions taken through the command surface.
type Journal interface {
	RecordDecision(ctx context.Context, id trees.SessionID, action string, skips int32, outcome string) (db.Decision, error)
}

type Commands struct {
	state        session.ClientState
	store        *savedtrees.Store
	emitter      events.Emitter
	journal      Journal
	downloadsDir string
	logger       *zap.Logger
}

type Deps struct {
	State        session.ClientState
	Store        *savedtrees.Store
	Emitter      events.Emitter
	Journal      Journal
	DownloadsDir string
	Logger       *zap.Logger
}

func New(deps Deps) *Commands {
	c := &Commands{
		state:        deps.State,
		store:        deps.Store,
		emitter:      deps.Emitter,
		journal:      deps.Journal,
		downloadsDir: deps.DownloadsDir,
		logger:       deps.Logger,
	}
	if c.emitter == nil {
		c.emitter = events.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// FetchDebugTree returns the current tree.
func (c *Commands) FetchDebugTree() (trees.DebugTree, error) {
	return c.state.Tree()
}

// FetchNodeChildren returns the direct children of a node for lazy
// expansion.
func (c *Commands) FetchNodeChildren(nodeID uint32) ([]trees.DebugNode, error) {
	node, err := c.state.Node(nodeID)
	if err != nil {
		return nil, err
	}
	if node.Children == nil {
		return []trees.DebugNode{}, nil
	}
	return node.Children, nil
}

// SaveTree writes the current tree under name and returns the tab list. A
// debuggable tree also maps name to its session so later posts overwrite
// the saved copy. Any other tree releases whatever session name pointed at.
func (c *Commands) SaveTree(name string) ([]string, error) {
	name = strings.TrimSpace(name)
	tree, err := c.state.Tree()
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(name, tree); err != nil {
		return nil, fmt.Errorf("save tree %q: %w", name, err)
	}
	if tree.IsDebuggable {
		err = c.state.AddSessionID(name, tree.SessionID)
	} else {
		err = c.state.UnmapSessionName(name)
	}
	if err != nil {
		return nil, err
	}
	return c.state.AddTab(name)
}

// LoadSavedTree makes the tree behind the tab at index current.
func (c *Commands) LoadSavedTree(index int) error {
	name, err := c.state.TabName(index)
	if err != nil {
		return err
	}
	tree, err := c.store.Load(name)
	if err != nil {
		return err
	}
	return c.state.SetTree(tree)
}

// DeleteTree removes the tab at index, its saved file and its session
// mapping, returning the remaining tabs.
func (c *Commands) DeleteTree(index int) ([]string, error) {
	name, err := c.state.TabName(index)
	if err != nil {
		return nil, err
	}
	if err := c.store.Remove(name); err != nil && !errors.Is(err, savedtrees.ErrNotFound) {
		return nil, err
	}
	if err := c.state.RmvSessionID(name); err != nil {
		return nil, err
	}
	return c.state.RemoveTab(index)
}

// DownloadTree copies the saved tree at index to the downloads directory and
// returns the written path.
func (c *Commands) DownloadTree(index int) (string, error) {
	name, err := c.state.TabName(index)
	if err != nil {
		return "", err
	}
	if c.downloadsDir == "" {
		return "", fmt.Errorf("%w: no downloads directory configured", ErrInvalidArgument)
	}
	return c.store.CopyTo(name, c.downloadsDir)
}

// ImportTree stores an external document as a saved tree and makes it
// current. Imported trees are never debuggable and get a fresh session id.
func (c *Commands) ImportTree(name, contents string) ([]string, error) {
	name = strings.TrimSpace(name)
	if _, err := c.store.Path(name); err != nil {
		return nil, err
	}
	tree, canonical, err := trees.ParseSaved([]byte(contents))
	if err != nil {
		return nil, err
	}
	id, err := c.state.NextSessionID()
	if err != nil {
		return nil, err
	}
	stamped, err := trees.StampImport(canonical, id)
	if err != nil {
		return nil, err
	}
	if err := c.store.WriteRaw(name, stamped); err != nil {
		return nil, fmt.Errorf("import tree %q: %w", name, err)
	}
	tree.IsDebuggable = false
	tree.SessionID = id
	stored, err := c.state.StoreTree(tree)
	if err != nil {
		return nil, err
	}
	if err := c.state.UnmapSessionName(name); err != nil {
		return nil, err
	}
	tabs, err := c.state.AddTab(name)
	if err != nil {
		return nil, err
	}

	// The import is complete at this point; notification failures are
	// reported alongside the tabs.
	var errs []error
	if err := c.emitter.Emit(events.TreeReady(stored)); err != nil {
		errs = append(errs, err)
	}
	if err := c.emitter.Emit(events.NewTree()); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("failed to announce imported tree", zap.String("name", name), zap.Error(err))
		return tabs, fmt.Errorf("announce imported tree: %w", err)
	}
	return tabs, nil
}

// DeleteSavedTrees forgets every tab and removes all saved files.
func (c *Commands) DeleteSavedTrees() error {
	if err := c.state.ResetAll(); err != nil {
		return err
	}
	return c.store.Clean()
}

func (c *Commands) GetRefs(id trees.SessionID) ([]trees.RefEntry, error) {
	return c.state.Refs(id)
}

// UpdateRefs overrides the refs of the current tree's session.
func (c *Commands) UpdateRefs(refs []trees.RefEntry) (trees.SessionID, error) {
	tree, err := c.state.Tree()
	if err != nil {
		return trees.UnsetSessionID, err
	}
	if refs == nil {
		refs = []trees.RefEntry{}
	}
	return tree.SessionID, c.state.UpdateRefs(tree.SessionID, refs)
}

// ResetRefs restores the current tree's declared refs and returns them.
func (c *Commands) ResetRefs() (trees.SessionID, []trees.RefEntry, error) {
	tree, err := c.state.Tree()
	if err != nil {
		return trees.UnsetSessionID, nil, err
	}
	defaults := tree.DefaultRefs()
	if err := c.state.ResetRefs(tree.SessionID, defaults); err != nil {
		return trees.UnsetSessionID, nil, err
	}
	return tree.SessionID, defaults, nil
}

func (c *Commands) SkipBreakpoints(ctx context.Context, id trees.SessionID, skips int32) error {
	if skips < 0 {
		return fmt.Errorf("%w: skips must not be negative", ErrInvalidArgument)
	}
	return c.decide(ctx, id, session.Skip(skips))
}

func (c *Commands) SkipAllBreakpoints(ctx context.Context, id trees.SessionID) error {
	return c.decide(ctx, id, session.SkipAll())
}

func (c *Commands) TerminateDebugging(ctx context.Context, id trees.SessionID) error {
	return c.decide(ctx, id, session.Terminate())
}

func (c *Commands) decide(ctx context.Context, id trees.SessionID, code session.BreakpointCode) error {
	err := c.state.FulfillBreakpoint(id, code)
	outcome := db.OutcomeDelivered
	if err != nil {
		if !errors.Is(err, session.ErrChannel) {
			return err
		}
		outcome = db.OutcomeNoReceiver
		c.logger.Warn("breakpoint decision had no receiver",
			zap.Int32("session_id", int32(id)),
			zap.Stringer("decision", code),
		)
	}
	if c.journal != nil {
		if _, jerr := c.journal.RecordDecision(ctx, id, string(code.Action), code.Skips, outcome); jerr != nil {
			c.logger.Warn("failed to journal breakpoint decision", zap.Error(jerr))
		}
	}
	return err
}

// RequestSourceFile reads a source file and sends its contents to the
// client.
func (c *Commands) RequestSourceFile(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return 0, fmt.Errorf("read source file: %w", err)
	}
	if err := c.emitter.Emit(events.SourceFile(string(data))); err != nil {
		return 0, fmt.Errorf("send source file: %w", err)
	}
	return len(data), nil
}
