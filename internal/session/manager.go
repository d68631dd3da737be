// Package session coordinates session ids, the indexed current tree, per
// session refs and the breakpoint hand-off between debuggees and the
// client.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dillproject/dill/internal/events"
	"github.com/dillproject/dill/internal/trees"
)

// TreeSaver persists the tree of a session that is mapped to a saved tab.
type TreeSaver interface {
	Save(name string, tree trees.DebugTree) error
}

// DebuggeeState is the slice of the manager used by the debuggee routes.
type DebuggeeState interface {
	PostTree(tree trees.DebugTree) (PostOutcome, error)
	AwaitBreakpoint(ctx context.Context, id trees.SessionID, wait <-chan BreakpointCode) (BreakpointCode, error)
	NewSession() (trees.SessionID, error)
	Tree() (trees.DebugTree, error)
	StoredRefs(id trees.SessionID) ([]trees.RefEntry, bool, error)
}

// ClientState is the slice of the manager used by the command layer.
type ClientState interface {
	Tree() (trees.DebugTree, error)
	Node(id uint32) (trees.DebugNode, error)
	SetTree(tree trees.DebugTree) error
	StoreTree(tree trees.DebugTree) (trees.DebugTree, error)
	NextSessionID() (trees.SessionID, error)
	AddSessionID(name string, id trees.SessionID) error
	RmvSessionID(name string) error
	UnmapSessionName(name string) error
	SessionIDExists(id trees.SessionID) (bool, error)
	SessionIDs() (map[string]trees.SessionID, error)
	AddTab(name string) ([]string, error)
	TabName(index int) (string, error)
	RemoveTab(index int) ([]string, error)
	Tabs() ([]string, error)
	Refs(id trees.SessionID) ([]trees.RefEntry, error)
	UpdateRefs(id trees.SessionID, refs []trees.RefEntry) error
	ResetRefs(id trees.SessionID, defaults []trees.RefEntry) error
	FulfillBreakpoint(id trees.SessionID, code BreakpointCode) error
	ResetAll() error
}

// MonitorState is the slice of the manager used for health, listings and
// shutdown.
type MonitorState interface {
	PendingCount() int
	PendingBreakpoint(id trees.SessionID) (bool, error)
	SessionIDs() (map[string]trees.SessionID, error)
	Tabs() ([]string, error)
	Close()
}

var (
	_ DebuggeeState = (*Manager)(nil)
	_ ClientState   = (*Manager)(nil)
	_ MonitorState  = (*Manager)(nil)
)

// PostOutcome describes how a posted tree was classified. Wait is non-nil
// only for debuggable trees and must be passed to AwaitBreakpoint.
type PostOutcome struct {
	Tree      trees.DebugTree
	SessionID trees.SessionID
	IsNew     bool
	Tab       string
	Wait      <-chan BreakpointCode
	// SaveErr and EmitErr report side effects that failed after the state
	// change was applied.
	SaveErr error
	EmitErr error
}

// Option configures a Manager.
type Option func(*Manager)

func WithEmitter(e events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

func WithSaver(s TreeSaver) Option {
	return func(m *Manager) { m.saver = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithInitialSessionID(id trees.SessionID) Option {
	return func(m *Manager) { m.registry = NewRegistry(id) }
}

// Manager guards every piece of shared session state with one mutex. No
// method holds the mutex while waiting on a breakpoint.
type Manager struct {
	mu         sync.Mutex
	closed     bool
	registry   *Registry
	index      *TreeIndex
	refs       *RefStore
	rendezvous *Rendezvous

	emitter events.Emitter
	saver   TreeSaver
	logger  *zap.Logger
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		registry:   NewRegistry(0),
		index:      NewTreeIndex(),
		refs:       NewRefStore(),
		rendezvous: NewRendezvous(),
		emitter:    events.Nop{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// with runs fn under the state lock, failing once the manager is closed.
func (m *Manager) with(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrLockFailed
	}
	return fn()
}

// PostTree stores a tree posted by a debuggee. Classification, id allocation,
// rendezvous registration and the index rebuild happen in one critical
// section, so two concurrent posts without a session id always receive
// distinct ids. Persisting and notifying happen after the lock is released.
func (m *Manager) PostTree(tree trees.DebugTree) (PostOutcome, error) {
	var out PostOutcome
	err := m.with(func() error {
		id := tree.SessionID
		if !tree.HasSession() {
			id = m.registry.NextSessionID()
			tree.SessionID = id
			out.IsNew = true
		} else {
			m.registry.Observe(id)
			_, mapped := m.registry.TabForSession(id)
			out.IsNew = !mapped && !m.registry.IsLive(id)
		}
		if tree.IsDebuggable {
			wait, err := m.rendezvous.Register(id)
			if err != nil {
				return fmt.Errorf("register breakpoint for session %d: %w", id, err)
			}
			out.Wait = wait
		}
		m.registry.MarkLive(id)
		out.Tab, _ = m.registry.TabForSession(id)
		out.SessionID = id
		m.index.Set(tree)
		cur, _ := m.index.Current()
		out.Tree = *cur
		return nil
	})
	if err != nil {
		return PostOutcome{}, err
	}

	if out.Tab != "" && m.saver != nil {
		if err := m.saver.Save(out.Tab, out.Tree); err != nil {
			out.SaveErr = fmt.Errorf("overwrite saved tree %q: %w", out.Tab, err)
			m.logger.Warn("failed to overwrite saved tree",
				zap.String("tab", out.Tab),
				zap.Int32("session_id", int32(out.SessionID)),
				zap.Error(err),
			)
		}
	}
	out.EmitErr = m.emitPosted(out)
	return out, nil
}

func (m *Manager) emitPosted(out PostOutcome) error {
	var errs []error
	if err := m.emitter.Emit(events.TreeReady(out.Tree)); err != nil {
		errs = append(errs, err)
	}
	if out.IsNew {
		if err := m.emitter.Emit(events.NewTree()); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn("failed to notify client of posted tree",
			zap.Int32("session_id", int32(out.SessionID)),
			zap.Error(err),
		)
	}
	return err
}

// AwaitBreakpoint parks until the client decides how the session continues,
// ctx is cancelled, or the manager is closed. A cancelled wait abandons the
// registration so a later decision fails with ErrNoRendezvous.
func (m *Manager) AwaitBreakpoint(ctx context.Context, id trees.SessionID, wait <-chan BreakpointCode) (BreakpointCode, error) {
	if wait == nil {
		return BreakpointCode{}, ErrNoRendezvous
	}
	select {
	case code, ok := <-wait:
		if !ok {
			return BreakpointCode{}, ErrLockFailed
		}
		return code, nil
	case <-ctx.Done():
		m.mu.Lock()
		abandoned := m.rendezvous.Abandon(id, wait)
		m.mu.Unlock()
		if !abandoned {
			// A decision raced the cancellation; it was buffered, so honour it.
			select {
			case code, ok := <-wait:
				if ok {
					return code, nil
				}
			default:
			}
		}
		m.logger.Info("debuggee stopped waiting for breakpoint",
			zap.Int32("session_id", int32(id)),
			zap.Error(ctx.Err()),
		)
		return BreakpointCode{}, ctx.Err()
	}
}

// FulfillBreakpoint delivers code to the debuggee parked on id.
func (m *Manager) FulfillBreakpoint(id trees.SessionID, code BreakpointCode) error {
	return m.with(func() error {
		if err := m.rendezvous.Fulfill(id, code); err != nil {
			return fmt.Errorf("fulfill breakpoint for session %d: %w", id, err)
		}
		return nil
	})
}

func (m *Manager) PendingBreakpoint(id trees.SessionID) (bool, error) {
	var ok bool
	err := m.with(func() error {
		ok = m.rendezvous.Pending(id)
		return nil
	})
	return ok, err
}

func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rendezvous.pending)
}

// NewSession allocates an id without storing a tree.
func (m *Manager) NewSession() (trees.SessionID, error) {
	return m.NextSessionID()
}

func (m *Manager) NextSessionID() (trees.SessionID, error) {
	var id trees.SessionID
	err := m.with(func() error {
		id = m.registry.NextSessionID()
		return nil
	})
	return id, err
}

// SetTree replaces the current tree and announces it to the client.
func (m *Manager) SetTree(tree trees.DebugTree) error {
	stored, err := m.StoreTree(tree)
	if err != nil {
		return err
	}
	if err := m.emitter.Emit(events.TreeReady(stored)); err != nil {
		return fmt.Errorf("announce tree: %w", err)
	}
	return nil
}

// StoreTree replaces the current tree without announcing it and returns the
// indexed copy.
func (m *Manager) StoreTree(tree trees.DebugTree) (trees.DebugTree, error) {
	var stored trees.DebugTree
	err := m.with(func() error {
		if tree.HasSession() {
			m.registry.Observe(tree.SessionID)
		}
		m.index.Set(tree)
		cur, _ := m.index.Current()
		stored = *cur
		return nil
	})
	return stored, err
}

func (m *Manager) Tree() (trees.DebugTree, error) {
	var t trees.DebugTree
	err := m.with(func() error {
		var err error
		t, err = m.index.Tree()
		return err
	})
	return t, err
}

func (m *Manager) Node(id uint32) (trees.DebugNode, error) {
	var n trees.DebugNode
	err := m.with(func() error {
		var err error
		n, err = m.index.Node(id)
		return err
	})
	return n, err
}

func (m *Manager) AddSessionID(name string, id trees.SessionID) error {
	return m.with(func() error {
		m.registry.AddSessionID(name, id)
		return nil
	})
}

// RmvSessionID forgets the session owned by name together with its refs.
func (m *Manager) RmvSessionID(name string) error {
	return m.with(func() error {
		if id, ok := m.registry.RmvSessionID(name); ok {
			m.refs.Drop(id)
		}
		return nil
	})
}

// UnmapSessionName drops the session mapping of name and leaves the
// session's refs alone.
func (m *Manager) UnmapSessionName(name string) error {
	return m.with(func() error {
		m.registry.RmvSessionID(name)
		return nil
	})
}

func (m *Manager) SessionIDExists(id trees.SessionID) (bool, error) {
	var ok bool
	err := m.with(func() error {
		ok = m.registry.SessionIDExists(id)
		return nil
	})
	return ok, err
}

func (m *Manager) SessionIDs() (map[string]trees.SessionID, error) {
	var ids map[string]trees.SessionID
	err := m.with(func() error {
		ids = m.registry.SessionIDs()
		return nil
	})
	return ids, err
}

func (m *Manager) AddTab(name string) ([]string, error) {
	var tabs []string
	err := m.with(func() error {
		tabs = m.registry.AddTab(name)
		return nil
	})
	return tabs, err
}

func (m *Manager) TabName(index int) (string, error) {
	var name string
	err := m.with(func() error {
		var err error
		name, err = m.registry.TabName(index)
		return err
	})
	return name, err
}

func (m *Manager) RemoveTab(index int) ([]string, error) {
	var tabs []string
	err := m.with(func() error {
		if _, err := m.registry.RemoveTab(index); err != nil {
			return err
		}
		tabs = m.registry.Tabs()
		return nil
	})
	return tabs, err
}

func (m *Manager) Tabs() ([]string, error) {
	var tabs []string
	err := m.with(func() error {
		tabs = m.registry.Tabs()
		return nil
	})
	return tabs, err
}

func (m *Manager) Refs(id trees.SessionID) ([]trees.RefEntry, error) {
	var refs []trees.RefEntry
	err := m.with(func() error {
		refs = m.refs.Get(id)
		return nil
	})
	return refs, err
}

// StoredRefs returns the refs recorded for id and whether any were recorded.
func (m *Manager) StoredRefs(id trees.SessionID) ([]trees.RefEntry, bool, error) {
	var refs []trees.RefEntry
	var ok bool
	err := m.with(func() error {
		ok = m.refs.Has(id)
		refs = m.refs.Get(id)
		return nil
	})
	return refs, ok, err
}

func (m *Manager) UpdateRefs(id trees.SessionID, refs []trees.RefEntry) error {
	return m.with(func() error {
		m.refs.Update(id, refs)
		return nil
	})
}

func (m *Manager) ResetRefs(id trees.SessionID, defaults []trees.RefEntry) error {
	return m.with(func() error {
		m.refs.Reset(id, defaults)
		return nil
	})
}

// ResetAll forgets tabs, name mappings, refs and the current tree. Pending
// breakpoints stay armed; their debuggees are still waiting.
func (m *Manager) ResetAll() error {
	return m.with(func() error {
		m.registry.Reset()
		m.refs.Clear()
		m.index.Clear()
		return nil
	})
}

// Close wakes every parked debuggee with ErrLockFailed and rejects further
// calls.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.rendezvous.CloseAll()
}
