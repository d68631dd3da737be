// Package cli is the dill command line client. Every command talks to a
// running coordinator through appclient.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dillproject/dill/internal/api"
	"github.com/dillproject/dill/internal/appclient"
	"github.com/dillproject/dill/internal/trees"
)

// CLI is the kong command tree.
type CLI struct {
	Address string `help:"Coordinator address." default:"${address}" env:"DILL_ADDRESS"`
	JSON    bool   `help:"Print responses as JSON." name:"json"`

	Health     HealthCmd     `cmd:"" help:"Check that the coordinator is up."`
	Post       PostCmd       `cmd:"" help:"Post a tree file as a debuggee would."`
	NewSession NewSessionCmd `cmd:"" name:"new-session" help:"Allocate a session id."`
	Tree       TreeCmd       `cmd:"" help:"Show the current tree."`
	Children   ChildrenCmd   `cmd:"" help:"List the children of a node."`
	Tabs       TabsCmd       `cmd:"" help:"List saved tree tabs."`
	Save       SaveCmd       `cmd:"" help:"Save the current tree under a name."`
	Load       LoadCmd       `cmd:"" help:"Make a saved tree current."`
	Delete     DeleteCmd     `cmd:"" help:"Delete a saved tree, or all of them."`
	Download   DownloadCmd   `cmd:"" help:"Copy a saved tree to the downloads directory."`
	Import     ImportCmd     `cmd:"" help:"Import a saved tree document."`
	Refs       RefsCmd       `cmd:"" help:"Inspect or change session refs."`
	Skip       SkipCmd       `cmd:"" help:"Resume a debuggee, skipping breakpoints."`
	SkipAll    SkipAllCmd    `cmd:"" name:"skip-all" help:"Resume a debuggee, ignoring all breakpoints."`
	Terminate  TerminateCmd  `cmd:"" help:"Stop a debuggee at its breakpoint."`
	Source     SourceCmd     `cmd:"" help:"Send a source file to the client."`
	Sessions   SessionsCmd   `cmd:"" help:"List journaled sessions and decisions."`
	Watch      WatchCmd      `cmd:"" help:"Stream client events."`
}

// Globals is shared by every command.
type Globals struct {
	Context context.Context
	Client  *appclient.Client
	JSON    bool
	Stdout  io.Writer
	Stderr  io.Writer
}

func NewGlobals(ctx context.Context, c *CLI, stdout, stderr io.Writer) *Globals {
	return &Globals{
		Context: ctx,
		Client:  appclient.New(c.Address),
		JSON:    c.JSON,
		Stdout:  stdout,
		Stderr:  stderr,
	}
}

func (g *Globals) ctx() context.Context {
	if g.Context == nil {
		return context.Background()
	}
	return g.Context
}

func (g *Globals) printJSON(v any) error {
	enc := json.NewEncoder(g.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (g *Globals) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(g.Stdout, format, args...)
}

func (g *Globals) printTabs(tabs []string) {
	if len(tabs) == 0 {
		g.printf("no saved trees\n")
		return
	}
	for i, name := range tabs {
		g.printf("%d\t%s\n", i, name)
	}
}

type HealthCmd struct{}

func (c *HealthCmd) Run(g *Globals) error {
	resp, err := g.Client.Health(g.ctx())
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printf("%s run=%s pending=%d subscribers=%d\n", resp.Status, resp.RunID, resp.PendingSessions, resp.Subscribers)
	return nil
}

type PostCmd struct {
	File string `arg:"" help:"Tree JSON file in the debuggee format, or - for stdin."`
}

func (c *PostCmd) Run(g *Globals) error {
	var (
		data []byte
		err  error
	)
	if c.File == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.File)
	}
	if err != nil {
		return fmt.Errorf("read tree: %w", err)
	}
	resp, err := g.Client.PostTree(g.ctx(), json.RawMessage(data))
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printf("%s (session %d)\n", resp.Message, resp.SessionID)
	if resp.BreakpointAction != "" {
		g.printf("breakpoint: %s", resp.BreakpointAction)
		if resp.SkipBreakpoint != nil {
			g.printf(" %d", *resp.SkipBreakpoint)
		}
		g.printf("\n")
	}
	return nil
}

type NewSessionCmd struct{}

func (c *NewSessionCmd) Run(g *Globals) error {
	id, err := g.Client.NewSession(g.ctx())
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(api.NewSessionResponse{SessionID: id})
	}
	g.printf("%d\n", id)
	return nil
}

type TreeCmd struct {
	Depth int `help:"Expand nodes this many levels below the root." default:"1"`
}

func (c *TreeCmd) Run(g *Globals) error {
	resp, err := g.Client.Tree(g.ctx())
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	t := resp.Tree
	g.printf("session %d (%s) input=%q debuggable=%t\n", t.SessionID, t.SessionName, t.Input, t.IsDebuggable)
	return c.printNode(g, t.Root, 0)
}

func (c *TreeCmd) printNode(g *Globals, n trees.DebugNode, level int) error {
	g.printf("%s%s\n", strings.Repeat("  ", level), formatNode(n))
	if n.IsLeaf || level >= c.Depth {
		return nil
	}
	children, err := g.Client.Children(g.ctx(), n.NodeID)
	if err != nil {
		return err
	}
	for _, child := range children.Children {
		if err := c.printNode(g, child, level+1); err != nil {
			return err
		}
	}
	return nil
}

func formatNode(n trees.DebugNode) string {
	status := "ok"
	if !n.Success {
		status = "fail"
	}
	s := fmt.Sprintf("[%d] %s (%s) %s [%d,%d)", n.NodeID, n.Name, n.Internal, status, n.InputStart, n.InputEnd)
	if n.IsIterative {
		s += " iterative"
	}
	if !n.IsLeaf {
		s += " +"
	}
	return s
}

type ChildrenCmd struct {
	Node uint32 `arg:"" help:"Node id."`
}

func (c *ChildrenCmd) Run(g *Globals) error {
	resp, err := g.Client.Children(g.ctx(), c.Node)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	for _, child := range resp.Children {
		g.printf("%s\n", formatNode(child))
	}
	return nil
}

type TabsCmd struct{}

func (c *TabsCmd) Run(g *Globals) error {
	resp, err := g.Client.Tabs(g.ctx())
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printTabs(resp.Tabs)
	return nil
}

type SaveCmd struct {
	Name string `arg:"" help:"Tab name."`
}

func (c *SaveCmd) Run(g *Globals) error {
	resp, err := g.Client.SaveTree(g.ctx(), c.Name)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printTabs(resp.Tabs)
	return nil
}

type LoadCmd struct {
	Index int `arg:"" help:"Tab index."`
}

func (c *LoadCmd) Run(g *Globals) error {
	resp, err := g.Client.LoadSavedTree(g.ctx(), c.Index)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printf("loaded session %d input=%q\n", resp.Tree.SessionID, resp.Tree.Input)
	return nil
}

type DeleteCmd struct {
	Index int  `arg:"" optional:"" default:"-1" help:"Tab index."`
	All   bool `help:"Delete every saved tree and reset session state."`
}

func (c *DeleteCmd) Run(g *Globals) error {
	var (
		resp api.TabsResponse
		err  error
	)
	switch {
	case c.All:
		resp, err = g.Client.DeleteSavedTrees(g.ctx())
	case c.Index >= 0:
		resp, err = g.Client.DeleteTree(g.ctx(), c.Index)
	default:
		return fmt.Errorf("delete needs a tab index or --all")
	}
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printTabs(resp.Tabs)
	return nil
}

type DownloadCmd struct {
	Index int `arg:"" help:"Tab index."`
}

func (c *DownloadCmd) Run(g *Globals) error {
	resp, err := g.Client.DownloadTree(g.ctx(), c.Index)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printf("%s\n", resp.Path)
	return nil
}

type ImportCmd struct {
	Name string `arg:"" help:"Tab name."`
	File string `arg:"" help:"Saved tree document." type:"existingfile"`
}

func (c *ImportCmd) Run(g *Globals) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}
	resp, err := g.Client.ImportTree(g.ctx(), c.Name, string(data))
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printTabs(resp.Tabs)
	return nil
}

type RefsCmd struct {
	Get   RefsGetCmd   `cmd:"" default:"withargs" help:"Show the refs of a session."`
	Set   RefsSetCmd   `cmd:"" help:"Override the refs of the current tree's session."`
	Reset RefsResetCmd `cmd:"" help:"Restore the refs declared by the current tree."`
}

type RefsGetCmd struct {
	Session int32 `arg:"" optional:"" help:"Session id. Defaults to the current tree's session." default:"-1"`
}

func (c *RefsGetCmd) Run(g *Globals) error {
	id := trees.SessionID(c.Session)
	if id == trees.UnsetSessionID {
		tree, err := g.Client.Tree(g.ctx())
		if err != nil {
			return err
		}
		id = tree.Tree.SessionID
	}
	resp, err := g.Client.Refs(g.ctx(), id)
	if err != nil {
		return err
	}
	return printRefs(g, resp)
}

type RefsSetCmd struct {
	Refs []string `arg:"" help:"Refs as id=value pairs."`
}

func (c *RefsSetCmd) Run(g *Globals) error {
	refs, err := ParseRefs(c.Refs)
	if err != nil {
		return err
	}
	resp, err := g.Client.UpdateRefs(g.ctx(), refs)
	if err != nil {
		return err
	}
	return printRefs(g, resp)
}

type RefsResetCmd struct{}

func (c *RefsResetCmd) Run(g *Globals) error {
	resp, err := g.Client.ResetRefs(g.ctx())
	if err != nil {
		return err
	}
	return printRefs(g, resp)
}

// ParseRefs reads id=value pairs. Values may contain '='.
func ParseRefs(pairs []string) ([]trees.RefEntry, error) {
	out := make([]trees.RefEntry, 0, len(pairs))
	for _, pair := range pairs {
		rawID, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid ref %q: expected id=value", pair)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid ref id %q: %w", rawID, err)
		}
		out = append(out, trees.RefEntry{ID: int32(id), Value: value})
	}
	return out, nil
}

func printRefs(g *Globals, resp api.RefsResponse) error {
	if g.JSON {
		return g.printJSON(resp)
	}
	if len(resp.Refs) == 0 {
		g.printf("session %d has no refs\n", resp.SessionID)
		return nil
	}
	for _, ref := range resp.Refs {
		g.printf("%d=%s\n", ref.ID, ref.Value)
	}
	return nil
}

type SkipCmd struct {
	Session int32 `arg:"" help:"Session id."`
	Count   int32 `arg:"" optional:"" default:"1" help:"Breakpoints to skip."`
}

func (c *SkipCmd) Run(g *Globals) error {
	resp, err := g.Client.SkipBreakpoints(g.ctx(), trees.SessionID(c.Session), c.Count)
	return printDecision(g, resp, err)
}

type SkipAllCmd struct {
	Session int32 `arg:"" help:"Session id."`
}

func (c *SkipAllCmd) Run(g *Globals) error {
	resp, err := g.Client.SkipAllBreakpoints(g.ctx(), trees.SessionID(c.Session))
	return printDecision(g, resp, err)
}

type TerminateCmd struct {
	Session int32 `arg:"" help:"Session id."`
}

func (c *TerminateCmd) Run(g *Globals) error {
	resp, err := g.Client.TerminateDebugging(g.ctx(), trees.SessionID(c.Session))
	return printDecision(g, resp, err)
}

func printDecision(g *Globals, resp api.BreakpointResponse, err error) error {
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printf("session %d: %s", resp.SessionID, resp.Action)
	if resp.Skips != nil {
		g.printf(" %d", *resp.Skips)
	}
	g.printf("\n")
	return nil
}

type SourceCmd struct {
	Path string `arg:"" help:"Source file path, as seen by the coordinator."`
}

func (c *SourceCmd) Run(g *Globals) error {
	resp, err := g.Client.RequestSourceFile(g.ctx(), c.Path)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printf("sent %s (%d bytes)\n", resp.Path, resp.Bytes)
	return nil
}

type SessionsCmd struct {
	Limit int `help:"Maximum decisions to show." default:"20"`
}

func (c *SessionsCmd) Run(g *Globals) error {
	resp, err := g.Client.Sessions(g.ctx(), c.Limit)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(resp)
	}
	g.printf("run %s: %d session(s)\n", resp.RunID, len(resp.Sessions))
	for _, s := range resp.Sessions {
		state := ""
		if s.Pending {
			state = " pending"
		}
		tab := s.Tab
		if tab == "" {
			tab = "-"
		}
		g.printf("  %d\t%s\ttab=%s\tposts=%d\tdebuggable=%d%s\n", s.SessionID, s.SessionName, tab, s.PostCount, s.DebuggablePosts, state)
	}
	for _, d := range resp.Decisions {
		g.printf("  decision %s session=%d action=%s skips=%d outcome=%s\n",
			d.DecidedAt.Format("15:04:05"), d.SessionID, d.Action, d.Skips, d.Outcome)
	}
	return nil
}

type WatchCmd struct {
	Once bool `help:"Stop when the first stream ends."`
}

func (c *WatchCmd) Run(g *Globals) error {
	enc := json.NewEncoder(g.Stdout)
	err := g.Client.Watch(g.ctx(), appclient.WatchOptions{Once: c.Once}, func(line api.EventLine) error {
		if g.JSON {
			return enc.Encode(line)
		}
		g.printf("%d\t%s\t%s\n", line.Sequence, line.EmittedAt.Format("15:04:05.000"), line.Event)
		return nil
	})
	if err != nil && g.ctx().Err() != nil {
		return nil
	}
	return err
}
