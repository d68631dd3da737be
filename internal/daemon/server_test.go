package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dillproject/dill/internal/api"
	"github.com/dillproject/dill/internal/commands"
	"github.com/dillproject/dill/internal/config"
	"github.com/dillproject/dill/internal/db"
	"github.com/dillproject/dill/internal/events"
	"github.com/dillproject/dill/internal/savedtrees"
	"github.com/dillproject/dill/internal/session"
	"github.com/dillproject/dill/internal/testutil"
	"github.com/dillproject/dill/internal/trees"
)

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	manager *session.Manager
	hub     *events.Hub
	journal *db.Store
	saved   *savedtrees.Store
	cfg     config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = root
	cfg.SavedTreeDir = filepath.Join(root, "saved")
	cfg.DownloadsDir = filepath.Join(root, "downloads")
	cfg.MaxBodyBytes = 16 << 10

	saved, err := savedtrees.Open(cfg.SavedTreeDir)
	if err != nil {
		t.Fatalf("open saved trees: %v", err)
	}
	journal, _ := testutil.NewStore(t)
	hub := events.NewHub(16, clock.New(), zap.NewNop())
	manager := session.NewManager(
		session.WithEmitter(hub),
		session.WithSaver(saved),
	)
	cmds := commands.New(commands.Deps{
		State:        manager,
		Store:        saved,
		Emitter:      hub,
		Journal:      journal,
		DownloadsDir: cfg.DownloadsDir,
	})
	srv := NewServer(cfg, Deps{
		Manager:  manager,
		Commands: cmds,
		Hub:      hub,
		Journal:  journal,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		manager.Close()
		hub.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, http: ts, manager: manager, hub: hub, journal: journal, saved: saved, cfg: cfg}
}

func postedBody(input string, debuggable bool, sessionID *int32) string {
	body := map[string]any{
		"input": input,
		"root": map[string]any{
			"name": "expr", "internal": "expr", "success": true, "childId": -1,
			"fromOffset": 0, "toOffset": len(input),
			"children": []any{
				map[string]any{"name": "num", "internal": "digit", "success": true, "childId": 3, "fromOffset": 0, "toOffset": 1, "children": []any{}},
				map[string]any{"name": "op", "internal": "char", "success": false, "childId": -1, "fromOffset": 1, "toOffset": 1, "children": []any{}},
			},
		},
		"parserInfo":   map[string]any{},
		"isDebuggable": debuggable,
		"refs":         [][]any{{0, "zero"}},
	}
	if sessionID != nil {
		body["sessionId"] = *sessionID
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func (e *testEnv) do(t *testing.T, method, path, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) doJSON(t *testing.T, method, path, body string, wantStatus int, out any) {
	t.Helper()
	resp := e.do(t, method, path, "application/json", body)
	defer resp.Body.Close() //nolint:errcheck
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d body=%s", method, path, wantStatus, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, raw)
		}
	}
}

func (e *testEnv) expectErrorCode(t *testing.T, resp *http.Response, wantStatus int, wantCode string) {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != wantStatus {
		t.Fatalf("expected %d, got %d", wantStatus, resp.StatusCode)
	}
	var payload api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if payload.SchemaVersion != api.SchemaVersion || payload.Error.Code != wantCode {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
}

func (e *testEnv) waitPending(t *testing.T, id trees.SessionID) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pending, _ := e.manager.PendingBreakpoint(id); pending {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %d never suspended", id)
}

func TestIndexServesOnboardingText(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/", "", "")
	defer resp.Body.Close() //nolint:errcheck
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "DILL: Debugging Interactively for the ParsLey Language" {
		t.Fatalf("unexpected onboarding text: %q", body)
	}

	env.expectErrorCode(t, env.do(t, http.MethodGet, "/nope", "", ""), http.StatusNotFound, api.ErrRefNotFound)
}

func TestMethodNotAllowedReturnsStructuredErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodDelete, "/api/remote/tree", "", "")
	if got := resp.Header.Get("Allow"); got != "GET, POST" {
		t.Fatalf("unexpected Allow header: %q", got)
	}
	env.expectErrorCode(t, resp, http.StatusMethodNotAllowed, api.ErrRefInvalid)
}

func TestHealthReportsRunAndPending(t *testing.T) {
	env := newTestEnv(t)
	var health api.HealthResponse
	env.doJSON(t, http.MethodGet, "/api/health", "", http.StatusOK, &health)
	if health.Status != "ok" || health.RunID != env.journal.RunID() || health.PendingSessions != 0 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestNonDebuggablePostReturnsImmediately(t *testing.T) {
	env := newTestEnv(t)
	var resp api.PostTreeResponse
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("abcdefghijklmnopqrstuvwxyz", false, nil), http.StatusOK, &resp)
	if resp.SessionID != 0 {
		t.Fatalf("expected fresh session 0, got %d", resp.SessionID)
	}
	want := `Posted parser tree handling input: "abcdefghijklmnop..." to Dill`
	if resp.Message != want {
		t.Fatalf("unexpected message %q", resp.Message)
	}
	if resp.SkipBreakpoint != nil || resp.BreakpointAction != "" {
		t.Fatalf("non-debuggable post must not carry a decision: %+v", resp)
	}

	var short api.PostTreeResponse
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, &short)
	if short.SessionID != 1 || short.Message != `Posted parser tree handling input: "1+2" to Dill` {
		t.Fatalf("unexpected second response: %+v", short)
	}

	recs, err := env.journal.ListSessions(context.Background(), "")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 journaled sessions, got %d", len(recs))
	}
}

func TestRemoteTreeGetAfterPost(t *testing.T) {
	env := newTestEnv(t)
	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/remote/tree", "", ""), http.StatusNotFound, api.ErrTreeNotFound)

	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, nil)
	var tree trees.DebugTree
	env.doJSON(t, http.MethodGet, "/api/remote/tree", "", http.StatusOK, &tree)
	if tree.Input != "1+2" || tree.Root.Name != "expr" || tree.SessionID != 0 {
		t.Fatalf("unexpected tree: %+v", tree)
	}
}

func TestDebuggablePostSuspendsUntilSkip(t *testing.T) {
	env := newTestEnv(t)

	type result struct {
		resp api.PostTreeResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.http.URL+"/api/remote/tree", strings.NewReader(postedBody("1+2", true, nil)))
		req.Header.Set("Content-Type", "application/json")
		resp, err := env.http.Client().Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close() //nolint:errcheck
		var out api.PostTreeResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		done <- result{resp: out, err: err}
	}()

	env.waitPending(t, 0)
	select {
	case <-done:
		t.Fatalf("debuggable post returned before a decision")
	default:
	}

	var decided api.BreakpointResponse
	env.doJSON(t, http.MethodPost, "/api/client/sessions/0/skip", `{"skips":3}`, http.StatusOK, &decided)
	if decided.Action != "skip" || decided.Skips == nil || *decided.Skips != 3 {
		t.Fatalf("unexpected decision response: %+v", decided)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("post failed: %v", r.err)
		}
		if r.resp.BreakpointAction != "skip" || r.resp.SkipBreakpoint == nil || *r.resp.SkipBreakpoint != 3 {
			t.Fatalf("unexpected post response: %+v", r.resp)
		}
		if r.resp.NewRefs != nil {
			t.Fatalf("no refs were recorded, got %+v", r.resp.NewRefs)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("debuggable post did not resume")
	}

	decisions, err := env.journal.ListDecisions(context.Background(), 0)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Outcome != db.OutcomeDelivered {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
}

func TestTerminateCarriesUpdatedRefs(t *testing.T) {
	env := newTestEnv(t)
	done := make(chan api.PostTreeResponse, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.http.URL+"/api/remote/tree", strings.NewReader(postedBody("1+2", true, nil)))
		req.Header.Set("Content-Type", "application/json")
		resp, err := env.http.Client().Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close() //nolint:errcheck
		var out api.PostTreeResponse
		if json.NewDecoder(resp.Body).Decode(&out) == nil {
			done <- out
		}
	}()
	env.waitPending(t, 0)

	var refs api.RefsResponse
	env.doJSON(t, http.MethodPut, "/api/client/refs", `{"refs":[[0,"changed"]]}`, http.StatusOK, &refs)
	if refs.SessionID != 0 || len(refs.Refs) != 1 || refs.Refs[0].Value != "changed" {
		t.Fatalf("unexpected refs response: %+v", refs)
	}
	env.doJSON(t, http.MethodPost, "/api/client/sessions/0/terminate", "", http.StatusOK, nil)

	select {
	case out := <-done:
		if out.BreakpointAction != "terminate" || out.SkipBreakpoint != nil {
			t.Fatalf("unexpected post response: %+v", out)
		}
		if len(out.NewRefs) != 1 || out.NewRefs[0] != (trees.RefEntry{ID: 0, Value: "changed"}) {
			t.Fatalf("unexpected newRefs: %+v", out.NewRefs)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("debuggable post did not resume")
	}
}

func TestDecisionWithoutWaiterConflicts(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/client/sessions/4/skip-all", "", "")
	env.expectErrorCode(t, resp, http.StatusConflict, api.ErrChannel)

	resp = env.do(t, http.MethodPost, "/api/client/sessions/abc/skip-all", "", "")
	env.expectErrorCode(t, resp, http.StatusBadRequest, api.ErrRefInvalid)
}

func TestSecondPostForSessionIsAnUpdate(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	var first api.PostTreeResponse
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, &first)
	id := int32(first.SessionID)
	var second api.PostTreeResponse
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("3*4", false, &id), http.StatusOK, &second)
	if second.SessionID != first.SessionID {
		t.Fatalf("expected same session, got %d then %d", first.SessionID, second.SessionID)
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case line := <-sub.C:
			got = append(got, line.Event)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	want := []string{"tree-ready", "new-tree", "tree-ready"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected events: %v", got)
		}
	}
	select {
	case line := <-sub.C:
		t.Fatalf("unexpected extra event %q", line.Event)
	default:
	}
}

func TestPostRejectsWrongMediaTypeAndMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/remote/tree", "text/plain", postedBody("x", false, nil))
	env.expectErrorCode(t, resp, http.StatusUnsupportedMediaType, api.ErrUnsupportedMedia)

	resp = env.do(t, http.MethodPost, "/api/remote/tree", "application/json", `{"input":"x"}`)
	env.expectErrorCode(t, resp, http.StatusUnprocessableEntity, api.ErrDeserialiseFailed)

	resp = env.do(t, http.MethodPost, "/api/remote/tree", "application/json; charset=utf-8", `{not json`)
	env.expectErrorCode(t, resp, http.StatusUnprocessableEntity, api.ErrDeserialiseFailed)

	big := `{"input":"` + strings.Repeat("a", int(env.cfg.MaxBodyBytes)) + `"}`
	resp = env.do(t, http.MethodPost, "/api/remote/tree", "application/json", big)
	env.expectErrorCode(t, resp, http.StatusRequestEntityTooLarge, api.ErrPayloadTooLarge)
}

func TestNewSessionAllocatesIDs(t *testing.T) {
	env := newTestEnv(t)
	var a, b api.NewSessionResponse
	env.doJSON(t, http.MethodPost, "/api/remote/newSession", "", http.StatusOK, &a)
	env.doJSON(t, http.MethodPost, "/api/remote/newSession", "", http.StatusOK, &b)
	if b.SessionID <= a.SessionID {
		t.Fatalf("ids must increase: %d then %d", a.SessionID, b.SessionID)
	}
}

func TestClientTreeAndLazyChildren(t *testing.T) {
	env := newTestEnv(t)
	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/client/tree", "", ""), http.StatusNotFound, api.ErrTreeNotFound)

	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, nil)

	var tree api.TreeResponse
	env.doJSON(t, http.MethodGet, "/api/client/tree", "", http.StatusOK, &tree)
	if tree.Tree.Root.NodeID != 0 || tree.Tree.Root.IsLeaf {
		t.Fatalf("unexpected root: %+v", tree.Tree.Root)
	}

	var children api.ChildrenResponse
	env.doJSON(t, http.MethodGet, "/api/client/nodes/0/children", "", http.StatusOK, &children)
	if len(children.Children) != 2 || children.Children[0].Name != "num" || children.Children[1].NodeID != 2 {
		t.Fatalf("unexpected children: %+v", children.Children)
	}

	var leaf api.ChildrenResponse
	env.doJSON(t, http.MethodGet, "/api/client/nodes/2/children", "", http.StatusOK, &leaf)
	if leaf.Children == nil || len(leaf.Children) != 0 {
		t.Fatalf("leaf should have an empty child list: %+v", leaf)
	}

	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/client/nodes/99/children", "", ""), http.StatusNotFound, api.ErrNodeNotFound)
	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/client/nodes/x/children", "", ""), http.StatusBadRequest, api.ErrRefInvalid)
	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/client/nodes/1", "", ""), http.StatusNotFound, api.ErrRefNotFound)
}

func TestSavedTreeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, nil)

	var tabs api.TabsResponse
	env.doJSON(t, http.MethodPost, "/api/client/saved", `{"name":"calc"}`, http.StatusOK, &tabs)
	if len(tabs.Tabs) != 1 || tabs.Tabs[0] != "calc" {
		t.Fatalf("unexpected tabs: %+v", tabs.Tabs)
	}
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("9", false, nil), http.StatusOK, nil)

	var loaded api.TreeResponse
	env.doJSON(t, http.MethodPost, "/api/client/saved/0/load", "", http.StatusOK, &loaded)
	if loaded.Tree.Input != "1+2" {
		t.Fatalf("expected saved tree to be current, got %q", loaded.Tree.Input)
	}

	var dl api.DownloadResponse
	env.doJSON(t, http.MethodPost, "/api/client/saved/0/download", "", http.StatusOK, &dl)
	if dl.Path != filepath.Join(env.cfg.DownloadsDir, "calc.json") {
		t.Fatalf("unexpected download path %q", dl.Path)
	}
	if _, err := os.Stat(dl.Path); err != nil {
		t.Fatalf("download missing: %v", err)
	}

	env.doJSON(t, http.MethodGet, "/api/client/saved", "", http.StatusOK, &tabs)
	if len(tabs.Tabs) != 1 {
		t.Fatalf("unexpected tabs: %+v", tabs.Tabs)
	}
	env.doJSON(t, http.MethodDelete, "/api/client/saved/0", "", http.StatusOK, &tabs)
	if len(tabs.Tabs) != 0 {
		t.Fatalf("expected no tabs, got %+v", tabs.Tabs)
	}
	if _, err := env.saved.Load("calc"); err == nil {
		t.Fatalf("saved file should be removed")
	}

	env.expectErrorCode(t, env.do(t, http.MethodPost, "/api/client/saved/3/load", "", ""), http.StatusNotFound, api.ErrTabNotFound)
	env.expectErrorCode(t, env.do(t, http.MethodPost, "/api/client/saved", "application/json", `{"name":"../x"}`), http.StatusBadRequest, api.ErrRefInvalid)
}

func TestImportAndDeleteAllSavedTrees(t *testing.T) {
	env := newTestEnv(t)
	doc, err := trees.MarshalSaved(trees.DebugTree{
		Input:       "ab",
		Root:        trees.DebugNode{Name: "root", Internal: "root", Success: true, InputEnd: 2, IsLeaf: true},
		ParserInfo:  map[string][]trees.ParserRange{},
		Refs:        []trees.RefEntry{},
		SessionID:   12,
		SessionName: "tree",
	})
	if err != nil {
		t.Fatalf("marshal saved: %v", err)
	}
	body, _ := json.Marshal(api.ImportTreeRequest{Name: "imported", Contents: string(doc)})

	var tabs api.TabsResponse
	env.doJSON(t, http.MethodPost, "/api/client/import", string(body), http.StatusOK, &tabs)
	if len(tabs.Tabs) != 1 || tabs.Tabs[0] != "imported" {
		t.Fatalf("unexpected tabs: %+v", tabs.Tabs)
	}
	var tree api.TreeResponse
	env.doJSON(t, http.MethodGet, "/api/client/tree", "", http.StatusOK, &tree)
	if tree.Tree.IsDebuggable || tree.Tree.Input != "ab" {
		t.Fatalf("unexpected imported tree: %+v", tree.Tree)
	}

	bad, _ := json.Marshal(api.ImportTreeRequest{Name: "bad", Contents: `{"input":1}`})
	env.expectErrorCode(t, env.do(t, http.MethodPost, "/api/client/import", "application/json", string(bad)), http.StatusUnprocessableEntity, api.ErrDeserialiseFailed)

	env.doJSON(t, http.MethodDelete, "/api/client/saved", "", http.StatusOK, &tabs)
	if len(tabs.Tabs) != 0 {
		t.Fatalf("expected no tabs after delete all: %+v", tabs.Tabs)
	}
	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/client/tree", "", ""), http.StatusNotFound, api.ErrTreeNotFound)
}

func TestRefsRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/client/refs", "", ""), http.StatusBadRequest, api.ErrRefInvalid)
	env.expectErrorCode(t, env.do(t, http.MethodDelete, "/api/client/refs", "", ""), http.StatusNotFound, api.ErrTreeNotFound)

	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, nil)

	var refs api.RefsResponse
	env.doJSON(t, http.MethodGet, "/api/client/refs?session_id=0", "", http.StatusOK, &refs)
	if refs.Refs == nil || len(refs.Refs) != 0 {
		t.Fatalf("expected empty refs, got %+v", refs.Refs)
	}
	env.doJSON(t, http.MethodPut, "/api/client/refs", `{"refs":[[1,"one"]]}`, http.StatusOK, &refs)
	if len(refs.Refs) != 1 || refs.Refs[0].Value != "one" {
		t.Fatalf("unexpected refs after update: %+v", refs.Refs)
	}
	env.doJSON(t, http.MethodDelete, "/api/client/refs", "", http.StatusOK, &refs)
	if len(refs.Refs) != 1 || refs.Refs[0] != (trees.RefEntry{ID: 0, Value: "zero"}) {
		t.Fatalf("unexpected refs after reset: %+v", refs.Refs)
	}
}

func TestSourceFileIsStreamedToClient(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	path := filepath.Join(t.TempDir(), "Main.scala")
	if err := os.WriteFile(path, []byte("object Main"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	body, _ := json.Marshal(api.SourceFileRequest{Path: path})
	var resp api.SourceFileResponse
	env.doJSON(t, http.MethodPost, "/api/client/source", string(body), http.StatusOK, &resp)
	if resp.Bytes != 11 {
		t.Fatalf("unexpected byte count %d", resp.Bytes)
	}

	select {
	case line := <-sub.C:
		if line.Event != "upload-code-file" || string(line.Payload) != `"object Main"` {
			t.Fatalf("unexpected event line: %+v", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("source event not emitted")
	}

	missing, _ := json.Marshal(api.SourceFileRequest{Path: filepath.Join(t.TempDir(), "gone.scala")})
	env.expectErrorCode(t, env.do(t, http.MethodPost, "/api/client/source", "application/json", string(missing)), http.StatusNotFound, api.ErrSourceNotFound)
}

func TestEventsStreamDeliversNDJSON(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/api/events", nil)
	resp, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, nil)

	reader := bufio.NewReader(resp.Body)
	var lines []api.EventLine
	for len(lines) < 2 {
		raw, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		var line api.EventLine
		if err := json.Unmarshal(bytes.TrimSpace(raw), &line); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, line)
	}
	if lines[0].Event != "tree-ready" || lines[1].Event != "new-tree" {
		t.Fatalf("unexpected events: %+v", lines)
	}
	if lines[0].StreamID != env.hub.StreamID() || lines[1].Sequence != lines[0].Sequence+1 {
		t.Fatalf("unexpected stream metadata: %+v", lines)
	}
	if string(lines[1].Payload) != "null" {
		t.Fatalf("new-tree payload should be null, got %s", lines[1].Payload)
	}
}

func TestSessionsEnvelopeMergesJournalAndState(t *testing.T) {
	env := newTestEnv(t)
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, nil), http.StatusOK, nil)
	env.doJSON(t, http.MethodPost, "/api/client/saved", `{"name":"calc"}`, http.StatusOK, nil)
	id := int32(0)
	env.doJSON(t, http.MethodPost, "/api/remote/tree", postedBody("1+2", false, &id), http.StatusOK, nil)
	env.do(t, http.MethodPost, "/api/client/sessions/0/terminate", "", "").Body.Close() //nolint:errcheck

	var envl api.SessionsEnvelope
	env.doJSON(t, http.MethodGet, "/api/sessions", "", http.StatusOK, &envl)
	if envl.RunID != env.journal.RunID() || len(envl.Sessions) != 1 {
		t.Fatalf("unexpected envelope: %+v", envl)
	}
	if envl.Sessions[0].PostCount != 2 || envl.Sessions[0].Pending {
		t.Fatalf("unexpected session item: %+v", envl.Sessions[0])
	}
	if len(envl.Decisions) != 1 || envl.Decisions[0].Outcome != db.OutcomeNoReceiver {
		t.Fatalf("unexpected decisions: %+v", envl.Decisions)
	}

	env.expectErrorCode(t, env.do(t, http.MethodGet, "/api/sessions?limit=-1", "", ""), http.StatusBadRequest, api.ErrRefInvalid)
}

func TestShutdownReleasesParkedDebuggee(t *testing.T) {
	env := newTestEnv(t)
	done := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.http.URL+"/api/remote/tree", strings.NewReader(postedBody("1+2", true, nil)))
		req.Header.Set("Content-Type", "application/json")
		resp, err := env.http.Client().Do(req)
		if err != nil {
			done <- -1
			return
		}
		resp.Body.Close() //nolint:errcheck
		done <- resp.StatusCode
	}()
	env.waitPending(t, 0)

	if err := env.srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case status := <-done:
		if status != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 for released debuggee, got %d", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("parked debuggee not released")
	}
}

func TestStartServesAndStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Address = "127.0.0.1:0"
	manager := session.NewManager()
	srv := NewServer(cfg, Deps{Manager: manager, Commands: commands.New(commands.Deps{State: manager})})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	addr := waitForAddr(t, srv, errCh)
	resp, err := http.Get(fmt.Sprintf("http://%s/api/health", addr))
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("server error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	}
}

func TestSingleInstanceLock(t *testing.T) {
	dataDir := t.TempDir()
	newSrv := func() *Server {
		cfg := config.DefaultConfig()
		cfg.DataDir = dataDir
		cfg.Address = "127.0.0.1:0"
		m := session.NewManager()
		return NewServer(cfg, Deps{Manager: m, Commands: commands.New(commands.Deps{State: m})})
	}
	first := newSrv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- first.Start(ctx)
	}()
	waitForAddr(t, first, errCh)

	second := newSrv()
	err := second.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock error, got %v", err)
	}
	cancel()
	<-errCh
}

func waitForAddr(t *testing.T, srv *Server, errCh <-chan error) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != "" {
			return addr
		}
		select {
		case err := <-errCh:
			t.Fatalf("server exited early: %v", err)
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not start listening")
	return ""
}
