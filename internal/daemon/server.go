package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dillproject/dill/internal/api"
	"github.com/dillproject/dill/internal/commands"
	"github.com/dillproject/dill/internal/config"
	"github.com/dillproject/dill/internal/db"
	"github.com/dillproject/dill/internal/events"
	"github.com/dillproject/dill/internal/savedtrees"
	"github.com/dillproject/dill/internal/session"
	"github.com/dillproject/dill/internal/trees"
)

const onboardingMessage = "DILL: Debugging Interactively for the ParsLey Language"

// responseInputLen is how much of the posted input is echoed back.
const responseInputLen = 16

const defaultDecisionLimit = 50

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	state       State
	commands    *commands.Commands
	hub         *events.Hub
	journal     *db.Store
	logger      *zap.Logger
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

// State is what the routes need from the session manager.
type State interface {
	session.DebuggeeState
	session.MonitorState
}

// Deps are the collaborators a server routes requests to. Journal may be
// nil, in which case posts are not journaled and /api/sessions lists only
// live state.
type Deps struct {
	Manager  State
	Commands *commands.Commands
	Hub      *events.Hub
	Journal  *db.Store
	Logger   *zap.Logger
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		state:    deps.Manager,
		commands: deps.Commands,
		hub:      deps.Hub,
		journal:  deps.Journal,
		logger:   deps.Logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.httpSrv.ReadHeaderTimeout <= 0 {
		s.httpSrv.ReadHeaderTimeout = 5 * time.Second
	}

	mux.HandleFunc("/", s.indexHandler)
	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/remote/tree", s.remoteTreeHandler)
	mux.HandleFunc("/api/remote/newSession", s.newSessionHandler)
	mux.HandleFunc("/api/events", s.eventsHandler)
	mux.HandleFunc("/api/sessions", s.sessionsHandler)
	mux.HandleFunc("/api/client/tree", s.clientTreeHandler)
	mux.HandleFunc("/api/client/nodes/", s.nodeChildrenHandler)
	mux.HandleFunc("/api/client/saved", s.savedTreesHandler)
	mux.HandleFunc("/api/client/saved/", s.savedTreeByIndexHandler)
	mux.HandleFunc("/api/client/import", s.importHandler)
	mux.HandleFunc("/api/client/refs", s.refsHandler)
	mux.HandleFunc("/api/client/sessions/", s.breakpointHandler)
	mux.HandleFunc("/api/client/source", s.sourceHandler)
	return s
}

// Handler exposes the routes without a listener, for in-process use.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen tcp %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("coordinator listening", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve tcp: %w", err)
		}
		return nil
	}
}

// Addr returns the bound listen address once Start is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown releases parked debuggees and event streams first, since neither
// kind of request would otherwise finish, then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.state != nil {
			s.state.Close()
		}
		if s.hub != nil {
			s.hub.Close()
		}
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "route not found")
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, onboardingMessage)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion:   api.SchemaVersion,
		GeneratedAt:     time.Now().UTC(),
		Status:          "ok",
		PendingSessions: s.state.PendingCount(),
	}
	if s.journal != nil {
		resp.RunID = s.journal.RunID()
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Subscribers()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) remoteTreeHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getRemoteTree(w, r)
	case http.MethodPost:
		s.postRemoteTree(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) getRemoteTree(w http.ResponseWriter, _ *http.Request) {
	tree, err := s.state.Tree()
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrSerialiseFailed, "could not serialise tree")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// postRemoteTree stores a posted tree. For a debuggable tree the request is
// held open until the client decides how the debuggee continues.
func (s *Server) postRemoteTree(w http.ResponseWriter, r *http.Request) {
	if !isJSONRequest(r) {
		s.writeError(w, http.StatusUnsupportedMediaType, api.ErrUnsupportedMedia, "expected application/json body")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	posted, err := trees.DecodeParsleyTree(body)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, api.ErrDeserialiseFailed, err.Error())
		return
	}
	out, err := s.state.PostTree(posted.DebugTree())
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.logger.Debug("tree posted",
		zap.Int32("session_id", int32(out.SessionID)),
		zap.Bool("new", out.IsNew),
		zap.Bool("debuggable", out.Wait != nil),
	)
	if out.SaveErr != nil {
		s.logger.Warn("failed to update saved tree", zap.String("tab", out.Tab), zap.Error(out.SaveErr))
	}
	if out.EmitErr != nil {
		s.logger.Warn("failed to notify client of posted tree", zap.Error(out.EmitErr))
	}
	if s.journal != nil {
		if err := s.journal.RecordPost(r.Context(), out.SessionID, out.Tree.SessionName, out.Tab, out.Wait != nil); err != nil {
			s.logger.Warn("failed to journal post", zap.Int32("session_id", int32(out.SessionID)), zap.Error(err))
		}
	}

	resp := api.PostTreeResponse{
		Message:   postedMessage(out.Tree.Input),
		SessionID: out.SessionID,
	}
	if out.Wait == nil {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	code, err := s.state.AwaitBreakpoint(r.Context(), out.SessionID, out.Wait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.writeStateError(w, err)
		return
	}
	resp.BreakpointAction = string(code.Action)
	if n, ok := code.SkipCount(); ok {
		resp.SkipBreakpoint = &n
	}
	refs, recorded, err := s.state.StoredRefs(out.SessionID)
	switch {
	case err != nil:
		s.logger.Warn("failed to read refs for resolved breakpoint",
			zap.Int32("session_id", int32(out.SessionID)),
			zap.Error(err),
		)
	case recorded:
		resp.NewRefs = refs
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) newSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	id, err := s.state.NewSession()
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NewSessionResponse{SessionID: id})
}

// eventsHandler streams client notifications as NDJSON until the client
// disconnects or the server shuts down.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, api.ErrEventEmitFailed, "event stream unavailable")
		return
	}
	sub, err := s.hub.Subscribe()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, api.ErrEventEmitFailed, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-sub.C:
			if !ok {
				return
			}
			if err := enc.Encode(line); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "invalid limit")
			return
		}
		limit = n
	}
	tabs, err := s.state.SessionIDs()
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	tabBySession := make(map[trees.SessionID]string, len(tabs))
	for name, id := range tabs {
		tabBySession[id] = name
	}

	resp := api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      []api.SessionItem{},
		Decisions:     []api.DecisionItem{},
	}
	if s.journal != nil {
		resp.RunID = s.journal.RunID()
		recs, err := s.journal.ListSessions(r.Context(), r.URL.Query().Get("run"))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, api.ErrInternal, "failed to list sessions")
			return
		}
		for _, rec := range recs {
			pending, _ := s.state.PendingBreakpoint(rec.SessionID)
			resp.Sessions = append(resp.Sessions, toSessionItem(rec, tabBySession[rec.SessionID], pending))
		}
		decisions, err := s.journal.ListDecisions(r.Context(), limit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, api.ErrInternal, "failed to list decisions")
			return
		}
		for _, d := range decisions {
			resp.Decisions = append(resp.Decisions, toDecisionItem(d))
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) clientTreeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeCurrentTree(w)
}

func (s *Server) writeCurrentTree(w http.ResponseWriter) {
	tree, err := s.commands.FetchDebugTree()
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TreeResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Tree:          tree,
	})
}

func (s *Server) nodeChildrenHandler(w http.ResponseWriter, r *http.Request) {
	parts := routeParts(r.URL.Path, "/api/client/nodes/")
	if len(parts) != 2 || parts[1] != "children" {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "node route not found")
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "invalid node id")
		return
	}
	children, err := s.commands.FetchNodeChildren(uint32(id))
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ChildrenResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		NodeID:        uint32(id),
		Children:      children,
	})
}

func (s *Server) savedTreesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tabs, err := s.state.Tabs()
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeTabs(w, tabs)
	case http.MethodPost:
		var req api.SaveTreeRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		tabs, err := s.commands.SaveTree(req.Name)
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeTabs(w, tabs)
	case http.MethodDelete:
		if err := s.commands.DeleteSavedTrees(); err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeTabs(w, []string{})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) savedTreeByIndexHandler(w http.ResponseWriter, r *http.Request) {
	parts := routeParts(r.URL.Path, "/api/client/saved/")
	if len(parts) == 0 || len(parts) > 2 {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "saved tree route not found")
		return
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil || index < 0 {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "invalid saved tree index")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			s.methodNotAllowed(w, http.MethodDelete)
			return
		}
		tabs, err := s.commands.DeleteTree(index)
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeTabs(w, tabs)
		return
	}

	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "load":
		if err := s.commands.LoadSavedTree(index); err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeCurrentTree(w)
	case "download":
		path, err := s.commands.DownloadTree(index)
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.DownloadResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Path:          path,
		})
	default:
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "saved tree action not found")
	}
}

func (s *Server) importHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ImportTreeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	tabs, err := s.commands.ImportTree(req.Name, req.Contents)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeTabs(w, tabs)
}

func (s *Server) refsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, err := parseSessionID(r.URL.Query().Get("session_id"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, err.Error())
			return
		}
		refs, err := s.commands.GetRefs(id)
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeRefs(w, id, refs)
	case http.MethodPut:
		var req api.UpdateRefsRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		id, err := s.commands.UpdateRefs(req.Refs)
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		refs, err := s.commands.GetRefs(id)
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeRefs(w, id, refs)
	case http.MethodDelete:
		id, defaults, err := s.commands.ResetRefs()
		if err != nil {
			s.writeStateError(w, err)
			return
		}
		s.writeRefs(w, id, defaults)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) breakpointHandler(w http.ResponseWriter, r *http.Request) {
	parts := routeParts(r.URL.Path, "/api/client/sessions/")
	if len(parts) != 2 {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "session route not found")
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	id, err := parseSessionID(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, err.Error())
		return
	}

	ctx := r.Context()
	resp := api.BreakpointResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     id,
	}
	switch parts[1] {
	case "skip":
		var req api.SkipRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		err = s.commands.SkipBreakpoints(ctx, id, req.Skips)
		resp.Action = string(session.ActionSkip)
		resp.Skips = &req.Skips
	case "skip-all":
		err = s.commands.SkipAllBreakpoints(ctx, id)
		resp.Action = string(session.ActionSkipAll)
	case "terminate":
		err = s.commands.TerminateDebugging(ctx, id)
		resp.Action = string(session.ActionTerminate)
	default:
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "breakpoint action not found")
		return
	}
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sourceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SourceFileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n, err := s.commands.RequestSourceFile(req.Path)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SourceFileResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Path:          req.Path,
		Bytes:         n,
	})
}

func postedMessage(input string) string {
	runes := []rune(input)
	suffix := ""
	if len(runes) > responseInputLen {
		runes = runes[:responseInputLen]
		suffix = "..."
	}
	return fmt.Sprintf("Posted parser tree handling input: \"%s%s\" to Dill", string(runes), suffix)
}

func isJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 64 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, api.ErrPayloadTooLarge, "request body too large")
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "invalid json body")
		return false
	}
	return true
}

func routeParts(path, prefix string) []string {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}

func parseSessionID(raw string) (trees.SessionID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil || n < 0 {
		return trees.UnsetSessionID, fmt.Errorf("invalid session id %q", raw)
	}
	return trees.SessionID(n), nil
}

func toSessionItem(rec db.SessionRecord, tab string, pending bool) api.SessionItem {
	if tab == "" {
		tab = rec.LastTab
	}
	return api.SessionItem{
		RunID:           rec.RunID,
		SessionID:       rec.SessionID,
		SessionName:     rec.SessionName,
		Tab:             tab,
		Pending:         pending,
		FirstSeenAt:     rec.FirstSeenAt,
		LastPostedAt:    rec.LastPostedAt,
		PostCount:       rec.PostCount,
		DebuggablePosts: rec.DebuggablePosts,
	}
}

func toDecisionItem(d db.Decision) api.DecisionItem {
	return api.DecisionItem{
		DecisionID: d.DecisionID,
		RunID:      d.RunID,
		SessionID:  d.SessionID,
		Action:     d.Action,
		Skips:      d.Skips,
		Outcome:    d.Outcome,
		DecidedAt:  d.DecidedAt,
	}
}

func (s *Server) writeTabs(w http.ResponseWriter, tabs []string) {
	if tabs == nil {
		tabs = []string{}
	}
	s.writeJSON(w, http.StatusOK, api.TabsResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Tabs:          tabs,
	})
}

func (s *Server) writeRefs(w http.ResponseWriter, id trees.SessionID, refs []trees.RefEntry) {
	if refs == nil {
		refs = []trees.RefEntry{}
	}
	s.writeJSON(w, http.StatusOK, api.RefsResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     id,
		Refs:          refs,
	})
}

// writeStateError maps coordinator and command errors onto HTTP statuses.
func (s *Server) writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrTreeNotFound):
		s.writeError(w, http.StatusNotFound, api.ErrTreeNotFound, "no tree has been posted")
	case errors.Is(err, session.ErrNodeNotFound):
		s.writeError(w, http.StatusNotFound, api.ErrNodeNotFound, err.Error())
	case errors.Is(err, session.ErrTabNotFound):
		s.writeError(w, http.StatusNotFound, api.ErrTabNotFound, "tab not found")
	case errors.Is(err, savedtrees.ErrNotFound):
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, err.Error())
	case errors.Is(err, commands.ErrSourceNotFound):
		s.writeError(w, http.StatusNotFound, api.ErrSourceNotFound, err.Error())
	case errors.Is(err, savedtrees.ErrInvalidName), errors.Is(err, commands.ErrInvalidArgument):
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, err.Error())
	case errors.Is(err, session.ErrChannel):
		s.logger.Warn("breakpoint channel error", zap.Error(err))
		s.writeError(w, http.StatusConflict, api.ErrChannel, err.Error())
	case errors.Is(err, trees.ErrDeserialiseFailed):
		s.writeError(w, http.StatusUnprocessableEntity, api.ErrDeserialiseFailed, err.Error())
	case errors.Is(err, trees.ErrSerialiseFailed):
		s.writeError(w, http.StatusInternalServerError, api.ErrSerialiseFailed, err.Error())
	case errors.Is(err, events.ErrEmitFailed):
		s.logger.Warn("client notification failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, api.ErrEventEmitFailed, err.Error())
	case errors.Is(err, session.ErrLockFailed):
		s.writeError(w, http.StatusServiceUnavailable, api.ErrLockFailed, "coordinator state unavailable - try again")
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, api.ErrInternal, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, api.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	if s.cfg.DataDir == "" {
		return nil
	}
	lockPath := filepath.Join(s.cfg.DataDir, "dilld.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("coordinator already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
