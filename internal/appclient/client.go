package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dillproject/dill/internal/api"
	"github.com/dillproject/dill/internal/trees"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 64 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

// New returns a client for a coordinator listening on address (host:port or
// a full http URL).
func New(address string) *Client {
	base := strings.TrimSpace(address)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return NewWithClient(base, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type WatchOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	return out, c.getJSON(ctx, "/api/health", nil, &out)
}

// PostTree posts a tree in the debuggee wire format. For debuggable trees
// the call blocks until the client decides, so it is not bounded by the
// unary timeout.
func (c *Client) PostTree(ctx context.Context, tree json.RawMessage) (api.PostTreeResponse, error) {
	var out api.PostTreeResponse
	body, err := c.request(ctx, http.MethodPost, "/api/remote/tree", nil, tree, true)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode post tree response: %w", err)
	}
	return out, nil
}

func (c *Client) RemoteTree(ctx context.Context) (trees.DebugTree, error) {
	var out trees.DebugTree
	return out, c.getJSON(ctx, "/api/remote/tree", nil, &out)
}

func (c *Client) NewSession(ctx context.Context) (trees.SessionID, error) {
	var out api.NewSessionResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/api/remote/newSession", nil, &out); err != nil {
		return trees.UnsetSessionID, err
	}
	return out.SessionID, nil
}

func (c *Client) Tree(ctx context.Context) (api.TreeResponse, error) {
	var out api.TreeResponse
	return out, c.getJSON(ctx, "/api/client/tree", nil, &out)
}

func (c *Client) Children(ctx context.Context, nodeID uint32) (api.ChildrenResponse, error) {
	var out api.ChildrenResponse
	path := "/api/client/nodes/" + strconv.FormatUint(uint64(nodeID), 10) + "/children"
	return out, c.getJSON(ctx, path, nil, &out)
}

func (c *Client) Tabs(ctx context.Context) (api.TabsResponse, error) {
	var out api.TabsResponse
	return out, c.getJSON(ctx, "/api/client/saved", nil, &out)
}

func (c *Client) SaveTree(ctx context.Context, name string) (api.TabsResponse, error) {
	var out api.TabsResponse
	return out, c.sendJSON(ctx, http.MethodPost, "/api/client/saved", api.SaveTreeRequest{Name: name}, &out)
}

func (c *Client) LoadSavedTree(ctx context.Context, index int) (api.TreeResponse, error) {
	var out api.TreeResponse
	return out, c.sendJSON(ctx, http.MethodPost, savedPath(index, "load"), nil, &out)
}

func (c *Client) DownloadTree(ctx context.Context, index int) (api.DownloadResponse, error) {
	var out api.DownloadResponse
	return out, c.sendJSON(ctx, http.MethodPost, savedPath(index, "download"), nil, &out)
}

func (c *Client) DeleteTree(ctx context.Context, index int) (api.TabsResponse, error) {
	var out api.TabsResponse
	return out, c.sendJSON(ctx, http.MethodDelete, savedPath(index, ""), nil, &out)
}

func (c *Client) DeleteSavedTrees(ctx context.Context) (api.TabsResponse, error) {
	var out api.TabsResponse
	return out, c.sendJSON(ctx, http.MethodDelete, "/api/client/saved", nil, &out)
}

func (c *Client) ImportTree(ctx context.Context, name, contents string) (api.TabsResponse, error) {
	var out api.TabsResponse
	req := api.ImportTreeRequest{Name: name, Contents: contents}
	return out, c.sendJSON(ctx, http.MethodPost, "/api/client/import", req, &out)
}

func (c *Client) Refs(ctx context.Context, id trees.SessionID) (api.RefsResponse, error) {
	var out api.RefsResponse
	query := url.Values{}
	query.Set("session_id", strconv.FormatInt(int64(id), 10))
	return out, c.getJSON(ctx, "/api/client/refs", query, &out)
}

func (c *Client) UpdateRefs(ctx context.Context, refs []trees.RefEntry) (api.RefsResponse, error) {
	var out api.RefsResponse
	return out, c.sendJSON(ctx, http.MethodPut, "/api/client/refs", api.UpdateRefsRequest{Refs: refs}, &out)
}

func (c *Client) ResetRefs(ctx context.Context) (api.RefsResponse, error) {
	var out api.RefsResponse
	return out, c.sendJSON(ctx, http.MethodDelete, "/api/client/refs", nil, &out)
}

func (c *Client) SkipBreakpoints(ctx context.Context, id trees.SessionID, skips int32) (api.BreakpointResponse, error) {
	var out api.BreakpointResponse
	return out, c.sendJSON(ctx, http.MethodPost, sessionPath(id, "skip"), api.SkipRequest{Skips: skips}, &out)
}

func (c *Client) SkipAllBreakpoints(ctx context.Context, id trees.SessionID) (api.BreakpointResponse, error) {
	var out api.BreakpointResponse
	return out, c.sendJSON(ctx, http.MethodPost, sessionPath(id, "skip-all"), nil, &out)
}

func (c *Client) TerminateDebugging(ctx context.Context, id trees.SessionID) (api.BreakpointResponse, error) {
	var out api.BreakpointResponse
	return out, c.sendJSON(ctx, http.MethodPost, sessionPath(id, "terminate"), nil, &out)
}

func (c *Client) RequestSourceFile(ctx context.Context, path string) (api.SourceFileResponse, error) {
	var out api.SourceFileResponse
	return out, c.sendJSON(ctx, http.MethodPost, "/api/client/source", api.SourceFileRequest{Path: path}, &out)
}

func (c *Client) Sessions(ctx context.Context, decisionLimit int) (api.SessionsEnvelope, error) {
	var out api.SessionsEnvelope
	var query url.Values
	if decisionLimit > 0 {
		query = url.Values{}
		query.Set("limit", strconv.Itoa(decisionLimit))
	}
	return out, c.getJSON(ctx, "/api/sessions", query, &out)
}

// Watch streams client events to onLine, reconnecting with backoff after
// retryable failures. It returns when ctx ends, onLine fails, or, with
// Once set, when the first stream ends.
func (c *Client) Watch(ctx context.Context, opts WatchOptions, onLine func(api.EventLine) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		received, err := c.watchStream(ctx, onLine)
		if err == nil && opts.Once {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if opts.Once || errors.Is(err, ErrWatchPayloadInvalid) {
				return err
			}
			var cbErr *callbackError
			if errors.As(err, &cbErr) {
				return cbErr.err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
		}
		if received {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }

func (c *Client) watchStream(ctx context.Context, onLine func(api.EventLine) error) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return false, decodeRequestError(resp.StatusCode, payload)
	}

	received := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line api.EventLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return received, fmt.Errorf("%w: decode event line: %v", ErrWatchPayloadInvalid, err)
		}
		received = true
		if err := onLine(line); err != nil {
			return received, &callbackError{err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return received, fmt.Errorf("read event stream: %w", err)
	}
	return received, nil
}

func savedPath(index int, action string) string {
	p := "/api/client/saved/" + strconv.Itoa(index)
	if action != "" {
		p += "/" + action
	}
	return p
}

func sessionPath(id trees.SessionID, action string) string {
	return "/api/client/sessions/" + strconv.FormatInt(int64(id), 10) + "/" + action
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := c.request(ctx, method, path, nil, in, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		if raw, ok := body.(json.RawMessage); ok {
			reqBody = bytes.NewReader(raw)
		} else {
			buf := &bytes.Buffer{}
			if err := json.NewEncoder(buf).Encode(body); err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			reqBody = buf
		}
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeRequestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func decodeRequestError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
