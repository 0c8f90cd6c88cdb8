package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. http://localhost:8080
	BaseURL string

	// Token is sent as a bearer token on every request.
	Token string

	// HTTPClient is used for REST calls (default: 30s timeout client)
	HTTPClient *http.Client

	// ReconnectDelay is how long a dropped subscription waits before
	// redialing (default: 2s)
	ReconnectDelay time.Duration

	// Logger for transport activity (default: stderr logger)
	Logger *log.Logger
}

// HTTPClient implements Client against the tasksync REST and websocket API.
type HTTPClient struct {
	base   *url.URL
	token  string
	http   *http.Client
	delay  time.Duration
	logger *log.Logger
}

// NewHTTPClient creates a client for the service at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", base.Scheme)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &HTTPClient{
		base:   base,
		token:  cfg.Token,
		http:   cfg.HTTPClient,
		delay:  cfg.ReconnectDelay,
		logger: cfg.Logger,
	}, nil
}

// Ping checks that the service is reachable. It is used as the
// connectivity probe.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// GetTasks implements Client.GetTasks.
func (c *HTTPClient) GetTasks(ctx context.Context, filter Filter) ([]schema.TaskRow, error) {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.ExcludeCompleted {
		q.Set("exclude_completed", "true")
	}

	var rows []schema.TaskRow
	if err := c.do(ctx, http.MethodGet, "/api/tasks", q, nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return rows, nil
}

// CreateTask implements Client.CreateTask.
func (c *HTTPClient) CreateTask(ctx context.Context, draft schema.DraftRow) (schema.TaskRow, error) {
	var row schema.TaskRow
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, draft, &row); err != nil {
		return schema.TaskRow{}, fmt.Errorf("failed to create task: %w", err)
	}
	return row, nil
}

// UpdateTask implements Client.UpdateTask.
func (c *HTTPClient) UpdateTask(ctx context.Context, id string, patch schema.TaskPatchRow) (schema.TaskRow, error) {
	var row schema.TaskRow
	if err := c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), nil, patch, &row); err != nil {
		return schema.TaskRow{}, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return row, nil
}

// DeleteTask implements Client.DeleteTask.
func (c *HTTPClient) DeleteTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// errorBody is the JSON error document returned by the service.
type errorBody struct {
	Error string `json:"error"`
}

// do performs one REST round trip and classifies failures into the
// package's sentinel errors.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// statusError maps an HTTP error response to a sentinel error.
func statusError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		sentinel = ErrNotAuthenticated
	case resp.StatusCode == http.StatusNotFound:
		sentinel = ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		sentinel = ErrRemoteUnavailable
	default:
		sentinel = ErrRejected
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// Subscribe implements Client.Subscribe over a websocket. The first dial is
// synchronous so credential problems surface to the caller; afterwards a
// dropped connection is redialed until the subscription is revoked.
func (c *HTTPClient) Subscribe(ctx context.Context, kind EntityKind, userID string, handler Handler) (Subscription, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if userID == "" {
		return nil, ErrNotAuthenticated
	}

	subCtx, cancel := context.WithCancel(ctx)
	conn, err := c.dial(subCtx, kind, userID)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &wsSubscription{cancel: cancel, done: make(chan struct{})}
	go c.readLoop(subCtx, sub, conn, kind, userID, handler)
	return sub, nil
}

func (c *HTTPClient) dial(ctx context.Context, kind EntityKind, userID string) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"kind": {string(kind)}, "user_id": {userID}}.Encode()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: subscribe %s", ErrNotAuthenticated, kind)
		}
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %v", ErrRemoteUnavailable, kind, err)
	}
	return conn, nil
}

func (c *HTTPClient) readLoop(ctx context.Context, sub *wsSubscription, conn *websocket.Conn, kind EntityKind, userID string, handler Handler) {
	defer close(sub.done)

	for {
		var ev Event
		err := wsjson.Read(ctx, conn, &ev)
		if err == nil {
			handler(ev)
			continue
		}

		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		c.logger.Printf("Subscription %s dropped: %v (redialing in %v)", kind, err, c.delay)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.delay):
			}

			conn, err = c.dial(ctx, kind, userID)
			if err == nil {
				c.logger.Printf("Subscription %s restored", kind)
				break
			}
			if errors.Is(err, ErrNotAuthenticated) {
				c.logger.Printf("Subscription %s revoked by server: %v", kind, err)
				return
			}
		}
	}
}

// wsSubscription is the Subscription returned by HTTPClient.
type wsSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe implements Subscription.
func (s *wsSubscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
