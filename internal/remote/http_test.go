package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

func newTestHTTPClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL:        srv.URL,
		Token:          "secret",
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return c
}

func TestNewHTTPClientValidatesURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"bad scheme", "ftp://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPClient(HTTPConfig{BaseURL: tt.url}); err == nil {
				t.Errorf("NewHTTPClient(%q) succeeded, want error", tt.url)
			}
		})
	}
}

func TestHTTPClientGetTasks(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("user_id") != "user-1" || r.URL.Query().Get("exclude_completed") != "true" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]schema.TaskRow{{ID: "t1", Title: "a"}})
	}))

	rows, err := c.GetTasks(context.Background(), Filter{UserID: "user-1", ExcludeCompleted: true})
	if err != nil {
		t.Fatalf("GetTasks failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "t1" {
		t.Errorf("GetTasks = %+v", rows)
	}
}

func TestHTTPClientCreateSendsDraft(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var draft schema.DraftRow
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			t.Errorf("decode draft: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(schema.TaskRow{ID: "t1", Title: draft.Title, Revision: 1})
	}))

	row, err := c.CreateTask(context.Background(), schema.DraftRow{Title: "new", ClientRef: "ref"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if row.Title != "new" || row.Revision != 1 {
		t.Errorf("CreateTask = %+v", row)
	}
}

func TestHTTPClientClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrNotAuthenticated},
		{"forbidden", http.StatusForbidden, ErrNotAuthenticated},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"bad request", http.StatusBadRequest, ErrRejected},
		{"throttled", http.StatusTooManyRequests, ErrRemoteUnavailable},
		{"server error", http.StatusBadGateway, ErrRemoteUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(errorBody{Error: "nope"})
			}))
			err := c.DeleteTask(context.Background(), "t1")
			if !errors.Is(err, tt.want) {
				t.Errorf("DeleteTask = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: url, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("Ping = %v, want ErrRemoteUnavailable", err)
	}
}

func TestHTTPClientSubscribe(t *testing.T) {
	sent := make(chan struct{})
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("kind") != string(KindTask) {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ev, _ := NewEvent(EventInsert, KindTask, schema.TaskRow{ID: "t1", Title: "pushed"}, nil)
		_ = wsjson.Write(r.Context(), conn, ev)
		close(sent)
		_, _, _ = conn.Read(context.Background())
	}))

	got := make(chan Event, 1)
	sub, err := c.Subscribe(context.Background(), KindTask, "user-1", func(ev Event) {
		select {
		case got <- ev:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case ev := <-got:
		row, err := ev.DecodeTask()
		if err != nil {
			t.Fatalf("DecodeTask failed: %v", err)
		}
		if ev.Type != EventInsert || row.ID != "t1" {
			t.Errorf("event = %s %s, want insert t1", ev.Type, row.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pushed event")
	}
	<-sent
}

func TestHTTPClientSubscribeRejectsCredentials(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Subscribe(context.Background(), KindTask, "user-1", func(Event) {})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Subscribe = %v, want ErrNotAuthenticated", err)
	}
}
