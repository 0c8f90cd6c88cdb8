package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// maxBodyBytes caps request payloads.
const maxBodyBytes = 1 << 20

// authenticate resolves the bearer token of r to a user id.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", false
	}
	if len(s.tokens) == 0 {
		return token, true
	}
	userID, ok := s.tokens[token]
	return userID, ok
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	q := r.URL.Query()
	if requested := q.Get("user_id"); requested != "" && requested != userID {
		writeError(w, http.StatusForbidden, "cannot list another user's tasks")
		return
	}

	rows, err := s.db.ListTasks(r.Context(), remote.Filter{
		UserID:           userID,
		Category:         q.Get("category"),
		ExcludeCompleted: q.Get("exclude_completed") == "true",
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	var draft schema.DraftRow
	if !decodeBody(w, r, &draft) {
		return
	}

	result, err := s.db.CreateTask(r.Context(), userID, draft)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if result.Replayed {
		writeJSON(w, http.StatusOK, result.Row)
		return
	}
	s.publish(userID, result.Events)
	writeJSON(w, http.StatusCreated, result.Row)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	var patch schema.TaskPatchRow
	if !decodeBody(w, r, &patch) {
		return
	}

	row, events, err := s.db.UpdateTask(r.Context(), userID, r.PathValue("id"), patch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publish(userID, events)
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	events, err := s.db.DeleteTask(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publish(userID, events)
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps database errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, remote.ErrRejected):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Printf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
