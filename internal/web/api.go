package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/failure"
	"github.com/mtzanidakis/indexswap/internal/store"
	"github.com/mtzanidakis/indexswap/internal/swap"
)

const (
	maxModules     = 6
	maxUsername    = 50
	maxPassword    = 100
	maxIndexLength = 10
)

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	NumModules int    `json:"num_modules"`
}

func (r loginRequest) validate() string {
	switch n := utf8.RuneCountInString(strings.TrimSpace(r.Username)); {
	case n == 0:
		return "Username is required"
	case n > maxUsername:
		return "Username must be between 1 and 50 characters"
	}
	switch n := utf8.RuneCountInString(r.Password); {
	case n == 0:
		return "Password is required"
	case n > maxPassword:
		return "Password must be between 1 and 100 characters"
	}
	if r.NumModules < 1 || r.NumModules > maxModules {
		return "Number of Modules must be between 1 and 6"
	}
	return ""
}

// indexList accepts either a JSON list or a comma-separated string.
type indexList []string

func (l *indexList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*l = out
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("new_indexes must be a list or a comma-separated string")
	}
	*l = list
	return nil
}

type moduleRequest struct {
	OldIndex    string    `json:"old_index"`
	OldIndexAlt string    `json:"oldIndex"`
	NewIndexes  indexList `json:"new_indexes"`
}

type swapRequest struct {
	SessionID string          `json:"session_id"`
	Modules   []moduleRequest `json:"modules"`
}

func (r swapRequest) inputs() ([]swap.ModuleInput, string) {
	if len(r.Modules) == 0 {
		return nil, "No module data provided"
	}
	if len(r.Modules) > maxModules {
		return nil, "At most 6 modules can be swapped at once"
	}
	out := make([]swap.ModuleInput, 0, len(r.Modules))
	for _, m := range r.Modules {
		old := m.OldIndex
		if old == "" {
			old = m.OldIndexAlt
		}
		if len(strings.TrimSpace(old)) > maxIndexLength {
			return nil, "Old index must not exceed 10 characters"
		}
		out = append(out, swap.ModuleInput{OldIndex: old, NewIndexes: m.NewIndexes})
	}
	return out, ""
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := body.validate(); msg != "" {
		jsonError(w, msg, http.StatusBadRequest)
		return
	}

	sess, err := s.swaps.OpenSession(r.Context(), strings.TrimSpace(body.Username), body.Password, body.NumModules)
	if err != nil {
		slog.Error("open session failed", "error", err)
		jsonError(w, "Login failed: "+failure.Message(err), http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]any{
		"success":     true,
		"message":     "Login successful",
		"session_id":  sess.ID,
		"num_modules": sess.NumModules,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.swaps.CloseSession(r.Context(), id)
	if err != nil && !failure.Is(err, failure.NotFound) {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.swaps.SessionInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"success":       true,
		"authenticated": true,
		"username":      sess.Username,
		"swap_status":   sess.Status,
		"created_at":    sess.CreatedAt.Unix(),
		"expires_at":    sess.ExpiresAt.Unix(),
	})
}

func (s *Server) handleSubmitSwap(w http.ResponseWriter, r *http.Request) {
	var body swapRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.SessionID == "" {
		jsonError(w, "No active session found", http.StatusUnauthorized)
		return
	}
	inputs, msg := body.inputs()
	if msg != "" {
		jsonError(w, msg, http.StatusBadRequest)
		return
	}

	if err := s.swaps.StartSwap(r.Context(), body.SessionID, inputs); err != nil {
		s.writeError(w, err)
		return
	}

	slog.Info("swap request accepted", "session", browser.ShortID(body.SessionID), "modules", len(inputs))
	jsonResponse(w, map[string]any{
		"success":    true,
		"message":    "Swap request submitted successfully",
		"session_id": body.SessionID,
	})
}

func (s *Server) handleSwapStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.swaps.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var startedAt any
	if st.StartedAt != nil {
		startedAt = st.StartedAt.Unix()
	}
	details := st.Modules
	if details == nil {
		details = []store.Module{}
	}
	jsonResponse(w, map[string]any{
		"status":     st.Status,
		"message":    st.Message,
		"started_at": startedAt,
		"details":    details,
	})
}

func (s *Server) handleStopSwap(w http.ResponseWriter, r *http.Request) {
	if err := s.swaps.StopSwap(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"success": true, "message": "Swap process stopped successfully"})
}

// statusCode maps orchestration and store errors onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, swap.ErrInvalidRequest):
		return http.StatusBadRequest
	case failure.Is(err, failure.NotFound), failure.Is(err, failure.SessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, swap.ErrSwapInProgress), failure.Is(err, failure.Conflict):
		return http.StatusConflict
	case errors.Is(err, swap.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	msg := failure.Message(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "Internal error"
	}
	jsonError(w, msg, code)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = jsonEncode(w, data)
}

func jsonEncode(w http.ResponseWriter, data any) error {
	return json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}
