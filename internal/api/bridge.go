package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/state"
	"github.com/kalambet/surveykit/internal/storage"
	"github.com/kalambet/surveykit/internal/tracker"
	"github.com/kalambet/surveykit/internal/widget"
)

const (
	maxBodySize = 1 << 20 // 1 MB
	// opTimeout bounds how long a request waits for a runtime operation.
	opTimeout = 30 * time.Second
)

// Runtime is the part of the survey runtime the bridge drives.
type Runtime interface {
	Track(identifier string) *widget.Op
	SetAttribute(key, value string) *widget.Op
	SetEmail(email string) *widget.Op
	SetUserID(userID string) *widget.Op
	RegisterRouteChange(url string) *widget.Op
	Click(click tracker.PageClick) *widget.Op
	Logout() *widget.Op
	Answer(surveyID, questionID string, value any) error
	Complete(surveyID string) error
	Dismiss(surveyID string) error
	State() *state.Snapshot
	EnvironmentID() string
	Displays(limit int) ([]storage.DisplayRecord, error)
}

// BridgeDeps holds dependencies for the host bridge.
type BridgeDeps struct {
	Runtime  Runtime
	Renderer *HostRenderer
	Token    string
}

// NewBridgeHandler returns the HTTP surface a host application uses to drive
// the runtime. Everything except /health requires the bearer token.
func NewBridgeHandler(deps BridgeDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/state", handleState(deps))
		r.Post("/track", handleTrack(deps))
		r.Post("/attributes", handleSetAttribute(deps))
		r.Post("/email", handleSetEmail(deps))
		r.Post("/user", handleSetUser(deps))
		r.Post("/route", handleRoute(deps))
		r.Post("/click", handleClick(deps))
		r.Post("/logout", handleLogout(deps))

		r.Get("/survey/current", handleCurrentSurvey(deps))
		r.Post("/survey/{id}/answer", handleAnswer(deps))
		r.Post("/survey/{id}/complete", handleComplete(deps))
		r.Post("/survey/{id}/dismiss", handleDismiss(deps))

		r.Get("/displays", handleListDisplays(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type stateResponse struct {
	EnvironmentID string          `json:"environmentId"`
	State         *state.Snapshot `json:"state"`
}

func handleState(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env := deps.Runtime.EnvironmentID()
		if env == "" {
			writeRuntimeError(w, widget.ErrNotInitialized)
			return
		}
		writeJSON(w, http.StatusOK, stateResponse{EnvironmentID: env, State: deps.Runtime.State()})
	}
}

type trackRequest struct {
	Action string `json:"action"`
}

func handleTrack(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req trackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Action) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "action is required")
			return
		}
		runOp(w, r, deps.Runtime.Track(req.Action))
	}
}

type attributeRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func handleSetAttribute(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req attributeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key is required")
			return
		}
		runOp(w, r, deps.Runtime.SetAttribute(req.Key, req.Value))
	}
}

type emailRequest struct {
	Email string `json:"email"`
}

func handleSetEmail(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req emailRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Email == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "email is required")
			return
		}
		runOp(w, r, deps.Runtime.SetEmail(req.Email))
	}
}

type userRequest struct {
	UserID string `json:"userId"`
}

func handleSetUser(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "userId is required")
			return
		}
		runOp(w, r, deps.Runtime.SetUserID(req.UserID))
	}
}

type routeRequest struct {
	URL string `json:"url"`
}

func handleRoute(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req routeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		runOp(w, r, deps.Runtime.RegisterRouteChange(req.URL))
	}
}

func handleClick(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tracker.PageClick
		if !decodeBody(w, r, &req) {
			return
		}
		if req.HTML == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "html is required")
			return
		}
		runOp(w, r, deps.Runtime.Click(req))
	}
}

func handleLogout(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runOp(w, r, deps.Runtime.Logout())
	}
}

func handleCurrentSurvey(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := deps.Renderer.Current()
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no survey is displayed")
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

type answerRequest struct {
	QuestionID string `json:"questionId"`
	Value      any    `json:"value"`
}

func handleAnswer(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req answerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.QuestionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "questionId is required")
			return
		}
		if err := deps.Runtime.Answer(chi.URLParam(r, "id"), req.QuestionID, req.Value); err != nil {
			writeRuntimeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

func handleComplete(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Runtime.Complete(chi.URLParam(r, "id")); err != nil {
			writeRuntimeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}

func handleDismiss(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Runtime.Dismiss(chi.URLParam(r, "id")); err != nil {
			writeRuntimeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
	}
}

type displayJSON struct {
	ID          string `json:"id"`
	SurveyID    string `json:"surveyId"`
	AttemptID   string `json:"attemptId"`
	PersonID    string `json:"personId,omitempty"`
	DisplayedAt string `json:"displayedAt"`
}

func handleListDisplays(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		records, err := deps.Runtime.Displays(limit)
		if err != nil {
			writeRuntimeError(w, err)
			return
		}

		out := make([]displayJSON, len(records))
		for i, d := range records {
			out[i] = displayJSON{
				ID:          d.ID,
				SurveyID:    d.SurveyID,
				AttemptID:   d.AttemptID,
				PersonID:    d.PersonID,
				DisplayedAt: d.DisplayedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// runOp answers 202 right away when the caller passes ?wait=false, otherwise
// waits for op and maps its outcome.
func runOp(w http.ResponseWriter, r *http.Request, op *widget.Op) {
	if r.URL.Query().Get("wait") == "false" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	if err := op.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			httpError(w, http.StatusGatewayTimeout, "timeout_error", "operation did not finish: %v", err)
			return
		}
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeRuntimeError(w http.ResponseWriter, err error) {
	if errors.Is(err, widget.ErrNotInitialized) {
		httpError(w, http.StatusConflict, "not_initialized", "%v", err)
		return
	}
	switch errs.KindOf(err) {
	case errs.KindInvalidCode:
		httpError(w, http.StatusUnprocessableEntity, "invalid_code", "%v", err)
	case errs.KindNotFound:
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errs.KindValidation:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errs.KindNetwork:
		httpError(w, http.StatusBadGateway, "network_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
