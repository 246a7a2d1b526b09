package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kalambet/surveykit/internal/display"
)

// HostRenderer holds the mounted survey for a host that polls the bridge
// and draws the survey itself.
type HostRenderer struct {
	logger *slog.Logger

	mu      sync.Mutex
	current *display.Mount
}

// NewHostRenderer creates an empty HostRenderer.
func NewHostRenderer(logger *slog.Logger) *HostRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostRenderer{logger: logger}
}

// Mount makes m the current survey.
func (h *HostRenderer) Mount(ctx context.Context, m display.Mount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	h.current = &m
	h.mu.Unlock()
	h.logger.Info("survey mounted", "survey_id", m.SurveyID, "attempt_id", m.AttemptID, "placement", m.Placement)
	return nil
}

// Unmount clears the current survey if it is surveyID.
func (h *HostRenderer) Unmount(surveyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil && h.current.SurveyID == surveyID {
		h.current = nil
		h.logger.Info("survey unmounted", "survey_id", surveyID)
	}
}

// Current returns the mounted survey, if any.
func (h *HostRenderer) Current() (display.Mount, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return display.Mount{}, false
	}
	return *h.current, true
}
