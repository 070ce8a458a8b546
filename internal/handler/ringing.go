package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/rouse/internal/delivery"
	"github.com/dukerupert/rouse/internal/host"
	"github.com/dukerupert/rouse/internal/mission"
	"github.com/dukerupert/rouse/internal/sound"
)

type Ringer interface {
	Ringing() (delivery.Ringing, bool)
	Dismiss(ctx context.Context, alarmID string) error
	Mission() (mission.Snapshot, error)
	Submit(ctx context.Context, answer string) (mission.State, error)
	UpdateLocation(ctx context.Context, fix mission.Fix) (mission.State, error)
}

type Previewer interface {
	Preview(ref sound.Ref, volume float64) (sound.Status, error)
	StopPreview()
}

// Tapper delivers a tap on a presented notification.
type Tapper interface {
	Tap(id string) error
}

type RingingHandler struct {
	router Ringer
	sound  Previewer
	notes  Tapper
	logger *slog.Logger
}

func NewRingingHandler(router Ringer, snd Previewer, notes Tapper, logger *slog.Logger) *RingingHandler {
	return &RingingHandler{router: router, sound: snd, notes: notes, logger: logger}
}

func (h *RingingHandler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotRinging):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, delivery.ErrMissionRequired),
		errors.Is(err, mission.ErrNotAwaitingInput),
		errors.Is(err, mission.ErrClosed),
		errors.Is(err, sound.ErrAlarmActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mission.ErrWrongInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mission.ErrSubmitFailed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, host.ErrUnknownRegistration):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		var aerr *sound.AudioError
		if errors.As(err, &aerr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("ringing request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Get handles GET /api/ringing
func (h *RingingHandler) Get(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.router.Ringing()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ringing": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ringing": true, "alarm": cur})
}

type dismissRequest struct {
	AlarmID string `json:"alarm_id"`
}

// Dismiss handles POST /api/ringing/dismiss
func (h *RingingHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := h.router.Dismiss(r.Context(), req.AlarmID); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Mission handles GET /api/mission
func (h *RingingHandler) Mission(w http.ResponseWriter, r *http.Request) {
	snap, err := h.router.Mission()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

// Answer handles POST /api/mission/answer
func (h *RingingHandler) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := h.router.Submit(r.Context(), req.Answer)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "correct": state == mission.StateCorrect})
}

// Location handles POST /api/mission/location
func (h *RingingHandler) Location(w http.ResponseWriter, r *http.Request) {
	var fix mission.Fix
	if !decodeJSON(w, r, &fix) {
		return
	}
	state, err := h.router.UpdateLocation(r.Context(), fix)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	snap, _ := h.router.Mission()
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "distance_meters": snap.DistanceMeters})
}

type previewRequest struct {
	Name   string  `json:"name"`
	Ext    string  `json:"ext"`
	Volume float64 `json:"volume"`
}

// Preview handles POST /api/sounds/preview
func (h *RingingHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Volume <= 0 || req.Volume > 1 {
		req.Volume = 1
	}
	st, err := h.sound.Preview(sound.Ref{Name: req.Name, Ext: req.Ext}, req.Volume)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StopPreview handles DELETE /api/sounds/preview
func (h *RingingHandler) StopPreview(w http.ResponseWriter, r *http.Request) {
	h.sound.StopPreview()
	w.WriteHeader(http.StatusNoContent)
}

// Tap handles POST /api/notifications/{id}/tap
func (h *RingingHandler) Tap(w http.ResponseWriter, r *http.Request) {
	if err := h.notes.Tap(r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
