package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/rouse/internal/alarms"
	"github.com/dukerupert/rouse/internal/alarmsync"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
	"github.com/dukerupert/rouse/internal/schedule"
)

type AlarmService interface {
	Get(ctx context.Context, id string) (*model.Alarm, error)
	List(ctx context.Context) ([]model.Alarm, error)
	Create(ctx context.Context, in model.Alarm) (*model.Alarm, error)
	Update(ctx context.Context, id string, in model.Alarm) (*model.Alarm, error)
	Toggle(ctx context.Context, id string, enabled bool) (*model.Alarm, error)
	Delete(ctx context.Context, id string) error
}

// NextRinger reports when an alarm rings next.
type NextRinger interface {
	Next(alarmID string) time.Time
}

type Puller interface {
	Pull(ctx context.Context) (alarmsync.PullResult, error)
}

type AlarmHandler struct {
	alarms AlarmService
	next   NextRinger
	sync   Puller
	logger *slog.Logger
}

func NewAlarmHandler(svc AlarmService, next NextRinger, sync Puller, logger *slog.Logger) *AlarmHandler {
	return &AlarmHandler{alarms: svc, next: next, sync: sync, logger: logger}
}

// AlarmView is an alarm as returned by the API.
type AlarmView struct {
	model.Alarm
	NextRing *time.Time `json:"next_ring,omitempty"`
	Warning  string     `json:"warning,omitempty"`
}

func (h *AlarmHandler) view(a model.Alarm) AlarmView {
	v := AlarmView{Alarm: a}
	if h.next != nil {
		if at := h.next.Next(a.ID); !at.IsZero() {
			v.NextRing = &at
		}
	}
	return v
}

type alarmRequest struct {
	Time          recurrence.TimeOfDay `json:"time"`
	RepeatDays    recurrence.Days      `json:"repeat_days"`
	Enabled       *bool                `json:"enabled"`
	Label         string               `json:"label"`
	Mission       model.MissionType    `json:"mission"`
	MissionParams model.MissionParams  `json:"mission_params"`
	Sound         model.Sound          `json:"sound"`
}

func (req alarmRequest) alarm() model.Alarm {
	a := model.Alarm{
		Time:          req.Time,
		RepeatDays:    req.RepeatDays,
		Enabled:       true,
		Label:         req.Label,
		Mission:       req.Mission,
		MissionParams: req.MissionParams,
		Sound:         req.Sound,
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if a.Mission == "" {
		a.Mission = model.MissionNone
	}
	if a.Sound.Volume == 0 {
		a.Sound.Volume = 1
	}
	return a
}

// writeResult writes a saved alarm. A fatal scheduling error still returns
// the alarm, with the reason it will not ring.
func (h *AlarmHandler) writeResult(w http.ResponseWriter, status int, a *model.Alarm, err error) {
	if err != nil && !schedule.IsFatal(err) {
		h.writeErr(w, err)
		return
	}
	v := h.view(*a)
	if err != nil {
		v.Warning = err.Error()
	}
	writeJSON(w, status, v)
}

func (h *AlarmHandler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		writeError(w, http.StatusNotFound, "alarm not found")
	case errors.Is(err, alarms.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("alarm request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// List handles GET /api/alarms
func (h *AlarmHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.alarms.List(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	views := make([]AlarmView, 0, len(all))
	for _, a := range all {
		views = append(views, h.view(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// Get handles GET /api/alarms/{id}
func (h *AlarmHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.alarms.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(*a))
}

// Create handles POST /api/alarms
func (h *AlarmHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.alarms.Create(r.Context(), req.alarm())
	h.writeResult(w, http.StatusCreated, a, err)
}

// Update handles PUT /api/alarms/{id}
func (h *AlarmHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.alarms.Update(r.Context(), r.PathValue("id"), req.alarm())
	h.writeResult(w, http.StatusOK, a, err)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// Toggle handles POST /api/alarms/{id}/toggle
func (h *AlarmHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.alarms.Toggle(r.Context(), r.PathValue("id"), req.Enabled)
	h.writeResult(w, http.StatusOK, a, err)
}

// Delete handles DELETE /api/alarms/{id}
func (h *AlarmHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.alarms.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pull handles POST /api/sync/pull
func (h *AlarmHandler) Pull(w http.ResponseWriter, r *http.Request) {
	res, err := h.sync.Pull(r.Context())
	if err != nil {
		h.logger.Warn("manual pull", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
