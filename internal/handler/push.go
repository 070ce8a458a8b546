package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dukerupert/rouse/internal/model"
)

type PushSubscriptions interface {
	CreateSubscription(ctx context.Context, endpoint, p256dh, auth, deviceName string) (*model.PushSubscription, error)
	GetByID(ctx context.Context, id int64) (*model.PushSubscription, error)
	List(ctx context.Context) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
}

// PushHandler manages the browsers that get ringing notifications.
type PushHandler struct {
	subs      PushSubscriptions
	publicKey string
	logger    *slog.Logger
}

func NewPushHandler(subs PushSubscriptions, vapidPublicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{subs: subs, publicKey: vapidPublicKey, logger: logger}
}

// subscribeRequest accepts both the browser's PushSubscription.toJSON()
// shape, with keys nested, and a flat shape for scripts.
type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	DeviceName string `json:"device_name"`
}

func (req *subscribeRequest) keys() (p256dh, auth string) {
	p256dh, auth = req.Keys.P256dh, req.Keys.Auth
	if p256dh == "" {
		p256dh = req.P256dh
	}
	if auth == "" {
		auth = req.Auth
	}
	return p256dh, auth
}

// subscriptionView leaves out the encryption keys.
type subscriptionView struct {
	ID         int64     `json:"id"`
	Endpoint   string    `json:"endpoint"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}

func toSubscriptionView(s model.PushSubscription) subscriptionView {
	return subscriptionView{ID: s.ID, Endpoint: s.Endpoint, DeviceName: s.DeviceName, CreatedAt: s.CreatedAt}
}

// Subscribe handles POST /api/push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p256dh, auth := req.keys()
	if req.Endpoint == "" || p256dh == "" || auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}
	if u, err := url.Parse(req.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		writeError(w, http.StatusBadRequest, "endpoint must be an https URL")
		return
	}

	sub, err := h.subs.CreateSubscription(r.Context(), req.Endpoint, p256dh, auth, req.DeviceName)
	if err != nil {
		h.logger.Error("save push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	h.logger.Info("device subscribed", "id", sub.ID, "device", sub.DeviceName)
	writeJSON(w, http.StatusCreated, toSubscriptionView(*sub))
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	sub, err := h.subs.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get push subscription", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err := h.subs.DeleteSubscription(r.Context(), id); err != nil {
		h.logger.Error("delete push subscription", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context())
	if err != nil {
		h.logger.Error("list push subscriptions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, toSubscriptionView(s))
	}
	writeJSON(w, http.StatusOK, views)
}

// VAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}
