// Package sound owns the single audio playback resource. Alarm playback
// always wins over preview playback.
package sound

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlarmActive is returned when a preview is requested while an alarm rings.
var ErrAlarmActive = errors.New("alarm sound is playing")

// Ref names a sound file by base name and extension.
type Ref struct {
	Name string `json:"name"`
	Ext  string `json:"ext"`
}

// Bundled is the built-in sound every backend can play without a file.
var Bundled = Ref{Name: "default", Ext: "wav"}

func (r Ref) File() string {
	if r.Ext == "" {
		return r.Name
	}
	return r.Name + "." + r.Ext
}

func (r Ref) IsZero() bool {
	return strings.TrimSpace(r.Name) == ""
}

// AudioError reports a sound that could not be played.
type AudioError struct {
	Ref Ref
	Err error
}

func (e *AudioError) Error() string {
	return fmt.Sprintf("play %s: %v", e.Ref.File(), e.Err)
}

func (e *AudioError) Unwrap() error { return e.Err }

// Session is one running playback.
type Session interface {
	Stop()
}

// Backend turns a Ref into audible output.
type Backend interface {
	Play(ref Ref, loop bool, volume float64) (Session, error)
}

type Kind string

const (
	KindAlarm   Kind = "alarm"
	KindPreview Kind = "preview"
)

// Status describes the active playback.
type Status struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	Ref      Ref     `json:"ref"`
	Volume   float64 `json:"volume"`
	Fallback bool    `json:"fallback"`
}

type active struct {
	Status
	session Session
	timer   *time.Timer
}

// Controller is the only owner of the playback resource. At most one sound
// plays at a time.
type Controller struct {
	backend      Backend
	fallback     Ref
	previewLimit time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	active *active
}

type Config struct {
	Fallback     Ref
	PreviewLimit time.Duration
}

func NewController(backend Backend, cfg Config, logger *slog.Logger) *Controller {
	if cfg.Fallback.IsZero() {
		cfg.Fallback = Bundled
	}
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		backend:      backend,
		fallback:     cfg.Fallback,
		previewLimit: cfg.PreviewLimit,
		logger:       logger,
	}
}

// PlayAlarm starts looped alarm playback, pre-empting anything playing.
func (c *Controller) PlayAlarm(ref Ref, volume float64) (Status, error) {
	return c.Play(ref, true, volume)
}

// Play starts alarm-category playback. A sound that cannot be played falls
// back to the configured default and then to the bundled sound; an error is
// returned only when nothing could be played.
func (c *Controller) Play(ref Ref, loop bool, volume float64) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	candidates := []Ref{ref, c.fallback, Bundled}
	var firstErr error
	for i, r := range candidates {
		if r.IsZero() || (i > 0 && r == candidates[i-1]) {
			continue
		}
		sess, err := c.backend.Play(r, loop, volume)
		if err != nil {
			aerr := &AudioError{Ref: r, Err: err}
			c.logger.Warn("alarm sound failed", "sound", r.File(), "error", err)
			if firstErr == nil {
				firstErr = aerr
			}
			continue
		}
		c.active = &active{
			Status:  Status{ID: uuid.NewString(), Kind: KindAlarm, Ref: r, Volume: volume, Fallback: r != ref},
			session: sess,
		}
		c.logger.Info("alarm sound started", "session", c.active.ID, "sound", r.File(), "fallback", r != ref)
		return c.active.Status, nil
	}
	if firstErr == nil {
		firstErr = &AudioError{Ref: ref, Err: errors.New("no sound to play")}
	}
	return Status{}, firstErr
}

// Preview plays a short sample for the sound picker. It is refused while an
// alarm rings and stops by itself after the preview limit.
func (c *Controller) Preview(ref Ref, volume float64) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.Kind == KindAlarm {
		return Status{}, ErrAlarmActive
	}
	c.stopLocked()

	sess, err := c.backend.Play(ref, false, volume)
	if err != nil {
		return Status{}, &AudioError{Ref: ref, Err: err}
	}

	a := &active{
		Status:  Status{ID: uuid.NewString(), Kind: KindPreview, Ref: ref, Volume: volume},
		session: sess,
	}
	id := a.ID
	a.timer = time.AfterFunc(c.previewLimit, func() { c.StopSession(id) })
	c.active = a
	return a.Status, nil
}

// StopPreview stops a running preview and leaves alarm playback alone.
func (c *Controller) StopPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.Kind == KindPreview {
		c.stopLocked()
	}
}

// Stop stops whatever is playing.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// StopSession stops playback only if id is still the active session, so a
// late stop can never cut off a newer playback.
func (c *Controller) StopSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.ID != id {
		return false
	}
	c.stopLocked()
	return true
}

func (c *Controller) stopLocked() {
	if c.active == nil {
		return
	}
	if c.active.timer != nil {
		c.active.timer.Stop()
	}
	c.active.session.Stop()
	c.logger.Debug("sound stopped", "session", c.active.ID, "kind", c.active.Kind)
	c.active = nil
}

func (c *Controller) IsAlarmPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.Kind == KindAlarm
}

// Current returns the active playback, if any.
func (c *Controller) Current() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Status{}, false
	}
	return c.active.Status, true
}

// SilentBackend checks that sound files exist but produces no audio. It is
// used on headless hosts.
type SilentBackend struct {
	Dir string
}

type silentSession struct{}

func (silentSession) Stop() {}

func (b SilentBackend) Play(ref Ref, _ bool, _ float64) (Session, error) {
	if ref == Bundled {
		return silentSession{}, nil
	}
	if _, err := os.Stat(filepath.Join(b.Dir, ref.File())); err != nil {
		return nil, err
	}
	return silentSession{}, nil
}
