// Package mission gates alarm dismissal behind a verification task. One
// generic Engine drives every mission type; the per-type behavior lives in a
// small Kind capability set.
package mission

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/rouse/internal/model"
)

var (
	// ErrNotAwaitingInput is returned when input arrives outside AwaitingInput.
	ErrNotAwaitingInput = errors.New("mission is not awaiting input")
	// ErrSubmitFailed means the answer could not be checked. The attempt is
	// not counted and the input is kept for a retry.
	ErrSubmitFailed = errors.New("answer could not be checked")
	// ErrUnsupported is returned by providers that cannot serve a mission type.
	ErrUnsupported = errors.New("mission type not supported")
	// ErrWrongInput is returned for input the mission type does not take,
	// such as a typed answer to a distance mission.
	ErrWrongInput = errors.New("input does not apply to this mission type")
	// ErrClosed is returned when the engine was closed during a call.
	ErrClosed = errors.New("mission closed")
)

type State string

const (
	StateIdle          State = "idle"
	StateLoading       State = "loading"
	StateAwaitingInput State = "awaiting_input"
	StateSubmitting    State = "submitting"
	StateCorrect       State = "correct"
	StateIncorrect     State = "incorrect"
	StateResolved      State = "resolved"
)

// Question sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Question is one issued question or target. Answer is known only for
// locally issued questions; remote ones are checked by the server.
type Question struct {
	ContentID    string            `json:"content_id,omitempty"`
	Type         model.MissionType `json:"type"`
	Prompt       string            `json:"prompt"`
	Answer       string            `json:"-"`
	TargetMeters float64           `json:"target_meters,omitempty"`
	Source       string            `json:"source"`
}

func (q Question) Remote() bool {
	return q.Source == SourceRemote
}

// Request asks a provider for a question.
type Request struct {
	AlarmID string
	Type    model.MissionType
	Params  model.MissionParams
}

// QuestionProvider issues questions.
type QuestionProvider interface {
	Fetch(ctx context.Context, req Request) (Question, error)
}

// AnswerChecker verifies answers to remotely issued questions.
type AnswerChecker interface {
	Check(ctx context.Context, contentID, answer string, attempt int) (bool, error)
}

// Dismisser reports a dismissal to the remote service.
type Dismisser interface {
	Dismiss(ctx context.Context, alarmID, dismissType string, snoozeCount int) error
}

// Dismiss types reported with the completion signal.
const (
	DismissMission  = "mission"
	DismissFallback = "fallback"
	DismissDirect   = "direct"
)

// Policy holds the configurable product rules layered on the state machine.
type Policy struct {
	// MaxAttempts resolves the mission with DismissFallback once this many
	// wrong answers were given. Zero means unlimited.
	MaxAttempts int
	// FeedbackDelay is how long Incorrect is shown before input reopens.
	FeedbackDelay time.Duration
	// FetchTimeout bounds question fetches and remote answer checks.
	FetchTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.FetchTimeout <= 0 {
		p.FetchTimeout = 3 * time.Second
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Result is delivered once when the mission resolves.
type Result struct {
	AlarmID     string `json:"alarm_id"`
	DismissType string `json:"dismiss_type"`
	Attempts    int    `json:"attempts"`
}

// Fix is one location sample.
type Fix struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Accuracy float64   `json:"accuracy"` // meters, 1-sigma
	At       time.Time `json:"at"`
}

// Snapshot is the presentation view of an engine.
type Snapshot struct {
	AlarmID        string            `json:"alarm_id"`
	Type           model.MissionType `json:"type"`
	State          State             `json:"state"`
	Prompt         string            `json:"prompt,omitempty"`
	Target         string            `json:"target,omitempty"`
	Input          string            `json:"input"`
	Attempts       int               `json:"attempts"`
	Solved         int               `json:"solved"`
	Total          int               `json:"total"`
	DistanceMeters float64           `json:"distance_meters,omitempty"`
	TargetMeters   float64           `json:"target_meters,omitempty"`
	Source         string            `json:"source,omitempty"`
	Error          string            `json:"error,omitempty"`
}
