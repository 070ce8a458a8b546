package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/telemetry"
)

const dismissTimeout = 10 * time.Second

type Config struct {
	AlarmID   string
	Type      model.MissionType
	Params    model.MissionParams
	Provider  QuestionProvider
	Checker   AnswerChecker // checks remotely issued questions; may be nil
	Dismisser Dismisser     // best-effort remote dismiss; may be nil
	Policy    Policy
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	// OnChange is called with every transition while the engine lock is
	// held. It must not call back into the engine.
	OnChange func(Snapshot)
}

// Engine is the state machine for one triggered alarm occurrence:
//
//	Idle -> Loading -> AwaitingInput -> Submitting -> Correct -> Resolved
//	                        ^                      -> Incorrect -+
//	                        +-----------------------------------+
//
// Resolved is terminal and closes Done exactly once.
type Engine struct {
	alarmID   string
	kind      Kind
	params    model.MissionParams
	provider  QuestionProvider
	checker   AnswerChecker
	dismisser Dismisser
	policy    Policy
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	onChange  func(Snapshot)

	mu       sync.Mutex
	state    State
	question Question
	input    string
	attempts int
	wrong    int
	solved   int
	total    int
	walked   float64
	lastFix  *Fix
	errMsg   string
	closed   bool
	timer    *time.Timer
	result   Result
	done     chan struct{}
}

func New(cfg Config) (*Engine, error) {
	kind, ok := KindFor(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, cfg.Type)
	}
	if cfg.Provider == nil {
		return nil, errors.New("mission: no question provider")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Noop()
	}
	total := cfg.Params.QuestionCount
	if total < 1 || cfg.Type == model.MissionDistance {
		total = 1
	}
	return &Engine{
		alarmID:   cfg.AlarmID,
		kind:      kind,
		params:    cfg.Params,
		provider:  cfg.Provider,
		checker:   cfg.Checker,
		dismisser: cfg.Dismisser,
		policy:    cfg.Policy.withDefaults(),
		logger:    cfg.Logger.With("alarm_id", cfg.AlarmID, "mission", cfg.Type),
		metrics:   cfg.Metrics,
		onChange:  cfg.OnChange,
		state:     StateIdle,
		total:     total,
		done:      make(chan struct{}),
	}, nil
}

// Start fetches the first question and opens input.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.state != StateIdle {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("start mission: already %s", st)
	}
	e.mu.Unlock()
	return e.load(ctx)
}

func (e *Engine) load(ctx context.Context) error {
	e.mu.Lock()
	e.setState(StateLoading)
	e.mu.Unlock()

	q, err := e.provider.Fetch(ctx, Request{AlarmID: e.alarmID, Type: e.kind.Type(), Params: e.params})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err != nil {
		e.errMsg = "No question available"
		if e.solved > 0 {
			// The user already proved they are awake.
			e.logger.Warn("next question unavailable, resolving", "error", err)
			e.resolveLocked(DismissMission)
			return nil
		}
		e.setState(StateIdle)
		return fmt.Errorf("fetch question: %w", err)
	}

	e.question = q
	e.input = ""
	e.errMsg = ""
	e.walked = 0
	e.lastFix = nil
	if e.kind.Type() == model.MissionDistance && q.TargetMeters <= 0 {
		e.setState(StateCorrect)
		e.resolveLocked(DismissMission)
		return nil
	}
	e.setState(StateAwaitingInput)
	return nil
}

// Submit checks an answer. It returns the outcome state, Correct or
// Incorrect. A remote check that fails returns ErrSubmitFailed and leaves
// the engine in AwaitingInput with the input kept and no attempt counted.
func (e *Engine) Submit(ctx context.Context, answer string) (State, error) {
	e.mu.Lock()
	if e.kind.Type() == model.MissionDistance {
		st := e.state
		e.mu.Unlock()
		return st, ErrWrongInput
	}
	if e.closed || e.state != StateAwaitingInput {
		st := e.state
		e.mu.Unlock()
		return st, ErrNotAwaitingInput
	}
	q := e.question
	attempt := e.attempts + 1
	e.input = answer
	e.errMsg = ""
	e.setState(StateSubmitting)
	e.mu.Unlock()

	correct, err := e.check(ctx, q, answer, attempt)

	e.mu.Lock()
	if e.closed || e.state != StateSubmitting {
		st := e.state
		e.mu.Unlock()
		return st, ErrClosed
	}
	if err != nil {
		e.errMsg = "Could not check the answer, try again"
		e.setState(StateAwaitingInput)
		e.mu.Unlock()
		e.logger.Warn("answer check failed", "error", err)
		return StateAwaitingInput, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	e.attempts = attempt
	if correct {
		e.metrics.MissionAttempt(ctx, string(e.kind.Type()), "correct")
		e.solved++
		e.setState(StateCorrect)
		if e.solved >= e.total {
			e.resolveLocked(DismissMission)
			e.mu.Unlock()
			return StateCorrect, nil
		}
		e.mu.Unlock()
		return StateCorrect, e.load(ctx)
	}

	e.metrics.MissionAttempt(ctx, string(e.kind.Type()), "incorrect")
	e.wrong++
	e.input = ""
	e.setState(StateIncorrect)

	switch {
	case e.policy.MaxAttempts > 0 && e.wrong >= e.policy.MaxAttempts:
		e.logger.Info("attempt limit reached", "attempts", e.wrong)
		e.resolveLocked(DismissFallback)
	case e.policy.FeedbackDelay <= 0:
		e.setState(StateAwaitingInput)
	default:
		e.timer = time.AfterFunc(e.policy.FeedbackDelay, e.reopen)
	}
	e.mu.Unlock()
	return StateIncorrect, nil
}

func (e *Engine) reopen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed && e.state == StateIncorrect {
		e.setState(StateAwaitingInput)
	}
}

func (e *Engine) check(ctx context.Context, q Question, answer string, attempt int) (bool, error) {
	if !q.Remote() {
		return e.kind.Check(q, answer), nil
	}
	if e.checker == nil {
		return false, errors.New("no checker for remote question")
	}
	cctx, cancel := context.WithTimeout(ctx, e.policy.FetchTimeout)
	defer cancel()
	return e.checker.Check(cctx, q.ContentID, answer, attempt)
}

// UpdateLocation feeds a location fix to a distance mission. Fixes with poor
// accuracy are ignored. Crossing the target resolves the mission once; later
// fixes are ignored.
func (e *Engine) UpdateLocation(ctx context.Context, fix Fix) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.kind.Type() != model.MissionDistance {
		return e.state, ErrWrongInput
	}
	if e.state == StateResolved {
		return e.state, nil
	}
	if e.closed || e.state != StateAwaitingInput {
		return e.state, ErrNotAwaitingInput
	}
	if !usableFix(fix) {
		return e.state, nil
	}

	if e.lastFix != nil {
		e.walked += haversine(*e.lastFix, fix)
	}
	e.lastFix = &fix

	if e.walked < e.question.TargetMeters {
		if e.onChange != nil {
			e.onChange(e.snapshotLocked())
		}
		return e.state, nil
	}

	e.attempts = 1
	e.solved = 1
	e.metrics.MissionAttempt(ctx, string(model.MissionDistance), "correct")
	e.setState(StateCorrect)
	e.resolveLocked(DismissMission)
	return StateCorrect, nil
}

// resolveLocked moves to Resolved, closes Done and sends the remote dismiss
// in the background. The local signal never waits on the network.
func (e *Engine) resolveLocked(dismissType string) {
	if e.state == StateResolved {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.result = Result{AlarmID: e.alarmID, DismissType: dismissType, Attempts: e.attempts}
	e.setState(StateResolved)
	close(e.done)
	e.logger.Info("mission resolved", "dismiss_type", dismissType, "attempts", e.attempts)

	if e.dismisser == nil {
		return
	}
	go func(r Result) {
		ctx, cancel := context.WithTimeout(context.Background(), dismissTimeout)
		defer cancel()
		if err := e.dismisser.Dismiss(ctx, r.AlarmID, r.DismissType, 0); err != nil {
			e.logger.Warn("remote dismiss failed", "error", err)
		}
	}(e.result)
}

// Done is closed when the mission resolves.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Result returns the resolution, if the mission has resolved.
func (e *Engine) Result() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.state == StateResolved
}

// Close abandons an unresolved mission. Done is not closed.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.state != StateResolved {
		e.setState(StateIdle)
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.state = s
	if e.onChange != nil {
		e.onChange(e.snapshotLocked())
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	s := Snapshot{
		AlarmID:  e.alarmID,
		Type:     e.kind.Type(),
		State:    e.state,
		Input:    e.input,
		Attempts: e.attempts,
		Solved:   e.solved,
		Total:    e.total,
		Error:    e.errMsg,
	}
	if e.question.Prompt != "" {
		s.Prompt = e.question.Prompt
		s.Target = e.kind.Format(e.question)
		s.Source = e.question.Source
	}
	if e.kind.Type() == model.MissionDistance {
		s.DistanceMeters = e.walked
		s.TargetMeters = e.question.TargetMeters
	}
	return s
}
