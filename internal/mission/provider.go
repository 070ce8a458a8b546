package mission

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/remote"
)

// Local issues questions from the offline bank. It never needs the network.
type Local struct {
	bank *Bank
	mu   sync.Mutex
	rng  *rand.Rand
}

// NewLocal builds a local provider. A nil bank uses the bundled pool; seed
// makes question selection reproducible.
func NewLocal(bank *Bank, seed uint64) *Local {
	if bank == nil {
		bank = DefaultBank()
	}
	return &Local{bank: bank, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *Local) Fetch(_ context.Context, req Request) (Question, error) {
	kind, ok := KindFor(req.Type)
	if !ok {
		return Question{}, fmt.Errorf("%w: %q", ErrUnsupported, req.Type)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return kind.Generate(l.bank, req.Params, l.rng)
}

// RemoteAPI is the part of the remote client the mission provider uses.
type RemoteAPI interface {
	StartMission(ctx context.Context, in remote.StartMissionRequest) (remote.MissionQuestion, error)
	SubmitMission(ctx context.Context, in remote.SubmitMissionRequest) (remote.SubmitMissionResult, error)
}

// Remote fetches questions from the question service and checks answers
// there. Distance missions have no remote question.
type Remote struct {
	api RemoteAPI
}

func NewRemote(api RemoteAPI) *Remote {
	return &Remote{api: api}
}

func (r *Remote) Fetch(ctx context.Context, req Request) (Question, error) {
	switch req.Type {
	case model.MissionArithmetic, model.MissionTyping, model.MissionQuiz:
	default:
		return Question{}, fmt.Errorf("%w remotely: %q", ErrUnsupported, req.Type)
	}

	q, err := r.api.StartMission(ctx, remote.StartMissionRequest{
		MissionType:   string(req.Type),
		Difficulty:    req.Params.Difficulty,
		QuestionCount: req.Params.QuestionCount,
	})
	if err != nil {
		return Question{}, err
	}
	return Question{
		ContentID: q.ContentID,
		Type:      req.Type,
		Prompt:    q.Question,
		Source:    SourceRemote,
	}, nil
}

// Check implements AnswerChecker.
func (r *Remote) Check(ctx context.Context, contentID, answer string, attempt int) (bool, error) {
	res, err := r.api.SubmitMission(ctx, remote.SubmitMissionRequest{
		ContentID:    contentID,
		Answer:       answer,
		AttemptCount: attempt,
	})
	if err != nil {
		return false, err
	}
	return res.Correct, nil
}

type fallback struct {
	primary   QuestionProvider
	secondary QuestionProvider
	timeout   time.Duration
	logger    *slog.Logger
}

// WithFallback tries primary within timeout and falls back to secondary on
// any error, so a mission always has a question.
func WithFallback(primary, secondary QuestionProvider, timeout time.Duration, logger *slog.Logger) QuestionProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &fallback{primary: primary, secondary: secondary, timeout: timeout, logger: logger}
}

func (f *fallback) Fetch(ctx context.Context, req Request) (Question, error) {
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	q, err := f.primary.Fetch(pctx, req)
	cancel()
	if err == nil {
		return q, nil
	}
	f.logger.Info("question fetch fell back to local pool", "alarm_id", req.AlarmID, "mission", req.Type, "error", err)
	return f.secondary.Fetch(ctx, req)
}
