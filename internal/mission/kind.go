package mission

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/dukerupert/rouse/internal/model"
)

// Kind is the per-type capability set: issue a local question, check an
// answer against it and describe the target.
type Kind interface {
	Type() model.MissionType
	Generate(bank *Bank, params model.MissionParams, rng *rand.Rand) (Question, error)
	Check(q Question, answer string) bool
	Format(q Question) string
}

var kinds = map[model.MissionType]Kind{
	model.MissionArithmetic: arithmetic{},
	model.MissionTyping:     typing{},
	model.MissionQuiz:       quiz{},
	model.MissionDistance:   distance{},
}

// KindFor returns the capability set of a mission type.
func KindFor(t model.MissionType) (Kind, bool) {
	k, ok := kinds[t]
	return k, ok
}

type arithmetic struct{}

func (arithmetic) Type() model.MissionType { return model.MissionArithmetic }

func (arithmetic) Generate(_ *Bank, params model.MissionParams, rng *rand.Rand) (Question, error) {
	between := func(lo, hi int) int { return lo + rng.IntN(hi-lo+1) }

	var a, b, answer int
	var op string
	switch params.Difficulty {
	case "easy":
		a, b, op = between(10, 99), between(10, 99), "+"
		answer = a + b
	case "hard":
		a, b, op = between(12, 99), between(3, 19), "×"
		answer = a * b
	default:
		a, b, op = between(100, 999), between(100, 999), "+"
		answer = a + b
	}
	return Question{
		Type:   model.MissionArithmetic,
		Prompt: fmt.Sprintf("%d %s %d = ?", a, op, b),
		Answer: strconv.Itoa(answer),
		Source: SourceLocal,
	}, nil
}

func (arithmetic) Check(q Question, answer string) bool {
	got, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil {
		return false
	}
	want, err := strconv.Atoi(q.Answer)
	return err == nil && got == want
}

func (arithmetic) Format(q Question) string { return q.Prompt }

type typing struct{}

func (typing) Type() model.MissionType { return model.MissionTyping }

func (typing) Generate(bank *Bank, params model.MissionParams, rng *rand.Rand) (Question, error) {
	items := bank.typingFor(params.Difficulty)
	if len(items) == 0 {
		return Question{}, fmt.Errorf("question bank has no typing sentences")
	}
	s := items[rng.IntN(len(items))].Text
	return Question{Type: model.MissionTyping, Prompt: s, Answer: s, Source: SourceLocal}, nil
}

func (typing) Check(q Question, answer string) bool {
	return normalizeText(answer) == normalizeText(q.Answer)
}

func (typing) Format(q Question) string { return q.Prompt }

// normalizeText composes to NFC, folds case and collapses whitespace runs so
// that retyped text compares equal regardless of keyboard quirks.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = cases.Fold().String(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '‘', '’':
			return '\''
		case '“', '”':
			return '"'
		}
		return r
	}, s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

type quiz struct{}

func (quiz) Type() model.MissionType { return model.MissionQuiz }

func (quiz) Generate(bank *Bank, params model.MissionParams, rng *rand.Rand) (Question, error) {
	items := bank.quizFor(params.Difficulty)
	if len(items) == 0 {
		return Question{}, fmt.Errorf("question bank has no quiz statements")
	}
	it := items[rng.IntN(len(items))]
	return Question{
		Type:   model.MissionQuiz,
		Prompt: it.Statement,
		Answer: strconv.FormatBool(it.Answer),
		Source: SourceLocal,
	}, nil
}

// parseTruth accepts the spellings of a true/false (O/X) answer.
func parseTruth(s string) (bool, bool) {
	switch normalizeText(s) {
	case "true", "t", "o", "yes", "y", "1":
		return true, true
	case "false", "f", "x", "no", "n", "0":
		return false, true
	}
	return false, false
}

func (quiz) Check(q Question, answer string) bool {
	got, ok := parseTruth(answer)
	if !ok {
		return false
	}
	want, err := strconv.ParseBool(q.Answer)
	return err == nil && got == want
}

func (quiz) Format(q Question) string { return q.Prompt + " (O/X)" }

// defaultDistance is used when an alarm has no distance goal.
const defaultDistance = 100.0

type distance struct{}

func (distance) Type() model.MissionType { return model.MissionDistance }

func (distance) Generate(_ *Bank, params model.MissionParams, _ *rand.Rand) (Question, error) {
	target := params.DistanceMeters
	if target <= 0 {
		target = defaultDistance
	}
	return Question{
		Type:         model.MissionDistance,
		Prompt:       fmt.Sprintf("Walk %.0f m", target),
		TargetMeters: target,
		Source:       SourceLocal,
	}, nil
}

// Check is never used for distance; progress comes from location fixes.
func (distance) Check(Question, string) bool { return false }

func (distance) Format(q Question) string { return fmt.Sprintf("Walk %.0f m", q.TargetMeters) }
