package mission

import (
	_ "embed"
	"fmt"

	"github.com/BurntSushi/toml"
)

//go:embed bank.toml
var defaultBank string

// Bank is the offline question pool. It backs the local provider and the
// fallback when the remote question service is unreachable.
type Bank struct {
	Typing []TypingItem `toml:"typing"`
	Quiz   []QuizItem   `toml:"quiz"`
}

type TypingItem struct {
	Text       string `toml:"text"`
	Difficulty string `toml:"difficulty"`
}

type QuizItem struct {
	Statement  string `toml:"statement"`
	Answer     bool   `toml:"answer"`
	Difficulty string `toml:"difficulty"`
}

// DefaultBank returns the bundled question pool.
func DefaultBank() *Bank {
	var b Bank
	if _, err := toml.Decode(defaultBank, &b); err != nil {
		panic(fmt.Sprintf("bundled question bank: %v", err))
	}
	return &b
}

// LoadBank reads a question pool file. Sections the file leaves empty are
// taken from the bundled pool.
func LoadBank(path string) (*Bank, error) {
	var b Bank
	md, err := toml.DecodeFile(path, &b)
	if err != nil {
		return nil, fmt.Errorf("decode question bank %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("question bank %s: unknown keys %v", path, undecoded)
	}

	def := DefaultBank()
	if len(b.Typing) == 0 {
		b.Typing = def.Typing
	}
	if len(b.Quiz) == 0 {
		b.Quiz = def.Quiz
	}
	return &b, nil
}

func (b *Bank) typingFor(difficulty string) []TypingItem {
	var out []TypingItem
	for _, it := range b.Typing {
		if it.Difficulty == difficulty {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return b.Typing
	}
	return out
}

func (b *Bank) quizFor(difficulty string) []QuizItem {
	var out []QuizItem
	for _, it := range b.Quiz {
		if it.Difficulty == difficulty {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return b.Quiz
	}
	return out
}
