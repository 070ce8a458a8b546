// Package otoplayer plays WAV sounds through the host audio device.
package otoplayer

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/dukerupert/rouse/internal/sound"
)

// Backend owns the process audio context. oto allows one context per
// process, so there must be exactly one Backend.
type Backend struct {
	dir    string
	logger *slog.Logger

	once    sync.Once
	ctx     *oto.Context
	format  wavFormat
	initErr error
}

func New(dir string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{dir: dir, logger: logger}
}

// defaultFormat is used when the bundled sound is the first thing played.
var defaultFormat = wavFormat{SampleRate: 44100, Channels: 2, BitDepth: 16}

func (b *Backend) init(format wavFormat) error {
	b.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			b.initErr = fmt.Errorf("init audio context: %w", err)
			return
		}
		<-ready
		b.ctx = ctx
		b.format = format
		b.logger.Info("audio context ready", "sample_rate", format.SampleRate, "channels", format.Channels)
	})
	return b.initErr
}

func (b *Backend) load(ref sound.Ref) (wavFormat, []byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, ref.File()))
	if err == nil {
		return parseWAV(data)
	}
	if ref == sound.Bundled && errors.Is(err, os.ErrNotExist) {
		format := defaultFormat
		if b.ctx != nil {
			format = b.format
		}
		return format, tone(format), nil
	}
	return wavFormat{}, nil, err
}

// Play implements sound.Backend.
func (b *Backend) Play(ref sound.Ref, loop bool, volume float64) (sound.Session, error) {
	format, pcm, err := b.load(ref)
	if err != nil {
		return nil, err
	}
	if err := b.init(format); err != nil {
		return nil, err
	}
	if format != b.format {
		return nil, fmt.Errorf("format %+v does not match audio context %+v", format, b.format)
	}

	s := &session{stop: make(chan struct{}), done: make(chan struct{})}
	go s.run(b.ctx, pcm, loop, volume, b.logger)
	return s, nil
}

type session struct {
	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

func (s *session) run(ctx *oto.Context, pcm []byte, loop bool, volume float64, logger *slog.Logger) {
	defer close(s.done)
	for {
		p := ctx.NewPlayer(bytes.NewReader(pcm))
		p.SetVolume(volume)
		p.Play()

		for p.IsPlaying() {
			select {
			case <-s.stop:
				p.Pause()
				p.Close()
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		if err := p.Close(); err != nil {
			logger.Warn("close audio player", "error", err)
		}

		if !loop {
			return
		}
		select {
		case <-s.stop:
			return
		default:
		}
	}
}

// Stop halts playback and waits for the player to be released.
func (s *session) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.mu.Unlock()
	<-s.done
}
