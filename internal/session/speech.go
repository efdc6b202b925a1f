package session

import (
	"context"
	"sync"

	"github.com/amoylab/polyroom/internal/history"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

const (
	defaultLocale = "en-US"
	speechRate    = 0.9
	speechPitch   = 1.0
)

var locales = map[string]string{
	"en": "en-US",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
	"it": "it-IT",
	"pt": "pt-PT",
	"ru": "ru-RU",
	"zh": "zh-CN",
	"ja": "ja-JP",
	"ko": "ko-KR",
}

// Utterance is what the speech backend is asked to say
type Utterance struct {
	Text   string
	Locale string
	Rate   float64
	Pitch  float64
}

// SpeechPolicy produces audio for an utterance. It runs on its own
// goroutine and may block.
type SpeechPolicy func(ctx context.Context, u Utterance)

// Locale maps a language code to the speech locale, falling back to en-US.
// Region and case are ignored: "ES" and "es-MX" both map to es-ES.
func Locale(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return defaultLocale
	}
	base, _ := tag.Base()
	if loc, ok := locales[base.String()]; ok {
		return loc
	}
	return defaultLocale
}

// ShouldSpeak reports whether e is a translation produced for the local
// participant: same language, someone else's line, not the original text.
func ShouldSpeak(e history.Entry, s Session) bool {
	return e.Kind == history.KindChat &&
		e.Language == s.Language &&
		e.ParticipantID != s.ParticipantID &&
		!e.IsOriginal
}

// speaker feeds utterances to a SpeechPolicy in order from one goroutine
type speaker struct {
	logger *zap.Logger
	policy SpeechPolicy
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []Utterance
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newSpeaker(logger *zap.Logger, policy SpeechPolicy) *speaker {
	ctx, cancel := context.WithCancel(context.Background())
	s := &speaker{
		logger:  logger.Named("speech"),
		policy:  policy,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *speaker) enqueue(u Utterance) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, u)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *speaker) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.closed {
				s.mu.Unlock()
				break
			}
			u := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.speak(u)
		}
	}
}

func (s *speaker) speak(u Utterance) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("speech policy panicked", zap.Any("panic", r))
		}
	}()
	s.policy(s.ctx, u)
}

// close drops queued utterances and waits for the worker to exit
func (s *speaker) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cancel()
	<-s.stopped
}
