package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crosstalk-ai/crosstalk/internal/dialogue"
	"github.com/crosstalk-ai/crosstalk/internal/segment"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/stt"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// speakerSampleRate is the PCM sample rate expected from ingress audio.
const speakerSampleRate = 16000

// SpeakerSession binds one human speaker to the conversation: it joins the
// participant registry, owns one STT streaming session, and forwards partial
// transcripts into the segmenter. All methods are safe for concurrent use.
type SpeakerSession struct {
	id   string
	name string
	app  *App
	sess stt.SessionHandle

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// AttachSpeaker joins a human speaker and opens an STT stream for them.
// Persona names are passed to the provider as keyword boosts so agents get
// addressed by name reliably. The returned session accepts raw PCM audio via
// [SpeakerSession.SendAudio] and must be closed when the speaker leaves.
func (a *App) AttachSpeaker(ctx context.Context, id, name string) (*SpeakerSession, error) {
	if id == "" {
		return nil, fmt.Errorf("app: attach speaker: empty id")
	}
	if a.providers.STT == nil {
		return nil, fmt.Errorf("app: attach speaker %q: no STT provider configured", id)
	}

	a.speakerMu.Lock()
	if _, ok := a.speakers[id]; ok {
		a.speakerMu.Unlock()
		return nil, fmt.Errorf("app: speaker %q already attached", id)
	}
	a.speakerMu.Unlock()

	if err := a.mgr.Join(id, name, types.RolePlayer); err != nil {
		return nil, fmt.Errorf("app: attach speaker %q: %w", id, err)
	}

	sess, err := a.providers.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: speakerSampleRate,
		Channels:   1,
		Language:   "en-US",
		Keywords:   a.personaKeywords(),
	})
	if err != nil {
		_ = a.mgr.Leave(id)
		return nil, fmt.Errorf("app: attach speaker %q: start stt stream: %w", id, err)
	}

	drainCtx, cancel := context.WithCancel(context.Background())
	ss := &SpeakerSession{
		id:     id,
		name:   name,
		app:    a,
		sess:   sess,
		cancel: cancel,
	}

	ss.wg.Add(2)
	go ss.drain(drainCtx, sess.Partials())
	go ss.drain(drainCtx, sess.Finals())

	a.speakerMu.Lock()
	a.speakers[id] = ss
	a.speakerMu.Unlock()

	a.log.Info("speaker attached", slog.String("speaker_id", id), slog.String("name", name))
	return ss, nil
}

// personaKeywords builds STT vocabulary hints from the configured personas.
func (a *App) personaKeywords() []types.KeywordBoost {
	boosts := make([]types.KeywordBoost, 0, len(a.cfg.Personas))
	for _, pc := range a.cfg.Personas {
		boosts = append(boosts, types.KeywordBoost{Keyword: pc.Name, Boost: 2.0})
	}
	return boosts
}

// detachAllSpeakers closes every attached speaker session. Called during Run
// teardown.
func (a *App) detachAllSpeakers() {
	a.speakerMu.Lock()
	sessions := make([]*SpeakerSession, 0, len(a.speakers))
	for _, ss := range a.speakers {
		sessions = append(sessions, ss)
	}
	a.speakerMu.Unlock()

	for _, ss := range sessions {
		if err := ss.Close(); err != nil {
			a.log.Warn("speaker close error", slog.String("speaker_id", ss.id), slog.Any("err", err))
		}
	}
}

// ID returns the speaker's participant id.
func (s *SpeakerSession) ID() string { return s.id }

// SendAudio forwards one chunk of raw PCM audio to the STT stream.
func (s *SpeakerSession) SendAudio(chunk []byte) error {
	return s.sess.SendAudio(chunk)
}

// drain forwards one transcript channel into the segmenter until the channel
// closes or the session is torn down. Finals flush the speaker's open stream
// immediately; partials wait out the debounce window.
func (s *SpeakerSession) drain(ctx context.Context, transcripts <-chan types.Transcript) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transcripts:
			if !ok {
				return
			}
			if t.Text == "" {
				continue
			}
			s.app.seg.Ingest(segment.Update{
				SpeakerID: s.id,
				Text:      t.Text,
				IsFinal:   t.IsFinal,
				Timestamp: time.Now(),
			})
		}
	}
}

// Close tears the session down: the STT stream is closed, pending segmenter
// text is flushed as an interruption so the dialogue manager sees the
// speaker stop, and the participant leaves the registry.
func (s *SpeakerSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.sess.Close()
		s.cancel()
		s.wg.Wait()

		s.app.seg.Interrupt(s.id)
		// Leave fails with ErrNotRunning when the whole app is already
		// stopping; the registry is gone with it, so there is nothing to do.
		err := s.app.mgr.Leave(s.id)
		if err != nil && !errors.Is(err, dialogue.ErrNotRunning) && s.closeErr == nil {
			s.closeErr = err
		}

		s.app.speakerMu.Lock()
		delete(s.app.speakers, s.id)
		s.app.speakerMu.Unlock()

		s.app.log.Info("speaker detached", slog.String("speaker_id", s.id))
	})
	return s.closeErr
}
