// Package app wires all crosstalk subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the dialogue loop plus the HTTP surface, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithArchiveStore, WithSink, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crosstalk-ai/crosstalk/internal/config"
	"github.com/crosstalk-ai/crosstalk/internal/convlog"
	"github.com/crosstalk-ai/crosstalk/internal/dialogue"
	"github.com/crosstalk-ai/crosstalk/internal/health"
	"github.com/crosstalk-ai/crosstalk/internal/observe"
	"github.com/crosstalk-ai/crosstalk/internal/persona"
	"github.com/crosstalk-ai/crosstalk/internal/persona/decision"
	"github.com/crosstalk-ai/crosstalk/internal/registry"
	"github.com/crosstalk-ai/crosstalk/internal/segment"
	"github.com/crosstalk-ai/crosstalk/pkg/archive"
	kafkasink "github.com/crosstalk-ai/crosstalk/pkg/archive/kafka"
	"github.com/crosstalk-ai/crosstalk/pkg/archive/postgres"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/embeddings"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/llm"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/stt"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/tts"
)

// shutdownGrace bounds the HTTP server drain during Run teardown.
const shutdownGrace = 5 * time.Second

// defaultThreadID labels archived records when archive.thread_id is not set.
const defaultThreadID = "main"

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry,
// with fallback chains already wrapped around the primaries.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Synthesizer
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and runs the crosstalk conversation loop.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	// Subsystems, initialised in New, torn down in Shutdown.
	store    archive.Store
	pub      *kafkasink.Publisher
	sinks    []convlog.Sink
	clog     *convlog.Log
	reg      *registry.Registry
	mgr      *dialogue.Manager
	seg      *segment.Segmenter
	gate     *health.Gate
	checkers []health.Checker
	httpSrv  *http.Server

	// speakers tracks attached human speech sessions.
	speakerMu sync.Mutex
	speakers  map[string]*SpeakerSession

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics attaches instrumentation to every subsystem that supports it.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithArchiveStore injects an archive store instead of connecting to
// PostgreSQL from config.
func WithArchiveStore(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSink registers an additional conversation log sink.
func WithSink(s convlog.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry and wrapped in
// fallback chains). Use Option functions to inject test doubles.
//
// New performs all initialisation synchronously except persona registration,
// which happens at the top of Run because the dialogue manager's command
// queue needs its loop running.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		gate:      &health.Gate{},
		speakers:  make(map[string]*SpeakerSession),
	}
	for _, o := range opts {
		o(a)
	}

	if len(cfg.Personas) > 0 {
		if providers.LLM == nil {
			return nil, fmt.Errorf("app: personas configured but no LLM provider")
		}
		if providers.TTS == nil {
			return nil, fmt.Errorf("app: personas configured but no TTS provider")
		}
	}

	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	a.initLog()
	if err := a.restoreHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: restore history: %w", err)
	}
	a.initDialogue()
	a.initServer()

	return a, nil
}

// restoreHistory reloads recently archived utterances into the conversation
// log so agents keep context across restarts. Runs before the dialogue loop
// starts, so seeded entries precede everything logged live.
func (a *App) restoreHistory(ctx context.Context) error {
	window := a.cfg.Archive.ReplayWindow
	if a.store == nil || window <= 0 {
		return nil
	}
	recs, err := a.store.Recent(ctx, a.threadID(), window)
	if err != nil {
		return err
	}
	entries := make([]convlog.Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, convlog.Entry{
			UtteranceID:  r.UtteranceID,
			SpeakerID:    r.SpeakerID,
			SpeakerName:  r.SpeakerName,
			Text:         r.Text,
			Status:       r.Status,
			Continuation: r.Continuation,
			LoggedAt:     r.LoggedAt,
		})
	}
	a.clog.Seed(entries)
	a.log.Info("conversation history restored",
		slog.Int("entries", len(entries)),
		slog.Duration("window", window),
	)
	return nil
}

// threadID returns the configured archive thread label.
func (a *App) threadID() string {
	if a.cfg.Archive.ThreadID != "" {
		return a.cfg.Archive.ThreadID
	}
	return defaultThreadID
}

// initArchive connects the PostgreSQL store and the Kafka publisher, if
// configured, and turns both into conversation log sinks.
func (a *App) initArchive(ctx context.Context) error {
	if a.store == nil && a.cfg.Archive.PostgresDSN != "" {
		dims := a.cfg.Archive.EmbeddingDimensions
		if dims == 0 {
			dims = 1536 // text-embedding-3-small
		}
		store, err := postgres.NewStore(ctx, a.cfg.Archive.PostgresDSN, a.providers.Embeddings, dims)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
	}
	if a.store != nil {
		a.sinks = append(a.sinks, a.recordSink(a.store.Archive))
	}

	if brokers := a.cfg.Archive.Kafka.Brokers; len(brokers) > 0 {
		pub := kafkasink.New(brokers, a.cfg.Archive.Kafka.Topic, kafkasink.WithLogger(a.log))
		a.pub = pub
		a.closers = append(a.closers, pub.Close)
		a.sinks = append(a.sinks, a.recordSink(pub.Publish))
	}

	return nil
}

// recordSink bridges a convlog entry to an archive record carrying this
// server's thread id.
func (a *App) recordSink(archiveFn func(context.Context, archive.Record) error) convlog.Sink {
	threadID := a.threadID()
	return convlog.SinkFunc(func(ctx context.Context, e convlog.Entry) error {
		return archiveFn(ctx, archive.Record{
			ThreadID:     threadID,
			UtteranceID:  e.UtteranceID,
			SpeakerID:    e.SpeakerID,
			SpeakerName:  e.SpeakerName,
			Text:         e.Text,
			Status:       e.Status,
			Continuation: e.Continuation,
			LoggedAt:     e.LoggedAt,
		})
	})
}

// initLog creates the conversation log over the assembled sinks.
func (a *App) initLog() {
	logOpts := []convlog.Option{convlog.WithLogger(a.log)}
	if a.metrics != nil {
		logOpts = append(logOpts, convlog.WithMetrics(a.metrics))
	}
	a.clog = convlog.New(a.sinks, logOpts...)
}

// initDialogue creates the registry, the dialogue manager, and the segmenter
// feeding it, applying the timing knobs from config.
func (a *App) initDialogue() {
	a.reg = registry.New()

	mgrOpts := []dialogue.Option{dialogue.WithLogger(a.log)}
	if a.metrics != nil {
		mgrOpts = append(mgrOpts, dialogue.WithMetrics(a.metrics))
	}
	d := a.cfg.Dialogue
	if d.ClassifierTimeout > 0 {
		mgrOpts = append(mgrOpts, dialogue.WithClassifierTimeout(d.ClassifierTimeout))
	}
	if d.AbandonTimeout > 0 {
		mgrOpts = append(mgrOpts, dialogue.WithAbandonTimeout(d.AbandonTimeout))
	}
	if d.GraceWindow > 0 {
		mgrOpts = append(mgrOpts, dialogue.WithGraceWindow(d.GraceWindow))
	}
	if d.HistoryWindow > 0 {
		mgrOpts = append(mgrOpts, dialogue.WithHistoryWindow(d.HistoryWindow))
	}
	a.mgr = dialogue.New(a.reg, a.clog, a.providers.TTS, mgrOpts...)

	segOpts := []segment.Option{segment.WithLogger(a.log)}
	if a.metrics != nil {
		segOpts = append(segOpts, segment.WithMetrics(a.metrics))
	}
	if d.DebounceWindow > 0 {
		segOpts = append(segOpts, segment.WithDebounce(d.DebounceWindow))
	}
	a.seg = segment.New(a.mgr.HandleChunk, segOpts...)
}

// registerPersonas builds one agent per configured persona and installs it in
// the dialogue manager. Must run after the manager loop has started.
func (a *App) registerPersonas(personas []config.PersonaConfig) error {
	for _, pc := range personas {
		pers := persona.Persona{
			ID:           pc.ID,
			Name:         pc.Name,
			SystemPrompt: pc.SystemPrompt,
			Voice: tts.VoiceProfile{
				ID:          pc.Voice.VoiceID,
				Name:        pc.Name,
				Provider:    pc.Voice.Provider,
				PitchShift:  pc.Voice.PitchShift,
				SpeedFactor: pc.Voice.SpeedFactor,
			},
		}
		decOpts := []decision.Option{decision.WithLogger(a.log)}
		if a.metrics != nil {
			decOpts = append(decOpts, decision.WithMetrics(a.metrics))
		}
		agent := dialogue.Agent{
			Persona:   pers,
			Decider:   decision.NewLLM(a.providers.LLM, pers, decOpts...),
			Responder: persona.NewResponder(a.providers.LLM, pers, persona.WithResponderLogger(a.log)),
		}
		if err := a.mgr.RegisterAgent(agent); err != nil {
			return fmt.Errorf("app: register persona %q: %w", pc.ID, err)
		}
		a.log.Info("persona registered",
			slog.String("persona_id", pc.ID),
			slog.String("name", pc.Name),
			slog.String("voice", pc.Voice.VoiceID),
		)
	}
	return nil
}

// Run starts the dialogue loop and the HTTP surface and blocks until ctx is
// cancelled or a subsystem fails. A clean shutdown returns context.Canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.mgr.Run(ctx) })

	if err := a.registerPersonas(a.cfg.Personas); err != nil {
		cancel()
		_ = g.Wait()
		a.seg.Close()
		return err
	}

	if a.httpSrv != nil {
		g.Go(a.serveHTTP)
		g.Go(func() error {
			<-ctx.Done()
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return a.httpSrv.Shutdown(drainCtx)
		})
	}

	a.gate.SetReady(true)
	a.log.Info("crosstalk running",
		slog.Int("personas", len(a.cfg.Personas)),
		slog.String("listen_addr", a.cfg.Server.ListenAddr),
		slog.String("thread_id", a.threadID()),
	)

	err := g.Wait()
	a.gate.SetReady(false)
	a.detachAllSpeakers()
	a.seg.Close()
	return err
}

// Manager exposes the dialogue manager for callers that drive the
// conversation programmatically (tests, embedding applications).
func (a *App) Manager() *dialogue.Manager {
	return a.mgr
}

// History returns the most recent n conversation log entries, oldest first.
// n <= 0 returns the whole log.
func (a *App) History(n int) []convlog.Entry {
	return a.clog.Window(n)
}

// Segmenter exposes the transcript segmenter feeding the dialogue manager.
func (a *App) Segmenter() *segment.Segmenter {
	return a.seg
}

// ReloadPersonas applies a hot-reloaded config to the running agents:
// removed personas leave, added personas register, and personas with a
// changed prompt or voice are replaced wholesale. The dialogue manager
// abandons any open utterance of a replaced agent.
func (a *App) ReloadPersonas(next *config.Config, diff config.ConfigDiff) error {
	if !diff.PersonasChanged {
		return nil
	}

	byID := make(map[string]config.PersonaConfig, len(next.Personas))
	for _, pc := range next.Personas {
		byID[pc.ID] = pc
	}

	var errs []error
	for _, pd := range diff.PersonaChanges {
		switch {
		case pd.Removed:
			if err := a.mgr.Leave(pd.ID); err != nil {
				errs = append(errs, fmt.Errorf("remove persona %q: %w", pd.ID, err))
			}
		case pd.Added, pd.PromptChanged, pd.VoiceChanged:
			if !pd.Added {
				if err := a.mgr.Leave(pd.ID); err != nil {
					errs = append(errs, fmt.Errorf("replace persona %q: %w", pd.ID, err))
					continue
				}
			}
			pc, ok := byID[pd.ID]
			if !ok {
				continue
			}
			if err := a.registerPersonas([]config.PersonaConfig{pc}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	a.cfg.Personas = next.Personas
	a.log.Info("personas reloaded", slog.Int("count", len(next.Personas)))
	return nil
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", slog.Int("closers", len(a.closers)+1))

		// Drain the conversation log first so pending sink writes reach the
		// archive before its connections close.
		a.clog.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", slog.Int("remaining", i+1))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", slog.Int("index", i), slog.Any("err", err))
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
