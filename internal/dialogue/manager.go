package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/crosstalk-ai/crosstalk/internal/convlog"
	"github.com/crosstalk-ai/crosstalk/internal/observe"
	"github.com/crosstalk-ai/crosstalk/internal/persona"
	"github.com/crosstalk-ai/crosstalk/internal/persona/decision"
	"github.com/crosstalk-ai/crosstalk/internal/registry"
	"github.com/crosstalk-ai/crosstalk/internal/schedule"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/tts"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// Agent bundles everything the manager needs to run one conversational
// agent: its persona, its turn-taking classifier, and its reply generator.
type Agent struct {
	Persona   persona.Persona
	Decider   decision.Provider
	Responder persona.Responder
}

// agentRuntime is the manager-private state of one registered agent. Only
// the run loop touches it.
type agentRuntime struct {
	agent   Agent
	state   AgentState
	pending bool // classifier verdict in flight
	onFloor bool // holds SPEAKING in the registry
	current *utteranceState
}

// utteranceState tracks one agent utterance from generation through
// playback, interruption, and resume.
type utteranceState struct {
	id        string
	buf       *textBuffer
	status    types.UtteranceStatus
	startedAt time.Time

	// spoken is the number of buffer words confirmed spoken; base is the
	// buffer offset the current playback started at; logged is how many
	// words have already been appended to the conversation log.
	spoken int
	base   int
	logged int

	genCancel    context.CancelFunc
	feedCancel   context.CancelFunc
	abandonTimer *time.Timer
}

// humanUtterance collects the open chunk stream of one human speaker.
type humanUtterance struct {
	id        string
	speakerID string
	name      string
	chunks    []types.Chunk
	startedAt time.Time
	onFloor   bool
}

func (h *humanUtterance) text() string {
	parts := make([]string, 0, len(h.chunks))
	for _, c := range h.chunks {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Queue events. Exactly one run loop consumes these, which is what makes
// every transition totally ordered.
type (
	chunkEvent struct{ chunk types.Chunk }

	decisionEvent struct {
		agentID string
		verdict types.Decision
		err     error
		elapsed time.Duration
	}

	scheduleEvent struct{ ev schedule.Event }

	genEvent struct {
		agentID     string
		utteranceID string
		err         error
		elapsed     time.Duration
	}

	abandonEvent struct {
		agentID     string
		utteranceID string
	}

	command struct {
		fn   func() error
		done chan error
	}
)

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics attaches instrumentation.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithClassifierTimeout bounds each turn-taking decision. Default 2s.
func WithClassifierTimeout(d time.Duration) Option {
	return func(m *Manager) { m.classifierTimeout = d }
}

// WithAbandonTimeout sets how long an interrupted utterance survives without
// a RESUME. Default 30s.
func WithAbandonTimeout(d time.Duration) Option {
	return func(m *Manager) { m.abandonTimeout = d }
}

// WithHistoryWindow sets how many log entries classifiers and responders
// see. Default 12.
func WithHistoryWindow(n int) Option {
	return func(m *Manager) { m.window = n }
}

// WithGraceWindow is passed through to the playback scheduler.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) { m.schedOpts = append(m.schedOpts, schedule.WithGraceWindow(d)) }
}

// WithAudioSink is passed through to the playback scheduler.
func WithAudioSink(f schedule.AudioFunc) Option {
	return func(m *Manager) { m.schedOpts = append(m.schedOpts, schedule.WithAudioSink(f)) }
}

// Manager runs the turn-taking machine for one conversation thread. Create
// it with [New], start [Run] in its own goroutine, then feed it through
// [Manager.HandleChunk] and the command methods.
type Manager struct {
	reg     *registry.Registry
	clog    *convlog.Log
	sched   *schedule.Scheduler
	log     *slog.Logger
	metrics *observe.Metrics

	classifierTimeout time.Duration
	abandonTimeout    time.Duration
	window            int
	schedOpts         []schedule.Option

	// Run-loop state. Never touched outside the loop.
	ctx       context.Context
	agents    map[string]*agentRuntime
	openHuman map[string]*humanUtterance
	lastSeq   map[string]uint64
	waiting   []string // queued floor claims, arrival order

	events chan any
	done   chan struct{}
}

// New creates a Manager over the given participant registry, conversation
// log, and TTS provider. The manager owns its playback scheduler so every
// playback event lands on the same queue as everything else.
func New(reg *registry.Registry, clog *convlog.Log, synth tts.Synthesizer, opts ...Option) *Manager {
	m := &Manager{
		reg:               reg,
		clog:              clog,
		log:               slog.Default(),
		classifierTimeout: DefaultClassifierTimeout,
		abandonTimeout:    DefaultAbandonTimeout,
		window:            DefaultHistoryWindow,
		agents:            make(map[string]*agentRuntime),
		openHuman:         make(map[string]*humanUtterance),
		lastSeq:           make(map[string]uint64),
		events:            make(chan any, 256),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	schedOpts := append([]schedule.Option{schedule.WithLogger(m.log)}, m.schedOpts...)
	if m.metrics != nil {
		schedOpts = append(schedOpts, schedule.WithMetrics(m.metrics))
	}
	m.sched = schedule.New(synth, func(ev schedule.Event) {
		m.post(scheduleEvent{ev: ev})
	}, schedOpts...)
	return m
}

// Run drives the event loop until ctx is cancelled. It must be running for
// HandleChunk and the command methods to make progress.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	defer m.sched.Close()
	defer close(m.done)

	m.log.Info("dialogue manager running")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("dialogue manager stopping")
			return ctx.Err()
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

// HandleChunk feeds one transcript chunk into the queue. It is the
// segmenter's emit callback and never blocks longer than a queue send.
func (m *Manager) HandleChunk(c types.Chunk) {
	m.post(chunkEvent{chunk: c})
}

// RegisterAgent joins an agent participant and installs its runtime.
func (m *Manager) RegisterAgent(a Agent) error {
	return m.do(func() error {
		if a.Persona.ID == "" {
			return fmt.Errorf("dialogue: register agent: empty persona id")
		}
		if a.Decider == nil || a.Responder == nil {
			return fmt.Errorf("dialogue: register agent %q: decider and responder are required", a.Persona.ID)
		}
		if err := m.reg.Join(a.Persona.ID, a.Persona.Name, types.RoleAgent); err != nil {
			return err
		}
		m.agents[a.Persona.ID] = &agentRuntime{agent: a, state: StateIdle}
		m.addParticipantGauge(1)
		m.log.Info("agent registered",
			slog.String("agent_id", a.Persona.ID),
			slog.String("name", a.Persona.Name),
		)
		return nil
	})
}

// Join adds a human or bystander participant. Agents join via
// [Manager.RegisterAgent].
func (m *Manager) Join(id, name string, role types.Role) error {
	return m.do(func() error {
		if role == types.RoleAgent {
			return fmt.Errorf("dialogue: join %q: agents join via RegisterAgent", id)
		}
		if err := m.reg.Join(id, name, role); err != nil {
			return err
		}
		m.addParticipantGauge(1)
		return nil
	})
}

// Leave removes a participant. An agent's open utterance is abandoned and
// its spoken portion logged; a human's open utterance is abandoned as is.
func (m *Manager) Leave(id string) error {
	return m.do(func() error {
		if rt, ok := m.agents[id]; ok {
			m.removeAgent(rt, "leave")
			return nil
		}
		if h, ok := m.openHuman[id]; ok {
			m.finalizeHuman(h, types.UtteranceAbandoned)
		}
		if err := m.reg.Leave(id); err != nil {
			return err
		}
		m.addParticipantGauge(-1)
		m.serveFloor(true)
		return nil
	})
}

// AgentState reports where an agent currently sits in the turn-taking
// machine.
func (m *Manager) AgentState(id string) (AgentState, error) {
	var st AgentState
	err := m.do(func() error {
		rt, ok := m.agents[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		st = rt.state
		return nil
	})
	return st, err
}

// post enqueues an event, giving up if the manager has shut down.
func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// do runs fn on the run loop and waits for its result.
func (m *Manager) do(fn func() error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case m.events <- cmd:
	case <-m.done:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.done:
		return err
	case <-m.done:
		return ErrNotRunning
	}
}

func (m *Manager) dispatch(ev any) {
	switch e := ev.(type) {
	case chunkEvent:
		m.handleChunk(e.chunk)
	case decisionEvent:
		m.handleDecision(e)
	case scheduleEvent:
		m.handleSchedule(e.ev)
	case genEvent:
		m.handleGen(e)
	case abandonEvent:
		m.handleAbandon(e)
	case command:
		e.done <- e.fn()
	default:
		m.log.Error("unknown event type", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

// handleChunk applies one transcript chunk: it grows the speaker's open
// utterance and, on a finalizing boundary, logs it and triggers a decision
// round.
func (m *Manager) handleChunk(c types.Chunk) {
	bg := context.Background()
	if m.metrics != nil {
		m.metrics.ChunksIngested.Add(bg, 1, metric.WithAttributes(
			observe.Attr("speaker_id", c.SpeakerID),
			observe.Attr("boundary", c.Boundary.String()),
		))
	}

	p, err := m.reg.Get(c.SpeakerID)
	if err != nil || p.State == types.LifecycleLeft {
		m.log.Warn("chunk from unknown participant, dropping",
			slog.String("speaker_id", c.SpeakerID))
		return
	}
	if _, isAgent := m.agents[c.SpeakerID]; isAgent {
		m.log.Warn("transcript chunk attributed to an agent, dropping",
			slog.String("speaker_id", c.SpeakerID))
		return
	}
	if last, seen := m.lastSeq[c.SpeakerID]; seen && c.Sequence <= last {
		if m.metrics != nil {
			m.metrics.StaleChunks.Add(bg, 1, metric.WithAttributes(
				observe.Attr("speaker_id", c.SpeakerID)))
		}
		m.log.Debug("stale chunk, dropping",
			slog.String("speaker_id", c.SpeakerID),
			slog.Uint64("sequence", c.Sequence),
		)
		return
	}
	m.lastSeq[c.SpeakerID] = c.Sequence

	h, open := m.openHuman[c.SpeakerID]
	if !open {
		h = &humanUtterance{
			id:        uuid.NewString(),
			speakerID: c.SpeakerID,
			name:      p.Name,
			startedAt: c.Timestamp,
		}
		m.openHuman[c.SpeakerID] = h
		if !m.floorBusy() {
			if err := m.reg.BeginSpeaking(c.SpeakerID); err == nil {
				h.onFloor = true
				m.addSpeakingGauge(1)
			}
		} else {
			m.log.Debug("overlapping speech, floor held",
				slog.String("speaker_id", c.SpeakerID))
		}
	}
	h.chunks = append(h.chunks, c)

	// Any fresh chunk wakes idle agents into overhearing, finalized or not.
	for id, rt := range m.agents {
		if id != c.SpeakerID && rt.state == StateIdle {
			rt.state = StateListening
		}
	}

	switch c.Boundary {
	case types.BoundaryEndOfInput, types.BoundaryInterrupted:
		status := types.UtteranceComplete
		if c.Boundary == types.BoundaryInterrupted {
			status = types.UtteranceInterrupted
		}
		text := h.text()
		m.finalizeHuman(h, status)
		m.evaluateAgents(c.SpeakerID, text)
	default:
		// Mid-utterance chunk, nothing further to do.
	}
}

// finalizeHuman closes a human's open utterance, appends it to the
// conversation log, and releases the floor if held.
func (m *Manager) finalizeHuman(h *humanUtterance, status types.UtteranceStatus) {
	delete(m.openHuman, h.speakerID)

	if text := h.text(); text != "" {
		entry := convlog.Entry{
			UtteranceID: h.id,
			SpeakerID:   h.speakerID,
			SpeakerName: h.name,
			Text:        text,
			Status:      status,
		}
		if err := m.clog.Append(entry); err != nil {
			m.log.Error("append human utterance",
				slog.String("speaker_id", h.speakerID),
				slog.String("error", err.Error()),
			)
		}
	}
	if h.onFloor {
		_ = m.reg.EndSpeaking(h.speakerID)
		m.addSpeakingGauge(-1)
	}
}

// evaluateAgents requests one turn-taking decision from every present agent
// except the speaker who produced the finalized segment. Each agent is asked
// at most once per segment; a verdict still in flight suppresses the ask.
func (m *Manager) evaluateAgents(speakerID, text string) {
	for _, p := range m.reg.Agents() {
		if p.ID == speakerID {
			continue
		}
		rt, ok := m.agents[p.ID]
		if !ok || rt.pending {
			continue
		}
		m.requestDecision(rt, addressed(text, p.Name))
	}
}

// requestDecision asks one agent's classifier off-loop and posts the verdict
// back onto the queue.
func (m *Manager) requestDecision(rt *agentRuntime, wasAddressed bool) {
	rt.pending = true
	id := rt.agent.Persona.ID
	req := decision.Request{
		History:     persona.FormatHistory(m.clog.Window(m.window), id),
		Speaking:    rt.state == StateSpeaking,
		Interrupted: rt.state == StateInterrupted,
		Addressed:   wasAddressed,
	}
	decider := rt.agent.Decider

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.classifierTimeout)
		defer cancel()
		start := time.Now()
		d, err := decider.Decide(ctx, req)
		m.post(decisionEvent{agentID: id, verdict: d, err: err, elapsed: time.Since(start)})
	}()
}

func (m *Manager) handleDecision(ev decisionEvent) {
	rt, ok := m.agents[ev.agentID]
	if !ok {
		return
	}
	rt.pending = false

	bg := context.Background()
	if m.metrics != nil {
		m.metrics.DecisionDuration.Record(bg, ev.elapsed.Seconds(), metric.WithAttributes(
			observe.Attr("agent_id", ev.agentID)))
	}

	verdict := ev.verdict
	if ev.err != nil {
		if errors.Is(ev.err, context.DeadlineExceeded) {
			if m.metrics != nil {
				m.metrics.ClassifierTimeouts.Add(bg, 1, metric.WithAttributes(
					observe.Attr("agent_id", ev.agentID)))
			}
			m.log.Warn("classifier timed out, skipping turn",
				slog.String("agent_id", ev.agentID),
				slog.Duration("elapsed", ev.elapsed),
			)
		} else {
			m.log.Warn("classifier error, skipping turn",
				slog.String("agent_id", ev.agentID),
				slog.String("error", ev.err.Error()),
			)
		}
		verdict = types.DecisionSkip
	}
	if m.metrics != nil {
		m.metrics.RecordDecision(bg, ev.agentID, string(verdict))
	}

	if verdict != types.DecisionRespond {
		// A queued floor claim only survives verdicts that still want the
		// floor.
		m.dropClaim(ev.agentID)
	}

	switch verdict {
	case types.DecisionSkip:
		// Silence. An interrupted agent stays interrupted until its abandon
		// timer fires or a later round resumes it.
	case types.DecisionRespond:
		m.tryRespond(rt)
	case types.DecisionGetInterrupted:
		if rt.state == StateSpeaking {
			m.applyInterruption(rt)
		} else {
			m.log.Debug("GETINTERRUPTED while not speaking, ignoring",
				slog.String("agent_id", ev.agentID))
		}
	case types.DecisionResume:
		if rt.state == StateInterrupted {
			m.tryResume(rt)
		} else {
			m.log.Debug("RESUME without an interrupted utterance, ignoring",
				slog.String("agent_id", ev.agentID))
		}
	case types.DecisionLeave:
		m.removeAgent(rt, "decision")
	}
}

// tryRespond starts a reply, or queues the claim when someone else holds the
// floor or an earlier claimant is still ahead in line. A queued claim nudges
// the current agent speaker for a fresh GETINTERRUPTED verdict; claims are
// served strictly in arrival order as the floor frees up.
func (m *Manager) tryRespond(rt *agentRuntime) {
	if rt.current != nil {
		return
	}
	id := rt.agent.Persona.ID
	if m.floorBusy() || !m.nextClaimant(id) {
		m.queueClaim(id)
		if holder := m.speakingAgent(); holder != nil && !holder.pending {
			m.requestDecision(holder, false)
		}
		return
	}
	m.dropClaim(id)
	m.beginUtterance(rt)
}

// nextClaimant reports whether id may take the free floor: either no claims
// are queued or id is at the head of the queue.
func (m *Manager) nextClaimant(id string) bool {
	return len(m.waiting) == 0 || m.waiting[0] == id
}

func (m *Manager) queueClaim(id string) {
	for _, w := range m.waiting {
		if w == id {
			return
		}
	}
	m.waiting = append(m.waiting, id)
	if m.metrics != nil {
		m.metrics.PendingInterrupts.Add(context.Background(), 1)
	}
	m.log.Debug("floor held, queueing claim", slog.String("agent_id", id))
}

func (m *Manager) dropClaim(id string) {
	for i, w := range m.waiting {
		if w == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			if m.metrics != nil {
				m.metrics.PendingInterrupts.Add(context.Background(), -1)
			}
			return
		}
	}
}

// beginUtterance starts generation and playback for a fresh reply. Synthesis
// overlaps generation: sentences stream into the text buffer, and a feeder
// replays them word by word to the scheduler.
func (m *Manager) beginUtterance(rt *agentRuntime) {
	id := rt.agent.Persona.ID
	us := &utteranceState{
		id:        uuid.NewString(),
		buf:       newTextBuffer(),
		status:    types.UtteranceOpen,
		startedAt: time.Now(),
	}

	gctx, gcancel := context.WithCancel(m.ctx)
	us.genCancel = gcancel
	history := persona.FormatHistory(m.clog.Window(m.window), id)
	go m.generate(gctx, rt.agent, us, history)

	fctx, fcancel := context.WithCancel(m.ctx)
	err := m.sched.Begin(m.ctx, schedule.Request{
		AgentID:     id,
		UtteranceID: us.id,
		Voice:       rt.agent.Persona.Voice,
		Text:        us.buf.stream(fctx, 0),
	})
	if err != nil {
		fcancel()
		gcancel()
		m.log.Error("start playback",
			slog.String("agent_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	us.feedCancel = fcancel
	rt.current = us
	m.beginFloor(rt)
	rt.state = StateSpeaking
	m.log.Info("utterance started",
		slog.String("agent_id", id),
		slog.String("utterance_id", us.id),
	)
}

// generate runs one reply generation to completion, appending sentences to
// the utterance buffer as they arrive. It keeps running through an
// interruption so the remainder is available for a resume.
func (m *Manager) generate(ctx context.Context, a Agent, us *utteranceState, history []types.Message) {
	defer us.buf.finish()
	start := time.Now()

	sentences, err := a.Responder.Respond(ctx, persona.ResponseRequest{History: history})
	if err != nil {
		m.post(genEvent{agentID: a.Persona.ID, utteranceID: us.id, err: err, elapsed: time.Since(start)})
		return
	}
	for s := range sentences {
		us.buf.append(s)
	}
	m.post(genEvent{agentID: a.Persona.ID, utteranceID: us.id, elapsed: time.Since(start)})
}

func (m *Manager) handleGen(ev genEvent) {
	rt, ok := m.agents[ev.agentID]
	if !ok {
		return
	}
	us := rt.current
	if us == nil || us.id != ev.utteranceID {
		return
	}

	bg := context.Background()
	if m.metrics != nil {
		m.metrics.ResponseDuration.Record(bg, ev.elapsed.Seconds(), metric.WithAttributes(
			observe.Attr("agent_id", ev.agentID)))
	}
	if ev.err == nil {
		return
	}

	if m.metrics != nil {
		m.metrics.RecordProviderError(bg, "llm", "respond")
	}
	if us.buf.len() > 0 {
		// Some text was already fed to playback. Let it finish and log what
		// was actually said.
		m.log.Warn("generation failed mid-utterance, playing partial reply",
			slog.String("agent_id", ev.agentID),
			slog.String("error", ev.err.Error()),
		)
		return
	}
	m.log.Error("generation produced nothing, abandoning utterance",
		slog.String("agent_id", ev.agentID),
		slog.String("error", ev.err.Error()),
	)
	_ = m.sched.Stop(ev.agentID)
	m.finalizeAbandoned(rt, us, "generation_failure")
	m.serveFloor(true)
}

// applyInterruption makes a speaking agent yield. Playback halts at the next
// word boundary (hard cut after the grace window), generation keeps running,
// and the spoken portion is logged once the stop lands.
func (m *Manager) applyInterruption(rt *agentRuntime) {
	us := rt.current
	if us == nil || (us.status != types.UtteranceOpen && us.status != types.UtteranceResumed) {
		return
	}
	id := rt.agent.Persona.ID

	if err := m.sched.StopAtBoundary(id); err != nil {
		m.log.Warn("stop at boundary",
			slog.String("agent_id", id),
			slog.String("error", err.Error()),
		)
	}
	_ = m.reg.MarkYielding(id)
	m.setStatus(us, types.UtteranceInterrupted, id)
	rt.state = StateInterrupted

	if m.metrics != nil {
		m.metrics.Interruptions.Add(context.Background(), 1, metric.WithAttributes(
			observe.Attr("agent_id", id)))
	}
	m.log.Info("yielding mid-utterance",
		slog.String("agent_id", id),
		slog.String("utterance_id", us.id),
	)

	// A queued claimant may start during the grace window.
	m.serveFloor(false)
}

// tryResume restarts playback of an interrupted utterance from the first
// unspoken word. The continuation marker is injected by the scheduler.
func (m *Manager) tryResume(rt *agentRuntime) {
	us := rt.current
	if us == nil || us.status != types.UtteranceInterrupted {
		return
	}
	id := rt.agent.Persona.ID
	if m.floorBusy() {
		m.log.Debug("floor held, resume deferred", slog.String("agent_id", id))
		return
	}
	m.stopAbandonTimer(us)

	if us.buf.finished() && us.spoken >= us.buf.len() {
		// Everything generated was already spoken before the interruption
		// landed. Nothing to replay.
		m.setStatus(us, types.UtteranceResumed, id)
		m.setStatus(us, types.UtteranceComplete, id)
		us.genCancel()
		rt.current = nil
		rt.state = StateListening
		return
	}

	m.setStatus(us, types.UtteranceResumed, id)
	rt.state = StateResuming
	if m.metrics != nil {
		m.metrics.Resumptions.Add(context.Background(), 1, metric.WithAttributes(
			observe.Attr("agent_id", id)))
	}

	fctx, fcancel := context.WithCancel(m.ctx)
	us.base = us.spoken
	err := m.sched.Begin(m.ctx, schedule.Request{
		AgentID:      id,
		UtteranceID:  us.id,
		Voice:        rt.agent.Persona.Voice,
		Text:         us.buf.stream(fctx, us.spoken),
		Continuation: true,
	})
	if err != nil {
		fcancel()
		m.log.Error("resume playback",
			slog.String("agent_id", id),
			slog.String("error", err.Error()),
		)
		m.setStatus(us, types.UtteranceInterrupted, id)
		rt.state = StateInterrupted
		m.armAbandonTimer(rt, us)
		return
	}
	us.feedCancel = fcancel
	m.beginFloor(rt)
	rt.state = StateSpeaking
	m.log.Info("resuming utterance",
		slog.String("agent_id", id),
		slog.String("utterance_id", us.id),
		slog.Int("from_word", us.base),
	)
}

func (m *Manager) handleSchedule(ev schedule.Event) {
	rt, ok := m.agents[ev.AgentID]
	if !ok {
		return
	}
	us := rt.current
	if us == nil || us.id != ev.UtteranceID {
		// Event for an utterance already finalized (hard stop on leave,
		// generation failure teardown).
		return
	}
	id := rt.agent.Persona.ID

	switch ev.Kind {
	case schedule.EventProgress:
		us.spoken = us.base + ev.SpokenWords

	case schedule.EventCompleted:
		us.spoken = us.base + ev.SpokenWords
		if us.feedCancel != nil {
			us.feedCancel()
		}
		m.stopAbandonTimer(us)
		us.genCancel()
		if us.status == types.UtteranceInterrupted {
			// Playback drained before the boundary stop could land.
			m.setStatus(us, types.UtteranceResumed, id)
		}
		m.setStatus(us, types.UtteranceComplete, id)

		total := us.buf.len()
		if text := us.buf.textRange(us.logged, total); text != "" {
			m.appendAgentEntry(rt, us, text, types.UtteranceComplete)
		}
		us.logged = total
		m.endFloor(rt)
		rt.state = StateListening
		rt.current = nil
		m.log.Info("utterance completed",
			slog.String("agent_id", id),
			slog.String("utterance_id", us.id),
			slog.Int("words", total),
		)
		m.serveFloor(true)

	case schedule.EventStopped:
		us.spoken = us.base + ev.SpokenWords
		if us.feedCancel != nil {
			us.feedCancel()
		}
		if us.status != types.UtteranceInterrupted {
			m.log.Debug("playback stopped outside an interruption",
				slog.String("agent_id", id),
				slog.String("utterance_id", us.id),
			)
			return
		}
		if text := us.buf.textRange(us.logged, us.spoken); text != "" {
			m.appendAgentEntry(rt, us, text, types.UtteranceInterrupted)
		}
		us.logged = us.spoken
		m.endFloor(rt)
		m.armAbandonTimer(rt, us)
		m.log.Info("utterance interrupted",
			slog.String("agent_id", id),
			slog.String("utterance_id", us.id),
			slog.Int("spoken_words", us.spoken),
		)
		m.serveFloor(false)

	case schedule.EventFailed:
		us.spoken = us.base + ev.SpokenWords
		if us.feedCancel != nil {
			us.feedCancel()
		}
		m.log.Error("synthesis failed, abandoning utterance",
			slog.String("agent_id", id),
			slog.String("utterance_id", us.id),
			slog.String("error", errString(ev.Err)),
		)
		m.finalizeAbandoned(rt, us, "synthesis_failure")
		m.serveFloor(true)
	}
}

func (m *Manager) handleAbandon(ev abandonEvent) {
	rt, ok := m.agents[ev.agentID]
	if !ok {
		return
	}
	us := rt.current
	if us == nil || us.id != ev.utteranceID || us.status != types.UtteranceInterrupted {
		return
	}
	m.log.Info("interrupted utterance timed out, abandoning remainder",
		slog.String("agent_id", ev.agentID),
		slog.String("utterance_id", ev.utteranceID),
	)
	m.finalizeAbandoned(rt, us, "timeout")
	m.serveFloor(true)
}

// finalizeAbandoned forces an utterance to ABANDONED, logs any spoken words
// not yet in the conversation log, and returns the agent to listening. The
// unspoken remainder is discarded.
func (m *Manager) finalizeAbandoned(rt *agentRuntime, us *utteranceState, reason string) {
	id := rt.agent.Persona.ID
	m.setStatus(us, types.UtteranceAbandoned, id)
	us.genCancel()
	if us.feedCancel != nil {
		us.feedCancel()
	}
	m.stopAbandonTimer(us)

	if text := us.buf.textRange(us.logged, us.spoken); text != "" {
		m.appendAgentEntry(rt, us, text, types.UtteranceAbandoned)
		us.logged = us.spoken
	}
	m.endFloor(rt)
	if m.metrics != nil {
		m.metrics.RecordAbandoned(context.Background(), id, reason)
	}
	rt.current = nil
	rt.state = StateListening
}

// removeAgent abandons any open utterance, demotes the participant, and
// drops the runtime.
func (m *Manager) removeAgent(rt *agentRuntime, reason string) {
	id := rt.agent.Persona.ID
	if us := rt.current; us != nil {
		if err := m.sched.Stop(id); err != nil && !errors.Is(err, schedule.ErrNoPlayback) {
			m.log.Warn("stop playback on leave",
				slog.String("agent_id", id),
				slog.String("error", err.Error()),
			)
		}
		m.finalizeAbandoned(rt, us, reason)
	}
	m.dropClaim(id)
	if err := m.reg.Leave(id); err != nil {
		m.log.Warn("leave", slog.String("agent_id", id), slog.String("error", err.Error()))
	}
	delete(m.agents, id)
	m.addParticipantGauge(-1)
	m.log.Info("agent left",
		slog.String("agent_id", id),
		slog.String("reason", reason),
	)
	m.serveFloor(true)
}

// serveFloor hands the freed floor to the next queued claimant, re-running
// its classifier against the current log. With no claimants and
// resumeEligible set, interrupted agents get a chance to resume.
func (m *Manager) serveFloor(resumeEligible bool) {
	if m.floorBusy() {
		return
	}
	for len(m.waiting) > 0 {
		id := m.waiting[0]
		rt, ok := m.agents[id]
		if !ok || rt.current != nil {
			// Stale claim, drop and look at the next one.
			m.dropClaim(id)
			continue
		}
		// The head claimant keeps its place until its fresh verdict lands;
		// tryRespond dequeues it when it actually takes the floor.
		if !rt.pending {
			m.requestDecision(rt, false)
		}
		return
	}
	if !resumeEligible {
		return
	}
	for _, p := range m.reg.Agents() {
		rt, ok := m.agents[p.ID]
		if !ok || rt.pending {
			continue
		}
		if rt.state == StateInterrupted {
			m.requestDecision(rt, false)
			return
		}
	}
}

// floorBusy reports whether anyone actively holds the floor. Agents winding
// down after a yield do not count, which is what lets a claimant start
// inside the grace window.
func (m *Manager) floorBusy() bool {
	for _, h := range m.openHuman {
		if h.onFloor {
			return true
		}
	}
	for _, rt := range m.agents {
		if rt.state == StateSpeaking || rt.state == StateResuming {
			return true
		}
	}
	return false
}

// speakingAgent returns the runtime of the agent currently speaking, if any.
func (m *Manager) speakingAgent() *agentRuntime {
	for _, rt := range m.agents {
		if rt.state == StateSpeaking {
			return rt
		}
	}
	return nil
}

func (m *Manager) appendAgentEntry(rt *agentRuntime, us *utteranceState, text string, status types.UtteranceStatus) {
	entry := convlog.Entry{
		UtteranceID:  us.id,
		SpeakerID:    rt.agent.Persona.ID,
		SpeakerName:  rt.agent.Persona.Name,
		Text:         text,
		Status:       status,
		Continuation: us.logged > 0,
	}
	if err := m.clog.Append(entry); err != nil {
		m.log.Error("append agent utterance",
			slog.String("agent_id", rt.agent.Persona.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) setStatus(us *utteranceState, to types.UtteranceStatus, agentID string) {
	if !types.ValidTransition(us.status, to) {
		m.log.Error("illegal utterance transition",
			slog.String("agent_id", agentID),
			slog.String("utterance_id", us.id),
			slog.String("from", us.status.String()),
			slog.String("to", to.String()),
		)
		return
	}
	us.status = to
}

func (m *Manager) beginFloor(rt *agentRuntime) {
	id := rt.agent.Persona.ID
	if err := m.reg.BeginSpeaking(id); err != nil {
		m.log.Error("begin speaking",
			slog.String("agent_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if !rt.onFloor {
		rt.onFloor = true
		m.addSpeakingGauge(1)
	}
}

func (m *Manager) endFloor(rt *agentRuntime) {
	if !rt.onFloor {
		return
	}
	rt.onFloor = false
	_ = m.reg.EndSpeaking(rt.agent.Persona.ID)
	m.addSpeakingGauge(-1)
}

func (m *Manager) armAbandonTimer(rt *agentRuntime, us *utteranceState) {
	m.stopAbandonTimer(us)
	agentID := rt.agent.Persona.ID
	uttID := us.id
	us.abandonTimer = time.AfterFunc(m.abandonTimeout, func() {
		m.post(abandonEvent{agentID: agentID, utteranceID: uttID})
	})
}

func (m *Manager) stopAbandonTimer(us *utteranceState) {
	if us.abandonTimer != nil {
		us.abandonTimer.Stop()
		us.abandonTimer = nil
	}
}

func (m *Manager) addParticipantGauge(delta int64) {
	if m.metrics != nil {
		m.metrics.ActiveParticipants.Add(context.Background(), delta)
	}
}

func (m *Manager) addSpeakingGauge(delta int64) {
	if m.metrics != nil {
		m.metrics.SpeakingParticipants.Add(context.Background(), delta)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
