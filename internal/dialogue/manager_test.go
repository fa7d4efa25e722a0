package dialogue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosstalk-ai/crosstalk/internal/convlog"
	"github.com/crosstalk-ai/crosstalk/internal/persona"
	"github.com/crosstalk-ai/crosstalk/internal/persona/decision"
	decmock "github.com/crosstalk-ai/crosstalk/internal/persona/decision/mock"
	personamock "github.com/crosstalk-ai/crosstalk/internal/persona/mock"
	"github.com/crosstalk-ai/crosstalk/internal/registry"
	ttsmock "github.com/crosstalk-ai/crosstalk/pkg/provider/tts/mock"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// deciderFunc adapts a function to decision.Provider for scripted,
// state-dependent verdicts.
type deciderFunc func(ctx context.Context, req decision.Request) (types.Decision, error)

func (f deciderFunc) Decide(ctx context.Context, req decision.Request) (types.Decision, error) {
	return f(ctx, req)
}

type fixture struct {
	t     *testing.T
	m     *Manager
	reg   *registry.Registry
	clog  *convlog.Log
	synth *ttsmock.Synthesizer
	seq   map[string]uint64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	reg := registry.New()
	clog := convlog.New(nil)
	synth := &ttsmock.Synthesizer{WordInterval: time.Millisecond}

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGraceWindow(150 * time.Millisecond),
	}
	m := New(reg, clog, synth, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		clog.Close()
	})

	return &fixture{t: t, m: m, reg: reg, clog: clog, synth: synth, seq: make(map[string]uint64)}
}

func (f *fixture) join(id, name string, role types.Role) {
	f.t.Helper()
	if err := f.m.Join(id, name, role); err != nil {
		f.t.Fatalf("join %s: %v", id, err)
	}
}

func (f *fixture) agent(id, name string, d decision.Provider, sentences ...string) {
	f.t.Helper()
	err := f.m.RegisterAgent(Agent{
		Persona:   persona.Persona{ID: id, Name: name},
		Decider:   d,
		Responder: &personamock.Responder{Sentences: sentences},
	})
	if err != nil {
		f.t.Fatalf("register agent %s: %v", id, err)
	}
}

func (f *fixture) say(speaker, text string) {
	f.seq[speaker]++
	f.m.HandleChunk(types.Chunk{
		SpeakerID: speaker,
		Text:      text,
		Boundary:  types.BoundaryEndOfInput,
		Timestamp: time.Now(),
		Sequence:  f.seq[speaker],
	})
}

func (f *fixture) waitState(id string, want AgentState) {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.m.AgentState(id)
		if err == nil && got == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, err := f.m.AgentState(id)
	f.t.Fatalf("agent %s state = %v (err %v), want %v", id, got, err, want)
}

// waitEntry blocks until the log holds an entry from speaker with the given
// status and returns it.
func (f *fixture) waitEntry(speaker string, status types.UtteranceStatus) convlog.Entry {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range f.clog.Window(0) {
			if e.SpeakerID == speaker && e.Status == status {
				return e
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	f.t.Fatalf("no %s entry from %s in log: %+v", status, speaker, f.clog.Window(0))
	return convlog.Entry{}
}

func (f *fixture) entriesFor(speaker string) []convlog.Entry {
	var out []convlog.Entry
	for _, e := range f.clog.Window(0) {
		if e.SpeakerID == speaker {
			out = append(out, e)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func TestManager_AgentRespondsAfterPlayerTurn(t *testing.T) {
	f := newFixture(t)
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Decisions: []types.Decision{types.DecisionRespond}}
	f.agent("merchant", "Stonehand", d, "I have fifty feet of rope in the back.")

	f.say("player", "do you have any rope")

	entry := f.waitEntry("merchant", types.UtteranceComplete)
	if got, want := normalize(entry.Text), "I have fifty feet of rope in the back."; got != want {
		t.Errorf("logged text = %q, want %q", got, want)
	}
	if entry.Continuation {
		t.Error("uninterrupted utterance logged as continuation")
	}
	f.waitState("merchant", StateListening)

	calls := d.Calls()
	if len(calls) != 1 {
		t.Fatalf("decider calls = %d, want 1", len(calls))
	}
	if calls[0].Req.Speaking || calls[0].Req.Interrupted {
		t.Errorf("decision request = %+v, want a listening context", calls[0].Req)
	}
}

func TestManager_InterruptAndResume(t *testing.T) {
	f := newFixture(t)
	f.synth.WordInterval = 20 * time.Millisecond
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Decisions: []types.Decision{
		types.DecisionRespond,
		types.DecisionGetInterrupted,
		types.DecisionResume,
	}}
	full := "Welcome to Stonehand's Forge, finest smithy in the valley, take a look around friend."
	f.agent("merchant", "Stonehand", d, full)

	f.say("player", "hello there")
	f.waitState("merchant", StateSpeaking)
	time.Sleep(60 * time.Millisecond)

	f.say("player", "Wait!")
	f.waitState("merchant", StateInterrupted)
	interrupted := f.waitEntry("merchant", types.UtteranceInterrupted)
	if interrupted.Continuation {
		t.Error("first spoken portion logged as continuation")
	}
	if interrupted.Text == "" || normalize(interrupted.Text) == normalize(full) {
		t.Fatalf("interrupted portion = %q, want a proper prefix", interrupted.Text)
	}

	f.say("player", "sorry, go on")
	f.waitState("merchant", StateListening)

	resumed := f.waitEntry("merchant", types.UtteranceComplete)
	if !resumed.Continuation {
		t.Error("resumed remainder not flagged as continuation")
	}
	if resumed.UtteranceID != interrupted.UtteranceID {
		t.Error("resume logged under a different utterance id")
	}

	// No word lost, none spoken twice: the two portions concatenate back to
	// the full reply.
	got := normalize(interrupted.Text + " " + resumed.Text)
	if got != normalize(full) {
		t.Errorf("spoken portions = %q, want %q", got, normalize(full))
	}

	turn := resumed.Turn()
	if !strings.HasPrefix(types.FormatTurn(turn), "merchant: "+types.ContinuationMarker) {
		t.Errorf("wire form %q missing continuation marker", types.FormatTurn(turn))
	}
}

func TestManager_ClassifierTimeoutSkipsTurn(t *testing.T) {
	f := newFixture(t, WithClassifierTimeout(30*time.Millisecond))
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Block: true}
	f.agent("merchant", "Stonehand", d, "never spoken")

	f.say("player", "anyone there")

	deadline := time.Now().Add(time.Second)
	for len(d.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	f.waitState("merchant", StateListening)
	if entries := f.entriesFor("merchant"); len(entries) != 0 {
		t.Errorf("agent spoke despite classifier timeout: %+v", entries)
	}
}

func TestManager_TieBreakServesClaimsInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	f.synth.WordInterval = 10 * time.Millisecond
	f.join("player", "Player", types.RolePlayer)

	var yield, merchantSpoke atomic.Bool
	merchant := deciderFunc(func(_ context.Context, req decision.Request) (types.Decision, error) {
		switch {
		case req.Speaking:
			if yield.Load() {
				return types.DecisionGetInterrupted, nil
			}
			return types.DecisionSkip, nil
		case req.Interrupted:
			return types.DecisionSkip, nil
		default:
			if merchantSpoke.CompareAndSwap(false, true) {
				return types.DecisionRespond, nil
			}
			return types.DecisionSkip, nil
		}
	})
	respondWhenFree := func() decision.Provider {
		return deciderFunc(func(_ context.Context, req decision.Request) (types.Decision, error) {
			if req.Speaking || req.Interrupted {
				return types.DecisionSkip, nil
			}
			return types.DecisionRespond, nil
		})
	}

	long := strings.Repeat("and the hammer rings on the anvil all day long ", 5)
	f.agent("merchant", "Stonehand", merchant, long)

	f.say("player", "tell me about the forge")
	f.waitState("merchant", StateSpeaking)

	// Two would-be interrupters arrive while the merchant holds the floor.
	// The guard claims first, the bard one segment later.
	f.agent("guard", "Bran", respondWhenFree(), "Step back from the counter.")
	f.say("player", "it is crowded in here")
	time.Sleep(40 * time.Millisecond)

	f.agent("bard", "Marisol", respondWhenFree(), "Let me sing while you wait.")
	f.say("player", "anything to pass the time")
	time.Sleep(40 * time.Millisecond)

	yield.Store(true)
	f.say("player", "quiet, both of you, one at a time")

	f.waitState("merchant", StateInterrupted)
	guardEntry := f.waitEntry("guard", types.UtteranceComplete)
	bardEntry := f.waitEntry("bard", types.UtteranceComplete)

	// The guard queued first, so it speaks first.
	all := f.clog.Window(0)
	guardIdx, bardIdx := -1, -1
	for i, e := range all {
		if e.UtteranceID == guardEntry.UtteranceID {
			guardIdx = i
		}
		if e.UtteranceID == bardEntry.UtteranceID {
			bardIdx = i
		}
	}
	if guardIdx < 0 || bardIdx < 0 || guardIdx > bardIdx {
		t.Errorf("claim order: guard at %d, bard at %d, want guard first", guardIdx, bardIdx)
	}
	if len(f.entriesFor("merchant")) == 0 {
		t.Error("interrupted merchant portion never logged")
	}
}

func TestManager_AbandonTimeoutDiscardsRemainder(t *testing.T) {
	f := newFixture(t, WithAbandonTimeout(60*time.Millisecond))
	f.synth.WordInterval = 20 * time.Millisecond
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Decisions: []types.Decision{
		types.DecisionRespond,
		types.DecisionGetInterrupted,
	}}
	f.agent("merchant", "Stonehand", d, "This ceremonial blade was forged for the king himself many winters ago.")

	f.say("player", "what is that blade")
	f.waitState("merchant", StateSpeaking)
	time.Sleep(60 * time.Millisecond)

	f.say("player", "hold on")
	f.waitState("merchant", StateInterrupted)
	f.waitEntry("merchant", types.UtteranceInterrupted)

	// No resume arrives; the abandon timer fires and the remainder is gone.
	f.waitState("merchant", StateListening)
	for _, e := range f.entriesFor("merchant") {
		if e.Status == types.UtteranceComplete {
			t.Fatalf("abandoned utterance completed anyway: %+v", e)
		}
	}
}

func TestManager_SynthesisFailureAbandons(t *testing.T) {
	f := newFixture(t)
	f.synth.WordInterval = 5 * time.Millisecond
	f.synth.FailAfterWords = 3
	f.synth.FailErr = errors.New("stream torn down")
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Decisions: []types.Decision{types.DecisionRespond}}
	f.agent("merchant", "Stonehand", d, "I was going to tell you a very long story about dragons.")

	f.say("player", "tell me a story")

	entry := f.waitEntry("merchant", types.UtteranceAbandoned)
	if normalize(entry.Text) == "" {
		t.Error("spoken words before the failure were not logged")
	}
	f.waitState("merchant", StateListening)
}

func TestManager_LeaveAbandonsOpenUtterance(t *testing.T) {
	f := newFixture(t)
	f.synth.WordInterval = 20 * time.Millisecond
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Decisions: []types.Decision{types.DecisionRespond}}
	f.agent("merchant", "Stonehand", d, "Before I go let me tell you about the mountain pass and its dangers.")

	f.say("player", "are you leaving")
	f.waitState("merchant", StateSpeaking)
	time.Sleep(60 * time.Millisecond)

	if err := f.m.Leave("merchant"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := f.m.AgentState("merchant"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("state after leave: err = %v, want ErrUnknownAgent", err)
	}

	p, err := f.reg.Get("merchant")
	if err != nil {
		t.Fatalf("registry get: %v", err)
	}
	if p.State != types.LifecycleLeft {
		t.Errorf("registry state = %s, want LEFT", p.State)
	}
	f.waitEntry("merchant", types.UtteranceAbandoned)
}

func TestManager_LeaveDecisionRemovesAgent(t *testing.T) {
	f := newFixture(t)
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Decisions: []types.Decision{types.DecisionLeave}}
	f.agent("merchant", "Stonehand", d, "unused")

	f.say("player", "get out of my shop")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.m.AgentState("merchant"); errors.Is(err, ErrUnknownAgent) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("agent still registered after LEAVE verdict")
}

func TestManager_StaleChunkDropped(t *testing.T) {
	f := newFixture(t)
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{}
	f.agent("merchant", "Stonehand", d, "unused")

	f.m.HandleChunk(types.Chunk{
		SpeakerID: "player", Text: "first", Boundary: types.BoundaryEndOfInput,
		Timestamp: time.Now(), Sequence: 5,
	})
	f.m.HandleChunk(types.Chunk{
		SpeakerID: "player", Text: "late replay", Boundary: types.BoundaryEndOfInput,
		Timestamp: time.Now(), Sequence: 3,
	})

	deadline := time.Now().Add(time.Second)
	for len(d.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if got := len(d.Calls()); got != 1 {
		t.Errorf("decider calls = %d, want 1 (stale chunk must not trigger a round)", got)
	}
	if got := f.clog.Len(); got != 1 {
		t.Errorf("log entries = %d, want 1", got)
	}
}

func TestManager_ChunkFromUnknownSpeakerDropped(t *testing.T) {
	f := newFixture(t)

	d := &decmock.Provider{}
	f.agent("merchant", "Stonehand", d, "unused")

	f.say("stranger", "psst, over here")
	time.Sleep(50 * time.Millisecond)

	if got := f.clog.Len(); got != 0 {
		t.Errorf("log entries = %d, want 0", got)
	}
	if got := len(d.Calls()); got != 0 {
		t.Errorf("decider calls = %d, want 0", got)
	}
}

func TestManager_DuplicateJoinRejected(t *testing.T) {
	f := newFixture(t)
	f.join("player", "Player", types.RolePlayer)

	err := f.m.Join("player", "Player", types.RolePlayer)
	if !errors.Is(err, registry.ErrDuplicateParticipant) {
		t.Errorf("second join err = %v, want ErrDuplicateParticipant", err)
	}
}

func TestManager_AddressedFlagReachesClassifier(t *testing.T) {
	f := newFixture(t)
	f.join("player", "Player", types.RolePlayer)

	bard := &decmock.Provider{}
	smith := &decmock.Provider{}
	f.agent("bard", "Marisol", bard, "unused")
	f.agent("smith", "Stonehand", smith, "unused")

	f.say("player", "Marisol, do you know any songs about rope?")

	deadline := time.Now().Add(time.Second)
	for (len(bard.Calls()) == 0 || len(smith.Calls()) == 0) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	bardCalls, smithCalls := bard.Calls(), smith.Calls()
	if len(bardCalls) == 0 || len(smithCalls) == 0 {
		t.Fatalf("decider calls: bard %d, smith %d", len(bardCalls), len(smithCalls))
	}
	if !bardCalls[0].Req.Addressed {
		t.Error("named agent not flagged as addressed")
	}
	if smithCalls[0].Req.Addressed {
		t.Error("unnamed agent flagged as addressed")
	}
}

// An unfinalized chunk must wake idle agents into overhearing without
// triggering a decision; decisions wait for a finalized segment.
func TestManager_MidUtteranceChunkWakesIdleAgent(t *testing.T) {
	f := newFixture(t)
	f.join("player", "Player", types.RolePlayer)

	d := &decmock.Provider{Default: types.DecisionSkip}
	f.agent("merchant", "Stonehand", d, "Welcome back.")

	if got, err := f.m.AgentState("merchant"); err != nil || got != StateIdle {
		t.Fatalf("initial state = %v (err %v), want %v", got, err, StateIdle)
	}

	f.seq["player"]++
	f.m.HandleChunk(types.Chunk{
		SpeakerID: "player",
		Text:      "so I was",
		Boundary:  types.BoundaryNone,
		Timestamp: time.Now(),
		Sequence:  f.seq["player"],
	})

	f.waitState("merchant", StateListening)
	if n := len(d.Calls()); n != 0 {
		t.Errorf("mid-utterance chunk triggered %d decisions, want 0", n)
	}
}

func TestAddressed(t *testing.T) {
	cases := []struct {
		text, name string
		want       bool
	}{
		{"Marisol, do you have a minute", "Marisol", true},
		{"hey marisol!", "Marisol", true},
		{"I need stone hand to fix this", "Stonehand", true},
		{"do you have any rope", "Marisol", false},
		{"", "Marisol", false},
		{"hello there", "", false},
	}
	for _, tc := range cases {
		if got := addressed(tc.text, tc.name); got != tc.want {
			t.Errorf("addressed(%q, %q) = %v, want %v", tc.text, tc.name, got, tc.want)
		}
	}
}
