// Package registry tracks the participants of a conversation thread: their
// identity, role, and lifecycle state. It owns the "who is speaking now"
// answer — the speaker designation is an explicit field mutated only through
// the registry's transitions, never a free-floating shared flag.
//
// All exported methods are safe for concurrent use. Readers receive
// snapshots; the live participant records never escape.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// Sentinel errors surfaced by registry operations.
var (
	// ErrDuplicateParticipant is returned by Join when the id is already joined.
	ErrDuplicateParticipant = errors.New("participant already joined")

	// ErrUnknownParticipant is returned when an operation references an id
	// that is not currently joined.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrSpeakerConflict indicates a second participant tried to hold
	// SPEAKING while the current speaker has not yielded. This is a
	// conversation-state invariant violation and is never swallowed.
	ErrSpeakerConflict = errors.New("another participant is already speaking")
)

// Participant is a snapshot of one participant's registry record.
type Participant struct {
	// ID uniquely identifies the participant.
	ID string

	// Name is the human-readable participant name, used for addressee
	// detection and wire serialization.
	Name string

	// Role classifies the participant.
	Role types.Role

	// State is the participant's lifecycle state.
	State types.Lifecycle

	// Active is true when this participant is the designated primary
	// speaker of the thread.
	Active bool

	// JoinedAt is when the participant entered conversational range.
	JoinedAt time.Time
}

// record is the live, mutable participant entry. Never returned to callers.
type record struct {
	p        Participant
	yielding bool // set during the interruption handshake window
}

// Registry holds the participant set for one conversation thread.
type Registry struct {
	mu       sync.RWMutex
	members  map[string]*record
	activeID string
	now      func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		members: make(map[string]*record),
		now:     time.Now,
	}
}

// Join adds a participant in the JOINED state. Returns
// [ErrDuplicateParticipant] if the id is already joined.
func (r *Registry) Join(id, name string, role types.Role) error {
	if !role.IsValid() {
		return fmt.Errorf("registry: join %q: invalid role %q", id, role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.members[id]; ok && rec.p.State != types.LifecycleLeft {
		return fmt.Errorf("registry: join %q: %w", id, ErrDuplicateParticipant)
	}
	r.members[id] = &record{p: Participant{
		ID:       id,
		Name:     name,
		Role:     role,
		State:    types.LifecycleJoined,
		JoinedAt: r.now(),
	}}
	return nil
}

// Leave marks the participant as LEFT and clears any speaker or active
// designation it held. The dialogue manager abandons any open utterance
// before calling Leave.
func (r *Registry) Leave(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.joined(id)
	if !ok {
		return fmt.Errorf("registry: leave %q: %w", id, ErrUnknownParticipant)
	}
	rec.p.State = types.LifecycleLeft
	rec.p.Active = false
	rec.yielding = false
	if r.activeID == id {
		r.activeID = ""
	}
	return nil
}

// SetActive designates id as the thread's primary speaker. The previous
// ACTIVE participant, if any, is implicitly demoted to present.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.joined(id)
	if !ok {
		return fmt.Errorf("registry: set active %q: %w", id, ErrUnknownParticipant)
	}
	if prev, ok := r.members[r.activeID]; ok {
		prev.p.Active = false
	}
	rec.p.Active = true
	r.activeID = id
	return nil
}

// Active returns the id of the designated primary speaker, or "" when none
// is set.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// BeginSpeaking transitions id to SPEAKING. At most one participant may hold
// SPEAKING at a time; a second speaker is admitted only while the current one
// is yielding (the interruption handshake window). Any other overlap returns
// [ErrSpeakerConflict].
func (r *Registry) BeginSpeaking(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.joined(id)
	if !ok {
		return fmt.Errorf("registry: begin speaking %q: %w", id, ErrUnknownParticipant)
	}
	for otherID, other := range r.members {
		if otherID == id || other.p.State != types.LifecycleSpeaking {
			continue
		}
		if !other.yielding {
			return fmt.Errorf("registry: begin speaking %q: %q holds the floor: %w",
				id, otherID, ErrSpeakerConflict)
		}
	}
	rec.p.State = types.LifecycleSpeaking
	return nil
}

// MarkYielding flags id as winding down its playback so that one interrupting
// speaker may start during the grace window. Cleared by EndSpeaking.
func (r *Registry) MarkYielding(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.joined(id)
	if !ok {
		return fmt.Errorf("registry: mark yielding %q: %w", id, ErrUnknownParticipant)
	}
	if rec.p.State != types.LifecycleSpeaking {
		return fmt.Errorf("registry: mark yielding %q: not speaking (state %s)", id, rec.p.State)
	}
	rec.yielding = true
	return nil
}

// EndSpeaking transitions id back to LISTENING and clears its yielding flag.
// Calling EndSpeaking on a participant that is not speaking is a no-op.
func (r *Registry) EndSpeaking(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.joined(id)
	if !ok {
		return fmt.Errorf("registry: end speaking %q: %w", id, ErrUnknownParticipant)
	}
	if rec.p.State == types.LifecycleSpeaking {
		rec.p.State = types.LifecycleListening
	}
	rec.yielding = false
	return nil
}

// Get returns a snapshot of the participant with the given id.
func (r *Registry) Get(id string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.joined(id)
	if !ok {
		return Participant{}, fmt.Errorf("registry: get %q: %w", id, ErrUnknownParticipant)
	}
	return rec.p, nil
}

// Present returns snapshots of all participants that are currently within
// conversational range (joined, listening, or speaking), in no particular
// order.
func (r *Registry) Present() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.members))
	for _, rec := range r.members {
		switch rec.p.State {
		case types.LifecycleJoined, types.LifecycleListening, types.LifecycleSpeaking:
			out = append(out, rec.p)
		}
	}
	return out
}

// Agents returns snapshots of all present participants with [types.RoleAgent].
func (r *Registry) Agents() []Participant {
	present := r.Present()
	out := present[:0]
	for _, p := range present {
		if p.Role == types.RoleAgent {
			out = append(out, p)
		}
	}
	return out
}

// Speaking returns the ids of all participants currently in SPEAKING state.
// In steady state the result has at most one element; two elements can only
// appear during the interruption handshake window.
func (r *Registry) Speaking() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, rec := range r.members {
		if rec.p.State == types.LifecycleSpeaking {
			out = append(out, id)
		}
	}
	return out
}

// joined returns the live record for id if the participant is currently
// joined (not LEFT, not unknown). Must be called with r.mu held.
func (r *Registry) joined(id string) (*record, bool) {
	rec, ok := r.members[id]
	if !ok || rec.p.State == types.LifecycleLeft || rec.p.State == types.LifecycleNotPresent {
		return nil, false
	}
	return rec, true
}
