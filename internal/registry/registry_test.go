package registry

import (
	"errors"
	"testing"

	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

func TestJoin(t *testing.T) {
	t.Parallel()

	t.Run("duplicate id", func(t *testing.T) {
		t.Parallel()
		r := New()
		if err := r.Join("p1", "Alice", types.RolePlayer); err != nil {
			t.Fatalf("first join: %v", err)
		}
		err := r.Join("p1", "Alice", types.RolePlayer)
		if !errors.Is(err, ErrDuplicateParticipant) {
			t.Errorf("second join err = %v, want ErrDuplicateParticipant", err)
		}
	})

	t.Run("rejoin after leave", func(t *testing.T) {
		t.Parallel()
		r := New()
		if err := r.Join("p1", "Alice", types.RolePlayer); err != nil {
			t.Fatalf("join: %v", err)
		}
		if err := r.Leave("p1"); err != nil {
			t.Fatalf("leave: %v", err)
		}
		if err := r.Join("p1", "Alice", types.RolePlayer); err != nil {
			t.Errorf("rejoin after leave: %v", err)
		}
	})

	t.Run("invalid role", func(t *testing.T) {
		t.Parallel()
		r := New()
		if err := r.Join("p1", "Alice", types.Role("dragon")); err == nil {
			t.Error("want error for invalid role")
		}
	})
}

func TestLeave(t *testing.T) {
	t.Parallel()

	r := New()
	if err := r.Leave("ghost"); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("leave unknown err = %v, want ErrUnknownParticipant", err)
	}

	if err := r.Join("a1", "Merchant", types.RoleAgent); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.SetActive("a1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := r.Leave("a1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := r.Active(); got != "" {
		t.Errorf("Active() after leave = %q, want empty", got)
	}
	if got := len(r.Present()); got != 0 {
		t.Errorf("Present() after leave has %d entries, want 0", got)
	}
}

func TestSetActiveDemotesPrevious(t *testing.T) {
	t.Parallel()

	r := New()
	for _, id := range []string{"a1", "a2"} {
		if err := r.Join(id, id, types.RoleAgent); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if err := r.SetActive("a1"); err != nil {
		t.Fatalf("set active a1: %v", err)
	}
	if err := r.SetActive("a2"); err != nil {
		t.Fatalf("set active a2: %v", err)
	}

	p1, err := r.Get("a1")
	if err != nil {
		t.Fatalf("get a1: %v", err)
	}
	if p1.Active {
		t.Error("a1 still active after a2 was promoted")
	}
	p2, err := r.Get("a2")
	if err != nil {
		t.Fatalf("get a2: %v", err)
	}
	if !p2.Active {
		t.Error("a2 not active after promotion")
	}
}

func TestSpeakingInvariant(t *testing.T) {
	t.Parallel()

	newPair := func(t *testing.T) *Registry {
		t.Helper()
		r := New()
		if err := r.Join("a1", "Merchant", types.RoleAgent); err != nil {
			t.Fatalf("join a1: %v", err)
		}
		if err := r.Join("p1", "Player", types.RolePlayer); err != nil {
			t.Fatalf("join p1: %v", err)
		}
		return r
	}

	t.Run("second speaker rejected", func(t *testing.T) {
		t.Parallel()
		r := newPair(t)
		if err := r.BeginSpeaking("a1"); err != nil {
			t.Fatalf("a1 begin speaking: %v", err)
		}
		if err := r.BeginSpeaking("p1"); !errors.Is(err, ErrSpeakerConflict) {
			t.Errorf("p1 begin speaking err = %v, want ErrSpeakerConflict", err)
		}
	})

	t.Run("overlap allowed while yielding", func(t *testing.T) {
		t.Parallel()
		r := newPair(t)
		if err := r.BeginSpeaking("a1"); err != nil {
			t.Fatalf("a1 begin speaking: %v", err)
		}
		if err := r.MarkYielding("a1"); err != nil {
			t.Fatalf("mark yielding: %v", err)
		}
		if err := r.BeginSpeaking("p1"); err != nil {
			t.Errorf("p1 begin speaking during handshake: %v", err)
		}
		if got := len(r.Speaking()); got != 2 {
			t.Errorf("Speaking() len = %d during handshake, want 2", got)
		}
		if err := r.EndSpeaking("a1"); err != nil {
			t.Fatalf("end speaking: %v", err)
		}
		if got := r.Speaking(); len(got) != 1 || got[0] != "p1" {
			t.Errorf("Speaking() = %v after handoff, want [p1]", got)
		}
	})

	t.Run("yielding requires speaking", func(t *testing.T) {
		t.Parallel()
		r := newPair(t)
		if err := r.MarkYielding("a1"); err == nil {
			t.Error("want error marking a non-speaker as yielding")
		}
	})
}
