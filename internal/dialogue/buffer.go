package dialogue

import (
	"context"
	"strings"
	"sync"
)

// textBuffer accumulates one utterance's generated text word by word and
// replays arbitrary suffixes to playback feeders. Generation keeps writing
// through an interruption, so a later resume can replay from exactly the
// word playback stopped at.
type textBuffer struct {
	mu    sync.Mutex
	words []string
	done  bool
	wake  chan struct{}
}

func newTextBuffer() *textBuffer {
	return &textBuffer{wake: make(chan struct{})}
}

// append splits text into words and adds them to the buffer.
func (b *textBuffer) append(text string) {
	ws := strings.Fields(text)
	if len(ws) == 0 {
		return
	}
	b.mu.Lock()
	b.words = append(b.words, ws...)
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
}

// finish marks the buffer complete. Feeders drain what is left and close.
func (b *textBuffer) finish() {
	b.mu.Lock()
	if !b.done {
		b.done = true
		close(b.wake)
		b.wake = make(chan struct{})
	}
	b.mu.Unlock()
}

func (b *textBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.words)
}

func (b *textBuffer) finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// textRange joins words[from:to] with single spaces. Out-of-range indices
// are clamped.
func (b *textBuffer) textRange(from, to int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if to > len(b.words) {
		to = len(b.words)
	}
	if from >= to {
		return ""
	}
	return strings.Join(b.words[from:to], " ")
}

// stream emits the buffer's words starting at index from, one fragment per
// word, blocking for more while generation is still running. The channel
// closes once the buffer is finished and drained, or when ctx is cancelled.
func (b *textBuffer) stream(ctx context.Context, from int) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		i := from
		if i < 0 {
			i = 0
		}
		for {
			b.mu.Lock()
			for i < len(b.words) {
				w := b.words[i]
				b.mu.Unlock()
				select {
				case out <- w + " ":
				case <-ctx.Done():
					return
				}
				i++
				b.mu.Lock()
			}
			done := b.done
			wake := b.wake
			b.mu.Unlock()
			if done {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
