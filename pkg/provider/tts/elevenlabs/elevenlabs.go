// Package elevenlabs provides an ElevenLabs-backed synthesizer using the
// ElevenLabs streaming WebSocket API. It implements the tts.Synthesizer
// interface, deriving word-level progress from the alignment data the API
// returns alongside each audio frame.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&sync_alignment=true"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		s.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) {
		s.outputFormat = format
	}
}

// Synthesizer implements tts.Synthesizer backed by the ElevenLabs streaming API.
type Synthesizer struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New creates a new ElevenLabs Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// alignment mirrors the character timing data ElevenLabs attaches to audio
// frames when sync_alignment is requested.
type alignment struct {
	Chars []string `json:"chars"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio               string     `json:"audio"` // base64-encoded PCM
	IsFinal             bool       `json:"isFinal"`
	NormalizedAlignment *alignment `json:"normalizedAlignment,omitempty"`
	Message             string     `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// handle is the tts.Handle for one ElevenLabs stream.
type handle struct {
	audio    chan []byte
	progress chan tts.Word
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	spoken   atomic.Int64

	errMu sync.Mutex
	err   error
}

var _ tts.Handle = (*handle)(nil)

func newHandle() *handle {
	return &handle{
		audio:    make(chan []byte, 256),
		progress: make(chan tts.Word, 64),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

func (h *handle) Audio() <-chan []byte      { return h.audio }
func (h *handle) Progress() <-chan tts.Word { return h.progress }
func (h *handle) Done() <-chan struct{}     { return h.done }
func (h *handle) SpokenWords() int          { return int(h.spoken.Load()) }

func (h *handle) StopAtBoundary() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *handle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// finish records err and closes all output channels. Called exactly once.
func (h *handle) finish(err error) {
	h.errMu.Lock()
	h.err = err
	h.errMu.Unlock()
	close(h.audio)
	close(h.progress)
	close(h.done)
}

// emitWord delivers one word on the progress channel and bumps the counter.
func (h *handle) emitWord(ctx context.Context, text string) {
	idx := int(h.spoken.Add(1)) - 1
	select {
	case h.progress <- tts.Word{Text: text, Index: idx}:
	case <-ctx.Done():
	}
}

// Speak opens a WebSocket to ElevenLabs, pipes text fragments from the text
// channel, and returns a handle streaming PCM audio and word progress.
func (s *Synthesizer) Speak(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Handle, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice.ID, s.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey:     s.apiKey,
		OutputFormat: s.outputFormat,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	h := newHandle()
	go s.run(ctx, conn, text, h)
	return h, nil
}

// run owns the connection for the lifetime of one utterance: a writer
// goroutine forwards text fragments while the main loop reads audio frames
// and translates their alignment data into word progress.
func (s *Synthesizer) run(ctx context.Context, conn *websocket.Conn, text <-chan string, h *handle) {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	go s.writeText(ctx, conn, text, h)

	var wb wordBuilder
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// A stop tears the connection down from under the reader.
			if h.stopped() || ctx.Err() != nil {
				h.finish(ctx.Err())
			} else {
				h.finish(fmt.Errorf("elevenlabs: read: %w", err))
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		if resp.Audio != "" && !h.stopped() {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				select {
				case h.audio <- pcm:
				case <-ctx.Done():
					h.finish(ctx.Err())
					return
				}
			}
		}

		if resp.NormalizedAlignment != nil && !h.stopped() {
			for _, w := range wb.feed(resp.NormalizedAlignment.Chars) {
				h.emitWord(ctx, w)
			}
		}

		// Word boundary reached with a pending stop: cut the stream here.
		if h.stopped() {
			h.finish(nil)
			return
		}
		if resp.IsFinal {
			if w := wb.flush(); w != "" {
				h.emitWord(ctx, w)
			}
			h.finish(nil)
			return
		}
	}
}

// writeText forwards text fragments until the channel closes, a stop is
// requested, or ctx is cancelled. A closed channel or a stop both end with
// the EOS flush message so the provider finalizes the stream.
func (s *Synthesizer) writeText(ctx context.Context, conn *websocket.Conn, text <-chan string, h *handle) {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	flush := func() {
		flushBytes, _ := json.Marshal(textMessage{Text: ""})
		_ = conn.Write(ctx, websocket.MessageText, flushBytes)
	}
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				flush()
				return
			}
			if fragment == "" {
				continue
			}
			payload := textMessage{Text: fragment, VoiceSettings: vs}
			// Only send voice settings on the first fragment.
			vs = nil
			msgBytes, _ := json.Marshal(payload)
			if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
				return
			}
		case <-h.stop:
			flush()
			return
		case <-ctx.Done():
			return
		}
	}
}

// wordBuilder assembles alignment characters into whole words.
type wordBuilder struct {
	current strings.Builder
}

// feed appends alignment chars and returns any words completed by them.
func (b *wordBuilder) feed(chars []string) []string {
	var words []string
	for _, c := range chars {
		if strings.TrimSpace(c) == "" {
			if w := b.flush(); w != "" {
				words = append(words, w)
			}
			continue
		}
		b.current.WriteString(c)
	}
	return words
}

// flush returns the partially built word, if any, and resets the builder.
func (b *wordBuilder) flush() string {
	w := b.current.String()
	b.current.Reset()
	return w
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (s *Synthesizer) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return voiceProfiles(vr), nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return voiceProfiles(vr), nil
}

func voiceProfiles(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}
