package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills derivable fields before validation.
func applyDefaults(cfg *Config) {
	for i := range cfg.Personas {
		if cfg.Personas[i].ID == "" {
			cfg.Personas[i].ID = strings.ToLower(strings.ReplaceAll(cfg.Personas[i].Name, " ", "-"))
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, entry := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", entry.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for _, entry := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", entry.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, entry := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", entry.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Fallbacks without a primary make no sense.
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks set but providers.llm is not configured"))
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks set but providers.stt is not configured"))
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks set but providers.tts is not configured"))
	}

	// Personas require a classifier/generator and a synthesis voice.
	if len(cfg.Personas) > 0 {
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("personas configured but providers.llm is not set; agents cannot classify or respond"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("personas configured but providers.tts is not set; agents cannot speak"))
		}
	}

	// Embeddings ↔ archive dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Archive.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but archive.embedding_dimensions is not set; defaulting to 1536")
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" && len(cfg.Archive.Kafka.Brokers) == 0 {
		slog.Warn("no archive sink configured; finalized utterances will only be kept in memory")
	}

	// Persona duplicate detection, keyed per field because IDs are derived
	// from names when omitted.
	idsSeen := make(map[string]int, len(cfg.Personas))
	namesSeen := make(map[string]int, len(cfg.Personas))

	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of personas[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.ID != "" {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of personas[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if p.SystemPrompt == "" {
			slog.Warn("persona has no system prompt; the model will improvise a personality", "persona", p.Name)
		}
		if p.Voice.SpeedFactor != 0 {
			if p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0 {
				errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, p.Voice.SpeedFactor))
			}
		}
		if p.Voice.PitchShift < -10 || p.Voice.PitchShift > 10 {
			errs = append(errs, fmt.Errorf("%s.voice.pitch_shift %.2f is out of range [-10, 10]", prefix, p.Voice.PitchShift))
		}

		// Voice provider ↔ TTS provider cross-validation
		if p.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && p.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("persona voice provider does not match configured TTS provider",
				"persona", p.Name,
				"voice_provider", p.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	// Dialogue timing sanity. Negative durations are always config mistakes.
	d := cfg.Dialogue
	if d.DebounceWindow < 0 {
		errs = append(errs, fmt.Errorf("dialogue.debounce_window %s is negative", d.DebounceWindow))
	}
	if d.ClassifierTimeout < 0 {
		errs = append(errs, fmt.Errorf("dialogue.classifier_timeout %s is negative", d.ClassifierTimeout))
	}
	if d.AbandonTimeout < 0 {
		errs = append(errs, fmt.Errorf("dialogue.abandon_timeout %s is negative", d.AbandonTimeout))
	}
	if d.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("dialogue.grace_window %s is negative", d.GraceWindow))
	}
	if d.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("dialogue.history_window %d is negative", d.HistoryWindow))
	}
	if d.AbandonTimeout > 0 && d.GraceWindow > 0 && d.AbandonTimeout <= d.GraceWindow {
		errs = append(errs, fmt.Errorf("dialogue.abandon_timeout %s must exceed dialogue.grace_window %s", d.AbandonTimeout, d.GraceWindow))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
