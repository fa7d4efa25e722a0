// Package persona binds a conversational agent's identity to its LLM-backed
// behaviours: the decision classifier that picks a turn-taking action and the
// responder that generates what the agent actually says.
//
// A Persona is pure configuration. The behaviours live in [Responder] (this
// package) and decision.Provider (the decision subpackage) so that tests can
// swap either independently.
package persona

import (
	"github.com/crosstalk-ai/crosstalk/internal/convlog"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/tts"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// Persona is the static identity of one conversational agent.
type Persona struct {
	// ID is the participant id the persona speaks as. Must be unique within a
	// conversation.
	ID string

	// Name is the human-readable name other participants address.
	Name string

	// SystemPrompt is the personality description appended to both the
	// decision and response system prompts.
	SystemPrompt string

	// Voice selects the TTS voice profile for this persona.
	Voice tts.VoiceProfile
}

// FormatHistory converts conversation log entries into chat messages for a
// classifier or generator call. Entries spoken by selfID become assistant
// messages; everything else becomes user messages. Each message body carries
// the wire-format turn so the model sees speaker names and boundary tags.
func FormatHistory(entries []convlog.Entry, selfID string) []types.Message {
	msgs := make([]types.Message, 0, len(entries))
	for _, e := range entries {
		role := "user"
		if e.SpeakerID == selfID {
			role = "assistant"
		}
		msgs = append(msgs, types.Message{
			Role:    role,
			Name:    e.SpeakerName,
			Content: types.FormatTurn(e.Turn()),
		})
	}
	return msgs
}
