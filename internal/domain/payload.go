package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// BotConfig is the single-row dynamic configuration of a bot. Credentials
// are not part of it; they come from the deployment environment.
type BotConfig struct {
	OpenAIModel    string `json:"openai_model"`
	EmbeddingModel string `json:"embedding_model"`
	ProjectName    string `json:"project_name"`
	SystemPrompt   string `json:"system_prompt"`
	DocumentID     string `json:"document_id,omitempty"`
}

// Validate checks the fields the workflow generator depends on.
func (c BotConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.ProjectName) == "":
		return &ValidationError{Field: "config.project_name", Reason: "required"}
	case strings.TrimSpace(c.OpenAIModel) == "":
		return &ValidationError{Field: "config.openai_model", Reason: "required"}
	case strings.TrimSpace(c.EmbeddingModel) == "":
		return &ValidationError{Field: "config.embedding_model", Reason: "required"}
	}
	return nil
}

type GenerationPayload struct {
	BotID  string    `json:"bot_id"`
	Config BotConfig `json:"config"`
}

type TestPayload struct {
	BotID     string   `json:"bot_id"`
	Questions []string `json:"questions"`
}

type IngestPayload struct {
	BotID      string `json:"bot_id"`
	FilePath   string `json:"file_path"`
	DocumentID string `json:"document_id"`
}

type DeleteBotPayload struct {
	BotID string `json:"bot_id"`
}

type ReEmbedPayload struct {
	BotID string `json:"bot_id"`
}

// DecodePayload parses raw into the payload struct for t and validates it.
// Unknown fields are rejected so typos surface at enqueue time.
func DecodePayload(t Type, raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "required"}
	}

	var (
		out   any
		botID *string
		check func() error
	)
	switch t {
	case TypeGeneration:
		p := &GenerationPayload{}
		out, botID, check = p, &p.BotID, p.Config.Validate
	case TypeTest:
		p := &TestPayload{}
		out, botID = p, &p.BotID
		check = func() error {
			if len(p.Questions) == 0 {
				return &ValidationError{Field: "questions", Reason: "at least one question is required"}
			}
			return nil
		}
	case TypeIngest:
		p := &IngestPayload{}
		out, botID = p, &p.BotID
		check = func() error {
			if strings.TrimSpace(p.FilePath) == "" {
				return &ValidationError{Field: "file_path", Reason: "required"}
			}
			return nil
		}
	case TypeDeleteBot:
		p := &DeleteBotPayload{}
		out, botID = p, &p.BotID
	case TypeReEmbedBot:
		p := &ReEmbedPayload{}
		out, botID = p, &p.BotID
	default:
		return nil, &ValidationError{Field: "type", Reason: "unrecognized job type " + string(t)}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if strings.TrimSpace(*botID) == "" {
		return nil, &ValidationError{Field: "bot_id", Reason: "required"}
	}
	if check != nil {
		if err := check(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BotIDOf extracts the bot id every payload carries. It returns an empty
// string for payloads that fail to decode.
func BotIDOf(t Type, raw json.RawMessage) string {
	var p struct {
		BotID string `json:"bot_id"`
	}
	if !t.Known() || json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.BotID
}
