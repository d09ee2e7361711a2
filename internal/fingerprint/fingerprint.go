// Package fingerprint derives a deterministic content hash from a chat
// completion request body.
//
// Only the fields that affect the model's output participate in the digest:
// model, messages, and the sampling parameters (temperature, max_tokens,
// seed, top_p, frequency/presence penalties, stop sequences). Anything else —
// request ids, client metadata, the stream flag — is ignored, so two
// semantically identical requests hash to the same value regardless of JSON
// field order or extra fields.
//
// The digest is SHA-256 over a canonical re-serialisation of the allow-listed
// fields: struct-ordered keys, no whitespace, absent fields omitted entirely
// (a field explicitly set to its zero value hashes differently from an absent
// field).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned when the body is not a JSON object with the
// minimum chat-completion shape (a model name and at least one message).
var ErrInvalidRequest = errors.New("fingerprint: invalid request")

// canonicalMessage is one conversation turn in canonical form.
type canonicalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// canonicalRequest is the allow-listed parameter set. Pointer fields
// distinguish "absent" from "zero"; omitempty drops absent fields from the
// canonical serialisation.
type canonicalRequest struct {
	Model            string             `json:"model"`
	Messages         []canonicalMessage `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Seed             *int64             `json:"seed,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
}

// inboundShape mirrors canonicalRequest but tolerates the flexible "stop"
// field, which the OpenAI API accepts as a bare string or an array.
type inboundShape struct {
	Model            string             `json:"model"`
	Messages         []canonicalMessage `json:"messages"`
	Temperature      *float64           `json:"temperature"`
	MaxTokens        *int               `json:"max_tokens"`
	Seed             *int64             `json:"seed"`
	TopP             *float64           `json:"top_p"`
	FrequencyPenalty *float64           `json:"frequency_penalty"`
	PresencePenalty  *float64           `json:"presence_penalty"`
	Stop             json.RawMessage    `json:"stop"`
}

// Compute parses body and returns the hex-encoded SHA-256 digest of its
// canonical allow-listed parameter set.
func Compute(body []byte) (string, error) {
	var in inboundShape
	if err := json.Unmarshal(body, &in); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if in.Model == "" || len(in.Messages) == 0 {
		return "", fmt.Errorf("%w: model and messages are required", ErrInvalidRequest)
	}

	stop, err := parseStop(in.Stop)
	if err != nil {
		return "", err
	}

	canon := canonicalRequest{
		Model:            in.Model,
		Messages:         in.Messages,
		Temperature:      in.Temperature,
		MaxTokens:        in.MaxTokens,
		Seed:             in.Seed,
		TopP:             in.TopP,
		FrequencyPenalty: in.FrequencyPenalty,
		PresencePenalty:  in.PresencePenalty,
		Stop:             stop,
	}

	// encoding/json emits struct fields in declaration order with no
	// whitespace — the serialisation is canonical by construction.
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// parseStop normalises the "stop" field to a string slice.
// nil input (field absent) yields nil, which omitempty then drops.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}

	return nil, fmt.Errorf("%w: 'stop' must be a string or array of strings", ErrInvalidRequest)
}
