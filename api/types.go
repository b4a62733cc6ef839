// Package api defines the request and response types of the generation
// surface plus a small streaming client.
//
// The surface speaks token ids: prompts arrive as pre-tokenized marker
// sequences produced by an external tokenizer and template layer, and
// generated tokens are returned as ids for the caller to detokenize.
package api

import (
	"errors"
	"fmt"
	"time"
)

// PromptMarker is one element of the formatted prompt: either a text token id
// or a reference to an image supplied alongside the request. Exactly one of
// the two fields is set.
type PromptMarker struct {
	Token *int32 `json:"token,omitempty"`
	Image *int   `json:"image,omitempty"`
}

func TokenMarker(id int32) PromptMarker { return PromptMarker{Token: &id} }
func ImageMarker(id int) PromptMarker   { return PromptMarker{Image: &id} }

func (m PromptMarker) Validate() error {
	if (m.Token == nil) == (m.Image == nil) {
		return errors.New("marker must carry exactly one of token or image")
	}
	return nil
}

// ImageData is one raw encoded image referenced by an image marker.
type ImageData struct {
	ID   int    `json:"id"`
	Data []byte `json:"data"`
}

// Options control token selection and the step budget of one request.
type Options struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Seed        *uint64 `json:"seed,omitempty"`
	Temperature float32 `json:"temperature"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	MinP        float32 `json:"min_p,omitempty"`

	// Stop adds stop token ids on top of the model's configured ones.
	Stop []int32 `json:"stop,omitempty"`

	// NumKeep is the length of the prompt suffix that truncation must
	// preserve, typically the latest user turn. Negative keeps everything.
	NumKeep int `json:"num_keep,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		NumPredict:  128,
		Temperature: 0,
		NumKeep:     -1,
	}
}

type GenerateRequest struct {
	Model   string         `json:"model"`
	Markers []PromptMarker `json:"markers"`
	Images  []ImageData    `json:"images,omitempty"`
	Options *Options       `json:"options,omitempty"`
}

func (r *GenerateRequest) Validate() error {
	if len(r.Markers) == 0 {
		return errors.New("empty marker sequence")
	}
	for i, m := range r.Markers {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("marker %d: %w", i, err)
		}
	}
	return nil
}

// DoneReason states why generation terminated.
type DoneReason string

const (
	DoneReasonStop             DoneReason = "stop"
	DoneReasonLength           DoneReason = "length"
	DoneReasonConnectionClosed DoneReason = "connection_closed"
	DoneReasonError            DoneReason = "error"
)

// GenerateResponse is one chunk of the streamed reply. Non-final chunks carry
// one generated token; the final chunk has Done set and carries the counters.
type GenerateResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Token     int32  `json:"token"`

	Done       bool       `json:"done,omitempty"`
	DoneReason DoneReason `json:"done_reason,omitempty"`
	Error      string     `json:"error,omitempty"`

	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       time.Duration `json:"eval_duration,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
