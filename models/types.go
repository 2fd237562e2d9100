package models

import "time"

// RawImage is a caller-owned pixel buffer. Channels may be 0, in which case it
// is inferred from the buffer length.
type RawImage struct {
	Pixels   []byte
	Width    int
	Height   int
	Channels int
	Source   string
}

type LabelScore struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

type Prediction struct {
	Source  string       `json:"url"`
	Score   float32      `json:"prediction"`
	TopK    []LabelScore `json:"top_k,omitempty"`
	Backend string       `json:"backend"`
}

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// UpdateOutcome is reported to callers of a model update. Type is either
// OutcomeSuccess or OutcomeError.
type UpdateOutcome struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (o UpdateOutcome) OK() bool {
	return o.Type == OutcomeSuccess
}

type ProcessingTimings struct {
	RequestID   string
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
