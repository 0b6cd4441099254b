package session

import (
	"fmt"
	"time"

	"node.town/tarjama/transcript"
)

type State int

const (
	Idle State = iota
	Recording
	LoadingModel
	Processing
	Success
	Error
)

var stateNames = [...]string{"idle", "recording", "loading_model", "processing", "success", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a capture or request owns the session.
func (s State) Busy() bool {
	return s == Recording || s == LoadingModel || s == Processing
}

type Engine string

const (
	EngineCloud Engine = "cloud"
	EngineLocal Engine = "local"
)

func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EngineCloud, "":
		return EngineCloud, nil
	case EngineLocal:
		return EngineLocal, nil
	}
	return "", fmt.Errorf("unknown engine %q", s)
}

// ErrorInfo is the user-facing view of a failed request.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Fallback  bool   `json:"fallback"`
}

func NewErrorInfo(err error, engine Engine) *ErrorInfo {
	kind := transcript.KindOf(err)
	return &ErrorInfo{
		Kind:      kind.String(),
		Message:   err.Error(),
		Retryable: kind.Retryable(),
		Fallback:  engine == EngineCloud && kind.OffersFallback(),
	}
}

// Snapshot is a consistent copy of the session at one moment. Result and
// Error are never both set.
type Snapshot struct {
	ID           string                `json:"id"`
	State        State                 `json:"state"`
	Engine       Engine                `json:"engine,omitempty"`
	Language     string                `json:"language,omitempty"`
	HasPayload   bool                  `json:"has_payload"`
	PayloadMIME  string                `json:"payload_mime,omitempty"`
	PayloadBytes int                   `json:"payload_bytes,omitempty"`
	Live         transcript.LiveBuffer `json:"live"`
	Elapsed      time.Duration         `json:"elapsed"`
	Progress     float64               `json:"progress"`
	Result       *transcript.Result    `json:"result,omitempty"`
	Error        *ErrorInfo            `json:"error,omitempty"`
}
