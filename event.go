package raven

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Platform identifies the client language in every event.
const Platform = "go"

// Level marks the severity of the event
type Level string

const (
	LevelFatal   Level = "fatal"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
)

// ParseLevel accepts the five collector levels; "warn" is an alias of warning.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelFatal, LevelError, LevelWarning, LevelInfo, LevelDebug:
		return Level(s), nil
	case "warn":
		return LevelWarning, nil
	}
	return "", &Error{Op: "parse_level", Kind: KindConfig, Message: fmt.Sprintf("unknown level: %q", s)}
}

// Frame is a single stack frame.
type Frame struct {
	Filename string `json:"filename"`
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Lineno   int    `json:"lineno"`

	// line the function was defined on, used for anonymous culprits
	defLine int
}

// Stacktrace frames are ordered outermost first, the error site last.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

type Exception struct {
	Type       string      `json:"type,omitempty"`
	Value      string      `json:"value"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
}

// Event is the record delivered to the collector.
type Event struct {
	EventID     string            `json:"event_id"`
	Timestamp   string            `json:"timestamp"`
	Level       Level             `json:"level"`
	Message     string            `json:"message"`
	Culprit     string            `json:"culprit,omitempty"`
	Logger      string            `json:"logger"`
	Platform    string            `json:"platform"`
	Release     string            `json:"release,omitempty"`
	Environment string            `json:"environment,omitempty"`
	ServerName  string            `json:"server_name"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	Exception   []Exception       `json:"exception,omitempty"`
}

// newEventID returns 32 lowercase hex digits from a random UUID.
func newEventID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// merge overlays maps left to right; later keys win. Returns nil when
// every input is empty so that omitempty drops the field.
func merge[V any](layers ...map[string]V) map[string]V {
	n := 0
	for _, l := range layers {
		n += len(l)
	}
	if n == 0 {
		return nil
	}

	out := make(map[string]V, n)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

// Codec serializes events. The default is encoding/json.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
