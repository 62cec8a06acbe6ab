// Package checkpoint serializes the state of a suspended run so that a
// later invocation can continue it. Payloads are opaque to the
// orchestrator; only this package reads or writes them.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/andrej220/goldenimage/pkg/routine"
)

// Version is written into every payload. Payloads with a higher version
// than the reader understands are rejected instead of half-read.
const Version = 1

var (
	ErrCorrupt       = errors.New("checkpoint payload is corrupt")
	ErrUnknownFormat = errors.New("unknown checkpoint format")
)

// Codec converts run state to and from a payload. Queue order and error
// order survive the round trip.
type Codec interface {
	Name() string
	Encode(routine.State) ([]byte, error)
	Decode([]byte) (routine.State, error)
}

// envelope is the on-wire layout shared by all formats.
type envelope struct {
	Version int                   `json:"version" cbor:"1,keyasint"`
	Queue   []routine.Step        `json:"queue" cbor:"2,keyasint"`
	Errors  []routine.ErrorRecord `json:"errors" cbor:"3,keyasint"`
}

// wrap copies st into an envelope. Text is forced to valid UTF-8 so that
// every codec can read back what it wrote.
func wrap(st routine.State) envelope {
	env := envelope{
		Version: Version,
		Queue:   make([]routine.Step, len(st.Queue)),
		Errors:  make([]routine.ErrorRecord, len(st.Errors)),
	}
	for i, s := range st.Queue {
		s.Primary = validText(s.Primary)
		s.Destination = validText(s.Destination)
		env.Queue[i] = s
	}
	for i, e := range st.Errors {
		e.Subject = validText(e.Subject)
		e.Message = validText(e.Message)
		env.Errors[i] = e
	}
	return env
}

func validText(s string) string { return strings.ToValidUTF8(s, "\uFFFD") }

// unwrap checks a decoded envelope. Every step must still satisfy the step
// invariants, and every record must carry a known category.
func unwrap(env envelope) (routine.State, error) {
	if env.Version < 1 || env.Version > Version {
		return routine.State{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	for i, s := range env.Queue {
		if err := s.Validate(); err != nil {
			return routine.State{}, fmt.Errorf("%w: queue[%d]: %v", ErrCorrupt, i, err)
		}
	}
	for i, e := range env.Errors {
		if !e.Category.Valid() {
			return routine.State{}, fmt.Errorf("%w: errors[%d]: unknown category %q", ErrCorrupt, i, e.Category)
		}
	}
	st := routine.State{Queue: env.Queue, Errors: env.Errors}
	if st.Queue == nil {
		st.Queue = []routine.Step{}
	}
	if st.Errors == nil {
		st.Errors = []routine.ErrorRecord{}
	}
	return st, nil
}

// JSON is the default codec; its payloads can be embedded as-is in
// orchestrator state documents.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(st routine.State) ([]byte, error) {
	return json.Marshal(wrap(st))
}

func (JSON) Decode(payload []byte) (routine.State, error) {
	if len(payload) == 0 {
		return routine.State{}, fmt.Errorf("%w: empty payload", ErrCorrupt)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return routine.State{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return unwrap(env)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	// unknown fields are ignored so newer writers stay readable
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR is a compact binary codec for transports with tight message limits.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Encode(st routine.State) ([]byte, error) {
	return cborEnc.Marshal(wrap(st))
}

func (CBOR) Decode(payload []byte) (routine.State, error) {
	if len(payload) == 0 {
		return routine.State{}, fmt.Errorf("%w: empty payload", ErrCorrupt)
	}
	var env envelope
	if err := cborDec.Unmarshal(payload, &env); err != nil {
		return routine.State{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return unwrap(env)
}

// ForName returns the codec registered under name. Empty selects JSON.
func ForName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}
