// Package routine holds the data model of a provisioning run: the steps to
// execute on the build host, the errors recorded while executing them, and
// the state carried between invocations.
package routine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Kind string

const (
	KindDownloadS3   Kind = "download_s3"
	KindDownloadHTTP Kind = "download_http"
	KindRunCommand   Kind = "run_command"
	KindRunScript    Kind = "run_script"
)

var (
	ErrUnknownKind  = errors.New("unknown step kind")
	ErrEmptyPrimary = errors.New("step primary value is empty")
)

// kindAliases maps every accepted spelling, lower-cased, to its Kind.
var kindAliases = map[string]Kind{
	"download_s3":           KindDownloadS3,
	"fetchfromcontentstore": KindDownloadS3,
	"download_http":         KindDownloadHTTP,
	"fetchfromurl":          KindDownloadHTTP,
	"run_command":           KindRunCommand,
	"runcommand":            KindRunCommand,
	"run_script":            KindRunScript,
	"run_powershell":        KindRunScript,
	"runscript":             KindRunScript,
}

// ParseKind resolves a kind name case-insensitively.
func ParseKind(name string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	switch k {
	case KindDownloadS3, KindDownloadHTTP, KindRunCommand, KindRunScript:
		return true
	}
	return false
}

// IsFetch reports whether the kind places a file on the target host.
func (k Kind) IsFetch() bool {
	return k == KindDownloadS3 || k == KindDownloadHTTP
}

// Step is one unit of configuration work. Primary is a content reference,
// URL, command line or script body depending on Kind. Destination is only
// used by the fetch kinds; empty means the staging directory.
type Step struct {
	Kind        Kind   `json:"kind" yaml:"kind" cbor:"1,keyasint" validate:"stepkind"`
	Primary     string `json:"primary" yaml:"primary" cbor:"2,keyasint" validate:"nonblank"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty" cbor:"3,keyasint,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("stepkind", func(fl validator.FieldLevel) bool {
		return Kind(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate checks the step invariants: a known kind and a non-empty primary.
func (s Step) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "stepkind":
			return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
		case "nonblank":
			return ErrEmptyPrimary
		}
	}
	return err
}

// NewStep builds a validated Step. Unknown kinds and empty primaries are
// rejected here so they never reach dispatch.
func NewStep(kind, primary, destination string) (Step, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Step{}, err
	}
	s := Step{Kind: k, Primary: primary, Destination: destination}
	if err := s.Validate(); err != nil {
		return Step{}, err
	}
	return s, nil
}

// StepError locates a construction error within a step list.
type StepError struct {
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ParseSteps converts raw input records into steps, failing on the first
// malformed one.
func ParseSteps(raw []RawStep) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	for i, r := range raw {
		s, err := NewStep(r.Kind, r.Primary, r.Destination)
		if err != nil {
			return nil, &StepError{Index: i, Err: err}
		}
		steps = append(steps, s)
	}
	return steps, nil
}
