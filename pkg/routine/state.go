package routine

import (
	"fmt"
	"sort"
	"strings"
)

type Category string

const (
	CategoryNotFound         Category = "NotFound"
	CategoryInvalidInput     Category = "InvalidInput"
	CategoryTransportFailure Category = "TransportFailure"
	CategoryUnknown          Category = "Unknown"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryNotFound, CategoryInvalidInput, CategoryTransportFailure, CategoryUnknown:
		return true
	}
	return false
}

// StatusNoResult is the code recorded when a step failed before any remote
// command produced a status.
const StatusNoResult = -1

// NoRoutineSubject is the subject of the single record returned when an
// invocation carries neither a step list nor a continuation.
const NoRoutineSubject = "no routine supplied"

// ErrorRecord is one recorded step failure. Records are appended once per
// failing step and never modified afterwards.
type ErrorRecord struct {
	Subject  string   `json:"subject" yaml:"subject" cbor:"1,keyasint"`
	Code     int      `json:"code" yaml:"code" cbor:"2,keyasint"`
	Category Category `json:"category" yaml:"category" cbor:"3,keyasint"`
	Message  string   `json:"message,omitempty" yaml:"message,omitempty" cbor:"4,keyasint,omitempty"`
}

// NoRoutineRecord is the fixed error log of a no-op invocation.
func NoRoutineRecord() ErrorRecord {
	return ErrorRecord{
		Subject:  NoRoutineSubject,
		Code:     StatusNoResult,
		Category: CategoryInvalidInput,
		Message:  "neither a new routine nor a continuation was supplied",
	}
}

// State is everything a run carries between invocations: the steps not yet
// started, in execution order, and the error log so far.
type State struct {
	Queue  []Step        `json:"queue" yaml:"queue"`
	Errors []ErrorRecord `json:"errors" yaml:"errors"`
}

// NewState starts a run over steps with an empty error log.
func NewState(steps []Step) *State {
	q := make([]Step, len(steps))
	copy(q, steps)
	return &State{Queue: q, Errors: []ErrorRecord{}}
}

func (s *State) Remaining() bool { return len(s.Queue) > 0 }

// Pop removes and returns the head of the queue.
func (s *State) Pop() (Step, bool) {
	if len(s.Queue) == 0 {
		return Step{}, false
	}
	head := s.Queue[0]
	s.Queue = s.Queue[1:]
	return head, true
}

// Record appends a failure to the error log.
func (s *State) Record(rec ErrorRecord) {
	s.Errors = append(s.Errors, rec)
}

// Clone returns a deep copy safe to hand to another owner.
func (s *State) Clone() State {
	out := State{
		Queue:  make([]Step, len(s.Queue)),
		Errors: make([]ErrorRecord, len(s.Errors)),
	}
	copy(out.Queue, s.Queue)
	copy(out.Errors, s.Errors)
	return out
}

// Summary is the count and category breakdown of an error log, the shape
// notification steps report.
type Summary struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"byCategory"`
	NoRoutine  bool             `json:"noRoutine,omitempty"`
}

// Summarize counts errors per category.
func Summarize(errs []ErrorRecord) Summary {
	sum := Summary{ByCategory: map[Category]int{}}
	for _, e := range errs {
		sum.Total++
		sum.ByCategory[e.Category]++
	}
	return sum
}

// NoRoutineSummary reports an invocation that had nothing to do.
func NoRoutineSummary() Summary {
	return Summary{ByCategory: map[Category]int{}, NoRoutine: true}
}

func (s Summary) String() string {
	if s.NoRoutine {
		return NoRoutineSubject
	}
	if s.Total == 0 {
		return "no errors"
	}
	parts := make([]string, 0, len(s.ByCategory))
	for c, n := range s.ByCategory {
		parts = append(parts, fmt.Sprintf("%s: %d", c, n))
	}
	sort.Strings(parts)
	noun := "errors"
	if s.Total == 1 {
		noun = "error"
	}
	return fmt.Sprintf("%d %s (%s)", s.Total, noun, strings.Join(parts, ", "))
}
