// Package runstore keeps one record per run, updated after every
// invocation, so operators can see where a multi-invocation run stands.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/routine"
)

var ErrNotFound = errors.New("run record not found")

// Record is the latest known state of a run. Checkpoint holds the payload
// of the last suspended invocation so a lost result message can be
// recovered from the store.
type Record struct {
	RunID       string                `json:"runId" bson:"_id"`
	Host        string                `json:"host" bson:"host"`
	Invocations int                   `json:"invocations" bson:"invocations"`
	Phase       provision.Phase       `json:"phase" bson:"phase"`
	Remaining   bool                  `json:"remaining" bson:"remaining"`
	Pending     int                   `json:"pending" bson:"pending"`
	Errors      []routine.ErrorRecord `json:"errors" bson:"errors"`
	Summary     string                `json:"summary" bson:"summary"`
	Checkpoint  []byte                `json:"checkpoint,omitempty" bson:"checkpoint,omitempty"`
	Codec       string                `json:"codec,omitempty" bson:"codec,omitempty"`
	LastError   string                `json:"lastError,omitempty" bson:"lastError,omitempty"`
	UpdatedAt   time.Time             `json:"updatedAt" bson:"updatedAt"`
}

// Store persists records. Save replaces the record's fields and counts the
// invocation.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, runID string) (Record, error)
	Close() error
}

// FromOutcome builds the record for one finished invocation. out may be nil
// when the invocation failed before producing one.
func FromOutcome(runID, host string, out *provision.Outcome, runErr error, now time.Time) Record {
	rec := Record{RunID: runID, Host: host, UpdatedAt: now.UTC(), Errors: []routine.ErrorRecord{}}
	if runErr != nil {
		rec.LastError = runErr.Error()
	}
	if out == nil {
		rec.Phase = provision.PhaseIdle
		rec.Summary = "invocation failed"
		return rec
	}
	rec.Phase = out.Phase
	rec.Remaining = out.Remaining
	rec.Pending = len(out.State.Queue)
	rec.Errors = append(rec.Errors, out.State.Errors...)
	rec.Summary = out.Summary().String()
	if out.Remaining {
		rec.Checkpoint = out.Checkpoint
		rec.Codec = out.Codec
	}
	return rec
}

// Nop discards records.
type Nop struct{}

func (Nop) Save(context.Context, Record) error { return nil }
func (Nop) Get(_ context.Context, _ string) (Record, error) {
	return Record{}, ErrNotFound
}
func (Nop) Close() error { return nil }
