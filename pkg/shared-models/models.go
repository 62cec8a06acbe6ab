// Package datamodels holds the messages exchanged with orchestrators over
// Kafka and HTTP.
package datamodels

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/andrej220/goldenimage/pkg/executor"
	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/routine"
)

// InvokeRequest starts or continues a run. Routine is ignored when
// Checkpoint still holds pending steps.
type InvokeRequest struct {
	RunID      uuid.UUID         `json:"runId"`
	Target     executor.Target   `json:"target" validate:"required"`
	Routine    []routine.RawStep `json:"routine,omitempty"`
	Checkpoint []byte            `json:"checkpoint,omitempty"`
}

// Invocation validates the raw steps and builds the executor input. A target
// without credentialRef uses its address as the credential name.
func (r InvokeRequest) Invocation() (provision.Invocation, error) {
	steps, err := routine.ParseSteps(r.Routine)
	if err != nil {
		return provision.Invocation{}, fmt.Errorf("%w: %w", provision.ErrInvalidRoutine, err)
	}
	target := r.Target
	if target.CredentialRef == "" {
		target.CredentialRef = target.Address
	}
	return provision.Invocation{
		RunID:      r.RunID,
		Target:     target,
		Routine:    steps,
		Checkpoint: r.Checkpoint,
	}, nil
}

// InvokeResponse reports one invocation. When Remaining is set the
// orchestrator resubmits Checkpoint in a new InvokeRequest.
type InvokeResponse struct {
	RunID      uuid.UUID             `json:"runId"`
	Host       string                `json:"host"`
	Phase      provision.Phase       `json:"phase,omitempty"`
	Remaining  bool                  `json:"remaining"`
	NoRoutine  bool                  `json:"noRoutine,omitempty"`
	Checkpoint []byte                `json:"checkpoint,omitempty"`
	Codec      string                `json:"codec,omitempty"`
	Errors     []routine.ErrorRecord `json:"errors"`
	Summary    string                `json:"summary"`
	Error      string                `json:"error,omitempty"`
}

// NewInvokeResponse folds an invocation result into a response. out may be
// nil for invocations that failed outright.
func NewInvokeResponse(req InvokeRequest, out *provision.Outcome, err error) InvokeResponse {
	resp := InvokeResponse{RunID: req.RunID, Host: req.Target.Address, Errors: []routine.ErrorRecord{}}
	if err != nil {
		resp.Error = err.Error()
	}
	if out == nil {
		resp.Summary = "invocation failed"
		return resp
	}
	resp.RunID = out.RunID
	resp.Phase = out.Phase
	resp.Remaining = out.Remaining
	resp.NoRoutine = out.NoRoutine
	resp.Checkpoint = out.Checkpoint
	resp.Codec = out.Codec
	resp.Errors = append(resp.Errors, out.State.Errors...)
	resp.Summary = out.Summary().String()
	return resp
}

// Continuation is the request that resumes resp, or false when the run is
// finished.
func (resp InvokeResponse) Continuation(target executor.Target) (InvokeRequest, bool) {
	if !resp.Remaining || len(resp.Checkpoint) == 0 {
		return InvokeRequest{}, false
	}
	return InvokeRequest{RunID: resp.RunID, Target: target, Checkpoint: resp.Checkpoint}, true
}
