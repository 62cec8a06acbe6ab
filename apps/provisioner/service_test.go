package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/goldenimage/pkg/consumer"
	"github.com/andrej220/goldenimage/pkg/executor"
	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/routine"
	"github.com/andrej220/goldenimage/pkg/runstore"
	dm "github.com/andrej220/goldenimage/pkg/shared-models"
	"github.com/andrej220/goldenimage/pkg/workerpool"
)

type mockInvoker struct {
	mu    sync.Mutex
	calls []provision.Invocation
	out   *provision.Outcome
	err   error
}

func (m *mockInvoker) Invoke(_ context.Context, inv provision.Invocation) (*provision.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, inv)
	if m.out == nil {
		return nil, m.err
	}
	out := *m.out
	out.RunID = inv.RunID
	return &out, m.err
}

type mockPublisher struct {
	mu   sync.Mutex
	keys []string
	msgs []any
}

func (m *mockPublisher) Publish(_ context.Context, key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	m.msgs = append(m.msgs, v)
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type mockReader struct {
	reqs []dm.InvokeRequest
	errs []error
}

func (m *mockReader) Read(ctx context.Context) (dm.InvokeRequest, []byte, error) {
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return dm.InvokeRequest{}, nil, err
	}
	if len(m.reqs) == 0 {
		<-ctx.Done()
		return dm.InvokeRequest{}, nil, ctx.Err()
	}
	req := m.reqs[0]
	m.reqs = m.reqs[1:]
	return req, nil, nil
}

func exhaustedOutcome() *provision.Outcome {
	return &provision.Outcome{
		Phase:      provision.PhaseExhausted,
		Remaining:  true,
		Checkpoint: []byte(`{"version":1,"queue":[{"kind":"run_command","primary":"b"}],"errors":[]}`),
		Codec:      "json",
		State: routine.State{
			Queue:  []routine.Step{{Kind: routine.KindRunCommand, Primary: "b"}},
			Errors: []routine.ErrorRecord{},
		},
	}
}

func newTestService(t *testing.T, inv invoker) (*service, runstore.Store) {
	t.Helper()
	runs, err := runstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return newService(inv, runs, nil), runs
}

func TestInvokeRecordsRun(t *testing.T) {
	inv := &mockInvoker{out: exhaustedOutcome()}
	svc, runs := newTestService(t, inv)

	req := dm.InvokeRequest{
		Target:  executor.Target{Address: "build-01"},
		Routine: []routine.RawStep{{Kind: "run_command", Primary: "a"}, {Kind: "run_command", Primary: "b"}},
	}
	resp, err := svc.invoke(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, resp.RunID)
	assert.True(t, resp.Remaining)
	require.Len(t, inv.calls, 1)
	assert.Len(t, inv.calls[0].Routine, 2)

	rec, err := runs.Get(context.Background(), resp.RunID.String())
	require.NoError(t, err)
	assert.Equal(t, "build-01", rec.Host)
	assert.Equal(t, 1, rec.Pending)
	assert.Equal(t, 1, rec.Invocations)
	assert.Equal(t, inv.out.Checkpoint, rec.Checkpoint)
	assert.Equal(t, "json", rec.Codec)
}

func TestInvokeRejectsBadRoutineWithoutDispatch(t *testing.T) {
	inv := &mockInvoker{}
	svc, _ := newTestService(t, inv)
	resp, err := svc.invoke(context.Background(), dm.InvokeRequest{
		Target:  executor.Target{Address: "build-01"},
		Routine: []routine.RawStep{{Kind: "format_disk", Primary: "C:"}},
	})
	assert.ErrorIs(t, err, provision.ErrInvalidRoutine)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, inv.calls)
}

func TestHandlePublishesAndResubmits(t *testing.T) {
	svc, _ := newTestService(t, &mockInvoker{out: exhaustedOutcome()})
	results, requests := &mockPublisher{}, &mockPublisher{}
	svc.results, svc.requests = results, requests

	target := executor.Target{Address: "build-01", CredentialRef: "build-01"}
	id := uuid.New()
	require.NoError(t, svc.handle(context.Background(), dm.InvokeRequest{RunID: id, Target: target}))

	require.Len(t, results.msgs, 1)
	assert.Equal(t, id.String(), results.keys[0])
	require.Len(t, requests.msgs, 1)
	next := requests.msgs[0].(dm.InvokeRequest)
	assert.Equal(t, id, next.RunID)
	assert.Equal(t, target, next.Target)
	assert.NotEmpty(t, next.Checkpoint)
}

func TestHandleFinishedRunIsNotResubmitted(t *testing.T) {
	svc, _ := newTestService(t, &mockInvoker{out: &provision.Outcome{Phase: provision.PhaseCompleted}})
	requests := &mockPublisher{}
	svc.requests = requests
	require.NoError(t, svc.handle(context.Background(), dm.InvokeRequest{Target: executor.Target{Address: "h"}}))
	assert.Zero(t, requests.count())
}

func TestConsumeSubmitsToPool(t *testing.T) {
	svc, _ := newTestService(t, &mockInvoker{out: &provision.Outcome{Phase: provision.PhaseCompleted}})
	results := &mockPublisher{}
	svc.results = results
	svc.pool = workerpool.NewPool[dm.InvokeRequest](2)
	defer svc.pool.Stop()

	reader := &mockReader{
		errs: []error{fmt.Errorf("%w: offset 3", consumer.ErrUndecodable)},
		reqs: []dm.InvokeRequest{
			{Target: executor.Target{Address: "build-01"}},
			{Target: executor.Target{Address: "build-02"}},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.consume(ctx, reader) }()

	assert.Eventually(t, func() bool { return results.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{provision.ErrSessionLost, http.StatusOK},
		{provision.ErrInvalidRoutine, http.StatusUnprocessableEntity},
		{provision.ErrCorruptCheckpoint, http.StatusUnprocessableEntity},
		{provision.ErrHostBusy, http.StatusConflict},
		{fmt.Errorf("%w: dial", provision.ErrSessionOpen), http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestRoutes(t *testing.T) {
	svc, _ := newTestService(t, &mockInvoker{out: exhaustedOutcome()})
	h := svc.routes(prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	body := `{"target":{"address":"build-01"},"routine":[["run_command","a"],["run_command","b"]]}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dm.InvokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Remaining)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+resp.RunID.String(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"host":"build-01"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(`{"routine":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetExecutorSwaps(t *testing.T) {
	first, second := &mockInvoker{err: provision.ErrHostBusy}, &mockInvoker{out: exhaustedOutcome()}
	svc, _ := newTestService(t, first)
	svc.setExecutor(second)
	_, err := svc.invoke(context.Background(), dm.InvokeRequest{Target: executor.Target{Address: "h"}})
	require.NoError(t, err)
	assert.Empty(t, first.calls)
	assert.Len(t, second.calls, 1)
}

func TestParseFlags(t *testing.T) {
	t.Setenv("PROVISIONER_CONFIG", "")
	f, err := parseFlags([]string{"-config", "/etc/gi.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/gi.yaml", f.ConfigPath)
	assert.Equal(t, "provisioner", f.Mongo.ID)
}
