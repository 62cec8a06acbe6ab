package provision

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/goldenimage/pkg/checkpoint"
	"github.com/andrej220/goldenimage/pkg/clock"
	"github.com/andrej220/goldenimage/pkg/content"
	"github.com/andrej220/goldenimage/pkg/routine"
)

func newTestDispatcher(loc *content.Locator) *Dispatcher {
	return NewDispatcher(DispatcherConfig{Locator: loc, StagingDir: `C:\stage\`})
}

func TestDispatchStatusCategories(t *testing.T) {
	tests := []struct {
		status int
		want   routine.Category
	}{
		{status: 1619, want: routine.CategoryNotFound},
		{status: 127, want: routine.CategoryNotFound},
		{status: 1, want: routine.CategoryInvalidInput},
		{status: 3010, want: routine.CategoryUnknown},
		{status: -1073741819, want: routine.CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			sess := &fakeSession{statuses: map[string]int{"setup.exe": tt.status}}
			st := routine.NewState(nil)
			err := newTestDispatcher(nil).Dispatch(context.Background(), sess,
				routine.Step{Kind: routine.KindRunCommand, Primary: "setup.exe"}, st)
			require.NoError(t, err)
			require.Len(t, st.Errors, 1)
			assert.Equal(t, tt.want, st.Errors[0].Category)
			assert.Equal(t, tt.status, st.Errors[0].Code)
			assert.Equal(t, "setup.exe", st.Errors[0].Subject)
			assert.Contains(t, st.Errors[0].Message, "boom")
		})
	}
}

func TestDispatchFailureTextIsValidUTF8(t *testing.T) {
	sess := &fakeSession{
		statuses: map[string]int{"del C:\\t\xe4mp": 5},
		stderr:   []string{"Zugriff verweigert \xe4\xfc"},
	}
	st := routine.NewState(nil)
	err := newTestDispatcher(nil).Dispatch(context.Background(), sess,
		routine.Step{Kind: routine.KindRunCommand, Primary: "del C:\\t\xe4mp"}, st)
	require.NoError(t, err)
	require.Len(t, st.Errors, 1)
	assert.True(t, utf8.ValidString(st.Errors[0].Subject))
	assert.Equal(t, "Zugriff verweigert \uFFFD", st.Errors[0].Message)

	_, err = checkpoint.CBOR{}.Decode(mustEncode(t, checkpoint.CBOR{}, st))
	assert.NoError(t, err)
}

func mustEncode(t *testing.T, c checkpoint.Codec, st *routine.State) []byte {
	t.Helper()
	payload, err := c.Encode(*st)
	require.NoError(t, err)
	return payload
}

func TestDispatchFetchDestinations(t *testing.T) {
	loc := content.NewLocator(fakeStore{objects: map[string]bool{"software/agent.msi": true}}, 0)
	d := newTestDispatcher(loc)
	sess := &fakeSession{statuses: map[string]int{}}
	st := routine.NewState(nil)

	for _, step := range []routine.Step{
		{Kind: routine.KindDownloadS3, Primary: "s3://software/agent.msi"},
		{Kind: routine.KindDownloadHTTP, Primary: "https://example.com/a/b/tool.zip?x=1", Destination: `D:\tools`},
	} {
		require.NoError(t, d.Dispatch(context.Background(), sess, step, st))
	}

	assert.Empty(t, st.Errors)
	assert.Equal(t, []string{
		`mkdir:C:\stage\`,
		`fetch:https://software.example/agent.msi?sig=1->C:\stage\|agent.msi`,
		`mkdir:D:\tools`,
		`fetch:https://example.com/a/b/tool.zip?x=1->D:\tools|tool.zip`,
	}, sess.Calls())
}

func TestDispatchFetchFailures(t *testing.T) {
	sess := &fakeSession{statuses: map[string]int{`mkdir:D:\locked`: 5}}
	st := routine.NewState(nil)
	d := newTestDispatcher(nil)

	steps := []routine.Step{
		{Kind: routine.KindDownloadS3, Primary: "s3://software/agent.msi"},
		{Kind: routine.KindDownloadHTTP, Primary: "https://example.com"},
		{Kind: routine.KindDownloadHTTP, Primary: "https://example.com/x.msi", Destination: `D:\locked`},
	}
	for _, step := range steps {
		require.NoError(t, d.Dispatch(context.Background(), sess, step, st))
	}

	require.Len(t, st.Errors, 3)
	assert.Equal(t, routine.CategoryTransportFailure, st.Errors[0].Category)
	assert.Equal(t, routine.CategoryInvalidInput, st.Errors[1].Category)
	assert.Equal(t, routine.CategoryUnknown, st.Errors[2].Category)
	assert.Equal(t, 5, st.Errors[2].Code)
	assert.Equal(t, []string{`mkdir:D:\locked`}, sess.Calls())
}

func TestDispatchSessionLost(t *testing.T) {
	sess := &fakeSession{lostOn: "Get-Date", statuses: map[string]int{}}
	st := routine.NewState(nil)
	err := newTestDispatcher(nil).Dispatch(context.Background(), sess,
		routine.Step{Kind: routine.KindRunScript, Primary: "Get-Date"}, st)
	assert.ErrorIs(t, err, ErrSessionLost)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, routine.CategoryTransportFailure, st.Errors[0].Category)
	assert.Equal(t, routine.StatusNoResult, st.Errors[0].Code)
}

func TestDispatchIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := &fakeSession{statuses: map[string]int{}}
	st := routine.NewState(nil)
	require.NoError(t, newTestDispatcher(nil).Dispatch(ctx, sess,
		routine.Step{Kind: routine.KindRunCommand, Primary: "whoami"}, st))
	assert.Equal(t, []string{"cmd:whoami"}, sess.Calls())
}

func TestParseStatusTable(t *testing.T) {
	tbl, err := ParseStatusTable(map[int]string{3010: "InvalidInput", 1: "Unknown"})
	require.NoError(t, err)
	assert.Equal(t, routine.CategoryInvalidInput, tbl.Classify(3010))
	assert.Equal(t, routine.CategoryUnknown, tbl.Classify(1))
	assert.Equal(t, routine.CategoryNotFound, tbl.Classify(1619))
	assert.Equal(t, routine.CategoryUnknown, tbl.Classify(42))

	_, err = ParseStatusTable(map[int]string{0: "Unknown"})
	assert.Error(t, err)
	_, err = ParseStatusTable(map[int]string{2: "Oops"})
	assert.Error(t, err)
}

func TestSchedulerRunsAtLeastOneStep(t *testing.T) {
	c := clock.NewFake(time.Now())
	s := NewScheduler(time.Second, c)
	st := routine.NewState([]routine.Step{
		{Kind: routine.KindRunCommand, Primary: "a"},
		{Kind: routine.KindRunCommand, Primary: "b"},
	})

	// a slow first step still leaves the rest for the next invocation
	var ran []string
	res, err := s.Drain(context.Background(), st, func(_ context.Context, step routine.Step) error {
		ran = append(ran, step.Primary)
		c.Advance(time.Minute)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ran)
	assert.Equal(t, PhaseExhausted, res.Phase)
	assert.True(t, res.Phase.Terminal())
	assert.Equal(t, time.Minute, res.Elapsed)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(time.Hour, clock.NewFake(time.Now()))
	st := routine.NewState([]routine.Step{
		{Kind: routine.KindRunCommand, Primary: "a"},
		{Kind: routine.KindRunCommand, Primary: "b"},
	})
	res, err := s.Drain(ctx, st, func(context.Context, routine.Step) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, PhaseExhausted, res.Phase)
	assert.Len(t, st.Queue, 1)
}

func TestNewSchedulerDefaults(t *testing.T) {
	assert.Equal(t, DefaultBudget, NewScheduler(0, nil).Budget())
	assert.False(t, PhaseDraining.Terminal())
}

func TestHostLocks(t *testing.T) {
	l := NewHostLocks()
	a, b := uuid.New(), uuid.New()

	release, err := l.Acquire("Build-01", a)
	require.NoError(t, err)

	_, err = l.Acquire("build-01:22", b)
	assert.ErrorIs(t, err, ErrHostBusy)

	holder, ok := l.Holder("build-01")
	require.True(t, ok)
	assert.Equal(t, a, holder)

	other, err := l.Acquire("build-02", b)
	require.NoError(t, err)
	defer other()

	release()
	release()
	_, ok = l.Holder("build-01")
	assert.False(t, ok)

	again, err := l.Acquire("build-01", b)
	require.NoError(t, err)
	again()
}
