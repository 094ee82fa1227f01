package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("fails", func(context.Context) error { return errors.New("boom") })
	require.Error(t, s.Wait(waitCtx(t)))
	assert.Contains(t, s.Err().Error(), "fails")
	assert.Contains(t, s.Err().Error(), "boom")
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go0("panics", func(context.Context) { panic("oops") })
	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
	assert.Error(t, s.Context().Err(), "cancel on error")

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Panics)
}

func TestCancellationIsClean(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("blocks", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.NoError(t, s.Err())
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs int32
	s.GoRestart("flaky", func(context.Context) error {
		if atomic.AddInt32(&runs, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	require.Error(t, s.Wait(waitCtx(t)), "first failure is published")
	assert.EqualValues(t, 3, atomic.LoadInt32(&runs))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].Restarts)
	assert.Equal(t, 0, snap[0].Active)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs int32
	s.GoRestart("broken", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	require.Error(t, s.Wait(waitCtx(t)))
	assert.EqualValues(t, 3, atomic.LoadInt32(&runs))
}
