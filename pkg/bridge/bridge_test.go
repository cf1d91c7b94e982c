package bridge

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDirectPathRunsOnCaller(t *testing.T) {
	b := New(time.Second, quiet())

	got, err := Run(context.Background(), b, func(ctx context.Context) (string, error) {
		assert.True(t, InScope(ctx))
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, Stats{Direct: 1}, b.Stats())
}

func TestNestedCallIsOffloaded(t *testing.T) {
	b := New(time.Second, quiet())

	got, err := Run(context.Background(), b, func(ctx context.Context) (int, error) {
		return Run(ctx, b, func(ctx context.Context) (int, error) {
			assert.True(t, InScope(ctx))
			return 42, nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, Stats{Direct: 1, Offloaded: 1}, b.Stats())
}

func TestBothPathsReturnTheSameError(t *testing.T) {
	b := New(time.Second, quiet())
	boom := errors.New("boom")
	op := func(ctx context.Context) (int, error) { return 0, boom }

	_, direct := Run(context.Background(), b, op)
	_, nested := Run(context.Background(), b, func(ctx context.Context) (int, error) {
		return Run(ctx, b, op)
	})
	assert.ErrorIs(t, direct, boom)
	assert.ErrorIs(t, nested, boom)
}

func TestTimeoutBoundsOperation(t *testing.T) {
	b := New(20*time.Millisecond, quiet())

	_, err := Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOffloadedWorkOutlivesCallerCancellation(t *testing.T) {
	b := New(time.Second, quiet())
	parent, cancel := context.WithCancel(context.Background())

	got, err := Run(parent, b, func(ctx context.Context) (string, error) {
		cancel()
		return Run(ctx, b, func(ctx context.Context) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "finished", nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "finished", got)
}

func TestOffloadedPanicBecomesError(t *testing.T) {
	b := New(time.Second, quiet())

	_, err := Run(context.Background(), b, func(ctx context.Context) (int, error) {
		return Run(ctx, b, func(ctx context.Context) (int, error) {
			panic("bad")
		})
	})
	assert.ErrorContains(t, err, "panicked")
}

func TestDirectPanicBecomesError(t *testing.T) {
	b := New(time.Second, quiet())

	var val int
	var err error
	require.NotPanics(t, func() {
		val, err = Run(context.Background(), b, func(ctx context.Context) (int, error) {
			panic("bad")
		})
	})
	assert.ErrorContains(t, err, "panicked")
	assert.Zero(t, val)
	assert.Equal(t, Stats{Direct: 1}, b.Stats())
}
