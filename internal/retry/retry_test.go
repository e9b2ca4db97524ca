package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errTerminal = errors.New("terminal")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(5), func(error) bool { return true }, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	calls := 0
	classify := func(err error) bool { return !errors.Is(err, errTerminal) }
	attempts, err := Do(context.Background(), fastPolicy(5), classify, func(context.Context) error {
		calls++
		return errTerminal
	})
	require.ErrorIs(t, err, errTerminal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}
	_, err := Do(ctx, p, func(error) bool { return true }, func(context.Context) error {
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDoZeroAttemptsTreatedAsOne(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{}, func(error) bool { return true }, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}
