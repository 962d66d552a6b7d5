package service

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestController_RestartSuccess(t *testing.T) {
	requireTool(t, "true")
	c := NewController("ollama", []string{"true"}, nil, time.Millisecond)
	assert.NoError(t, c.Restart(context.Background()))
}

func TestController_RestartFailure(t *testing.T) {
	requireTool(t, "false")
	c := NewController("ollama", []string{"false"}, nil, time.Millisecond)

	err := c.Restart(context.Background())
	require.Error(t, err)

	var restartErr *RestartError
	require.True(t, errors.As(err, &restartErr))
	assert.Equal(t, "ollama", restartErr.Service)
	assert.Equal(t, []string{"false", "ollama"}, restartErr.Command)
	assert.Contains(t, err.Error(), "failed to restart ollama")

	var exitErr *exec.ExitError
	assert.True(t, errors.As(err, &exitErr), "exec error is unwrapped")
}

func TestController_RestartMissingBinary(t *testing.T) {
	c := NewController("ollama", []string{"/nonexistent/systemctl", "restart"}, nil, time.Millisecond)
	var restartErr *RestartError
	assert.ErrorAs(t, c.Restart(context.Background()), &restartErr)
}

func TestController_RestartNoCommand(t *testing.T) {
	c := NewController("ollama", nil, nil, time.Millisecond)
	assert.Error(t, c.Restart(context.Background()))
}

func TestController_WaitUntilReady(t *testing.T) {
	calls := 0
	probe := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	c := NewController("ollama", nil, probe, time.Millisecond)

	assert.True(t, c.WaitUntilReady(context.Background(), time.Second))
	assert.Equal(t, 3, calls)
}

func TestController_WaitUntilReadyTimeout(t *testing.T) {
	probe := func(ctx context.Context) error { return errors.New("connection refused") }
	c := NewController("ollama", nil, probe, 5*time.Millisecond)

	start := time.Now()
	assert.False(t, c.WaitUntilReady(context.Background(), 30*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestController_WaitUntilReadyCancelled(t *testing.T) {
	probe := func(ctx context.Context) error { return errors.New("down") }
	c := NewController("ollama", nil, probe, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.False(t, c.WaitUntilReady(ctx, time.Hour))
}
