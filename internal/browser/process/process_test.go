// internal/browser/process/process_test.go
package process

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func sleepBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hangup signal semantics are unix only")
	}
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep binary not available")
	}
	return path
}

func waitExited(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pid %d did not exit", p.PID)
	}
}

func TestSpawnAndTerminate(t *testing.T) {
	defer goleak.VerifyNone(t)
	bin := sleepBinary(t)
	reg := NewRegistry(zaptest.NewLogger(t))

	p, err := reg.Spawn(bin, []string{"30"})
	require.NoError(t, err)
	require.NotZero(t, p.PID)
	assert.True(t, reg.IsLive(p.PID))
	assert.Equal(t, []int{p.PID}, reg.Live())

	require.NoError(t, reg.Terminate(p.PID))
	assert.False(t, reg.IsLive(p.PID), "terminate deregisters immediately")
	waitExited(t, p)
	assert.Error(t, p.ExitErr(), "a signaled child reports a non-nil exit")
}

func TestTerminate_IsBestEffort(t *testing.T) {
	defer goleak.VerifyNone(t)
	bin := sleepBinary(t)
	reg := NewRegistry(zaptest.NewLogger(t))

	t.Run("unknown pid", func(t *testing.T) {
		assert.NoError(t, reg.Terminate(999999))
	})

	t.Run("already exited child", func(t *testing.T) {
		p, err := reg.Spawn(bin, []string{"0"})
		require.NoError(t, err)
		waitExited(t, p)

		assert.True(t, reg.IsLive(p.PID), "exit alone does not deregister")
		assert.NoError(t, reg.Terminate(p.PID))
		assert.False(t, reg.IsLive(p.PID))
	})

	t.Run("twice", func(t *testing.T) {
		p, err := reg.Spawn(bin, []string{"30"})
		require.NoError(t, err)
		require.NoError(t, reg.Terminate(p.PID))
		require.NoError(t, reg.Terminate(p.PID))
		waitExited(t, p)
	})
}

func TestSpawn_MissingExecutable(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	_, err := reg.Spawn("/nonexistent/rubium-browser", nil)
	require.Error(t, err)
	assert.Empty(t, reg.Live())
}

func TestShutdown_SignalsRemainingExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	bin := sleepBinary(t)
	reg := NewRegistry(zaptest.NewLogger(t))

	const n = 4
	procs := make([]*Process, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			p, err := reg.Spawn(bin, []string{"30"})
			procs[i] = p
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, reg.Live(), n)

	// One closed through the normal path before shutdown.
	require.NoError(t, reg.Terminate(procs[0].PID))

	assert.Equal(t, n-1, reg.Shutdown())
	assert.Zero(t, reg.Shutdown(), "second shutdown is a no-op")
	assert.Empty(t, reg.Live())

	for _, p := range procs {
		waitExited(t, p)
	}

	_, err := reg.Spawn(bin, []string{"30"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestDefault_IsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
