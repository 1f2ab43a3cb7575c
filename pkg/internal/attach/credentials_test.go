package attach

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

func TestHoldHostCredentials_WaitsForAttach(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	fake := &fakeJVM{attach: func(int, []string) (io.ReadCloser, error) {
		close(entered)
		<-unblock
		return io.NopCloser(strings.NewReader("0\n0\n")), nil
	}}
	a := NewAttacher(Config{Mode: ModeAgent}, fake, alwaysAlive)
	attached := make(chan attacherr.Result, 1)
	go func() {
		result, _ := a.Attach(t.Context(), Request{Target: target, Options: testOptions(t), AgentLib: "/tmp/lib.so"})
		attached <- result
	}()
	<-entered

	// the filesystem operations of other sessions wait while the target credentials are in place
	var held atomic.Bool
	var cleanupsWhenHeld atomic.Int32
	go func() {
		release := HoldHostCredentials()
		_, _, cleanups := fake.calls()
		cleanupsWhenHeld.Store(int32(cleanups))
		held.Store(true)
		release()
	}()
	assert.Never(t, held.Load, 100*time.Millisecond, 10*time.Millisecond)

	close(unblock)
	assert.Eventually(t, held.Load, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, cleanupsWhenHeld.Load(), "credentials must be restored before")
	assert.Equal(t, attacherr.Success, <-attached)
}

func TestAttach_WaitsForHostCredentials(t *testing.T) {
	fake := replying("0\n0\n")
	a := NewAttacher(Config{Mode: ModeAgent}, fake, alwaysAlive)

	release := HoldHostCredentials()
	attached := make(chan attacherr.Result, 1)
	go func() {
		result, _ := a.Attach(t.Context(), Request{Target: target, Options: testOptions(t), AgentLib: "/tmp/lib.so"})
		attached <- result
	}()
	assert.Never(t, func() bool {
		_, inits, _ := fake.calls()
		return inits > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "credentials switched while held")

	release()
	select {
	case result := <-attached:
		assert.Equal(t, attacherr.Success, result)
	case <-time.After(5 * time.Second):
		require.Fail(t, "attach didn't resume after the credentials were released")
	}
}

func TestCredentialGate_NestedHoldsDontWaitForPendingSwitch(t *testing.T) {
	g := newCredentialGate()
	outer := g.hold()

	switched := make(chan func())
	go func() {
		switched <- g.switchCredentials()
	}()
	// a holder may need to hold again before releasing, even if a switch is waiting
	done := make(chan struct{})
	go func() {
		inner := g.hold()
		inner()
		inner()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "nested hold blocked")
	}

	select {
	case <-switched:
		require.Fail(t, "switched while held")
	case <-time.After(50 * time.Millisecond):
	}
	outer()
	select {
	case restored := <-switched:
		restored()
	case <-time.After(5 * time.Second):
		require.Fail(t, "switch didn't happen after release")
	}
}

func TestAttach_SwitchesOneAtATimeAcrossAttachers(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	newFake := func() *fakeJVM {
		return &fakeJVM{attach: func(int, []string) (io.ReadCloser, error) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return io.NopCloser(strings.NewReader("0\n0\n")), nil
		}}
	}
	var wg sync.WaitGroup
	for range 4 {
		a := NewAttacher(Config{Mode: ModeAgent}, newFake(), alwaysAlive)
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := a.Attach(t.Context(), Request{Target: target, Options: testOptions(t), AgentLib: "/tmp/lib.so"})
			assert.NoError(t, err)
			assert.Equal(t, attacherr.Success, result)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestAttach_NotInjectedAfterGivingUp(t *testing.T) {
	fake := replying("0\n0\n")
	a := NewAttacher(Config{Mode: ModeAgent, Timeout: 50 * time.Millisecond}, fake, alwaysAlive)

	release := HoldHostCredentials()
	result, err := a.Attach(t.Context(), Request{Target: target, Options: testOptions(t), AgentLib: "/tmp/lib.so"})
	assert.Equal(t, attacherr.Timeout, result)
	assert.ErrorIs(t, err, attacherr.ErrTimeout)
	release()

	// the pending command is dropped, so the next attach gets the slot
	result, err = a.Attach(t.Context(), Request{Target: target, Options: testOptions(t), AgentLib: "/tmp/lib.so"})
	require.NoError(t, err)
	assert.Equal(t, attacherr.Success, result)
	argv, inits, _ := fake.calls()
	assert.Len(t, argv, 1)
	assert.Equal(t, 1, inits)
}
