package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchpanel/remotefs/pkg/backend/memory"
)

func testPool(t *testing.T, config Config) *Pool {
	t.Helper()
	p := New(config)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAcquireDialsOnce(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	p := testPool(t, Config{})

	client, release, err := p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	require.NotNil(t, client)
	release()

	assert.Equal(t, 1, dialer.DialCount())
	assert.Equal(t, StateReady, p.StateOf(dialer.Fingerprint()))
}

func TestConcurrentAcquiresShareOneDial(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	dialer.SetDialDelay(50 * time.Millisecond)
	p := testPool(t, Config{})

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, release, err := p.Acquire(context.Background(), dialer)
			errs[i] = err
			if err == nil {
				require.NotNil(t, client)
				release()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, 1, dialer.DialCount(), "coalesced acquisitions must share a single dial")
}

func TestReacquireReusesConnection(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	p := testPool(t, Config{})

	for i := 0; i < 5; i++ {
		_, release, err := p.Acquire(context.Background(), dialer)
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 1, dialer.DialCount())
}

func TestDialFailureEntersDegradedCooldown(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	dialErr := errors.New("host unreachable")
	dialer.SetDialError(dialErr)

	p := testPool(t, Config{
		DialTimeout:          100 * time.Millisecond,
		RetryInitialInterval: 10 * time.Millisecond,
		DegradedCooldown:     time.Hour,
	})

	_, _, err := p.Acquire(context.Background(), dialer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateDegraded, p.StateOf(dialer.Fingerprint()))

	dialsAfterFailure := dialer.DialCount()

	// During the cooldown acquisitions fail fast without dialing again.
	_, _, err = p.Acquire(context.Background(), dialer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, dialsAfterFailure, dialer.DialCount())
}

func TestDegradedRecoversAfterCooldown(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	dialer.SetDialError(errors.New("host unreachable"))

	p := testPool(t, Config{
		DialTimeout:          100 * time.Millisecond,
		RetryInitialInterval: 10 * time.Millisecond,
		DegradedCooldown:     50 * time.Millisecond,
	})

	_, _, err := p.Acquire(context.Background(), dialer)
	require.Error(t, err)

	// Backend comes back; after the cooldown the next acquire succeeds.
	dialer.SetDialError(nil)
	time.Sleep(60 * time.Millisecond)

	client, release, err := p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	require.NotNil(t, client)
	release()
	assert.Equal(t, StateReady, p.StateOf(dialer.Fingerprint()))
}

func TestAcquireRespectsCallerCancellation(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	dialer.SetDialDelay(time.Second)
	p := testPool(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := p.Acquire(ctx, dialer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdleEviction(t *testing.T) {
	client := memory.New()
	dialer := memory.NewDialer(client)
	p := testPool(t, Config{
		IdleTimeout:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	_, release, err := p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	release()

	require.Eventually(t, func() bool {
		return p.StateOf(dialer.Fingerprint()) == StateIdle
	}, time.Second, 5*time.Millisecond, "idle connection should be evicted")

	// A fresh acquire redials.
	client.Reopen()
	_, release, err = p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	release()
	assert.Equal(t, 2, dialer.DialCount())
}

func TestInvalidate(t *testing.T) {
	client := memory.New()
	dialer := memory.NewDialer(client)
	p := testPool(t, Config{})

	_, release, err := p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	release()

	p.Invalidate(dialer.Fingerprint())
	assert.Equal(t, StateIdle, p.StateOf(dialer.Fingerprint()))

	client.Reopen()
	_, release, err = p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	release()
	assert.Equal(t, 2, dialer.DialCount())
}

func TestStats(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	p := testPool(t, Config{})

	_, release, err := p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	defer release()

	stats := p.Stats()
	assert.Equal(t, 1, stats[StateReady])
}

func TestCloseRejectsFurtherAcquires(t *testing.T) {
	dialer := memory.NewDialer(memory.New())
	p := New(Config{})

	_, release, err := p.Acquire(context.Background(), dialer)
	require.NoError(t, err)
	release()

	require.NoError(t, p.Close())

	_, _, err = p.Acquire(context.Background(), dialer)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Closing twice is fine.
	assert.NoError(t, p.Close())
}
