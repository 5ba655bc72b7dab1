// Package pool maintains one shared backend connection per credential set.
//
// Remote protocol sessions (SSH, SMB, rclone daemons) are expensive to set
// up, so the pool dials lazily, keeps sessions warm between operations, and
// tears them down again after an idle period. Concurrent acquisitions of the
// same connection while it is still dialing share a single dial attempt
// instead of racing to open duplicate sessions.
//
// A connection moves through four states:
//
//	idle       no session yet; the next Acquire starts a dial
//	connecting a dial (with retries) is in flight; acquirers wait on it
//	ready      a live session exists and is handed out to acquirers
//	degraded   the last dial failed; acquisitions fail fast until a
//	           cooldown elapses, then the next Acquire retries
//
// Thread Safety: all methods are safe for concurrent use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/metrics"
)

// ErrUnavailable is wrapped into every error returned when a connection
// cannot be established, including fast-fail rejections during a degraded
// cooldown. Callers match it with errors.Is.
var ErrUnavailable = errors.New("connection unavailable")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// State describes the lifecycle position of one pooled connection.
//
// Degraded is entered only on a failed dial: the cooldown exists to stop
// a dial stampede against a backend that just refused one. A connection
// dropped by a failed health probe goes back to idle instead, so the next
// Acquire dials immediately. The backend accepted a connection recently
// enough that fail-fast would be premature.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config contains tuning knobs for the pool.
type Config struct {
	// DialTimeout bounds one full dial attempt including retries
	// (default: 30s).
	DialTimeout time.Duration

	// RetryInitialInterval is the first backoff delay between dial retries
	// within a single attempt (default: 250ms). Subsequent delays grow
	// exponentially with jitter.
	RetryInitialInterval time.Duration

	// DegradedCooldown is how long acquisitions fail fast after a dial
	// attempt has exhausted its retries (default: 15s).
	DegradedCooldown time.Duration

	// IdleTimeout is how long an unused ready connection survives before
	// the sweeper closes it (default: 5m).
	IdleTimeout time.Duration

	// SweepInterval is how often the background sweeper runs idle eviction
	// and health probes (default: 30s).
	SweepInterval time.Duration

	// ProbeTimeout bounds one health probe ping (default: 5s).
	ProbeTimeout time.Duration

	// Metrics receives pool observability events. Nil selects the no-op
	// implementation.
	Metrics metrics.PoolMetrics
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = 250 * time.Millisecond
	}
	if c.DegradedCooldown == 0 {
		c.DegradedCooldown = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopPoolMetrics()
	}
}

// conn is one pooled connection slot, keyed by dialer fingerprint.
type conn struct {
	dialer backend.Dialer

	mu            sync.Mutex
	state         State
	client        backend.Client
	refs          int
	lastUsed      time.Time
	lastErr       error
	degradedUntil time.Time

	// pending is non-nil while a dial is in flight and is closed when the
	// attempt finishes, waking every coalesced waiter.
	pending chan struct{}
}

// Pool shares backend connections between operations.
type Pool struct {
	config Config

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a pool and starts its background sweeper.
func New(config Config) *Pool {
	config.applyDefaults()

	p := &Pool{
		config: config,
		conns:  make(map[string]*conn),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire returns a live client for the dialer's credential set, dialing if
// necessary. The release function must be called exactly once when the
// operation is done with the client; it returns the connection to the pool
// without closing it.
//
// Concurrent acquisitions for the same fingerprint while a dial is in
// flight wait for that one dial instead of starting their own. The dial
// itself runs under the pool's DialTimeout rather than the caller's
// context, because its result is shared with other waiters; a cancelled
// caller stops waiting but does not abort the dial.
func (p *Pool) Acquire(ctx context.Context, dialer backend.Dialer) (backend.Client, func(), error) {
	key := dialer.Fingerprint()

	for {
		c, err := p.slot(key, dialer)
		if err != nil {
			return nil, nil, err
		}

		client, wait, err := p.tryAcquire(c)
		if err != nil {
			return nil, nil, err
		}
		if client != nil {
			release := func() { p.release(c) }
			return client, release, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-wait:
			// Dial finished; loop to observe the outcome.
		}
	}
}

// slot returns the connection slot for a fingerprint, creating it if needed.
func (p *Pool) slot(key string, dialer backend.Dialer) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	c, ok := p.conns[key]
	if !ok {
		c = &conn{dialer: dialer, state: StateIdle}
		p.conns[key] = c
	}
	return c, nil
}

// tryAcquire inspects the slot and either hands out the client, reports an
// in-flight dial to wait on, or starts a new dial.
func (p *Pool) tryAcquire(c *conn) (backend.Client, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateReady:
		c.refs++
		c.lastUsed = time.Now()
		return c.client, nil, nil

	case StateConnecting:
		return nil, c.pending, nil

	case StateDegraded:
		if time.Now().Before(c.degradedUntil) {
			return nil, nil, fmt.Errorf("%w (cooling down after: %w)", ErrUnavailable, c.lastErr)
		}
		// Cooldown over; fall through to a fresh dial.
		fallthrough

	case StateIdle:
		c.state = StateConnecting
		c.pending = make(chan struct{})
		go p.dial(c)
		return nil, c.pending, nil

	default:
		return nil, nil, fmt.Errorf("%w: unexpected state %s", ErrUnavailable, c.state)
	}
}

// dial runs one full connect attempt with exponential backoff and jitter,
// then publishes the outcome to every waiter.
func (p *Pool) dial(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DialTimeout)
	defer cancel()

	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.RetryInitialInterval
	bo.MaxElapsedTime = p.config.DialTimeout

	client, err := backoff.RetryWithData(func() (backend.Client, error) {
		cl, dialErr := c.dialer.Dial(ctx)
		if dialErr != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(dialErr)
		}
		return cl, dialErr
	}, backoff.WithContext(bo, ctx))

	p.config.Metrics.RecordDial(time.Since(start), err)

	c.mu.Lock()
	if err != nil {
		c.state = StateDegraded
		c.lastErr = err
		c.degradedUntil = time.Now().Add(p.config.DegradedCooldown)
		logger.Warn("pool: dial for %s failed, cooling down until %s: %v",
			c.dialer.Fingerprint(), c.degradedUntil.Format(time.RFC3339), err)
	} else {
		c.state = StateReady
		c.client = client
		c.lastErr = nil
		c.lastUsed = time.Now()
		logger.Debug("pool: connection %s ready", c.dialer.Fingerprint())
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	close(pending)
}

func (p *Pool) release(c *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs > 0 {
		c.refs--
	}
	c.lastUsed = time.Now()
}

// Invalidate closes the connection for a fingerprint, if any, so the next
// Acquire dials fresh. Used when an operation observes a broken session.
func (p *Pool) Invalidate(fingerprint string) {
	p.mu.Lock()
	c, ok := p.conns[fingerprint]
	p.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		c.client.Close() //nolint:errcheck
		c.client = nil
		c.state = StateIdle
	}
}

// StateOf reports the current state of a fingerprint's slot. Unknown
// fingerprints are idle.
func (p *Pool) StateOf(fingerprint string) State {
	p.mu.Lock()
	c, ok := p.conns[fingerprint]
	p.mu.Unlock()
	if !ok {
		return StateIdle
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the number of slots in each state.
func (p *Pool) Stats() map[State]int {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	stats := make(map[State]int)
	for _, c := range conns {
		c.mu.Lock()
		stats[c.state]++
		c.mu.Unlock()
	}
	return stats
}

// sweepLoop periodically evicts idle connections and probes ready ones.
func (p *Pool) sweepLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, c := range conns {
		c.mu.Lock()
		if c.state != StateReady || c.refs > 0 {
			c.mu.Unlock()
			continue
		}

		if now.Sub(c.lastUsed) >= p.config.IdleTimeout {
			logger.Debug("pool: evicting idle connection %s", c.dialer.Fingerprint())
			c.client.Close() //nolint:errcheck
			c.client = nil
			c.state = StateIdle
			c.mu.Unlock()
			p.config.Metrics.RecordIdleEviction()
			continue
		}

		client := c.client
		c.mu.Unlock()

		// Probe outside the lock; a slow server must not stall Acquire.
		ctx, cancel := context.WithTimeout(context.Background(), p.config.ProbeTimeout)
		err := client.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}

		logger.Warn("pool: health probe for %s failed, dropping connection: %v",
			c.dialer.Fingerprint(), err)
		p.config.Metrics.RecordProbeFailure()
		c.mu.Lock()
		// The slot may have changed while we probed; only drop the same client.
		if c.state == StateReady && c.client == client && c.refs == 0 {
			c.client.Close() //nolint:errcheck
			c.client = nil
			c.state = StateIdle
		}
		c.mu.Unlock()
	}

	for state, count := range p.Stats() {
		p.config.Metrics.SetConnections(state.String(), count)
	}
}

// Close stops the sweeper and closes every pooled connection. Acquire
// fails with ErrPoolClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	var firstErr error
	for _, c := range conns {
		c.mu.Lock()
		if c.client != nil {
			if err := c.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			c.client = nil
		}
		c.state = StateIdle
		c.mu.Unlock()
	}
	return firstErr
}
