package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
)

const (
	SlidingWindow       = time.Minute
	DefaultBurstWindow  = 10 * time.Second
	defaultMaxPerMinute = 20
	defaultBurst        = 5
)

type Config struct {
	MaxPerMinute int           `mapstructure:"per_minute"`
	Burst        int           `mapstructure:"burst"`
	BurstWindow  time.Duration `mapstructure:"burst_window"`
}

// Clock abstracts time so admission can be tested without real waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter admits callers under a sliding 60 second window and a fixed burst
// window. Callers are admitted one at a time in arrival order; a caller that
// has to wait holds its turn, so later callers queue behind it.
type Limiter struct {
	cfg   Config
	clock Clock
	turn  chan struct{}

	mu           sync.Mutex
	window       *queue.Queue
	burstCount   int
	burstResetAt time.Time
}

type Option func(*Limiter)

func WithClock(clock Clock) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = defaultMaxPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultBurstWindow
	}

	l := &Limiter{
		cfg:    cfg,
		clock:  realClock{},
		turn:   make(chan struct{}, 1),
		window: queue.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Config() Config {
	return l.cfg
}

// Acquire blocks until the caller may proceed and records the grant. It
// returns the total time spent waiting for the window or the burst budget.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case l.turn <- struct{}{}:
	}
	defer func() { <-l.turn }()

	var waited time.Duration
	for {
		wait := l.reserve()
		if wait <= 0 {
			return waited, nil
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// reserve records a grant when allowed, otherwise returns how long to wait.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	if l.burstResetAt.IsZero() || !now.Before(l.burstResetAt) {
		l.burstCount = 0
		l.burstResetAt = now.Add(l.cfg.BurstWindow)
	}

	if l.window.Length() >= l.cfg.MaxPerMinute {
		oldest := l.window.Peek().(time.Time)
		return oldest.Add(SlidingWindow).Sub(now)
	}
	if l.burstCount >= l.cfg.Burst {
		return l.burstResetAt.Sub(now)
	}

	l.window.Add(now)
	l.burstCount++
	return 0
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-SlidingWindow)
	for l.window.Length() > 0 {
		oldest := l.window.Peek().(time.Time)
		if oldest.After(cutoff) {
			return
		}
		l.window.Remove()
	}
}

// Snapshot returns the grants currently inside the sliding window.
func (l *Limiter) Snapshot() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())
	out := make([]time.Time, 0, l.window.Length())
	for i := 0; i < l.window.Length(); i++ {
		out = append(out, l.window.Get(i).(time.Time))
	}
	return out
}

// Registry lazily creates one limiter per key.
type Registry struct {
	cfg      Config
	opts     []Option
	limiters sync.Map
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{cfg: cfg, opts: opts}
}

func (r *Registry) Get(key string) *Limiter {
	if current, ok := r.limiters.Load(key); ok {
		return current.(*Limiter)
	}
	created := New(r.cfg, r.opts...)
	actual, _ := r.limiters.LoadOrStore(key, created)
	return actual.(*Limiter)
}
