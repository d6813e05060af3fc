package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically deletes expired sessions from a Store.
type Reaper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	onReap   func(n int64)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a Reaper that sweeps every interval.
func NewReaper(store Store, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// OnReap registers fn to be called after every sweep that removed at
// least one session. It must be called before Start.
func (r *Reaper) OnReap(fn func(n int64)) {
	r.onReap = fn
}

// Start launches the sweep loop. It returns immediately; the loop runs until
// ctx is cancelled or Stop is called. Calling Start twice is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
}

// Stop ends the loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one deletion pass and returns how many sessions were removed.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	n, err := r.store.DeleteExpired(ctx, r.now())
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reaping expired sessions", slog.String("error", err.Error()))
		}
		return 0
	}
	if n > 0 {
		r.logger.Info("reaped expired sessions", slog.Int64("count", n))
		if r.onReap != nil {
			r.onReap(n)
		}
	}
	return n
}
