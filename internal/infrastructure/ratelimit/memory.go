package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const sweepEvery = 1024

// MemoryLimiter is a fixed-window counter per client identity. The decision
// is a single atomic add on the current window; no lock spans a request.
type MemoryLimiter struct {
	limit  int64
	window time.Duration
	now    func() time.Time

	clients sync.Map
	calls   atomic.Uint64
}

type clientWindow struct {
	current atomic.Pointer[windowCounter]
}

type windowCounter struct {
	index int64
	count atomic.Int64
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{limit: int64(limit), window: window, now: time.Now}
}

func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, clientIdentity string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	now := l.now()
	index := now.UnixNano() / int64(l.window)

	value, _ := l.clients.LoadOrStore(clientIdentity, &clientWindow{})
	cw := value.(*clientWindow)

	var counter *windowCounter
	for {
		counter = cw.current.Load()
		if counter != nil && counter.index >= index {
			break
		}
		fresh := &windowCounter{index: index}
		if cw.current.CompareAndSwap(counter, fresh) {
			counter = fresh
			break
		}
	}

	if l.calls.Add(1)%sweepEvery == 0 {
		l.sweep(index)
	}

	if counter.count.Add(1) <= l.limit {
		return true, 0, nil
	}
	windowEnd := time.Unix(0, (counter.index+1)*int64(l.window))
	return false, windowEnd.Sub(now), nil
}

// sweep drops clients whose last window is over.
func (l *MemoryLimiter) sweep(index int64) {
	l.clients.Range(func(key, value any) bool {
		if c := value.(*clientWindow).current.Load(); c != nil && c.index < index {
			l.clients.CompareAndDelete(key, value)
		}
		return true
	})
}
