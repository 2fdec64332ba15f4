package pipeline

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Throttle defaults.
const (
	DefaultMaxConcurrentDocuments = 4
	DefaultMemoryHighWaterPct     = 85.0
	DefaultSampleInterval         = 2 * time.Second
)

// PressureFunc reports memory pressure as a percentage.
type PressureFunc func(ctx context.Context) (float64, error)

// Throttle is a counting semaphore whose limit shrinks under memory pressure
// and grows back, one slot per sample, once pressure drops.
type Throttle struct {
	mu        sync.Mutex
	max       int
	limit     int
	inUse     int
	highWater float64
	pressure  PressureFunc
	wake      chan struct{}
}

// NewThrottle creates a throttle allowing up to maxHolders concurrent holders.
// A nil pressure func disables sampling.
func NewThrottle(maxHolders int, highWater float64, pressure PressureFunc) *Throttle {
	if maxHolders <= 0 {
		maxHolders = DefaultMaxConcurrentDocuments
	}
	if highWater <= 0 {
		highWater = DefaultMemoryHighWaterPct
	}
	return &Throttle{
		max:       maxHolders,
		limit:     maxHolders,
		highWater: highWater,
		pressure:  pressure,
		wake:      make(chan struct{}),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (t *Throttle) Acquire(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.inUse < t.limit {
			t.inUse++
			t.mu.Unlock()
			return nil
		}
		wake := t.wake
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Release frees a slot taken by Acquire.
func (t *Throttle) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inUse > 0 {
		t.inUse--
	}
	t.broadcast()
}

func (t *Throttle) broadcast() {
	close(t.wake)
	t.wake = make(chan struct{})
}

// Limit returns the current number of permitted holders.
func (t *Throttle) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// Adjust moves the limit one step toward the pressure reading: down while at
// or above the high-water mark (never below 1), up otherwise (never above
// max). Holders over a reduced limit finish normally. Returns the new limit.
func (t *Throttle) Adjust(pressurePct float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.limit
	switch {
	case pressurePct >= t.highWater && t.limit > 1:
		t.limit--
	case pressurePct < t.highWater && t.limit < t.max:
		t.limit++
		t.broadcast()
	}
	if t.limit != prev {
		zap.L().Info("throttle: adjusted document concurrency",
			zap.Float64("pressure_pct", pressurePct),
			zap.Float64("high_water_pct", t.highWater),
			zap.Int("from", prev),
			zap.Int("to", t.limit),
		)
	}
	return t.limit
}

// Sample reads the pressure func once and adjusts the limit.
func (t *Throttle) Sample(ctx context.Context) {
	if t.pressure == nil {
		return
	}
	p, err := t.pressure(ctx)
	if err != nil {
		zap.L().Warn("throttle: pressure sample failed", zap.Error(err))
		return
	}
	t.Adjust(p)
}

// Start samples pressure every interval until ctx is done.
func (t *Throttle) Start(ctx context.Context, interval time.Duration) {
	if t.pressure == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sample(ctx)
			}
		}
	}()
}

// SystemPressure returns the higher of host memory usage and Go heap usage
// relative to the runtime memory limit, when one is set.
func SystemPressure(ctx context.Context) (float64, error) {
	var pct float64
	vm, vmErr := mem.VirtualMemoryWithContext(ctx)
	if vmErr == nil {
		pct = vm.UsedPercent
	}

	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		if vmErr != nil {
			return 0, eris.Wrap(vmErr, "throttle: read virtual memory")
		}
		return pct, nil
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapPct := float64(ms.HeapAlloc) / float64(limit) * 100
	return math.Max(pct, heapPct), nil
}
