package onboarding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrInFlight is returned when the same step is already running for a device.
var ErrInFlight = errors.New("step already in flight")

type guardKey struct {
	device string
	step   string
}

// Guard rejects a second trigger of a step while the first is still running
// and lets logout cancel whatever a device has in flight.
type Guard struct {
	mu      sync.Mutex
	running map[guardKey]context.CancelFunc
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{running: make(map[guardKey]context.CancelFunc)}
}

// Begin registers step for the device. The returned context is cancelled by
// done, by CancelDevice, or when parent ends. done must always be called.
func (g *Guard) Begin(parent context.Context, deviceID, step string) (context.Context, func(), error) {
	key := guardKey{deviceID, step}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.running[key]; busy {
		slog.Warn("Guard.Begin: rejected duplicate trigger", "device", deviceID, "step", step)
		return nil, nil, ErrInFlight
	}
	ctx, cancel := context.WithCancel(parent)
	g.running[key] = cancel
	var once sync.Once
	done := func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.running, key)
			g.mu.Unlock()
			cancel()
		})
	}
	return ctx, done, nil
}

// Running reports whether step is in flight for the device.
func (g *Guard) Running(deviceID, step string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[guardKey{deviceID, step}]
	return ok
}

// CancelDevice cancels every step in flight for the device and returns how many.
func (g *Guard) CancelDevice(deviceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, cancel := range g.running {
		if k.device == deviceID {
			cancel()
			n++
		}
	}
	if n > 0 {
		slog.Info("Guard.CancelDevice: cancelled in-flight steps", "device", deviceID, "count", n)
	}
	return n
}
