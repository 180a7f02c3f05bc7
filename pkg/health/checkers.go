package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is implemented by pgxpool.Pool, the memory store and go-redis
// clients through PingFunc adapters.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingCheck returns a CheckFunc that pings a dependency.
func PingCheck(name string, p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrapf(err, "ping %s", name)
		}
		return nil
	}
}

// GoroutineCountCheck fails once more than limit goroutines are running.
// A steady climb usually means leaked lock waiters or stuck handlers.
func GoroutineCountCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, limit)
		}
		return nil
	}
}

// GCMaxPauseCheck fails when any of the recent stop-the-world pauses kept by
// the runtime is longer than limit.
func GCMaxPauseCheck(limit time.Duration) CheckFunc {
	return func(context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)
		if i := slices.IndexFunc(stats.Pause, func(d time.Duration) bool { return d > limit }); i >= 0 {
			return errors.Errorf("GC pause %s exceeds threshold %s", stats.Pause[i], limit)
		}
		return nil
	}
}
