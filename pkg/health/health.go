// Package health serves liveness and readiness probes.
//
// Every registered check is polled by its own goroutine. A check turns
// unhealthy after failureThreshold consecutive failures and healthy again
// after successThreshold consecutive passes, so a single slow ping does not
// flap the probe. Endpoints report the last observed state and never run a
// check inline.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// state is an immutable snapshot published after each run.
type state struct {
	healthy   bool
	err       error
	checkedAt time.Time
}

// probe is one registered check. The streak counters are owned by the
// polling goroutine; readers only load the published state.
type probe struct {
	name             string
	timeout          time.Duration
	check            CheckFunc
	failureThreshold int
	successThreshold int

	current atomic.Pointer[state]

	fails  int
	passes int
}

// CheckOption tunes a registered check.
type CheckOption func(*probe)

// WithFailureThreshold sets how many consecutive failures flip a check to
// unhealthy. Default 3.
func WithFailureThreshold(n int) CheckOption {
	return func(p *probe) { p.failureThreshold = max(1, n) }
}

// WithSuccessThreshold sets how many consecutive successes flip a check back
// to healthy. Default 1.
func WithSuccessThreshold(n int) CheckOption {
	return func(p *probe) { p.successThreshold = max(1, n) }
}

func newProbe(name string, timeout time.Duration, check CheckFunc, opts []CheckOption) *probe {
	p := &probe{
		name:             name,
		timeout:          timeout,
		check:            check,
		failureThreshold: 3,
		successThreshold: 1,
	}
	for _, o := range opts {
		o(p)
	}
	// Healthy until proven otherwise.
	p.current.Store(&state{healthy: true})
	return p
}

func (p *probe) snapshot() *state { return p.current.Load() }

// run executes the check once. Only the polling goroutine calls it.
func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	healthy := p.snapshot().healthy
	if err != nil {
		p.passes = 0
		p.fails++
		if p.fails >= p.failureThreshold {
			healthy = false
		}
	} else {
		p.fails = 0
		p.passes++
		if p.passes >= p.successThreshold {
			healthy = true
		}
	}
	p.current.Store(&state{healthy: healthy, err: err, checkedAt: time.Now()})
}

func (p *probe) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Health owns the liveness and readiness probes of a process.
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []*probe
	readiness []*probe
	cancel    context.CancelFunc
}

// New creates a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check that tells whether the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newProbe(name, timeout, check, opts))
}

// AddReadinessCheck registers a check that tells whether the process may
// take traffic: the booking database and, when configured, redis.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newProbe(name, timeout, check, opts))
}

// Start polls every registered check at interval until Stop or ctx ends.
// Register checks before calling Start.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := slices.Concat(h.liveness, h.readiness)
	h.mu.Unlock()

	for _, p := range probes {
		go p.poll(ctx, interval)
	}
}

// Stop ends polling. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness gate, set once wiring is done and
// cleared when shutdown begins.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the gate is open and every readiness check is
// healthy.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, p := range h.probes(false) {
		if !p.snapshot().healthy {
			return false
		}
	}
	return true
}

func (h *Health) probes(live bool) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if live {
		return slices.Clone(h.liveness)
	}
	return slices.Clone(h.readiness)
}

// LiveEndpoint serves /livez: 200 when every liveness check is healthy,
// 503 otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, failures(h.probes(true)))
}

// ReadyEndpoint serves /readyz: 200 when the gate is open and every
// readiness check is healthy, 503 otherwise.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.probes(false))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	writeReport(w, failed)
}

// failures maps unhealthy check names to their last error.
func failures(probes []*probe) map[string]string {
	out := make(map[string]string)
	for _, p := range probes {
		s := p.snapshot()
		if s.healthy {
			continue
		}
		if s.err != nil {
			out[p.name] = s.err.Error()
		} else {
			out[p.name] = "check is unhealthy"
		}
	}
	return out
}

// writeReport writes {"status":"ok"} or {"status":"unhealthy","checks":{}}
// with check names sorted.
func writeReport(w http.ResponseWriter, failed map[string]string) {
	status := http.StatusOK
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		if len(failed) == 0 {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		status = http.StatusServiceUnavailable
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				names := make([]string, 0, len(failed))
				for name := range failed {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(failed[name]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
