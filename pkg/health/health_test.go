package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pass(context.Context) error { return nil }

func fail(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

// runN drives a probe n times without the poller.
func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func serve(h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *Health)
		runs   int
		status int
		body   string
	}{
		{
			name:   "NoChecks",
			setup:  func(*Health) {},
			status: http.StatusOK,
			body:   `{"status":"ok"}`,
		},
		{
			name: "AllPassing",
			setup: func(h *Health) {
				h.AddLivenessCheck("goroutines", time.Second, pass)
				h.AddLivenessCheck("gc", time.Second, pass)
			},
			runs:   1,
			status: http.StatusOK,
			body:   `{"status":"ok"}`,
		},
		{
			name: "FailureBelowThreshold",
			setup: func(h *Health) {
				h.AddLivenessCheck("goroutines", time.Second, fail("too many"))
			},
			runs:   2,
			status: http.StatusOK,
			body:   `{"status":"ok"}`,
		},
		{
			name: "FailurePastThreshold",
			setup: func(h *Health) {
				h.AddLivenessCheck("goroutines", time.Second, fail("too many"))
				h.AddLivenessCheck("gc", time.Second, pass)
			},
			runs:   3,
			status: http.StatusServiceUnavailable,
			body:   `{"status":"unhealthy","checks":{"goroutines":"too many"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			tt.setup(h)
			for _, p := range h.liveness {
				runN(p, tt.runs)
			}

			w := serve(h.LiveEndpoint)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, pass)

	w := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"_readiness":"service is not ready"}}`, w.Body.String())

	h.SetReady(true)
	w = serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	// Shutdown closes the gate even though checks still pass.
	h.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h.ReadyEndpoint).Code)
}

func TestReadyEndpoint_ChecksSorted(t *testing.T) {
	h := New()
	h.AddReadinessCheck("redis", time.Second, fail("down"), WithFailureThreshold(1))
	h.AddReadinessCheck("postgres", time.Second, fail("down"), WithFailureThreshold(1))
	for _, p := range h.readiness {
		runN(p, 1)
	}

	w := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t,
		`{"status":"unhealthy","checks":{"_readiness":"service is not ready","postgres":"down","redis":"down"}}`,
		w.Body.String(),
	)
	assert.Less(t, strings.Index(w.Body.String(), "postgres"), strings.Index(w.Body.String(), "redis"))
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, pass)
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestProbe_Thresholds(t *testing.T) {
	down := true
	h := New()
	h.AddReadinessCheck("postgres", time.Second, func(context.Context) error {
		if down {
			return errors.New("refused")
		}
		return nil
	}, WithFailureThreshold(2), WithSuccessThreshold(2))
	h.SetReady(true)
	p := h.readiness[0]

	runN(p, 1)
	assert.True(t, h.IsReady(), "one failure is below the threshold")
	runN(p, 1)
	assert.False(t, h.IsReady())

	down = false
	runN(p, 1)
	assert.False(t, h.IsReady(), "one success is below the threshold")
	runN(p, 1)
	assert.True(t, h.IsReady())
}

func TestProbe_State(t *testing.T) {
	h := New()
	h.AddLivenessCheck("db", time.Second, fail("timeout"))
	p := h.liveness[0]

	s := p.snapshot()
	assert.True(t, s.healthy)
	assert.NoError(t, s.err)
	assert.True(t, s.checkedAt.IsZero())

	runN(p, 1)
	s = p.snapshot()
	assert.EqualError(t, s.err, "timeout")
	assert.False(t, s.checkedAt.IsZero())
}

func TestProbe_Timeout(t *testing.T) {
	h := New()
	h.AddReadinessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithFailureThreshold(1))
	runN(h.readiness[0], 1)
	assert.ErrorIs(t, h.readiness[0].snapshot().err, context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := New()
	h.AddLivenessCheck("counter", time.Second, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("flaky", time.Second, fail("err"))
	h.AddReadinessCheck("postgres", time.Second, pass)
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				h.IsReady()
				serve(h.LiveEndpoint)
				serve(h.ReadyEndpoint)
			}
		})
	}
	wg.Wait()
	h.Stop()
}

func TestCheckers(t *testing.T) {
	require.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.ErrorContains(t, GoroutineCountCheck(0)(context.Background()), "exceeds threshold")

	require.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))

	ok := PingCheck("redis", PingFunc(pass))
	require.NoError(t, ok(context.Background()))
	bad := PingCheck("redis", PingFunc(fail("i/o timeout")))
	assert.EqualError(t, bad(context.Background()), "ping redis: i/o timeout")
}
