package ops

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/scheduler"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type checkFunc func(ctx context.Context) error

func (f checkFunc) Ping(ctx context.Context) error   { return f(ctx) }
func (f checkFunc) Health(ctx context.Context) error { return f(ctx) }

func ok(context.Context) error { return nil }

type fixedWatermark struct {
	w   *domain.Watermark
	err error
}

func (f fixedWatermark) Watermark(context.Context) (*domain.Watermark, error) { return f.w, f.err }

type fakeSync struct {
	status   scheduler.Status
	report   syncer.SyncReport
	err      error
	interval time.Duration
}

func (f *fakeSync) Status() scheduler.Status { return f.status }

func (f *fakeSync) ForceRunNow(context.Context) (syncer.SyncReport, error) { return f.report, f.err }

func (f *fakeSync) SetInterval(d time.Duration) error {
	f.interval = d
	f.status.Interval = d
	return nil
}

var now = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

func newTestHandler(store, source checkFunc, wm fixedWatermark, sync *fakeSync) http.Handler {
	h := NewHandler(store, source, wm, sync, zap.NewNop())
	h.now = func() time.Time { return now }
	return h.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	h := newTestHandler(ok, ok, fixedWatermark{}, &fakeSync{})
	rec, body := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestReady(t *testing.T) {
	fresh := &domain.Watermark{LastSuccessAt: now.Add(-20 * time.Minute)}
	stale := &domain.Watermark{LastSuccessAt: now.Add(-2 * time.Hour)}
	down := func(context.Context) error { return stderrors.New("connection refused") }

	tests := []struct {
		name     string
		store    checkFunc
		source   checkFunc
		wm       fixedWatermark
		wantCode int
		failing  string
	}{
		{"all ready", ok, ok, fixedWatermark{w: fresh}, http.StatusOK, ""},
		{"database down", down, ok, fixedWatermark{w: fresh}, http.StatusServiceUnavailable, "database"},
		{"source down", ok, down, fixedWatermark{w: fresh}, http.StatusServiceUnavailable, "source"},
		{"never synced", ok, ok, fixedWatermark{}, http.StatusServiceUnavailable, "sync"},
		{"stale watermark", ok, ok, fixedWatermark{w: stale}, http.StatusServiceUnavailable, "sync"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync := &fakeSync{status: scheduler.Status{Interval: 15 * time.Minute}}
			rec, body := do(t, newTestHandler(tt.store, tt.source, tt.wm, sync), http.MethodGet, "/ready", "")
			assert.Equal(t, tt.wantCode, rec.Code)

			checks := body["checks"].(map[string]any)
			for name, status := range checks {
				if name == tt.failing {
					assert.Contains(t, status, "not ready")
				} else {
					assert.Equal(t, "ready", status, name)
				}
			}
		})
	}
}

func TestSyncStatus(t *testing.T) {
	last := now.Add(-time.Minute)
	sync := &fakeSync{status: scheduler.Status{
		Running:   true,
		Interval:  15 * time.Minute,
		LastRunAt: &last,
		RecentLogs: []scheduler.RunLog{
			{Trigger: scheduler.TriggerScheduled, Report: syncer.SyncReport{CallsCreated: 4}},
		},
	}}

	rec, body := do(t, newTestHandler(ok, ok, fixedWatermark{}, sync), http.MethodGet, "/sync/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	logs := body["recent_logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "scheduled", logs[0].(map[string]any)["trigger"])
}

func TestSyncRun(t *testing.T) {
	t.Run("returns the report", func(t *testing.T) {
		sync := &fakeSync{report: syncer.SyncReport{PatientsUpserted: 2, CallsCreated: 1}}
		rec, body := do(t, newTestHandler(ok, ok, fixedWatermark{}, sync), http.MethodPost, "/sync/run", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 2, body["patients_upserted"])
		assert.EqualValues(t, 1, body["calls_created"])
	})

	t.Run("source unavailable maps to 503", func(t *testing.T) {
		sync := &fakeSync{err: errors.SourceUnavailable("fetch patients", stderrors.New("timeout"))}
		rec, body := do(t, newTestHandler(ok, ok, fixedWatermark{}, sync), http.MethodPost, "/sync/run", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "SOURCE_UNAVAILABLE", body["code"])
	})

	t.Run("rate limited maps to 429", func(t *testing.T) {
		sync := &fakeSync{err: errors.RateLimited("forced sync run")}
		rec, body := do(t, newTestHandler(ok, ok, fixedWatermark{}, sync), http.MethodPost, "/sync/run", "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "RATE_LIMITED", body["code"])
	})
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) RunSync(context.Context) (syncer.SyncReport, error) {
	r.started <- struct{}{}
	<-r.release
	return syncer.SyncReport{CallsCreated: 3}, nil
}

func TestSyncRun_ConcurrentRequestsJoinInFlightRun(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	sched := scheduler.New(runner, 10, zap.NewNop())
	sched.LimitForcedRuns(rate.Limit(0.001), 1)

	h := NewHandler(checkFunc(ok), checkFunc(ok), fixedWatermark{}, sched, zap.NewNop()).Routes()

	const callers = 4
	codes := make([]int, callers)
	var wg sync.WaitGroup
	post := func(i int) {
		defer wg.Done()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/run", nil))
		codes[i] = rec.Code
	}

	wg.Add(1)
	go post(0)
	<-runner.started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go post(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(runner.release)
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusOK, http.StatusOK}, codes)
	assert.Len(t, sched.Status().RecentLogs, 1)

	rec, body := do(t, h, http.MethodPost, "/sync/run", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "a new run past the limit is refused")
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.Len(t, sched.Status().RecentLogs, 1)
}

func TestSyncInterval(t *testing.T) {
	sync := &fakeSync{}
	h := newTestHandler(ok, ok, fixedWatermark{}, sync)

	rec, _ := do(t, h, http.MethodPut, "/sync/interval", `{"interval":"30m"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30*time.Minute, sync.interval)

	rec, _ = do(t, h, http.MethodPut, "/sync/interval", `{"interval":"-5m"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPut, "/sync/interval", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(ok, ok, fixedWatermark{}, &fakeSync{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
