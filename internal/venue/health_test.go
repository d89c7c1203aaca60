package venue

import (
	"net/http"
	"testing"

	"marketarb/pkg/types"
)

func TestHealthTransitions(t *testing.T) {
	t.Parallel()
	h := NewHealthTracker(types.VenuePolymarket)

	if s := h.Snapshot().Status; s != StatusHealthy {
		t.Errorf("initial status = %v, want HEALTHY", s)
	}

	h.RecordError()
	h.RecordError()
	if s := h.Snapshot().Status; s != StatusHealthy {
		t.Errorf("status after 2 errors = %v, want HEALTHY", s)
	}

	h.RecordError()
	if s := h.Snapshot().Status; s != StatusDegraded {
		t.Errorf("status after 3 errors = %v, want DEGRADED", s)
	}

	for i := 0; i < 7; i++ {
		h.RecordError()
	}
	if s := h.Snapshot().Status; s != StatusOffline {
		t.Errorf("status after 10 errors = %v, want OFFLINE", s)
	}

	h.RecordSuccess(42)
	snap := h.Snapshot()
	if snap.Status != StatusHealthy {
		t.Errorf("status after success = %v, want HEALTHY", snap.Status)
	}
	if snap.ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors = %d, want 0", snap.ConsecutiveErrors)
	}
}

func TestHealthLatencyWindow(t *testing.T) {
	t.Parallel()
	h := NewHealthTracker(types.VenueKalshi)

	for i := 0; i < latencyWindow+20; i++ {
		h.RecordSuccess(100)
	}
	snap := h.Snapshot()
	if snap.AvgLatencyMS != 100 {
		t.Errorf("avg latency = %v, want 100", snap.AvgLatencyMS)
	}

	h.SetMarketCount(37)
	if n := h.Snapshot().MarketCount; n != 37 {
		t.Errorf("market count = %d, want 37", n)
	}
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   ErrKind
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusNotFound, ErrClosed},
		{http.StatusGone, ErrClosed},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusTeapot, ErrSchema},
	}
	for _, tc := range cases {
		if got := ClassifyHTTP("op", tc.status, nil).Kind; got != tc.want {
			t.Errorf("ClassifyHTTP(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestKindOfDefaultsTransient(t *testing.T) {
	t.Parallel()
	if k := KindOf(http.ErrServerClosed); k != ErrTransient {
		t.Errorf("KindOf(plain error) = %v, want TRANSIENT", k)
	}
	err := NewError(ErrAuth, "login", http.ErrServerClosed)
	if k := KindOf(err); k != ErrAuth {
		t.Errorf("KindOf(auth) = %v, want AUTH", k)
	}
}
