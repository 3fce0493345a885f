package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiter_Allow_BasicFunctionality(t *testing.T) {
	limiter := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed, but was denied", i+1)
		}
	}

	if limiter.Allow("192.168.1.1") {
		t.Error("4th request should be denied, but was allowed")
	}
}

func TestKeyedLimiter_Allow_DifferentIPs(t *testing.T) {
	limiter := New(2, time.Minute)

	ip1 := "192.168.1.1"
	ip2 := "192.168.1.2"

	assert.True(t, limiter.Allow(ip1))
	assert.True(t, limiter.Allow(ip1))
	assert.False(t, limiter.Allow(ip1), "third request for ip1 should be denied")

	assert.True(t, limiter.Allow(ip2), "ip2 has its own bucket")
	assert.True(t, limiter.Allow(ip2))
	assert.False(t, limiter.Allow(ip2))
}

func TestKeyedLimiter_Allow_Refill(t *testing.T) {
	limiter := New(2, 100*time.Millisecond)

	assert.True(t, limiter.Allow("ip"))
	assert.True(t, limiter.Allow("ip"))
	assert.False(t, limiter.Allow("ip"))

	time.Sleep(150 * time.Millisecond)

	assert.True(t, limiter.Allow("ip"), "bucket should refill after the interval")
}

func TestKeyedLimiter_Allow_ZeroLimit(t *testing.T) {
	limiter := New(0, time.Minute)

	if limiter.Allow("192.168.1.1") {
		t.Error("Request should be denied when max requests is 0")
	}
}

func TestKeyedLimiter_Allow_Concurrent(t *testing.T) {
	limiter := New(50, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed requests, got %d", allowed)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(New(1, time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/sync-stripe", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, fmt.Sprintf("request %d", i+1))
	}

	// a different port on the same host shares the bucket
	req := httptest.NewRequest(http.MethodPost, "/api/sync-stripe", nil)
	req.RemoteAddr = "10.0.0.1:6666"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Too many requests")
}
