package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 60, IPBurst: 2})
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("10.0.0.1"))
	assert.True(t, limiter.allow("10.0.0.1"))
	assert.False(t, limiter.allow("10.0.0.1"))

	now = now.Add(time.Second)
	assert.True(t, limiter.allow("10.0.0.1"))
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(RateLimitConfig{})
	limiter.now = func() time.Time { return now }

	for i := 0; i < limiterSweepSize; i++ {
		limiter.allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	require.Len(t, limiter.limiters, limiterSweepSize)

	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.allow("fresh")
	assert.Len(t, limiter.limiters, 1)
}

func TestClientIPIgnoresForwardedFromUntrustedPeer(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{})
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:5123"
	assert.Equal(t, "192.0.2.7", limiter.clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.7", limiter.clientIP(req))
}

func TestClientIPBehindTrustedProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.7 ", ""})
	require.NoError(t, err)
	limiter := NewRateLimiter(RateLimitConfig{TrustedProxies: trusted})

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:5123"
	assert.Equal(t, "192.0.2.7", limiter.clientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.4, 203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", limiter.clientIP(req), "spoofed leftmost hop is skipped")

	req.Header.Set("X-Forwarded-For", "10.1.1.1, 10.0.0.1")
	assert.Equal(t, "10.1.1.1", limiter.clientIP(req))

	req.RemoteAddr = "198.51.100.20:443"
	assert.Equal(t, "198.51.100.20", limiter.clientIP(req))
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.Error(t, err)
}

func TestForwardedHeaderCannotDodgeLimit(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1})
	calls := 0
	h := limiter.Limit(func(w http.ResponseWriter, r *http.Request) { calls++ })

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/checkin", nil)
		req.RemoteAddr = "198.51.100.20:5000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		resp := httptest.NewRecorder()
		h(resp, req)
		if i > 0 {
			assert.Equal(t, http.StatusTooManyRequests, resp.Code)
		}
	}
	assert.Equal(t, 1, calls)
}

func TestMatchPIN(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("2468"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, matchPIN("2468", "2468"))
	assert.False(t, matchPIN("2468", "24680"))
	assert.True(t, matchPIN(string(hash), "2468"))
	assert.False(t, matchPIN(string(hash), "1357"))
	assert.False(t, matchPIN(string(hash), string(hash)))
}

func TestNewGuardAdminDefaultsToStaff(t *testing.T) {
	guard := NewGuard("1234", "")
	assert.Equal(t, "1234", guard.staffPIN)
	assert.Equal(t, "1234", guard.adminPIN)

	guard = NewGuard(" 1234 ", "9876")
	assert.Equal(t, " 1234 ", guard.staffPIN)
	assert.Equal(t, "9876", guard.adminPIN)
}
