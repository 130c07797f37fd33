package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const rateWindow = time.Minute

// rateLimiter admits at most limit requests per client in any sliding
// one-minute window.
type rateLimiter struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string][]time.Time
	stop    chan struct{}
	once    sync.Once
}

func newRateLimiter(limit int, cleanupInterval time.Duration) *rateLimiter {
	rl := &rateLimiter{
		limit:   limit,
		now:     time.Now,
		clients: make(map[string][]time.Time),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go rl.cleanupLoop(cleanupInterval)
	}
	return rl
}

// allow records a request from client. When the window is full it reports
// false and how long until the oldest request leaves it.
func (rl *rateLimiter) allow(client string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := prune(rl.clients[client], now)
	if len(recent) >= rl.limit {
		rl.clients[client] = recent
		return false, rateWindow - now.Sub(recent[0])
	}
	rl.clients[client] = append(recent, now)
	return true, 0
}

// prune drops timestamps outside the window. The slice is ordered.
func prune(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= rateWindow {
		i++
	}
	return times[i:]
}

func (rl *rateLimiter) cleanup() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for client, times := range rl.clients {
		if recent := prune(times, now); len(recent) > 0 {
			rl.clients[client] = recent
		} else {
			delete(rl.clients, client)
		}
	}
}

func (rl *rateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *rateLimiter) close() {
	rl.once.Do(func() { close(rl.stop) })
}

// middleware answers 429 with Retry-After once a client exceeds the limit.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := rl.allow(clientIP(r))
		if !ok {
			secs := int((retry + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
