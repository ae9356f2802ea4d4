package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	warnEvery     = 5 * time.Second
	maxWarnKeys   = 1024
	warnKeyExpiry = 10 * time.Minute
)

// warnThrottle allows one warning per key per period, so a task failing on
// every tick does not flood the log.
type warnThrottle struct {
	every time.Duration

	mu   sync.Mutex
	keys map[string]*warnKey
}

type warnKey struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newWarnThrottle(every time.Duration) *warnThrottle {
	return &warnThrottle{every: every, keys: map[string]*warnKey{}}
}

func (w *warnThrottle) Allow(key string) bool {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	k, ok := w.keys[key]
	if !ok {
		if len(w.keys) >= maxWarnKeys {
			w.pruneLocked(now)
		}
		k = &warnKey{lim: rate.NewLimiter(rate.Every(w.every), 1)}
		w.keys[key] = k
	}
	k.lastSeen = now
	return k.lim.AllowN(now, 1)
}

func (w *warnThrottle) pruneLocked(now time.Time) {
	for key, k := range w.keys {
		if now.Sub(k.lastSeen) > warnKeyExpiry {
			delete(w.keys, key)
		}
	}
}
