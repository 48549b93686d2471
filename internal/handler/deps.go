package handler

import (
	"sync"

	"golang.org/x/time/rate"

	"visionchat/internal/app/chat"
	"visionchat/internal/app/delivery"
	"visionchat/internal/app/store"
	"visionchat/internal/configs"
	"visionchat/internal/pkg/limiter"
)

// AppDeps carries everything the HTTP handlers need.
type AppDeps struct {
	Config   *configs.AppConfig
	Store    store.Store
	Hub      *chat.Hub
	Pipeline *delivery.Pipeline

	mu       sync.Mutex
	limiters []*limiter.IPRateLimiter
}

func (d *AppDeps) newLimiter(r rate.Limit, b int) *limiter.IPRateLimiter {
	l := limiter.NewIPRateLimiter(r, b)

	d.mu.Lock()
	d.limiters = append(d.limiters, l)
	d.mu.Unlock()

	return l
}

// Close stops the background work started by Router.
func (d *AppDeps) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, l := range d.limiters {
		l.Close()
	}
	d.limiters = nil
}
