package api

import (
	"sync"
	"time"
)

// DefaultBannerTTL is how long a banner stays up unless dismissed.
const DefaultBannerTTL = 5 * time.Second

// banner holds the transient notification shown above the list. Each show
// replaces the previous banner and restarts the dismissal timer.
type banner struct {
	ttl      time.Duration
	onChange func()

	mu      sync.Mutex
	current *Banner
	timer   *time.Timer
	gen     uint64
}

func newBanner(ttl time.Duration, onChange func()) *banner {
	if ttl <= 0 {
		ttl = DefaultBannerTTL
	}
	return &banner{ttl: ttl, onChange: onChange}
}

func (b *banner) show(message, kind string) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.current = &Banner{Message: message, Kind: kind}
	b.timer = time.AfterFunc(b.ttl, func() { b.expire(gen) })
	b.mu.Unlock()
	b.onChange()
}

func (b *banner) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.current == nil {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.timer = nil
	b.mu.Unlock()
	b.onChange()
}

func (b *banner) dismiss() bool {
	b.mu.Lock()
	if b.current == nil {
		b.mu.Unlock()
		return false
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	b.current = nil
	b.mu.Unlock()
	b.onChange()
	return true
}

func (b *banner) get() *Banner {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	c := *b.current
	return &c
}

func (b *banner) stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
}
