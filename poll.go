package girder

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Polling fallback
// ============================================================================

// PollConfig configures a Poller.
type PollConfig struct {
	// Interval between polls. Defaults to 5 seconds.
	Interval time.Duration
	// Since is the initial cursor; notifications updated before it are
	// skipped. Defaults to the time the poller starts.
	Since time.Time
	// Hub receives the fetched notifications, keyed exactly like the
	// streaming path. Defaults to a fresh hub.
	Hub *Hub
	// Logger for diagnostics. Defaults to the client's logger.
	Logger *zerolog.Logger
}

func (c *PollConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.Hub == nil {
		c.Hub = NewHub()
	}
}

// Poller periodically fetches outstanding notifications over plain REST and
// republishes them through a hub. It is the explicit fallback for
// environments where a push transport cannot be used; subscribers see the
// same "event.<type>" keys either way.
type Poller struct {
	client *Client
	cfg    PollConfig
	hub    *Hub
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	cursor  time.Time
	stop    chan struct{}
}

// Poll creates a Poller for this server. Call Start to begin polling.
func (c *Client) Poll(cfg *PollConfig) *Poller {
	conf := PollConfig{}
	if cfg != nil {
		conf = *cfg
	}
	conf.defaults()

	log := c.log
	if conf.Logger != nil {
		log = *conf.Logger
	}

	return &Poller{
		client: c,
		cfg:    conf,
		hub:    conf.Hub,
		log:    log,
		cursor: conf.Since,
	}
}

// Hub returns the hub notifications are published through.
func (p *Poller) Hub() *Hub {
	return p.hub
}

// Start begins the polling loop. Idempotent.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	if p.cursor.IsZero() {
		p.cursor = time.Now()
	}
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	go p.loop(stop)
}

// Stop halts the polling loop. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
}

func (p *Poller) loop(stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.poll(context.Background())
		}
	}
}

// poll fetches one batch and advances the cursor past the newest
// notification seen. Fetch errors are logged and retried next interval.
func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	notifications, err := p.client.ListNotifications(ctx, cursor)
	if err != nil {
		p.log.Warn().Err(err).Msg("notification poll failed")
		return
	}

	next := cursor
	for i := range notifications {
		n := &notifications[i]
		if n.Type == "" {
			continue
		}
		p.hub.Publish(EventKeyPrefix+n.Type, n)
		if updated := epochTime(n.Updated); updated.After(next) {
			next = updated
		}
	}

	p.mu.Lock()
	if next.After(p.cursor) {
		p.cursor = next
	}
	p.mu.Unlock()
}

func epochTime(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(seconds*float64(time.Second)))
}
