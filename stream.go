package girder

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStreamPath is the server-push notification endpoint.
const DefaultStreamPath = "/notification/stream"

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures a StreamClient.
type StreamConfig struct {
	// Path of the push endpoint relative to the API root.
	Path string
	// Timeout, when set, asks the server to close the stream after this
	// many idle seconds (sent as the "timeout" query parameter).
	Timeout time.Duration
	// TickInterval is the heartbeat period.
	TickInterval time.Duration
	// LeaseTTL is the grace window after a missed heartbeat before the
	// connection is reclaimed.
	LeaseTTL time.Duration
	// Transport opens the underlying push connection. Defaults to
	// SSETransport over the client's HTTP client.
	Transport TransportFunc
	// Hub receives published notifications. Defaults to a fresh hub.
	Hub *Hub
	// Logger for diagnostics. Defaults to the client's logger.
	Logger *zerolog.Logger
}

func (c *StreamConfig) defaults(client *Client) {
	if c.Path == "" {
		c.Path = DefaultStreamPath
	}
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 5 * time.Second
	}
	if c.Transport == nil {
		c.Transport = SSETransport(client.httpClient)
	}
	if c.Hub == nil {
		c.Hub = NewHub()
	}
}

// ============================================================================
// StreamClient
// ============================================================================

// StreamClient maintains at most one live connection to the notification
// stream and republishes each inbound record through its hub under the key
// "event.<type>" (or "error" for unparseable records).
//
// The connection is held on a renew-or-expire lease: every heartbeat tick
// re-arms a LeaseTTL dead-man timer, so when the consumer stops driving the
// client the connection is reclaimed, and the next tick after resumption
// reopens it. Close deactivates the heartbeat; Open starts it again.
type StreamClient struct {
	client    *Client
	cfg       StreamConfig
	transport TransportFunc
	hub       *Hub
	log       zerolog.Logger

	mu       sync.Mutex
	active   bool
	source   EventSource
	gen      int // connection generation, guards stale close callbacks
	lease    *time.Timer
	cancel   context.CancelFunc
	degraded bool

	// seam for deterministic lease tests
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// Stream creates a StreamClient for this server. Call Open to start
// streaming. The client is safe to share across goroutines.
func (c *Client) Stream(cfg *StreamConfig) *StreamClient {
	conf := StreamConfig{}
	if cfg != nil {
		conf = *cfg
	}
	conf.defaults(c)

	log := c.log
	if conf.Logger != nil {
		log = *conf.Logger
	}

	return &StreamClient{
		client:    c,
		cfg:       conf,
		transport: conf.Transport,
		hub:       conf.Hub,
		log:       log,
		afterFunc: time.AfterFunc,
	}
}

// Hub returns the hub notifications are published through.
func (s *StreamClient) Hub() *Hub {
	return s.hub
}

// On binds a handler on the stream's hub.
func (s *StreamClient) On(key string, fn Handler) *Subscription {
	return s.hub.On(key, fn)
}

// Connected reports whether a live connection is currently held.
func (s *StreamClient) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source != nil
}

// Active reports whether the heartbeat is running (Open called, Close not).
func (s *StreamClient) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ============================================================================
// Open / Close
// ============================================================================

// Open starts streaming. It is idempotent: calling it while the stream is
// active does nothing. When no transport is available the client stays
// permanently inactive and logs a diagnostic once; no error is returned.
func (s *StreamClient) Open() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	if s.transport == nil {
		if !s.degraded {
			s.degraded = true
			s.log.Error().Msg("no push transport available, notification stream disabled")
		}
		s.mu.Unlock()
		return
	}
	s.active = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.connect()
	go s.tickLoop(ctx)
}

// Close stops streaming: the heartbeat is deactivated so no tick reopens the
// connection, and any live connection is closed immediately. Idempotent.
func (s *StreamClient) Close() {
	s.mu.Lock()
	s.active = false
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.lease != nil {
		s.lease.Stop()
		s.lease = nil
	}
	src := s.source
	s.source = nil
	s.mu.Unlock()

	if src != nil {
		src.Close()
	}
}

// ============================================================================
// Heartbeat / idle-reclaim
// ============================================================================

func (s *StreamClient) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat runs once per tick: with no connection held it re-establishes
// one; with a connection held it renews the idle lease. If ticks stop
// arriving the lease lapses and expireLease reclaims the connection.
func (s *StreamClient) heartbeat() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.source == nil {
		s.mu.Unlock()
		s.connect()
		return
	}
	if s.lease != nil {
		s.lease.Stop()
	}
	s.lease = s.afterFunc(s.cfg.LeaseTTL, s.expireLease)
	s.mu.Unlock()
}

// expireLease fires when no tick renewed the lease within LeaseTTL. The held
// connection is released; a later tick re-acquires it.
func (s *StreamClient) expireLease() {
	s.mu.Lock()
	src := s.source
	s.source = nil
	s.gen++
	s.lease = nil
	s.mu.Unlock()

	if src != nil {
		s.log.Debug().Msg("idle lease expired, reclaiming notification stream")
		src.Close()
	}
}

// ============================================================================
// Connection management
// ============================================================================

func (s *StreamClient) connect() {
	s.mu.Lock()
	if !s.active || s.source != nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	transport := s.transport
	s.mu.Unlock()

	header := http.Header{}
	if s.client.token != "" {
		header.Set("Girder-Token", s.client.token)
	}

	src, err := transport(context.Background(), s.streamURL(), header,
		s.handleMessage,
		func(err error) { s.handleTransportClose(gen, err) })
	if err != nil {
		s.log.Warn().Err(err).Msg("notification stream connect failed")
		return
	}

	s.mu.Lock()
	if !s.active || s.gen != gen {
		// Close (or lease expiry) won the race; discard the connection.
		s.mu.Unlock()
		src.Close()
		return
	}
	s.source = src
	s.mu.Unlock()
}

// handleTransportClose reacts to the connection ending on its own (network
// loss, server idle timeout). Reconnection is silent: the reference is
// cleared and the next heartbeat tick reopens.
func (s *StreamClient) handleTransportClose(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen || s.source == nil {
		s.mu.Unlock()
		return
	}
	s.source = nil
	s.mu.Unlock()

	s.log.Debug().AnErr("cause", err).Msg("notification stream closed by peer")
}

func (s *StreamClient) streamURL() string {
	u := s.client.apiRoot + s.cfg.Path
	if s.cfg.Timeout > 0 {
		u += "?timeout=" + strconv.Itoa(int(s.cfg.Timeout/time.Second))
	}
	return u
}

// ============================================================================
// Message handling
// ============================================================================

// handleMessage parses one inbound record and fans it out. An unparseable or
// untyped record is published once under KeyError with the raw payload; it
// does not disturb the stream.
func (s *StreamClient) handleMessage(data []byte) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil || n.Type == "" {
		if err != nil {
			s.log.Warn().Err(err).Msg("discarding malformed notification")
		} else {
			s.log.Warn().Msg("discarding notification without a type")
		}
		s.hub.Publish(KeyError, &Notification{Raw: append([]byte(nil), data...)})
		return
	}
	n.Raw = append([]byte(nil), data...)
	s.hub.Publish(EventKeyPrefix+n.Type, &n)
}
