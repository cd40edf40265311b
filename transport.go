package girder

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// EventSource is a live server-push connection owned by a StreamClient.
type EventSource interface {
	// Close tears down the connection. Idempotent.
	Close() error
}

// TransportFunc opens a server-push connection against url. onMessage is
// invoked once per inbound message payload; onClose is invoked exactly once
// when the connection ends for any reason other than an explicit Close.
type TransportFunc func(ctx context.Context, url string, header http.Header, onMessage func([]byte), onClose func(error)) (EventSource, error)

// ============================================================================
// SSE transport
// ============================================================================

// SSETransport returns a TransportFunc that consumes a text/event-stream
// response, delivering each "data:" frame as one message. A nil client uses
// http.DefaultClient.
func SSETransport(client *http.Client) TransportFunc {
	if client == nil {
		client = http.DefaultClient
	}
	// Long-lived streams must not inherit the client's request timeout.
	streamClient := &http.Client{Transport: client.Transport}

	return func(ctx context.Context, url string, header http.Header, onMessage func([]byte), onClose func(error)) (EventSource, error) {
		ctx, cancel := context.WithCancel(ctx)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create stream request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := streamClient.Do(req)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stream connect: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("stream HTTP %d", resp.StatusCode)
		}

		src := &sseSource{cancel: cancel}
		go src.readLoop(resp, onMessage, onClose)
		return src, nil
	}
}

type sseSource struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

func (s *sseSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *sseSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sseSource) readLoop(resp *http.Response, onMessage func([]byte), onClose func(error)) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, ":") {
			continue // keep-alive comment
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if payload != "" {
				onMessage([]byte(payload))
			}
		}
	}

	if s.isClosed() {
		return
	}
	onClose(scanner.Err())
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WebSocketTransport returns a TransportFunc that reads messages from a
// WebSocket endpoint, for deployments that bridge the notification stream
// over a WS proxy. The http(s) scheme of the URL is swapped for ws(s).
func WebSocketTransport(opts *websocket.DialOptions) TransportFunc {
	return func(ctx context.Context, url string, header http.Header, onMessage func([]byte), onClose func(error)) (EventSource, error) {
		wsURL := strings.Replace(url, "https://", "wss://", 1)
		wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

		dialOpts := &websocket.DialOptions{}
		if opts != nil {
			o := *opts
			dialOpts = &o
		}
		if len(header) > 0 {
			merged := http.Header{}
			for k, vs := range dialOpts.HTTPHeader {
				merged[k] = vs
			}
			for k, vs := range header {
				merged[k] = vs
			}
			dialOpts.HTTPHeader = merged
		}

		ctx, cancel := context.WithCancel(ctx)
		conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("websocket dial: %w", err)
		}

		src := &wsSource{conn: conn, cancel: cancel}
		go src.readLoop(ctx, onMessage, onClose)
		return src, nil
	}
}

type wsSource struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
}

func (s *wsSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "client close")
}

func (s *wsSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *wsSource) readLoop(ctx context.Context, onMessage func([]byte), onClose func(error)) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !s.isClosed() {
				onClose(err)
			}
			return
		}
		onMessage(data)
	}
}
