// Package transport keeps one websocket connection to the relay open,
// redialing with backoff whenever it drops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
	"github.com/podgallery/podgallery/pkg/protocol"
	"github.com/podgallery/podgallery/pkg/retry"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
)

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("relay not connected")
	// ErrSendQueueFull is returned by Send when the write pump is behind.
	ErrSendQueueFull = errors.New("relay send queue full")
)

// Handler receives connection events. Calls come from the connection's
// goroutines; implementations hand them over to their own event loop.
type Handler interface {
	OnOpen()
	OnClose()
	OnMessage(data []byte)
}

// Config holds connection settings.
type Config struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration // 0 disables keepalive pings
	SendRate     float64       // messages per second, 0 is unlimited
	SendBurst    int
	SendQueue    int
	Header       http.Header
}

// Conn is the relay connection. Send is safe for concurrent use.
type Conn struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu       sync.Mutex
	out      chan []byte
	connects int
}

// New creates a connection; call Run to dial.
func New(cfg Config, handler Handler) *Conn {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}

	c := &Conn{
		cfg:     cfg,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return c
}

// Connected reports whether a connection is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Send encodes m and queues it for the write pump.
func (c *Conn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", protocol.Kind(m), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- data:
		metrics.RecordMessage("out", protocol.Kind(m))
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Run dials the relay and serves connections until ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	backoff := retry.ReconnectConfig(c.cfg.ReconnectMin, c.cfg.ReconnectMax)

	for {
		ws, err := retry.DoWithResult(ctx, backoff, func() (*websocket.Conn, error) {
			ws, err := c.dial(ctx)
			if err != nil {
				logging.Warn("relay dial failed", logging.String("url", c.cfg.URL), logging.Err(err))
				return nil, retry.Retryable(err)
			}
			return ws, nil
		})
		if err != nil {
			return err
		}

		c.serve(ctx, ws)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Info("lost relay connection, reconnecting", logging.Duration("in", c.cfg.ReconnectMin))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectMin):
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %s): %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return ws, nil
}

// serve runs one connection: open event, read pump on this goroutine,
// write pump on another, close event once both are gone.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	sctx := logging.WithSession(ctx, uuid.NewString())
	log := logging.WithContext(sctx)

	out := make(chan []byte, c.cfg.SendQueue)
	c.mu.Lock()
	c.out = out
	c.connects++
	reconnect := c.connects > 1
	c.mu.Unlock()

	metrics.SetConnected(true)
	if reconnect {
		metrics.RecordReconnect()
	}
	log.Info("relay connection established", logging.String("url", c.cfg.URL))
	c.handler.OnOpen()

	connCtx, cancel := context.WithCancel(sctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(connCtx, ws, out)
	}()

	err := c.readPump(ws)
	cancel()
	ws.Close()
	wg.Wait()

	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()

	metrics.SetConnected(false)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warn("relay connection lost", logging.Err(err))
	} else {
		log.Info("relay connection closed", logging.Err(err))
	}
	c.handler.OnClose()
}

func (c *Conn) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	if c.cfg.PingInterval > 0 {
		deadline := 2 * c.cfg.PingInterval
		ws.SetReadDeadline(time.Now().Add(deadline))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.PingInterval > 0 {
			ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		}
		c.handler.OnMessage(data)
	}
}

func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn, out <-chan []byte) {
	log := logging.WithContext(ctx)

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			ws.Close()
			return

		case data := <-out:
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					continue
				}
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("relay write failed", logging.Err(err))
				ws.Close()
				return
			}

		case <-ping:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn("relay ping failed", logging.Err(err))
				ws.Close()
				return
			}
		}
	}
}
