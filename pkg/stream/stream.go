// Package stream maintains the push channel: a websocket subscription
// that delivers job updates ahead of the next pull refresh. The channel
// is advisory. Anything missed while disconnected is recovered by the
// periodic list reconcile, so the reconnect policy here stays thin.
package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
	"github.com/fetchq/fetchq/pkg/retry"
)

// Consumer receives decoded push frames. *controller.Controller
// satisfies it.
type Consumer interface {
	ApplyPushEvent(ev *models.PushEvent)
}

// Config configures a push channel client.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://). Use DeriveURL to
	// build it from the backend's HTTP base URL.
	URL string

	// Tokens supplies the session token for the handshake. Optional.
	Tokens *auth.TokenHolder

	// OnBackendReady is invoked for backend_ready frames, in addition
	// to the consumer. Optional.
	OnBackendReady func()

	// Retry bounds the reconnect backoff. MaxRetries is ignored here:
	// the channel reconnects until the context ends.
	Retry retry.Config

	// TLSConfig applies to wss:// dials. Nil uses the system roots.
	TLSConfig *tls.Config

	Logger  *logging.Logger
	Metrics *metrics.Collector
}

// Client is a reconnecting websocket subscriber.
type Client struct {
	url            string
	tokens         *auth.TokenHolder
	onBackendReady func()
	retryCfg       retry.Config
	log            *logging.Logger
	collector      *metrics.Collector
	dialer         *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// New validates the config and returns a client. It does not dial.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stream: URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: parsing URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.INFO, false)
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	dialer := websocket.DefaultDialer
	if cfg.TLSConfig != nil {
		d := *websocket.DefaultDialer
		d.TLSClientConfig = cfg.TLSConfig
		dialer = &d
	}
	return &Client{
		url:            cfg.URL,
		tokens:         cfg.Tokens,
		onBackendReady: cfg.OnBackendReady,
		retryCfg:       cfg.Retry,
		log:            cfg.Logger,
		collector:      cfg.Metrics,
		dialer:         dialer,
	}, nil
}

// DeriveURL converts the backend's HTTP base URL into the push channel
// endpoint.
func DeriveURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("stream: parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	u.Path = path.Join(u.Path, "ws")
	return u.String(), nil
}

// RunLoop keeps the subscription alive until ctx is done. Each decoded
// frame is handed to the consumer; undecodable frames are skipped so a
// single malformed message cannot drop the channel. Backoff resets
// after every successful connection.
func (c *Client) RunLoop(ctx context.Context, consumer Consumer) {
	backoff := c.retryCfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("push channel connect failed", map[string]interface{}{
				"url":     c.url,
				"error":   err.Error(),
				"backoff": backoff.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.retryCfg.Multiplier)
			if backoff > c.retryCfg.MaxBackoff {
				backoff = c.retryCfg.MaxBackoff
			}
			continue
		}
		backoff = c.retryCfg.InitialBackoff
		c.log.Info("push channel connected", map[string]interface{}{"url": c.url})
		c.readLoop(ctx, conn, consumer)
	}
}

// Close tears down the current connection, if any. RunLoop will keep
// reconnecting unless its context has ended, so cancel that first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.tokens != nil {
		if tok := c.tokens.Get(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
			header.Set(auth.TokenHeader, tok)
		}
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dialing %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, consumer Consumer) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	// ReadMessage has no context form. Closing the connection is the
	// sanctioned way to unblock it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("push channel dropped", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		ev, err := models.DecodePushEvent(data)
		if err != nil {
			c.log.Warn("skipping undecodable push frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		if c.collector != nil {
			c.collector.RecordPushEvent(ev.Type)
		}
		if ev.Type == models.PushBackendReady && c.onBackendReady != nil {
			c.onBackendReady()
		}
		consumer.ApplyPushEvent(ev)
	}
}
