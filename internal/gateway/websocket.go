package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	GatewayPath          = "/gateway"
	defaultOutboxSize    = 64
	defaultDialTimeout   = 3 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	maxGatewayFrameBytes = 1 << 20
)

// NewWSHandler accepts gateway connections and forwards each text frame, one
// JSON message per frame, to worker.
func NewWSHandler(worker Deliverer, logger *zerolog.Logger) http.Handler {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	log = log.With().Str("component", "gateway-ws").Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket accept failed")
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxGatewayFrameBytes)

		ctx := r.Context()
		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				status := websocket.CloseStatus(err)
				if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
					log.Debug().Err(err).Msg("gateway connection ended")
				}
				return
			}
			if kind != websocket.MessageText {
				log.Warn().Msg("ignoring binary gateway frame")
				continue
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn().Err(err).Msg("ignoring malformed gateway frame")
				continue
			}
			if err := worker.Deliver(msg); err != nil {
				log.Warn().Err(err).Str("type", string(msg.Type)).Msg("gateway frame not delivered")
			}
		}
	})
}

type WSClientOptions struct {
	URL          string
	OutboxSize   int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zerolog.Logger
}

// WSClient delivers messages to a remote worker. It dials on first use and
// redials after a failed write; messages that cannot be written are dropped.
type WSClient struct {
	url          string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger

	outbox    chan Message
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSClient(opts WSClientOptions) *WSClient {
	size := opts.OutboxSize
	if size <= 0 {
		size = defaultOutboxSize
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	c := &WSClient{
		url:          opts.URL,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		log:          log.With().Str("component", "gateway-ws-client").Str("url", opts.URL).Logger(),
		outbox:       make(chan Message, size),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *WSClient) Deliver(msg Message) error {
	select {
	case <-c.closed:
		return ErrNoWorker
	default:
	}
	select {
	case c.outbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Close flushes queued messages until ctx expires, then closes the connection.
func (c *WSClient) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *WSClient) loop() {
	defer close(c.done)
	for {
		select {
		case msg := <-c.outbox:
			c.write(msg)
		case <-c.closed:
			for {
				select {
				case msg := <-c.outbox:
					c.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (c *WSClient) write(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("encode gateway message failed")
		return
	}
	conn, err := c.connection()
	if err != nil {
		c.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("worker unreachable, message dropped")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("gateway write failed, message dropped")
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.CloseNow()
	}
}

func (c *WSClient) connection() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}
