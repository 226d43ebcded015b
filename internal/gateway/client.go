package gateway

import (
	"sync"

	"github.com/rs/zerolog"
)

type Deliverer interface {
	Deliver(msg Message) error
}

// Client is the foreground end of the gateway. Send never blocks and never
// waits for the worker to act.
type Client struct {
	mu     sync.RWMutex
	target Deliverer
	log    zerolog.Logger
}

func NewClient(logger *zerolog.Logger) *Client {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Client{log: log.With().Str("component", "gateway-client").Logger()}
}

func (c *Client) Attach(target Deliverer) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
}

func (c *Client) Detach() {
	c.Attach(nil)
}

// Send hands msg to the attached worker. The returned error is informational:
// the message is dropped and callers should log rather than retry.
func (c *Client) Send(msg Message) error {
	c.mu.RLock()
	target := c.target
	c.mu.RUnlock()
	if target == nil {
		c.log.Debug().Str("type", string(msg.Type)).Msg("no worker attached, message dropped")
		return ErrNoWorker
	}
	if err := target.Deliver(msg); err != nil {
		c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("message not delivered")
		return err
	}
	return nil
}
