package liveview

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	log "github.com/sirupsen/logrus"
)

const (
	dialTimeout = 5 * time.Second
	// frameTimeout bounds each read once a frame has started arriving
	frameTimeout   = 2 * time.Second
	reconnectDelay = 100 * time.Millisecond
)

// Client receives exposures from a Broadcaster. A corrupted or truncated
// frame drops the connection and a fresh one is dialled.
type Client struct {
	addr   string
	logger *log.Entry

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the broadcaster at addr.
func Dial(ctx context.Context, addr string, logger *log.Entry) (*Client, error) {
	if logger == nil {
		logger = log.WithField("component", "liveview-client")
	}
	c := &Client{addr: addr, logger: logger}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %v", fault.ErrConnection, c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64*1024)
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// ReceiveExposure waits up to timeout for the next frame. ErrImageReceive is
// returned when no complete frame arrives in time and ErrConnection when the
// broadcaster cannot be reached. A frame cut off by the timeout is dropped
// along with the connection.
func (c *Client) ReceiveExposure(timeout time.Duration) (*exposure.Exposure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if c.conn == nil {
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			err := c.connect(ctx)
			cancel()
			if err != nil {
				return nil, err
			}
		}

		_ = c.conn.SetReadDeadline(deadline)
		if _, err := c.reader.Peek(1); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("%w within %s", fault.ErrImageReceive, timeout)
			}
			c.logger.WithError(err).Warn("live view connection lost, reconnecting")
		} else {
			frameDeadline := time.Now().Add(frameTimeout)
			if deadline.Before(frameDeadline) {
				frameDeadline = deadline
			}
			_ = c.conn.SetReadDeadline(frameDeadline)
			exp, err := ReadFrame(c.reader)
			if err == nil {
				return exp, nil
			}
			c.logger.WithError(err).Warn("live view stream desynchronized, reconnecting")
		}

		c.reset()
		if time.Until(deadline) < reconnectDelay {
			return nil, fmt.Errorf("%w within %s", fault.ErrImageReceive, timeout)
		}
		time.Sleep(reconnectDelay)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}
