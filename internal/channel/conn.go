package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mattjoyce/pt2/internal/protocol"
)

// Conn is the backend side of a channel.
type Conn struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder

	once   sync.Once
	closed chan struct{}
}

// dialRetry is how often Dial retries while the manager has not bound yet.
var dialRetry = 50 * time.Millisecond

// Dial connects to the endpoint for name inside dir, retrying until ctx is done.
func Dial(ctx context.Context, dir, name string) (*Conn, error) {
	path := Path(dir, name)
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return &Conn{
				conn:   conn,
				enc:    protocol.NewEncoder(conn),
				dec:    protocol.NewDecoder(conn),
				closed: make(chan struct{}),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial endpoint %s: %w", path, errors.Join(ctx.Err(), err))
		case <-time.After(dialRetry):
		}
	}
}

// Send writes msg to the manager.
func (c *Conn) Send(msg protocol.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.enc.Encode(msg)
}

// Receive blocks for the next message from the manager. It returns io.EOF
// once the manager closes the endpoint.
func (c *Conn) Receive() (protocol.Message, error) {
	return c.dec.Decode()
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
