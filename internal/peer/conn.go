package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/auctionmesh/auctiond/internal/broadcast"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/types"
)

// ConnOptions bound the resources a single connection may use.
type ConnOptions struct {
	// MaxMessageSize is the largest inbound frame accepted, in bytes. Zero
	// means no limit.
	MaxMessageSize int64
	// WriteTimeout bounds every write. Zero means no deadline.
	WriteTimeout time.Duration
	// PingInterval is how often the connection is pinged. The peer must
	// answer, or send anything else, within two intervals. Zero disables
	// keepalive.
	PingInterval time.Duration
}

// Conn is a peer connection. Reads must happen from a single goroutine; writes
// may come from any goroutine.
type Conn struct {
	id       string
	identity string
	ws       *websocket.Conn
	opts     ConnOptions
	logger   log.Logger

	writeMtx sync.Mutex

	closeOnce sync.Once
	quit      chan struct{}
}

var _ broadcast.Target = (*Conn)(nil)

func newConn(ws *websocket.Conn, opts ConnOptions, logger log.Logger) *Conn {
	id := uuid.New().String()
	c := &Conn{
		id:     id,
		ws:     ws,
		opts:   opts,
		logger: logger.With("conn", id, "remote", ws.RemoteAddr().String()),
		quit:   make(chan struct{}),
	}
	if opts.MaxMessageSize > 0 {
		ws.SetReadLimit(opts.MaxMessageSize)
	}
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	return c
}

// ID uniquely identifies the connection. A peer reconnecting gets a new ID.
func (c *Conn) ID() string { return c.id }

// Identity is the stable identity of the peer, empty until the handshake
// completed.
func (c *Conn) Identity() string { return c.identity }

// RemoteAddr returns the network address of the peer.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// WriteRaw sends an already encoded frame.
func (c *Conn) WriteRaw(frame []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", broadcast.ErrConnectionWriteFailure, err)
	}
	return nil
}

// WriteMessage encodes msg and sends it.
func (c *Conn) WriteMessage(msg types.Message) error {
	bz, err := msg.Marshal()
	if err != nil {
		return err
	}
	return c.WriteRaw(bz)
}

// ReadMessage blocks until the next frame arrives. A frame that is not a
// valid envelope yields an error wrapping types.ErrMalformedRequest; the
// connection is still usable afterwards. Any other error means the
// connection is gone.
func (c *Conn) ReadMessage() (types.Message, error) {
	_, bz, err := c.ws.ReadMessage()
	if err != nil {
		return types.Message{}, err
	}
	c.extendReadDeadline()
	return types.DecodeMessage(bz)
}

// SetReadDeadline sets the deadline of the next read. The zero value restores
// the keepalive deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		c.extendReadDeadline()
		return nil
	}
	return c.ws.SetReadDeadline(t)
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		c.writeMtx.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMtx.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) extendReadDeadline() {
	var deadline time.Time
	if c.opts.PingInterval > 0 {
		deadline = time.Now().Add(2 * c.opts.PingInterval)
	}
	_ = c.ws.SetReadDeadline(deadline)
}

// keepalive pings the peer until the connection is closed.
func (c *Conn) keepalive() {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.PingInterval)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("failed to write ping", "err", err)
				}
				return
			}
		case <-c.quit:
			return
		}
	}
}
