// Package peer accepts peer connections on the topic endpoint, establishes
// their identity and turns their requests into registry operations.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auctionmesh/auctiond/internal/auction"
	"github.com/auctionmesh/auctiond/internal/broadcast"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/libs/service"
	"github.com/auctionmesh/auctiond/types"
)

// DefaultHandshakeTimeout bounds the identity exchange.
const DefaultHandshakeTimeout = 10 * time.Second

// Registry is the auction registry as seen by the manager.
type Registry interface {
	CreateAuction(context.Context, auction.CreateAuctionRequest) (types.Event, error)
	PlaceBid(context.Context, auction.PlaceBidRequest) (types.Event, error)
	GetTable(context.Context) ([]types.Auction, error)
	CloseAuction(context.Context, auction.CloseAuctionRequest) ([]types.Event, error)
}

// Broadcaster delivers events to every registered connection.
type Broadcaster interface {
	Add(broadcast.Target)
	Remove(id string)
	Publish(ctx context.Context, events ...types.Event) error
}

// TopicPath returns the HTTP path peers of topic connect to.
func TopicPath(topic types.TopicKey) string {
	return "/swarm/" + topic.String()
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	ConnOptions
	HandshakeTimeout time.Duration
	// CheckOrigin is passed to the websocket upgrader. Nil accepts any
	// origin.
	CheckOrigin func(*http.Request) bool
}

// Manager owns every live peer connection. It serves the topic endpoint and
// runs one read loop per connection; requests of a connection are handled in
// the order they arrive.
type Manager struct {
	service.BaseService
	logger log.Logger

	registry    Registry
	broadcaster Broadcaster
	resolver    IdentityResolver
	topic       types.TopicKey
	opts        ManagerOptions
	upgrader    websocket.Upgrader

	mtx sync.Mutex
	// ctx is the context registry operations run with. It outlives every
	// connection so a request in flight completes after its peer left. It is
	// set by OnStart; no connection is accepted before.
	ctx   context.Context
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// NewManager returns a manager for connections on topic.
func NewManager(
	logger log.Logger,
	topic types.TopicKey,
	registry Registry,
	broadcaster Broadcaster,
	resolver IdentityResolver,
	opts ManagerOptions,
) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	m := &Manager{
		logger:      logger,
		registry:    registry,
		broadcaster: broadcaster,
		resolver:    resolver,
		topic:       topic,
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[string]*Conn),
	}
	m.BaseService = *service.NewBaseService(logger, "PeerManager", m)
	return m
}

// OnStart implements service.Service.
func (m *Manager) OnStart(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.ctx = ctx
	return nil
}

// OnStop closes every connection and waits for their read loops to exit.
func (m *Manager) OnStop() {
	m.mtx.Lock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.mtx.Unlock()

	m.wg.Wait()
}

// NumConns returns the number of open connections, including those still in
// the handshake.
func (m *Manager) NumConns() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.conns)
}

// ServeHTTP upgrades the request to a peer connection and serves it until the
// peer disconnects.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != TopicPath(m.topic) {
		http.NotFound(w, r)
		return
	}
	if !m.IsRunning() || m.baseContext() == nil {
		http.Error(w, "peer manager is not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		m.logger.Error("failed to upgrade to websocket connection", "remote", r.RemoteAddr, "err", err)
		return
	}

	m.wg.Add(1)
	defer m.wg.Done()

	c := newConn(ws, m.opts.ConnOptions, m.logger)
	if !m.addConn(c) {
		_ = c.Close()
		return
	}
	defer m.removeConn(c)
	defer c.Close()

	if err := m.handshake(c); err != nil {
		c.logger.Info("peer handshake failed", "err", err)
		return
	}
	m.broadcaster.Add(c)

	go c.keepalive()

	c.logger.Info("peer connected", "identity", c.Identity())
	m.readLoop(c)
	c.logger.Info("peer disconnected", "identity", c.Identity())
}

func (m *Manager) handshake(c *Conn) error {
	ctx, cancel := context.WithTimeout(m.baseContext(), m.opts.HandshakeTimeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	if err := c.SetReadDeadline(deadline); err != nil {
		return err
	}
	identity, err := m.resolver.Resolve(ctx, c)
	if err != nil {
		return err
	}
	if err := c.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	c.identity = identity

	msg, err := types.NewMessage(types.MsgSyncIdentity, types.SyncIdentityPayload{Identity: identity})
	if err != nil {
		return err
	}
	return c.WriteMessage(msg)
}

// addConn registers c unless the manager is stopping.
func (m *Manager) addConn(c *Conn) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.IsRunning() || m.ctx == nil {
		return false
	}
	m.conns[c.ID()] = c
	return true
}

// baseContext returns the context set by OnStart.
func (m *Manager) baseContext() context.Context {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.ctx
}

func (m *Manager) removeConn(c *Conn) {
	m.broadcaster.Remove(c.ID())

	m.mtx.Lock()
	delete(m.conns, c.ID())
	m.mtx.Unlock()
}

func (m *Manager) readLoop(c *Conn) {
	for {
		msg, err := c.ReadMessage()
		switch {
		case errors.Is(err, types.ErrMalformedRequest):
			m.replyValidationError(c, err)
			continue
		case err != nil:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read failed", "err", err)
			}
			return
		}

		m.handle(c, msg)
	}
}

func (m *Manager) handle(c *Conn, msg types.Message) {
	var err error
	switch msg.Type {
	case types.MsgCreateAuction:
		err = m.handleCreateAuction(c, msg)
	case types.MsgBidAuction:
		err = m.handleBidAuction(c, msg)
	case types.MsgGetAuctionTable:
		err = m.handleGetAuctionTable(c)
	case types.MsgCloseAuction:
		err = m.handleCloseAuction(c, msg)
	default:
		c.logger.Info("ignoring message of unknown type", "type", msg.Type)
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, types.ErrMalformedRequest):
		m.replyValidationError(c, err)
	case errors.Is(err, auction.ErrStoreUnavailable):
		// the registry logged the failure; the peer may retry
	default:
		c.logger.Error("failed to handle message", "type", msg.Type, "err", err)
	}
}

func (m *Manager) handleCreateAuction(c *Conn, msg types.Message) error {
	var payload types.CreateAuctionPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	if err := checkClaimedIdentity(c, payload.OwnerID); err != nil {
		return err
	}
	price, err := types.ParsePrice("startingPrice", payload.StartingPrice)
	if err != nil {
		return err
	}

	ev, err := m.registry.CreateAuction(m.baseContext(), auction.CreateAuctionRequest{
		Owner:         c.Identity(),
		Nickname:      payload.Nickname,
		Item:          payload.Item,
		StartingPrice: price,
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

func (m *Manager) handleBidAuction(c *Conn, msg types.Message) error {
	var payload types.BidAuctionPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	if err := checkClaimedIdentity(c, payload.OwnerIDOfBidder); err != nil {
		return err
	}
	id, err := types.ParseAuctionID(payload.AuctionID)
	if err != nil {
		return err
	}
	price, err := types.ParsePrice("price", payload.Price)
	if err != nil {
		return err
	}

	ev, err := m.registry.PlaceBid(m.baseContext(), auction.PlaceBidRequest{
		AuctionID: id,
		Bidder:    c.Identity(),
		Nickname:  payload.BidderID,
		Price:     price,
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

func (m *Manager) handleGetAuctionTable(c *Conn) error {
	auctions, err := m.registry.GetTable(m.baseContext())
	if err != nil {
		return err
	}
	reply, err := types.NewMessage(types.MsgAuctionTable, types.AuctionTablePayload{Auctions: auctions})
	if err != nil {
		return err
	}
	if err := c.WriteMessage(reply); err != nil {
		c.logger.Error("failed to send auction table", "err", err)
	}
	return nil
}

func (m *Manager) handleCloseAuction(c *Conn, msg types.Message) error {
	var payload types.CloseAuctionPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	if err := checkClaimedIdentity(c, payload.OwnerID); err != nil {
		return err
	}

	events, err := m.registry.CloseAuction(m.baseContext(), auction.CloseAuctionRequest{
		Owner:    c.Identity(),
		Nickname: payload.Nickname,
	})
	if err != nil {
		return err
	}
	m.publish(events...)
	return nil
}

func (m *Manager) publish(events ...types.Event) {
	if err := m.broadcaster.Publish(m.baseContext(), events...); err != nil {
		m.logger.Error("failed to publish events", "events", len(events), "err", err)
	}
}

func (m *Manager) replyValidationError(c *Conn, cause error) {
	reply, err := types.NewMessage(types.MsgInputValidationError, types.InputValidationErrorPayload{
		Message: cause.Error(),
	})
	if err != nil {
		c.logger.Error("failed to encode validation error", "err", err)
		return
	}
	if err := c.WriteMessage(reply); err != nil {
		c.logger.Error("failed to send validation error", "err", err)
	}
}

// checkClaimedIdentity rejects a request naming an identity other than the
// one the connection proved. An empty claim is accepted.
func checkClaimedIdentity(c *Conn, claimed string) error {
	if claimed == "" || claimed == c.Identity() {
		return nil
	}
	return fmt.Errorf("%w: request names identity %s but the connection is %s",
		types.ErrMalformedRequest, claimed, c.Identity())
}
