// Package client is a peer of an auctiond topic. It proves the peer's
// identity, sends auction requests and hands out everything the node
// broadcasts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auctionmesh/auctiond/internal/peer"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/types"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	incomingBufferSize      = 64
)

// ErrClosed is returned once the connection to the node is gone.
var ErrClosed = errors.New("client connection closed")

// Client is a connected, identified peer. It is safe for concurrent use.
type Client struct {
	logger   log.Logger
	ws       *websocket.Conn
	identity string

	writeMtx sync.Mutex

	incoming chan types.Message
	done     chan struct{}

	mtx sync.Mutex
	err error

	closeOnce sync.Once
}

// Dial connects to the node at remote, which is either a host:port pair or a
// ws:// or http:// URL, joins topic and proves ownership of key.
func Dial(ctx context.Context, remote string, topic types.TopicKey, key types.PeerKey, logger log.Logger) (*Client, error) {
	endpoint, err := topicURL(remote, topic)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	c := &Client{
		logger:   logger.With("module", "client"),
		ws:       ws,
		incoming: make(chan types.Message, incomingBufferSize),
		done:     make(chan struct{}),
	}
	if err := c.handshake(ctx, topic, key); err != nil {
		ws.Close()
		return nil, fmt.Errorf("identity handshake: %w", err)
	}

	go c.readRoutine()
	return c, nil
}

func topicURL(remote string, topic types.TopicKey) (string, error) {
	if !strings.Contains(remote, "://") {
		remote = "ws://" + remote
	}
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("invalid node address %q: %w", remote, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http", "tcp":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid node address %q: unsupported scheme %s", remote, u.Scheme)
	}
	u.Path = peer.TopicPath(topic)
	return u.String(), nil
}

func (c *Client) handshake(ctx context.Context, topic types.TopicKey, key types.PeerKey) error {
	deadline := time.Now().Add(defaultHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer c.ws.SetReadDeadline(time.Time{}) // nolint: errcheck

	msg, err := c.read()
	if err != nil {
		return err
	}
	if msg.Type != types.MsgIdentityChallenge {
		return fmt.Errorf("expected %s, got %s", types.MsgIdentityChallenge, msg.Type)
	}
	var challenge types.IdentityChallengePayload
	if err := msg.DecodePayload(&challenge); err != nil {
		return err
	}
	if challenge.Topic != topic.String() {
		return fmt.Errorf("node serves topic %s, expected %s", challenge.Topic, topic)
	}

	proof, err := peer.ProveIdentity(key.PrivKey, challenge)
	if err != nil {
		return err
	}
	if err := c.send(types.MsgIdentityProof, proof); err != nil {
		return err
	}

	msg, err = c.read()
	if err != nil {
		return err
	}
	if msg.Type != types.MsgSyncIdentity {
		return fmt.Errorf("expected %s, got %s", types.MsgSyncIdentity, msg.Type)
	}
	var sync types.SyncIdentityPayload
	if err := msg.DecodePayload(&sync); err != nil {
		return err
	}
	if sync.Identity != key.ID() {
		return fmt.Errorf("node assigned identity %s, expected %s", sync.Identity, key.ID())
	}
	c.identity = sync.Identity
	return nil
}

// Identity returns the identity the node knows this peer by.
func (c *Client) Identity() string { return c.identity }

// CreateAuction lists item at startingPrice.
func (c *Client) CreateAuction(item string, startingPrice float64, nickname string) error {
	return c.send(types.MsgCreateAuction, types.CreateAuctionPayload{
		Item:          item,
		StartingPrice: priceNumber(startingPrice),
		OwnerID:       c.identity,
		Nickname:      nickname,
	})
}

// PlaceBid bids price on the auction with the given ID.
func (c *Client) PlaceBid(auctionID uint64, price float64, nickname string) error {
	return c.send(types.MsgBidAuction, types.BidAuctionPayload{
		AuctionID:       json.Number(strconv.FormatUint(auctionID, 10)),
		Price:           priceNumber(price),
		BidderID:        nickname,
		OwnerIDOfBidder: c.identity,
	})
}

// CloseAuctions closes every auction this peer owns.
func (c *Client) CloseAuctions(nickname string) error {
	return c.send(types.MsgCloseAuction, types.CloseAuctionPayload{
		OwnerID:  c.identity,
		Nickname: nickname,
	})
}

// RequestTable asks for the open auctions. The answer arrives through Next as
// an auction-table message.
func (c *Client) RequestTable() error {
	return c.send(types.MsgGetAuctionTable, nil)
}

// Next blocks until the node sends a message, ctx is done or the connection
// is lost.
func (c *Client) Next(ctx context.Context) (types.Message, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return types.Message{}, c.closeErr()
		}
		return msg, nil
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

// Close disconnects from the node.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMtx.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMtx.Unlock()
		err = c.ws.Close()
	})
	return err
}

func priceNumber(price float64) json.Number {
	return json.Number(types.FormatPrice(price))
}

func (c *Client) send(mt types.MessageType, payload interface{}) error {
	msg, err := types.NewMessage(mt, payload)
	if err != nil {
		return err
	}
	bz, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, bz)
}

func (c *Client) read() (types.Message, error) {
	_, bz, err := c.ws.ReadMessage()
	if err != nil {
		return types.Message{}, err
	}
	return types.DecodeMessage(bz)
}

// The client ensures that there is at most one reader to a connection by
// executing all reads from this goroutine.
func (c *Client) readRoutine() {
	defer close(c.incoming)

	for {
		msg, err := c.read()
		if errors.Is(err, types.ErrMalformedRequest) {
			c.logger.Error("dropping undecodable message from node", "err", err)
			continue
		}
		if err != nil {
			c.setErr(err)
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			c.setErr(ErrClosed)
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	select {
	case <-c.done:
		err = ErrClosed
	default:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = ErrClosed
		}
	}
	c.err = err
}

func (c *Client) closeErr() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
