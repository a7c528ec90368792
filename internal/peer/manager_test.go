package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/auctionmesh/auctiond/crypto/ed25519"
	"github.com/auctionmesh/auctiond/internal/auction"
	"github.com/auctionmesh/auctiond/internal/broadcast"
	"github.com/auctionmesh/auctiond/internal/store"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/types"
)

var testTopic = types.NewTopicKey("p2p-auction")

type testNetwork struct {
	server  *httptest.Server
	manager *Manager
	coord   *broadcast.Coordinator
}

func newTestNetwork(ctx context.Context, t *testing.T, registry Registry) *testNetwork {
	t.Helper()
	logger := log.TestingLogger(t)

	if registry == nil {
		r, err := auction.NewRegistry(ctx, store.NewDBStore(dbm.NewMemDB()), logger)
		require.NoError(t, err)
		registry = r
	}

	coord := broadcast.NewCoordinator(logger, 16)
	require.NoError(t, coord.Start(ctx))

	manager := NewManager(logger, testTopic, registry, coord, NewKeyResolver(testTopic), ManagerOptions{
		ConnOptions: ConnOptions{
			MaxMessageSize: 4096,
			WriteTimeout:   time.Second,
			PingInterval:   time.Second,
		},
		HandshakeTimeout: time.Second,
	})
	require.NoError(t, manager.Start(ctx))

	mux := http.NewServeMux()
	mux.Handle(TopicPath(testTopic), manager)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		_ = manager.Stop()
		server.Close()
		_ = coord.Stop()
		<-coord.Done()
	})
	return &testNetwork{server: server, manager: manager, coord: coord}
}

func (n *testNetwork) url(path string) string {
	return "ws://" + n.server.Listener.Addr().String() + path
}

type testPeer struct {
	t        *testing.T
	ws       *websocket.Conn
	identity string
}

func dialRaw(t *testing.T, n *testNetwork) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(n.url(TopicPath(testTopic)), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func connectPeer(t *testing.T, n *testNetwork, secret string) *testPeer {
	t.Helper()
	privKey := ed25519.GenPrivKeyFromSecret([]byte(secret))
	p := &testPeer{t: t, ws: dialRaw(t, n)}

	challenge := p.expect(types.MsgIdentityChallenge)
	var ch types.IdentityChallengePayload
	require.NoError(t, challenge.DecodePayload(&ch))
	proof, err := ProveIdentity(privKey, ch)
	require.NoError(t, err)
	p.send(types.MsgIdentityProof, proof)

	var sync types.SyncIdentityPayload
	require.NoError(t, p.expect(types.MsgSyncIdentity).DecodePayload(&sync))
	require.Equal(t, privKey.PubKey().String(), sync.Identity)
	p.identity = sync.Identity
	return p
}

func (p *testPeer) send(mt types.MessageType, payload interface{}) {
	p.t.Helper()
	msg, err := types.NewMessage(mt, payload)
	require.NoError(p.t, err)
	bz, err := msg.Marshal()
	require.NoError(p.t, err)
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, bz))
}

func (p *testPeer) sendRaw(frame string) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (p *testPeer) read() types.Message {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, bz, err := p.ws.ReadMessage()
	require.NoError(p.t, err)
	msg, err := types.DecodeMessage(bz)
	require.NoError(p.t, err)
	return msg
}

func (p *testPeer) expect(mt types.MessageType) types.Message {
	p.t.Helper()
	msg := p.read()
	require.Equal(p.t, mt, msg.Type, "payload: %s", msg.Payload)
	return msg
}

func (p *testPeer) expectEvent(kind types.EventKind) types.Event {
	p.t.Helper()
	var ev types.Event
	require.NoError(p.t, json.Unmarshal(p.expect(types.MsgAuctionUpdate).Payload, &ev))
	require.Equal(p.t, kind, ev.Kind, ev.Message)
	return ev
}

func (p *testPeer) expectValidationError() string {
	p.t.Helper()
	var payload types.InputValidationErrorPayload
	require.NoError(p.t, p.expect(types.MsgInputValidationError).DecodePayload(&payload))
	return payload.Message
}

func (p *testPeer) table() []types.Auction {
	p.t.Helper()
	p.send(types.MsgGetAuctionTable, nil)
	var payload types.AuctionTablePayload
	require.NoError(p.t, p.expect(types.MsgAuctionTable).DecodePayload(&payload))
	return payload.Auctions
}

func TestManagerHandshake(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	alice := connectPeer(t, n, "alice")
	again := connectPeer(t, n, "alice")
	bob := connectPeer(t, n, "bob")

	assert.Equal(t, alice.identity, again.identity)
	assert.NotEqual(t, alice.identity, bob.identity)
	require.Eventually(t, func() bool { return n.coord.NumTargets() == 3 }, time.Second, 10*time.Millisecond)
}

func TestManagerRejectsBadProof(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	ws := dialRaw(t, n)
	p := &testPeer{t: t, ws: ws}
	p.expect(types.MsgIdentityChallenge)
	p.send(types.MsgIdentityProof, types.IdentityProofPayload{PublicKey: "00", Signature: "00"})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.Zero(t, n.coord.NumTargets())
}

func TestManagerHandshakeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	ws := dialRaw(t, n)
	p := &testPeer{t: t, ws: ws}
	p.expect(types.MsgIdentityChallenge)

	// never answer; the server gives up after the handshake timeout
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return n.manager.NumConns() == 0 }, time.Second, 10*time.Millisecond)
}

func TestManagerUnknownTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	other := types.NewTopicKey("elsewhere")
	_, resp, err := websocket.DefaultDialer.Dial(n.url(TopicPath(other)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManagerBroadcastsAuctionLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	alice := connectPeer(t, n, "alice")
	bob := connectPeer(t, n, "bob")
	require.Eventually(t, func() bool { return n.coord.NumTargets() == 2 }, time.Second, 10*time.Millisecond)

	alice.send(types.MsgCreateAuction, map[string]interface{}{
		"item":          "vase",
		"startingPrice": 10,
		"ownerId":       alice.identity,
		"nickname":      "alice",
	})
	for _, p := range []*testPeer{alice, bob} {
		ev := p.expectEvent(types.EventAuctionCreated)
		assert.Equal(t, uint64(0), *ev.AuctionID)
		assert.Equal(t, "Auction created by alice ID 0, Item: vase, Starting Price: 10 USDt", ev.Message)
	}

	bob.send(types.MsgBidAuction, map[string]interface{}{
		"auctionId":       0,
		"price":           "15",
		"bidderId":        "bob",
		"ownerIdOfBidder": bob.identity,
	})
	for _, p := range []*testPeer{alice, bob} {
		ev := p.expectEvent(types.EventBidPlaced)
		assert.Equal(t, bob.identity, ev.BidderID)
	}

	alice.send(types.MsgBidAuction, map[string]interface{}{"auctionId": 0, "price": 99})
	for _, p := range []*testPeer{alice, bob} {
		p.expectEvent(types.EventSelfBidRejected)
	}

	alice.send(types.MsgCloseAuction, map[string]interface{}{"ownerId": alice.identity, "nickname": "alice"})
	for _, p := range []*testPeer{alice, bob} {
		ev := p.expectEvent(types.EventAuctionClosed)
		assert.Equal(t, 15.0, *ev.HighestBid)
	}

	assert.Empty(t, bob.table())
}

func TestManagerAuctionTableIsUnicast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	alice := connectPeer(t, n, "alice")
	bob := connectPeer(t, n, "bob")

	alice.send(types.MsgCreateAuction, map[string]interface{}{"item": "vase", "startingPrice": 10})
	alice.expectEvent(types.EventAuctionCreated)
	bob.expectEvent(types.EventAuctionCreated)

	table := alice.table()
	require.Len(t, table, 1)
	assert.Equal(t, alice.identity, table[0].OwnerID)

	// bob's next frame is the answer to his own request, not alice's table
	bob.send(types.MsgBidAuction, map[string]interface{}{"auctionId": 0, "price": 11})
	bob.expectEvent(types.EventBidPlaced)
}

func TestManagerValidationErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	alice := connectPeer(t, n, "alice")

	alice.sendRaw("not json")
	alice.expectValidationError()

	alice.send(types.MsgCreateAuction, map[string]interface{}{"item": "vase", "startingPrice": "cheap"})
	alice.expectValidationError()

	alice.send(types.MsgCreateAuction, map[string]interface{}{"startingPrice": 10})
	alice.expectValidationError()

	alice.send(types.MsgBidAuction, map[string]interface{}{"auctionId": -1, "price": 10})
	alice.expectValidationError()

	alice.send(types.MsgCreateAuction, map[string]interface{}{
		"item":          "vase",
		"startingPrice": 10,
		"ownerId":       "someone-else",
	})
	assert.Contains(t, alice.expectValidationError(), "someone-else")

	// unknown types are ignored and the connection stays usable
	alice.send("dance", nil)
	assert.Empty(t, alice.table())
}

func TestManagerRemovesDisconnectedPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, nil)
	alice := connectPeer(t, n, "alice")
	bob := connectPeer(t, n, "bob")
	require.Eventually(t, func() bool { return n.coord.NumTargets() == 2 }, time.Second, 10*time.Millisecond)

	alice.send(types.MsgCreateAuction, map[string]interface{}{"item": "vase", "startingPrice": 10})
	alice.expectEvent(types.EventAuctionCreated)
	bob.expectEvent(types.EventAuctionCreated)

	require.NoError(t, alice.ws.Close())
	require.Eventually(t, func() bool { return n.coord.NumTargets() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return n.manager.NumConns() == 1 }, time.Second, 10*time.Millisecond)

	// the departed owner's auction stays open
	require.Len(t, bob.table(), 1)
}

type unavailableRegistry struct{}

func (unavailableRegistry) CreateAuction(context.Context, auction.CreateAuctionRequest) (types.Event, error) {
	return types.Event{}, auction.ErrStoreUnavailable
}

func (unavailableRegistry) PlaceBid(context.Context, auction.PlaceBidRequest) (types.Event, error) {
	return types.Event{}, auction.ErrStoreUnavailable
}

func (unavailableRegistry) GetTable(context.Context) ([]types.Auction, error) {
	return []types.Auction{}, nil
}

func (unavailableRegistry) CloseAuction(context.Context, auction.CloseAuctionRequest) ([]types.Event, error) {
	return nil, auction.ErrStoreUnavailable
}

func TestManagerKeepsConnectionOnStoreFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, unavailableRegistry{})
	alice := connectPeer(t, n, "alice")

	alice.send(types.MsgCreateAuction, map[string]interface{}{"item": "vase", "startingPrice": 10})
	alice.send(types.MsgCloseAuction, nil)

	// nothing was broadcast, and the connection still answers
	assert.Empty(t, alice.table())
}

// failedCloseRegistry reports a store failure together with events, which
// must not reach any peer.
type failedCloseRegistry struct{ unavailableRegistry }

func (failedCloseRegistry) CloseAuction(context.Context, auction.CloseAuctionRequest) ([]types.Event, error) {
	return []types.Event{{
		Kind:      types.EventAuctionClosed,
		AuctionID: types.Uint64Ptr(0),
		Message:   "Auction closed by alice Auction ID 0",
	}}, auction.ErrStoreUnavailable
}

func TestManagerFailedCloseBroadcastsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNetwork(ctx, t, failedCloseRegistry{})
	alice := connectPeer(t, n, "alice")

	alice.send(types.MsgCloseAuction, nil)
	assert.Empty(t, alice.table())

	// updates are delivered in publish order, so the marker is the first
	// update alice sees unless the failed close was announced
	require.NoError(t, n.coord.Publish(ctx, types.Event{Kind: types.EventNoAuctionsFound, Message: "marker"}))
	ev := alice.expectEvent(types.EventNoAuctionsFound)
	assert.Equal(t, "marker", ev.Message)
}

func TestManagerAcceptsOnlyAfterStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.TestingLogger(t)
	registry, err := auction.NewRegistry(ctx, store.NewDBStore(dbm.NewMemDB()), logger)
	require.NoError(t, err)
	coord := broadcast.NewCoordinator(logger, 16)
	require.NoError(t, coord.Start(ctx))

	manager := NewManager(logger, testTopic, registry, coord, NewKeyResolver(testTopic), ManagerOptions{
		HandshakeTimeout: time.Second,
	})
	server := httptest.NewServer(manager)
	t.Cleanup(func() {
		_ = manager.Stop()
		server.Close()
		_ = coord.Stop()
		<-coord.Done()
	})
	n := &testNetwork{server: server, manager: manager, coord: coord}

	_, resp, err := websocket.DefaultDialer.Dial(n.url(TopicPath(testTopic)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// connections racing with Start either get refused or see the started
	// manager in full
	started := make(chan error, 1)
	go func() { started <- manager.Start(ctx) }()

	var ws *websocket.Conn
	require.Eventually(t, func() bool {
		conn, resp, err := websocket.DefaultDialer.Dial(n.url(TopicPath(testTopic)), nil)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			return false
		}
		ws = conn
		return true
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, <-started)
	t.Cleanup(func() { ws.Close() })

	p := &testPeer{t: t, ws: ws}
	p.expect(types.MsgIdentityChallenge)
}
