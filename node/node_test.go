package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/auctionmesh/auctiond/client"
	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/crypto/ed25519"
	"github.com/auctionmesh/auctiond/internal/store"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/types"
)

func startTestNode(ctx context.Context, t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(ctx, cfg, log.TestingLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		if n.IsRunning() {
			require.NoError(t, n.Stop())
		}
	})
	require.NotNil(t, n.Addr())
	return n
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.ResetTestRoot(t.TempDir(), t.Name())
	require.NoError(t, err)
	return cfg
}

func dial(ctx context.Context, t *testing.T, n *Node, secret string) *client.Client {
	t.Helper()
	key := types.PeerKey{PrivKey: genKey(secret)}
	c, err := client.Dial(ctx, n.Addr().String(), n.Topic(), key, log.TestingLogger(t))
	require.NoError(t, err)
	require.Equal(t, key.ID(), c.Identity())
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(ctx context.Context, t *testing.T, c *client.Client, kind types.EventKind) types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	msg, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, types.MsgAuctionUpdate, msg.Type, "payload: %s", msg.Payload)
	var ev types.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	require.Equal(t, kind, ev.Kind, ev.Message)
	return ev
}

func table(ctx context.Context, t *testing.T, c *client.Client) []types.Auction {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	require.NoError(t, c.RequestTable())
	msg, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, types.MsgAuctionTable, msg.Type)
	var payload types.AuctionTablePayload
	require.NoError(t, msg.DecodePayload(&payload))
	return payload.Auctions
}

func waitForPeers(t *testing.T, n *Node, peers int) {
	t.Helper()
	require.Eventually(t, func() bool { return n.coordinator.NumTargets() == peers },
		2*time.Second, 10*time.Millisecond)
}

func TestNodeVaseScenario(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := startTestNode(ctx, t, testConfig(t))
	a := dial(ctx, t, n, "peer-a")
	b := dial(ctx, t, n, "peer-b")
	waitForPeers(t, n, 2)

	require.NoError(t, a.CreateAuction("vase", 100, "A"))
	for _, c := range []*client.Client{a, b} {
		ev := nextEvent(ctx, t, c, types.EventAuctionCreated)
		assert.Equal(t, uint64(0), *ev.AuctionID)
	}

	require.NoError(t, b.PlaceBid(0, 150, "B"))
	for _, c := range []*client.Client{a, b} {
		ev := nextEvent(ctx, t, c, types.EventBidPlaced)
		assert.Contains(t, ev.Message, "150")
	}

	require.NoError(t, a.CloseAuctions("A"))
	for _, c := range []*client.Client{a, b} {
		ev := nextEvent(ctx, t, c, types.EventAuctionClosed)
		assert.Equal(t, 150.0, *ev.HighestBid)
		assert.Contains(t, ev.Message, "150")
		assert.Contains(t, ev.Message, "vase")
	}

	assert.Empty(t, table(ctx, t, a))
	assert.Empty(t, table(ctx, t, b))
}

func TestNodeConcurrentBids(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := startTestNode(ctx, t, testConfig(t))
	owner := dial(ctx, t, n, "owner")
	bidders := []*client.Client{dial(ctx, t, n, "bidder-1"), dial(ctx, t, n, "bidder-2")}
	waitForPeers(t, n, 3)

	require.NoError(t, owner.CreateAuction("lamp", 1, ""))
	nextEvent(ctx, t, owner, types.EventAuctionCreated)

	var g errgroup.Group
	for i, b := range bidders {
		b, price := b, float64(10*(i+1))
		g.Go(func() error { return b.PlaceBid(0, price, "") })
	}
	require.NoError(t, g.Wait())

	nextEvent(ctx, t, owner, types.EventBidPlaced)
	nextEvent(ctx, t, owner, types.EventBidPlaced)

	auctions := table(ctx, t, owner)
	require.Len(t, auctions, 1)
	assert.Len(t, auctions[0].Bids, len(bidders))
}

func TestNodeIdentitySurvivesReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := startTestNode(ctx, t, testConfig(t))
	first := dial(ctx, t, n, "alice")
	require.NoError(t, first.CreateAuction("rug", 5, "alice"))
	nextEvent(ctx, t, first, types.EventAuctionCreated)
	require.NoError(t, first.Close())

	again := dial(ctx, t, n, "alice")
	waitForPeers(t, n, 1)
	require.NoError(t, again.CloseAuctions("alice"))
	nextEvent(ctx, t, again, types.EventAuctionClosedNoBids)
}

func TestNodeResumesFromDurableStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.DBBackend = string(store.GoLevelDBBackend)

	n, err := New(ctx, cfg, log.TestingLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))

	c := dial(ctx, t, n, "alice")
	require.NoError(t, c.CreateAuction("vase", 100, ""))
	nextEvent(ctx, t, c, types.EventAuctionCreated)
	require.NoError(t, c.Close())
	require.NoError(t, n.Stop())

	restarted := startTestNode(ctx, t, cfg)
	assert.Equal(t, 1, restarted.Registry().NumAuctions())
	assert.Equal(t, uint64(1), restarted.Registry().NextID())
	assert.Equal(t, n.PeerKey().ID(), restarted.PeerKey().ID())
}

func TestNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.P2P.Topic = ""
	_, err := New(context.Background(), cfg, log.TestingLogger(t))
	require.Error(t, err)
}

func TestNodeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	n, err := New(ctx, testConfig(t), log.TestingLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Wait()
	}()
	cancel()
	wg.Wait()
	assert.False(t, n.IsRunning())
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker([]string{"https://a.example", "*"}))

	check := originChecker([]string{"https://*.example.com", "http://localhost:3000"})
	for origin, want := range map[string]bool{
		"":                         true,
		"https://app.example.com":  true,
		"https://APP.example.com":  true,
		"http://localhost:3000":    true,
		"https://example.org":      false,
		"http://app.example.com":   false,
		"https://app.example.com.": false,
	} {
		r := httptestRequest(origin)
		assert.Equal(t, want, check(r), origin)
	}
}

func TestListen(t *testing.T) {
	l, err := listen("tcp://127.0.0.1:0", 2)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = listen("unix:///tmp/auctiond.sock", 0)
	require.Error(t, err)
}

func genKey(secret string) ed25519.PrivKey {
	return ed25519.GenPrivKeyFromSecret([]byte(secret))
}

func httptestRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}
