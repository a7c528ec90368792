package auction

import (
	"context"
	"sort"
	"testing"

	dbm "github.com/tendermint/tm-db"
	"pgregory.net/rapid"

	"github.com/auctionmesh/auctiond/internal/store"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/types"
)

var identities = []string{alice, bob, carol}

func TestRegistryProperties(t *testing.T) {
	rapid.Check(t, rapid.Run(&registryModel{}))
}

// registryModel checks the registry against a plain map of auctions.
type registryModel struct {
	registry *Registry
	store    store.Store
	model    map[uint64]types.Auction
	nextID   uint64
}

func (m *registryModel) Init(t *rapid.T) {
	m.store = store.NewDBStore(dbm.NewMemDB())
	r, err := NewRegistry(context.Background(), m.store, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.registry = r
	m.model = make(map[uint64]types.Auction)
	m.nextID = 0
}

func (m *registryModel) Create(t *rapid.T) {
	owner := rapid.SampledFrom(identities).Draw(t, "owner").(string)
	item := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "item").(string)
	price := float64(rapid.IntRange(-10, 100).Draw(t, "price").(int))

	ev, err := m.registry.CreateAuction(context.Background(), CreateAuctionRequest{
		Owner:         owner,
		Item:          item,
		StartingPrice: price,
	})
	if err != nil {
		t.Fatal(err)
	}
	if *ev.AuctionID != m.nextID {
		t.Fatalf("got auction id %d, want %d", *ev.AuctionID, m.nextID)
	}

	m.model[m.nextID] = types.Auction{
		ID:            m.nextID,
		Item:          item,
		StartingPrice: price,
		OwnerID:       owner,
		Bids:          []types.Bid{},
	}
	m.nextID++
}

func (m *registryModel) Bid(t *rapid.T) {
	// include IDs that were never handed out
	id := uint64(rapid.IntRange(0, int(m.nextID)+1).Draw(t, "id").(int))
	bidder := rapid.SampledFrom(identities).Draw(t, "bidder").(string)
	price := float64(rapid.IntRange(0, 200).Draw(t, "price").(int))

	ev, err := m.registry.PlaceBid(context.Background(), PlaceBidRequest{
		AuctionID: id,
		Bidder:    bidder,
		Price:     price,
	})
	if err != nil {
		t.Fatal(err)
	}

	a, ok := m.model[id]
	switch {
	case !ok:
		if ev.Kind != types.EventAuctionNotFound {
			t.Fatalf("bid on missing auction %d: got %s", id, ev.Kind)
		}
	case a.OwnerID == bidder:
		if ev.Kind != types.EventSelfBidRejected {
			t.Fatalf("self bid on auction %d: got %s", id, ev.Kind)
		}
	default:
		if ev.Kind != types.EventBidPlaced {
			t.Fatalf("bid on auction %d: got %s", id, ev.Kind)
		}
		a.Bids = append(a.Bids, types.Bid{BidderID: bidder, Price: price})
		m.model[id] = a
	}
}

func (m *registryModel) Close(t *rapid.T) {
	owner := rapid.SampledFrom(identities).Draw(t, "owner").(string)

	events, err := m.registry.CloseAuction(context.Background(), CloseAuctionRequest{Owner: owner})
	if err != nil {
		t.Fatal(err)
	}

	var owned []uint64
	for id, a := range m.model {
		if a.OwnerID == owner {
			owned = append(owned, id)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })

	if len(owned) == 0 {
		if len(events) != 1 || events[0].Kind != types.EventNoAuctionsFound {
			t.Fatalf("close without auctions: got %+v", events)
		}
		return
	}
	if len(events) != len(owned) {
		t.Fatalf("closed %d auctions, want %d", len(events), len(owned))
	}
	for i, id := range owned {
		a := m.model[id]
		ev := events[i]
		if *ev.AuctionID != id {
			t.Fatalf("event %d closes auction %d, want %d", i, *ev.AuctionID, id)
		}
		highest, ok := a.HighestBid()
		if !ok {
			if ev.Kind != types.EventAuctionClosedNoBids {
				t.Fatalf("close of auction %d without bids: got %s", id, ev.Kind)
			}
		} else if ev.Kind != types.EventAuctionClosed || *ev.HighestBid != highest.Price ||
			ev.BidderID != highest.BidderID {
			t.Fatalf("close of auction %d: got %+v, want highest %+v", id, ev, highest)
		}
		delete(m.model, id)
	}
}

func (m *registryModel) Restart(t *rapid.T) {
	r, err := NewRegistry(context.Background(), m.store, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.registry = r
}

func (m *registryModel) Check(t *rapid.T) {
	table, err := m.registry.GetTable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != len(m.model) {
		t.Fatalf("table has %d auctions, want %d", len(table), len(m.model))
	}
	for i, a := range table {
		if i > 0 && table[i-1].ID >= a.ID {
			t.Fatalf("table not in ascending order: %d before %d", table[i-1].ID, a.ID)
		}
		want, ok := m.model[a.ID]
		if !ok {
			t.Fatalf("unexpected auction %d", a.ID)
		}
		if a.Item != want.Item || a.OwnerID != want.OwnerID || a.StartingPrice != want.StartingPrice {
			t.Fatalf("auction %d = %+v, want %+v", a.ID, a, want)
		}
		if len(a.Bids) != len(want.Bids) {
			t.Fatalf("auction %d has %d bids, want %d", a.ID, len(a.Bids), len(want.Bids))
		}
		for j := range a.Bids {
			if a.Bids[j] != want.Bids[j] {
				t.Fatalf("auction %d bid %d = %+v, want %+v", a.ID, j, a.Bids[j], want.Bids[j])
			}
		}
	}
	if m.registry.NextID() != m.nextID {
		t.Fatalf("next id %d, want %d", m.registry.NextID(), m.nextID)
	}
	if m.registry.NumAuctions() != len(m.model) {
		t.Fatalf("registry counts %d auctions, want %d", m.registry.NumAuctions(), len(m.model))
	}
}
