// Package auction implements the auction registry: the authoritative model of
// every open auction, the rules applied to create, bid and close requests, and
// the events those requests produce.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/auctionmesh/auctiond/internal/store"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/types"
)

// ErrStoreUnavailable wraps any failure of the backing store. The operation
// that hit it was abandoned and produced no events.
var ErrStoreUnavailable = errors.New("auction store unavailable")

// DefaultCurrency is the unit prices are shown in.
const DefaultCurrency = "USDt"

type (
	CreateAuctionRequest struct {
		Owner         string
		Nickname      string
		Item          string
		StartingPrice float64
	}

	PlaceBidRequest struct {
		AuctionID uint64
		Bidder    string
		Nickname  string
		Price     float64
	}

	CloseAuctionRequest struct {
		Owner    string
		Nickname string
	}
)

// Registry owns the lifecycle of auctions.
//
// Every operation runs inside a single critical section, so the read, modify
// and write steps of concurrent bids and closes never interleave, and a table
// read never observes a close half way through. Store calls complete before an
// operation returns, which gives callers read-your-writes.
type Registry struct {
	logger  log.Logger
	metrics *Metrics

	currency       string
	strictIncrease bool

	mtx    sync.Mutex
	store  store.Store
	nextID uint64
	open   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithCurrency sets the unit prices are displayed in.
func WithCurrency(currency string) Option {
	return func(r *Registry) { r.currency = currency }
}

// WithStrictIncrease makes the registry reject any bid that does not exceed
// both the starting price and the current highest bid. By default any
// numeric bid is accepted.
func WithStrictIncrease(strict bool) Option {
	return func(r *Registry) { r.strictIncrease = strict }
}

// NewRegistry returns a registry persisting to st. The ID counter starts at 0
// for an empty store and otherwise continues after the highest ID the store has
// ever handed out, so IDs are never reused across restarts of a durable store.
func NewRegistry(ctx context.Context, st store.Store, logger log.Logger, options ...Option) (*Registry, error) {
	r := &Registry{
		logger:   logger,
		metrics:  NopMetrics(),
		currency: DefaultCurrency,
		store:    st,
	}
	for _, opt := range options {
		opt(r)
	}

	bz, err := st.Get(ctx, nextIDKey())
	if err != nil {
		return nil, fmt.Errorf("%w: loading auction counter: %v", ErrStoreUnavailable, err)
	}
	if bz != nil {
		if r.nextID, err = decodeNextID(bz); err != nil {
			return nil, fmt.Errorf("decoding auction counter: %w", err)
		}
	}

	auctions, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range auctions {
		if a.ID >= r.nextID {
			r.nextID = a.ID + 1
		}
	}
	r.open = len(auctions)
	r.metrics.Auctions.Set(float64(r.open))

	r.logger.Info("auction registry loaded", "open_auctions", r.open, "next_id", r.nextID)
	return r, nil
}

// CreateAuction lists a new item under the next sequential ID.
func (r *Registry) CreateAuction(ctx context.Context, req CreateAuctionRequest) (types.Event, error) {
	item := strings.TrimSpace(req.Item)
	if item == "" {
		return types.Event{}, fmt.Errorf("%w: missing item", types.ErrMalformedRequest)
	}
	if !isFinite(req.StartingPrice) {
		return types.Event{}, fmt.Errorf("%w: starting price must be a finite number", types.ErrMalformedRequest)
	}
	if req.Owner == "" {
		return types.Event{}, fmt.Errorf("%w: missing owner", types.ErrMalformedRequest)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	a := types.Auction{
		ID:            r.nextID,
		Item:          item,
		StartingPrice: req.StartingPrice,
		OwnerID:       req.Owner,
		OwnerName:     req.Nickname,
		Bids:          []types.Bid{},
	}

	bz, err := json.Marshal(a)
	if err != nil {
		return types.Event{}, err
	}
	// the auction and the counter commit together, so an ID is never handed
	// out twice
	if err := r.store.Write(ctx,
		store.SetOp(auctionKey(a.ID), bz),
		store.SetOp(nextIDKey(), encodeNextID(a.ID+1)),
	); err != nil {
		return types.Event{}, r.storeFailure("write", err)
	}

	r.nextID++
	r.open++
	r.metrics.AuctionsCreated.Add(1)
	r.metrics.Auctions.Set(float64(r.open))
	r.logger.Info("auction created", "auction_id", a.ID, "item", a.Item, "owner", a.OwnerID)

	return r.createdEvent(a), nil
}

// PlaceBid appends a bid to an open auction. Bids on unknown auctions and bids
// by the owner are reported as events, not errors, and leave the store alone.
func (r *Registry) PlaceBid(ctx context.Context, req PlaceBidRequest) (types.Event, error) {
	if !isFinite(req.Price) {
		return types.Event{}, fmt.Errorf("%w: price must be a finite number", types.ErrMalformedRequest)
	}
	if req.Bidder == "" {
		return types.Event{}, fmt.Errorf("%w: missing bidder", types.ErrMalformedRequest)
	}
	bid := types.Bid{BidderID: req.Bidder, BidderName: req.Nickname, Price: req.Price}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	a, ok, err := r.loadAuction(ctx, req.AuctionID)
	if err != nil {
		return types.Event{}, err
	}
	if !ok {
		r.metrics.BidsRejected.With("reason", "not_found").Add(1)
		return r.notFoundEvent(req.AuctionID, bid), nil
	}
	if bid.BidderID == a.OwnerID {
		r.metrics.BidsRejected.With("reason", "self_bid").Add(1)
		return r.selfBidEvent(a, bid), nil
	}
	if r.strictIncrease {
		floor := a.StartingPrice
		if highest, ok := a.HighestBid(); ok && highest.Price > floor {
			floor = highest.Price
		}
		if bid.Price <= floor {
			r.metrics.BidsRejected.With("reason", "too_low").Add(1)
			return r.bidTooLowEvent(a, bid, floor), nil
		}
	}

	a.Bids = append(a.Bids, bid)
	if err := r.saveAuction(ctx, a); err != nil {
		return types.Event{}, r.storeFailure("put", err)
	}

	r.metrics.BidsPlaced.Add(1)
	r.logger.Debug("bid placed", "auction_id", a.ID, "bidder", bid.BidderID, "price", bid.Price)

	return r.bidPlacedEvent(a, bid), nil
}

// GetTable returns a snapshot of every open auction in ascending ID order. The
// result shares no memory with the registry or with earlier results.
func (r *Registry) GetTable(ctx context.Context) ([]types.Auction, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return r.loadAll(ctx)
}

// CloseAuction closes every auction owned by req.Owner. For each one it emits
// the highest bid (or the no bids variant) and removes the auction from the
// store. An owner without open auctions gets a single no-auctions-found event.
//
// All removals commit in one batch. If the store fails no auction is removed
// and no events are returned.
func (r *Registry) CloseAuction(ctx context.Context, req CloseAuctionRequest) ([]types.Event, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", types.ErrMalformedRequest)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	auctions, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var (
		owned []types.Auction
		ops   []store.Op
	)
	for _, a := range auctions {
		if a.OwnerID != req.Owner {
			continue
		}
		owned = append(owned, a)
		ops = append(ops, store.DeleteOp(auctionKey(a.ID)))
	}
	if len(owned) == 0 {
		return []types.Event{r.noAuctionsEvent(req.Owner, req.Nickname)}, nil
	}

	if err := r.store.Write(ctx, ops...); err != nil {
		return nil, r.storeFailure("write", err)
	}

	events := make([]types.Event, 0, len(owned))
	for _, a := range owned {
		r.open--
		r.metrics.AuctionsClosed.Add(1)
		r.logger.Info("auction closed", "auction_id", a.ID, "owner", a.OwnerID, "bids", len(a.Bids))
		events = append(events, r.closedEvent(a, req.Nickname))
	}
	r.metrics.Auctions.Set(float64(r.open))
	return events, nil
}

// NumAuctions returns the number of open auctions.
func (r *Registry) NumAuctions() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.open
}

// NextID returns the ID the next created auction will get.
func (r *Registry) NextID() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.nextID
}

func (r *Registry) loadAuction(ctx context.Context, id uint64) (types.Auction, bool, error) {
	bz, err := r.store.Get(ctx, auctionKey(id))
	if err != nil {
		return types.Auction{}, false, r.storeFailure("get", err)
	}
	if bz == nil {
		return types.Auction{}, false, nil
	}
	var a types.Auction
	if err := json.Unmarshal(bz, &a); err != nil {
		return types.Auction{}, false, r.storeFailure("decode", fmt.Errorf("auction %d: %w", id, err))
	}
	return a, true, nil
}

func (r *Registry) loadAll(ctx context.Context) ([]types.Auction, error) {
	kvs, err := r.store.Scan(ctx, auctionPrefix())
	if err != nil {
		return nil, r.storeFailure("scan", err)
	}

	auctions := make([]types.Auction, 0, len(kvs))
	for _, kv := range kvs {
		id, err := decodeAuctionKey(kv.Key)
		if err != nil {
			return nil, r.storeFailure("decode", fmt.Errorf("key %X: %w", kv.Key, err))
		}
		var a types.Auction
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			return nil, r.storeFailure("decode", fmt.Errorf("auction %d: %w", id, err))
		}
		if a.Bids == nil {
			a.Bids = []types.Bid{}
		}
		auctions = append(auctions, a)
	}
	return auctions, nil
}

func (r *Registry) saveAuction(ctx context.Context, a types.Auction) error {
	bz, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, auctionKey(a.ID), bz)
}

func (r *Registry) storeFailure(op string, err error) error {
	r.metrics.StoreErrors.With("op", op).Add(1)
	r.logger.Error("auction store operation failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
