package types

// EventKind discriminates the outcomes the registry reports to peers. Every
// kind, including the rejections, is delivered as an auction-update broadcast.
type EventKind string

const (
	EventAuctionCreated      EventKind = "auction-created"
	EventBidPlaced           EventKind = "bid-placed"
	EventBidTooLow           EventKind = "bid-too-low"
	EventAuctionNotFound     EventKind = "auction-not-found"
	EventSelfBidRejected     EventKind = "self-bid-rejected"
	EventAuctionClosed       EventKind = "auction-closed"
	EventAuctionClosedNoBids EventKind = "auction-closed-no-bids"
	EventNoAuctionsFound     EventKind = "no-auctions-found"
)

// Event is a state change (or a business rejection) produced by the registry.
// Optional numeric fields are pointers so that an auction ID of 0 or a price
// of 0 survive JSON encoding, and so that a close without bids carries no
// highest bid at all.
type Event struct {
	Kind       EventKind `json:"kind"`
	AuctionID  *uint64   `json:"auctionId,omitempty"`
	Item       string    `json:"item,omitempty"`
	Price      *float64  `json:"price,omitempty"`
	HighestBid *float64  `json:"highestBid,omitempty"`
	OwnerID    string    `json:"ownerId,omitempty"`
	BidderID   string    `json:"bidderId,omitempty"`
	Message    string    `json:"message"`
}

// ID returns the auction ID the event refers to, if any.
func (e Event) ID() (uint64, bool) {
	if e.AuctionID == nil {
		return 0, false
	}
	return *e.AuctionID, true
}

// Uint64Ptr and Float64Ptr help populate the optional event fields.
func Uint64Ptr(v uint64) *uint64    { return &v }
func Float64Ptr(v float64) *float64 { return &v }
