package types

import (
	"strconv"
)

// Bid is a single offer recorded against an auction.
type Bid struct {
	// BidderID is the identity of the bidding peer.
	BidderID string `json:"bidderId"`
	// BidderName is the display name the bidder supplied, if any.
	BidderName string  `json:"bidderName,omitempty"`
	Price      float64 `json:"price"`
}

// Auction is a listed item together with every bid placed on it so far. Bids
// are kept in the order they were accepted.
type Auction struct {
	ID            uint64  `json:"auctionId"`
	Item          string  `json:"item"`
	StartingPrice float64 `json:"startingPrice"`
	OwnerID       string  `json:"ownerId"`
	OwnerName     string  `json:"ownerName,omitempty"`
	Bids          []Bid   `json:"bids"`
}

// HighestBid returns the bid with the largest price. When several bids share
// the largest price the earliest one wins. ok is false if no bids were placed.
func (a Auction) HighestBid() (bid Bid, ok bool) {
	for i, b := range a.Bids {
		if i == 0 || b.Price > bid.Price {
			bid = b
		}
	}
	return bid, len(a.Bids) > 0
}

// FormatPrice renders a price the way it is shown to peers: the shortest
// decimal representation, without exponent.
func FormatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}
