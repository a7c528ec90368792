package auction

import (
	"fmt"

	"github.com/auctionmesh/auctiond/types"
)

// shortIDLen is how much of an identity is shown when a peer has no nickname.
const shortIDLen = 8

func displayName(nickname, identity string) string {
	if nickname != "" {
		return nickname
	}
	if len(identity) > shortIDLen {
		return identity[:shortIDLen]
	}
	return identity
}

func (r *Registry) amount(price float64) string {
	return types.FormatPrice(price) + " " + r.currency
}

func (r *Registry) createdEvent(a types.Auction) types.Event {
	return types.Event{
		Kind:      types.EventAuctionCreated,
		AuctionID: types.Uint64Ptr(a.ID),
		Item:      a.Item,
		Price:     types.Float64Ptr(a.StartingPrice),
		OwnerID:   a.OwnerID,
		Message: fmt.Sprintf("Auction created by %s ID %d, Item: %s, Starting Price: %s",
			displayName(a.OwnerName, a.OwnerID), a.ID, a.Item, r.amount(a.StartingPrice)),
	}
}

func (r *Registry) bidPlacedEvent(a types.Auction, bid types.Bid) types.Event {
	return types.Event{
		Kind:      types.EventBidPlaced,
		AuctionID: types.Uint64Ptr(a.ID),
		Item:      a.Item,
		Price:     types.Float64Ptr(bid.Price),
		OwnerID:   a.OwnerID,
		BidderID:  bid.BidderID,
		Message: fmt.Sprintf("Bid placed on Auction ID %d (%s) by %s %s",
			a.ID, a.Item, displayName(bid.BidderName, bid.BidderID), r.amount(bid.Price)),
	}
}

func (r *Registry) bidTooLowEvent(a types.Auction, bid types.Bid, floor float64) types.Event {
	return types.Event{
		Kind:      types.EventBidTooLow,
		AuctionID: types.Uint64Ptr(a.ID),
		Item:      a.Item,
		Price:     types.Float64Ptr(bid.Price),
		OwnerID:   a.OwnerID,
		BidderID:  bid.BidderID,
		Message: fmt.Sprintf("Bid of %s by %s on Auction ID %d must exceed %s",
			r.amount(bid.Price), displayName(bid.BidderName, bid.BidderID), a.ID, r.amount(floor)),
	}
}

func (r *Registry) selfBidEvent(a types.Auction, bid types.Bid) types.Event {
	return types.Event{
		Kind:      types.EventSelfBidRejected,
		AuctionID: types.Uint64Ptr(a.ID),
		Item:      a.Item,
		Price:     types.Float64Ptr(bid.Price),
		OwnerID:   a.OwnerID,
		BidderID:  bid.BidderID,
		Message:   "Owner cannot bid on their own auction.",
	}
}

func (r *Registry) notFoundEvent(id uint64, bid types.Bid) types.Event {
	return types.Event{
		Kind:      types.EventAuctionNotFound,
		AuctionID: types.Uint64Ptr(id),
		Price:     types.Float64Ptr(bid.Price),
		BidderID:  bid.BidderID,
		Message:   fmt.Sprintf("Auction ID %d does not exist.", id),
	}
}

func (r *Registry) closedEvent(a types.Auction, closer string) types.Event {
	ev := types.Event{
		AuctionID: types.Uint64Ptr(a.ID),
		Item:      a.Item,
		OwnerID:   a.OwnerID,
	}
	name := displayName(closer, a.OwnerID)

	highest, ok := a.HighestBid()
	if !ok {
		ev.Kind = types.EventAuctionClosedNoBids
		ev.Message = fmt.Sprintf("Auction closed by %s Auction ID %d (%s), where no bids have been placed yet.",
			name, a.ID, a.Item)
		return ev
	}

	ev.Kind = types.EventAuctionClosed
	ev.HighestBid = types.Float64Ptr(highest.Price)
	ev.BidderID = highest.BidderID
	ev.Message = fmt.Sprintf("Auction closed by %s Auction ID %d, Highest bid is %s for %s",
		name, a.ID, r.amount(highest.Price), a.Item)
	return ev
}

func (r *Registry) noAuctionsEvent(owner, nickname string) types.Event {
	return types.Event{
		Kind:    types.EventNoAuctionsFound,
		OwnerID: owner,
		Message: fmt.Sprintf("No open auctions found for %s.", displayName(nickname, owner)),
	}
}
