package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MessageType is the discriminator of a wire message.
type MessageType string

const (
	// handshake
	MsgIdentityChallenge MessageType = "identity-challenge"
	MsgIdentityProof     MessageType = "identity-proof"
	MsgSyncIdentity      MessageType = "sync-identity"

	// peer -> registry
	MsgCreateAuction   MessageType = "create-auction"
	MsgBidAuction      MessageType = "bid-auction"
	MsgGetAuctionTable MessageType = "get-auction-table"
	MsgCloseAuction    MessageType = "close-auction"

	// registry -> peer
	MsgAuctionUpdate        MessageType = "auction-update"
	MsgAuctionTable         MessageType = "auction-table"
	MsgInputValidationError MessageType = "input-validation-error"
)

// Message is the envelope of everything exchanged between a peer and the
// registry. Each message is sent as a single websocket text frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message of type t carrying payload. A nil payload
// produces a message without payload.
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	bz, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	msg.Payload = bz
	return msg, nil
}

// DecodeMessage parses a raw frame into a Message. Unknown message types are
// not an error here; the receiver decides what to do with them.
func DecodeMessage(bz []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(bz, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing message type", ErrMalformedRequest)
	}
	return msg, nil
}

// DecodePayload unmarshals the payload of the message into v. A missing
// payload leaves v untouched.
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedRequest, m.Type, err)
	}
	return nil
}

// Marshal encodes the message for the wire.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

type (
	IdentityChallengePayload struct {
		// Nonce is hex encoded random bytes the peer must sign.
		Nonce string `json:"nonce"`
		// Topic is the hex topic key the connection was accepted on.
		Topic string `json:"topic"`
	}

	IdentityProofPayload struct {
		// PublicKey is the hex encoded ed25519 public key of the peer.
		PublicKey string `json:"publicKey"`
		// Signature is the hex encoded signature of topic || nonce.
		Signature string `json:"signature"`
	}

	SyncIdentityPayload struct {
		Identity string `json:"identity"`
	}

	CreateAuctionPayload struct {
		Item          string      `json:"item"`
		StartingPrice json.Number `json:"startingPrice"`
		OwnerID       string      `json:"ownerId,omitempty"`
		Nickname      string      `json:"nickname,omitempty"`
	}

	BidAuctionPayload struct {
		AuctionID json.Number `json:"auctionId"`
		Price     json.Number `json:"price"`
		// BidderID is the display name of the bidder.
		BidderID string `json:"bidderId,omitempty"`
		// OwnerIDOfBidder is the identity of the bidder.
		OwnerIDOfBidder string `json:"ownerIdOfBidder,omitempty"`
	}

	CloseAuctionPayload struct {
		OwnerID  string `json:"ownerId,omitempty"`
		Nickname string `json:"nickname,omitempty"`
	}

	AuctionTablePayload struct {
		Auctions []Auction `json:"auctions"`
	}

	InputValidationErrorPayload struct {
		Message string `json:"message"`
	}
)

// ParsePrice converts a wire price into a finite float.
func ParsePrice(field string, n json.Number) (float64, error) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedRequest, field)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrMalformedRequest, field, s)
	}
	return v, nil
}

// ParseAuctionID converts a wire auction ID into an unsigned integer.
func ParseAuctionID(n json.Number) (uint64, error) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return 0, fmt.Errorf("%w: missing auctionId", ErrMalformedRequest)
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: auctionId %q is not an unsigned integer", ErrMalformedRequest, s)
	}
	return id, nil
}
