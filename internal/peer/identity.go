package peer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/auctionmesh/auctiond/crypto/ed25519"
	"github.com/auctionmesh/auctiond/types"
)

const nonceSize = 32

// ErrIdentityRejected is returned when a peer fails the identity handshake.
var ErrIdentityRejected = errors.New("peer identity rejected")

// MessageConn is the part of a connection an IdentityResolver needs.
type MessageConn interface {
	WriteMessage(types.Message) error
	ReadMessage() (types.Message, error)
}

// IdentityResolver establishes the stable identity of a freshly accepted
// connection. The identity must stay the same across reconnects of the same
// peer.
type IdentityResolver interface {
	Resolve(ctx context.Context, conn MessageConn) (string, error)
}

// KeyResolver proves possession of an ed25519 key. It sends a random nonce
// bound to the topic and expects the peer to sign topic || nonce. The
// identity is the hex encoded public key.
type KeyResolver struct {
	topic types.TopicKey
}

// NewKeyResolver returns a resolver for connections on topic.
func NewKeyResolver(topic types.TopicKey) *KeyResolver {
	return &KeyResolver{topic: topic}
}

// Resolve runs the challenge/response exchange. The caller is responsible for
// bounding how long the peer may take to answer.
func (kr *KeyResolver) Resolve(ctx context.Context, conn MessageConn) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	challenge, err := types.NewMessage(types.MsgIdentityChallenge, types.IdentityChallengePayload{
		Nonce: hex.EncodeToString(nonce),
		Topic: kr.topic.String(),
	})
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(challenge); err != nil {
		return "", err
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg.Type != types.MsgIdentityProof {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrIdentityRejected, types.MsgIdentityProof, msg.Type)
	}

	var proof types.IdentityProofPayload
	if err := msg.DecodePayload(&proof); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityRejected, err)
	}
	pubKey, err := ed25519.PubKeyFromHex(proof.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityRejected, err)
	}
	sig, err := hex.DecodeString(proof.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature is not hex: %v", ErrIdentityRejected, err)
	}
	if !pubKey.VerifySignature(challengeBytes(kr.topic, nonce), sig) {
		return "", fmt.Errorf("%w: invalid signature", ErrIdentityRejected)
	}

	return pubKey.String(), nil
}

// ProveIdentity answers a challenge with privKey.
func ProveIdentity(privKey ed25519.PrivKey, challenge types.IdentityChallengePayload) (types.IdentityProofPayload, error) {
	topic, err := types.ParseTopicKey(challenge.Topic)
	if err != nil {
		return types.IdentityProofPayload{}, err
	}
	nonce, err := hex.DecodeString(challenge.Nonce)
	if err != nil {
		return types.IdentityProofPayload{}, fmt.Errorf("nonce is not hex: %w", err)
	}
	sig, err := privKey.Sign(challengeBytes(topic, nonce))
	if err != nil {
		return types.IdentityProofPayload{}, err
	}
	return types.IdentityProofPayload{
		PublicKey: privKey.PubKey().String(),
		Signature: hex.EncodeToString(sig),
	}, nil
}

func challengeBytes(topic types.TopicKey, nonce []byte) []byte {
	bz := make([]byte, 0, len(topic)+len(nonce))
	bz = append(bz, topic.Bytes()...)
	return append(bz, nonce...)
}
