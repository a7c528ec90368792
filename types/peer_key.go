package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"

	"github.com/auctionmesh/auctiond/crypto/ed25519"
	amos "github.com/auctionmesh/auctiond/libs/os"
)

// PeerKey is the persistent key of a peer. Its public half is the peer's
// identity, so a peer that reconnects with the same key keeps ownership of its
// open auctions.
type PeerKey struct {
	PrivKey ed25519.PrivKey
}

type peerKeyJSON struct {
	ID      string `json:"id"`
	PrivKey string `json:"priv_key"`
}

// GenPeerKey generates a new random peer key.
func GenPeerKey() PeerKey {
	return PeerKey{PrivKey: ed25519.GenPrivKey()}
}

// PubKey returns the peer's public key.
func (pk PeerKey) PubKey() ed25519.PubKey {
	return pk.PrivKey.PubKey()
}

// ID returns the peer identity: the hex encoded public key.
func (pk PeerKey) ID() string {
	return pk.PubKey().String()
}

func (pk PeerKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(peerKeyJSON{
		ID:      pk.ID(),
		PrivKey: hex.EncodeToString(pk.PrivKey),
	})
}

func (pk *PeerKey) UnmarshalJSON(bz []byte) error {
	var raw peerKeyJSON
	if err := json.Unmarshal(bz, &raw); err != nil {
		return err
	}
	priv, err := hex.DecodeString(raw.PrivKey)
	if err != nil {
		return fmt.Errorf("decoding private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: expected %d private key bytes, got %d",
			ed25519.ErrInvalidKey, ed25519.PrivateKeySize, len(priv))
	}
	pk.PrivKey = ed25519.PrivKey(priv)
	if raw.ID != "" && raw.ID != pk.ID() {
		return fmt.Errorf("peer key id %s does not match private key (%s)", raw.ID, pk.ID())
	}
	return nil
}

// SaveAs persists the PeerKey to filePath, replacing any previous file
// atomically.
func (pk PeerKey) SaveAs(filePath string) error {
	jsonBytes, err := json.MarshalIndent(pk, "", "  ")
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(filePath, bytes.NewReader(jsonBytes), 0600)
	return err
}

// LoadPeerKey loads the PeerKey located in filePath.
func LoadPeerKey(filePath string) (PeerKey, error) {
	jsonBytes, err := os.ReadFile(filePath)
	if err != nil {
		return PeerKey{}, err
	}
	var pk PeerKey
	if err := json.Unmarshal(jsonBytes, &pk); err != nil {
		return PeerKey{}, fmt.Errorf("error reading peer key from %v: %w", filePath, err)
	}
	return pk, nil
}

// LoadOrGenPeerKey attempts to load the PeerKey from the given filePath. If
// the file does not exist, it generates and saves a new PeerKey.
func LoadOrGenPeerKey(filePath string) (PeerKey, error) {
	if amos.FileExists(filePath) {
		return LoadPeerKey(filePath)
	}

	pk := GenPeerKey()
	if err := pk.SaveAs(filePath); err != nil {
		return PeerKey{}, err
	}
	return pk, nil
}
