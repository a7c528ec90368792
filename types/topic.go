package types

import (
	"encoding/hex"
	"fmt"
)

// TopicKeySize is the length in bytes of a topic key.
const TopicKeySize = 32

// TopicKey addresses an auction session. Peers join a session by topic rather
// than by the address of a particular server.
type TopicKey [TopicKeySize]byte

// NewTopicKey derives the key of a named topic by filling the key with the
// repeated bytes of the name.
func NewTopicKey(name string) TopicKey {
	var key TopicKey
	if name == "" {
		return key
	}
	for i := range key {
		key[i] = name[i%len(name)]
	}
	return key
}

// String returns the hex encoding of the key, as used in endpoint paths.
func (k TopicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns a copy of the key bytes.
func (k TopicKey) Bytes() []byte {
	bz := make([]byte, TopicKeySize)
	copy(bz, k[:])
	return bz
}

// ParseTopicKey decodes a hex encoded topic key.
func ParseTopicKey(s string) (TopicKey, error) {
	var key TopicKey
	bz, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid topic key %q: %w", s, err)
	}
	if len(bz) != TopicKeySize {
		return key, fmt.Errorf("invalid topic key length: expected %d bytes, got %d", TopicKeySize, len(bz))
	}
	copy(key[:], bz)
	return key, nil
}
