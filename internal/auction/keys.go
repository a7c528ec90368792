package auction

import (
	"fmt"

	"github.com/google/orderedcode"
)

// key prefixes
const (
	prefixAuction = int64(1)
	prefixMeta    = int64(2)
)

const metaNextAuctionID = "next-auction-id"

// auctionKey orders auctions by ID within the auction prefix.
func auctionKey(id uint64) []byte {
	key, err := orderedcode.Append(nil, prefixAuction, id)
	if err != nil {
		panic(err)
	}
	return key
}

func auctionPrefix() []byte {
	key, err := orderedcode.Append(nil, prefixAuction)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeAuctionKey(key []byte) (id uint64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &id)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixAuction {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixAuction, prefix)
	}
	return id, nil
}

func nextIDKey() []byte {
	key, err := orderedcode.Append(nil, prefixMeta, metaNextAuctionID)
	if err != nil {
		panic(err)
	}
	return key
}

func encodeNextID(id uint64) []byte {
	bz, err := orderedcode.Append(nil, id)
	if err != nil {
		panic(err)
	}
	return bz
}

func decodeNextID(bz []byte) (id uint64, err error) {
	remaining, err := orderedcode.Parse(string(bz), &id)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete value but got remainder: %s", remaining)
	}
	return id, nil
}
