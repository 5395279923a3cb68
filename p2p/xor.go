package p2p

import (
	"crypto/rand"
	"encoding/hex"
	"math/bits"
	"strings"

	"lukechampine.com/blake3"
)

// dhtKeyLen is the keyspace width in bytes; distances are XOR over 256 bits.
const dhtKeyLen = 32

type dhtKey [dhtKeyLen]byte

// dhtKeyForNode maps a node identifier onto the keyspace. Hashing keeps the
// key uniformly distributed regardless of the identifier encoding.
func dhtKeyForNode(nodeID string) dhtKey {
	return dhtKey(blake3.Sum256([]byte(strings.ToLower(strings.TrimSpace(nodeID)))))
}

func (k dhtKey) String() string {
	return hex.EncodeToString(k[:])
}

// xorDistance returns the Kademlia distance between two keys.
func xorDistance(a, b dhtKey) dhtKey {
	var out dhtKey
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// closerToTarget reports whether a is strictly closer to target than b.
func closerToTarget(target, a, b dhtKey) bool {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// commonPrefixLen counts the shared leading bits of two keys.
func commonPrefixLen(a, b dhtKey) int {
	length := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			length += 8
			continue
		}
		length += bits.LeadingZeros8(x)
		break
	}
	return length
}

// bucketIndexFor places a remote key into one of the 255 distance buckets
// relative to self. Identical keys collapse into the last bucket.
func bucketIndexFor(self, other dhtKey) int {
	prefix := commonPrefixLen(self, other)
	if prefix >= dhtKeyLen*8 {
		return dhtKeyLen*8 - 1
	}
	return prefix
}

// randomDhtKey returns a uniformly random point in the keyspace, used to
// spread refresh lookups across the table.
func randomDhtKey() dhtKey {
	var key dhtKey
	if _, err := rand.Read(key[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken;
		// a zero key still produces a valid, if biased, lookup target.
		return key
	}
	return key
}

// randomKeyInBucket returns a random key whose distance from self falls into
// the given bucket, used for targeted bucket refreshes.
func randomKeyInBucket(self dhtKey, bucket int) dhtKey {
	if bucket < 0 {
		bucket = 0
	}
	if bucket >= dhtKeyLen*8 {
		bucket = dhtKeyLen*8 - 1
	}
	key := randomDhtKey()
	// Share the first `bucket` bits with self, flip the next bit, keep the
	// remainder random.
	byteIdx := bucket / 8
	bit := uint(7 - bucket%8)
	for i := 0; i < byteIdx; i++ {
		key[i] = self[i]
	}
	prefixMask := byte(0xff) << (bit + 1)
	flip := byte(1) << bit
	key[byteIdx] = (self[byteIdx] & prefixMask) | ((self[byteIdx] ^ flip) & flip) | (key[byteIdx] &^ (prefixMask | flip))
	return key
}
