package market

import (
	"hash/crc32"
	"strings"
)

// checksumDepth is the number of levels per side OKX covers with the
// books-channel checksum.
const checksumDepth = 25

// checksumString builds the OKX checksum payload: the top-25 bid and ask
// levels interleaved as "bidPx:bidSz:askPx:askSz:...", using the exact
// string forms the exchange sent. When one side runs out the remaining
// levels of the other side follow consecutively.
func checksumString(bids, asks []level) string {
	parts := make([]string, 0, 4*checksumDepth)
	for i := 0; i < checksumDepth; i++ {
		if i < len(bids) {
			parts = append(parts, bids[i].priceRaw, bids[i].sizeRaw)
		}
		if i < len(asks) {
			parts = append(parts, asks[i].priceRaw, asks[i].sizeRaw)
		}
	}
	return strings.Join(parts, ":")
}

// computeChecksum folds the CRC32 of the checksum payload into a signed
// 32-bit value, matching the number OKX sends on the wire.
func computeChecksum(bids, asks []level) int32 {
	return int32(crc32.ChecksumIEEE([]byte(checksumString(bids, asks))))
}
