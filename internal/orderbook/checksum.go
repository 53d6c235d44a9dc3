package orderbook

import (
	"hash/crc32"
	"strings"

	"depthfeed-collector/internal/connector"
)

// checksumRows is the number of levels per side OKX covers
const checksumRows = 25

func levelToken(lv connector.PriceLevel, sb *strings.Builder) {
	price := lv.PriceRaw
	if price == "" {
		price = lv.Price.String()
	}
	qty := lv.QuantityRaw
	if qty == "" {
		qty = lv.Quantity.String()
	}
	sb.WriteString(price)
	sb.WriteString(":")
	sb.WriteString(qty)
	sb.WriteString(":")
}

// ChecksumString serializes the top 25 levels per side the way OKX
// defines: interleaved bid/ask rows of price:qty tokens joined with
// colons, the longer side's remainder appended. Tokens are the
// exchange-emitted strings verbatim.
func (b *Book) ChecksumString() string {
	bids, asks := b.Top(checksumRows)

	rows := len(bids)
	if len(asks) < rows {
		rows = len(asks)
	}

	var sb strings.Builder
	for i := 0; i < rows; i++ {
		levelToken(bids[i], &sb)
		levelToken(asks[i], &sb)
	}
	for i := rows; i < len(bids); i++ {
		levelToken(bids[i], &sb)
	}
	for i := rows; i < len(asks); i++ {
		levelToken(asks[i], &sb)
	}

	return strings.TrimSuffix(sb.String(), ":")
}

// Checksum computes CRC32 (IEEE) over the checksum string and
// reinterprets the value as a signed 32-bit integer, the form OKX
// transmits.
func (b *Book) Checksum() int32 {
	return int32(crc32.ChecksumIEEE([]byte(b.ChecksumString())))
}

// VerifyChecksum recomputes the book checksum and compares it with
// the received value
func (b *Book) VerifyChecksum(want int32) (int32, bool) {
	got := b.Checksum()
	return got, got == want
}
