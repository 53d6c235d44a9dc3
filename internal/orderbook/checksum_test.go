package orderbook

import (
	"fmt"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthfeed-collector/internal/connector"
)

func okxKey() connector.StreamKey {
	return connector.StreamKey{
		Exchange:   connector.OKXSpot,
		MarketType: connector.MarketSpot,
		Symbol:     "BTC-USDT",
	}
}

func TestChecksumStringInterleaving(t *testing.T) {
	t.Parallel()

	book := NewBook(okxKey())
	book.ApplySnapshot(&connector.Snapshot{
		Bids: []connector.PriceLevel{
			level(t, "30000.1", "1.5"),
			level(t, "30000.0", "2.0"),
		},
		Asks: []connector.PriceLevel{
			level(t, "30001.0", "1.2"),
			level(t, "30001.1", "0.8"),
		},
		LastUpdateID: 1,
	})

	want := "30000.1:1.5:30001.0:1.2:30000.0:2.0:30001.1:0.8"
	require.Equal(t, want, book.ChecksumString())

	expected := int32(crc32.ChecksumIEEE([]byte(want)))
	assert.Equal(t, expected, book.Checksum())

	got, ok := book.VerifyChecksum(expected)
	assert.True(t, ok)
	assert.Equal(t, expected, got)

	_, ok = book.VerifyChecksum(expected + 1)
	assert.False(t, ok)
}

func TestChecksumStringShorterSideAppended(t *testing.T) {
	t.Parallel()

	book := NewBook(okxKey())
	book.ApplySnapshot(&connector.Snapshot{
		Bids: []connector.PriceLevel{
			level(t, "30000.1", "1.5"),
			level(t, "30000.0", "2.0"),
			level(t, "29999.9", "0.5"),
		},
		Asks: []connector.PriceLevel{
			level(t, "30001.0", "1.2"),
		},
		LastUpdateID: 1,
	})

	want := "30000.1:1.5:30001.0:1.2:30000.0:2.0:29999.9:0.5"
	assert.Equal(t, want, book.ChecksumString())
}

func TestChecksumStringTruncatesToTop25(t *testing.T) {
	t.Parallel()

	snap := &connector.Snapshot{LastUpdateID: 1}
	for i := 0; i < 30; i++ {
		snap.Bids = append(snap.Bids, level(t, fmt.Sprintf("%d", 30000-i), "1"))
		snap.Asks = append(snap.Asks, level(t, fmt.Sprintf("%d", 30001+i), "1"))
	}
	book := NewBook(okxKey())
	book.ApplySnapshot(snap)

	s := book.ChecksumString()
	// 25 rows x 4 tokens, colon-joined
	assert.Equal(t, 25*4-1, strings.Count(s, ":"))
	assert.True(t, strings.HasPrefix(s, "30000:1:30001:1:"))
	assert.NotContains(t, s, "29975") // bid 26 and beyond excluded
}

func TestChecksumUsesRawStrings(t *testing.T) {
	t.Parallel()

	// trailing zeros in the exchange form must survive verbatim
	book := NewBook(okxKey())
	book.ApplySnapshot(&connector.Snapshot{
		Bids:         []connector.PriceLevel{level(t, "30000.10", "1.50")},
		Asks:         []connector.PriceLevel{level(t, "30001.00", "1.20")},
		LastUpdateID: 1,
	})

	assert.Equal(t, "30000.10:1.50:30001.00:1.20", book.ChecksumString())
}

func TestChecksumSignedInterpretation(t *testing.T) {
	t.Parallel()

	// CRC32 of this serialization exceeds 2^31 and must wrap negative
	book := NewBook(okxKey())
	book.ApplySnapshot(&connector.Snapshot{
		Bids:         []connector.PriceLevel{level(t, "1", "1")},
		Asks:         []connector.PriceLevel{level(t, "2", "1")},
		LastUpdateID: 1,
	})

	sum := crc32.ChecksumIEEE([]byte(book.ChecksumString()))
	want := int32(sum)
	assert.Equal(t, want, book.Checksum())
	if sum >= 1<<31 {
		assert.Negative(t, book.Checksum())
	}
}
