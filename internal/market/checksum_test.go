package market

import "testing"

func lvl(price, size float64, priceRaw, sizeRaw string) level {
	return level{price: price, size: size, priceRaw: priceRaw, sizeRaw: sizeRaw}
}

func TestChecksumString(t *testing.T) {
	t.Parallel()

	bids := []level{lvl(60000, 1.5, "60000", "1.5"), lvl(59990, 2, "59990", "2")}
	asks := []level{lvl(60010, 1, "60010", "1"), lvl(60020, 3, "60020", "3")}

	want := "60000:1.5:60010:1:59990:2:60020:3"
	if got := checksumString(bids, asks); got != want {
		t.Errorf("checksumString = %q, want %q", got, want)
	}
}

func TestChecksumUnevenSides(t *testing.T) {
	t.Parallel()

	bids := []level{lvl(60000, 1.5, "60000", "1.5")}
	asks := []level{lvl(60010, 1, "60010", "1"), lvl(60020, 3, "60020", "3")}

	want := "60000:1.5:60010:1:60020:3"
	if got := checksumString(bids, asks); got != want {
		t.Errorf("checksumString = %q, want %q", got, want)
	}
	if got := computeChecksum(bids, asks); got != -342996455 {
		t.Errorf("computeChecksum = %d, want -342996455", got)
	}
}

func TestComputeChecksumKnownVector(t *testing.T) {
	t.Parallel()

	bids := []level{lvl(60000, 1.5, "60000", "1.5"), lvl(59990, 2, "59990", "2")}
	asks := []level{lvl(60010, 1, "60010", "1"), lvl(60020, 3, "60020", "3")}

	if got := computeChecksum(bids, asks); got != 1569814919 {
		t.Errorf("computeChecksum = %d, want 1569814919", got)
	}
}

func TestChecksumUsesRawStrings(t *testing.T) {
	t.Parallel()

	// "1.50" and "1.5" are the same float but different wire strings;
	// the checksum must follow the wire form.
	a := []level{lvl(60000, 1.5, "60000", "1.5")}
	b := []level{lvl(60000, 1.5, "60000", "1.50")}
	if computeChecksum(a, nil) == computeChecksum(b, nil) {
		t.Error("checksums over different raw strings should differ")
	}
}
