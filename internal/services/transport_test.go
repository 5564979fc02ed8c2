package services

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/buildkart/api/internal/domain"
)

func TestTransportChargeTiers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		base     int64
		distance float64
		want     int64
	}{
		{name: "within free radius", base: 50, distance: 3, want: 50},
		{name: "exactly five km", base: 50, distance: 5, want: 50},
		{name: "first tier", base: 50, distance: 7, want: 60},
		{name: "first tier upper bound", base: 50, distance: 10, want: 75},
		{name: "second tier", base: 50, distance: 12, want: 65},
		{name: "third tier", base: 50, distance: 25, want: 100},
		{name: "tempo rounds to nearest rupee", base: 489, distance: 12, want: 636},
		{name: "negative distance treated as zero", base: 150, distance: -4, want: 150},
		{name: "nan distance treated as zero", base: 150, distance: math.NaN(), want: 150},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, TransportCharge(tc.base, tc.distance))
		})
	}
}

func TestTransportChargeIsNotMonotoneAtTierBoundary(t *testing.T) {
	t.Parallel()

	// The surcharge restarts from the tier threshold, so crossing 10 km drops the price.
	atBoundary := TransportCharge(50, 10)
	pastBoundary := TransportCharge(50, 10.5)
	require.Greater(t, atBoundary, pastBoundary)
}

func TestTransportChargeFlatWithinFreeRadius(t *testing.T) {
	t.Parallel()

	for mode, base := range DefaultTransportBasePrices() {
		for step := 0; step <= 50; step++ {
			d := float64(step) / 10
			require.Equal(t, base, TransportCharge(base, d), "%s at %.1f km", mode, d)
		}
	}
}

func TestTransportChargeMonotoneWithinTier(t *testing.T) {
	t.Parallel()

	tiers := []struct{ from, to float64 }{
		{from: 5, to: 10},
		{from: 10, to: 20},
		{from: 20, to: 60},
	}
	for mode, base := range DefaultTransportBasePrices() {
		for _, tier := range tiers {
			prev := TransportCharge(base, tier.from+0.01)
			require.GreaterOrEqual(t, prev, base, "%s entering tier at %.0f km", mode, tier.from)
			for d := tier.from + 0.25; d <= tier.to; d += 0.25 {
				got := TransportCharge(base, d)
				require.GreaterOrEqual(t, got, prev, "%s at %.2f km", mode, d)
				prev = got
			}
		}
	}
}

func TestComputeTransportChargesReturnsMinorUnits(t *testing.T) {
	t.Parallel()

	charges := ComputeTransportCharges(DefaultTransportBasePrices(), float64Ptr(3))
	require.Len(t, charges, len(domain.TransportModes))
	require.Equal(t, int64(5000), charges[domain.TransportBike])
	require.Equal(t, int64(15000), charges[domain.TransportThreeWheeler])
	require.Equal(t, int64(48900), charges[domain.TransportTempo])
	require.Equal(t, int64(61300), charges[domain.TransportPickup])

	far := ComputeTransportCharges(nil, float64Ptr(12))
	require.Equal(t, int64(6500), far[domain.TransportBike])

	base := ComputeTransportCharges(TransportBasePrices{domain.TransportBike: 70}, nil)
	require.Equal(t, domain.TransportCharges{domain.TransportBike: 7000}, base)
}
