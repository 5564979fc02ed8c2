package services

import (
	"math"

	domain "github.com/buildkart/api/internal/domain"
)

// TransportBasePrices lists the whole-rupee base price of each transport mode
// for deliveries within the free radius.
type TransportBasePrices map[domain.TransportMode]int64

// DefaultTransportBasePrices returns the storefront's standard base table.
func DefaultTransportBasePrices() TransportBasePrices {
	return TransportBasePrices{
		domain.TransportBike:         50,
		domain.TransportThreeWheeler: 150,
		domain.TransportTempo:        489,
		domain.TransportPickup:       613,
	}
}

type transportTier struct {
	threshold float64
	rate      float64
}

// Evaluated from the farthest tier inward; the surcharge is marginal over the
// tier threshold only.
var transportTiers = []transportTier{
	{threshold: 20, rate: 0.20},
	{threshold: 10, rate: 0.15},
	{threshold: 5, rate: 0.10},
}

// TransportCharge applies the distance surcharge to a whole-rupee base price
// and returns the rounded whole-rupee charge.
func TransportCharge(basePrice int64, distanceKm float64) int64 {
	if math.IsNaN(distanceKm) || distanceKm < 0 {
		distanceKm = 0
	}
	base := float64(basePrice)
	for _, tier := range transportTiers {
		if distanceKm > tier.threshold {
			return int64(math.Round(base + base*tier.rate*(distanceKm-tier.threshold)))
		}
	}
	return basePrice
}

// ComputeTransportCharges prices every mode for the given distance in minor
// units. A nil distance yields the unmodified base prices.
func ComputeTransportCharges(prices TransportBasePrices, distanceKm *float64) domain.TransportCharges {
	if len(prices) == 0 {
		prices = DefaultTransportBasePrices()
	}
	charges := make(domain.TransportCharges, len(prices))
	for mode, base := range prices {
		rupees := base
		if distanceKm != nil {
			rupees = TransportCharge(base, *distanceKm)
		}
		charges[mode] = rupees * 100
	}
	return charges
}
