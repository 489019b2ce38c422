package matching

import (
	"math"
	"sort"

	"github.com/spigell/service-exchange/internal/market"
)

// Candidate is a bid that survived filtering together with its reputation gap to the provider.
type Candidate struct {
	Bid  *market.Bid
	Diff float64
}

// Candidates pairs every bid with |providerReputation - buyer reputation snapshot|.
func Candidates(bids *market.Bids, providerReputation float64) []Candidate {
	out := make([]Candidate, 0, bids.Len())
	for _, b := range bids.Items {
		out = append(out, Candidate{Bid: b, Diff: math.Abs(providerReputation - b.BuyerReputation)})
	}
	return out
}

// Rank orders candidates by reputation gap, smallest first. Consecutive
// candidates whose gap is within width of the first gap of their bucket are
// considered equivalent and ordered by price, highest first. Price therefore
// only breaks ties between reputation-equivalent bids.
func Rank(candidates []Candidate, width float64) []Candidate {
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Diff < ranked[j].Diff
	})

	for start := 0; start < len(ranked); {
		ref := ranked[start].Diff
		end := start + 1
		for end < len(ranked) && ranked[end].Diff-ref < width {
			end++
		}

		bucket := ranked[start:end]
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].Bid.Price > bucket[j].Bid.Price
		})

		start = end
	}

	return ranked
}
