package wallet

import (
	"errors"
	"sort"

	"github.com/cashukit/core/cashu"
)

// SendMode controls how a wallet picks proofs to cover a requested send or
// melt amount, and whether it is willing to swap at the mint to get exact
// change.
type SendMode int

const (
	// OnlineExact swaps the selected proofs for exactly the requested
	// amount unless they already sum to it. Requires network access to
	// the mint.
	OnlineExact SendMode = iota
	// OnlineTolerance only swaps if the cheapest covering subset would
	// overshoot the requested amount by more than Tolerance.
	OnlineTolerance
	// OfflineExact requires an existing subset of proofs summing to
	// exactly the requested amount and never contacts the mint.
	OfflineExact
	// OfflineTolerance allows sending an existing subset that overshoots
	// the requested amount by up to Tolerance, without contacting the
	// mint.
	OfflineTolerance
)

// SendOptions configures how Send selects proofs for a requested amount.
type SendOptions struct {
	Mode SendMode
	// Tolerance is the acceptable overshoot for the *Tolerance modes, in
	// the wallet's unit. Ignored by OnlineExact and OfflineExact.
	Tolerance uint64
}

var ErrNoOfflineCombination = errors.New("no offline combination of proofs satisfies the requested amount and tolerance")

// selectProofs greedily accumulates proofs, largest amount first, from
// available until their sum covers target plus the fee the mint would
// charge to redeem whatever has been picked so far. feeFunc mirrors the
// mint's own TransactionFees so the picked set is never short once fees
// are applied.
func selectProofs(available cashu.Proofs, target uint64, feeFunc func(cashu.Proofs) uint64) (cashu.Proofs, error) {
	ordered := make(cashu.Proofs, len(available))
	copy(ordered, available)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Amount > ordered[j].Amount })

	selected := cashu.Proofs{}
	var sum uint64
	for _, proof := range ordered {
		if sum >= target+feeFunc(selected) {
			break
		}
		selected = append(selected, proof)
		sum += proof.Amount
	}

	if sum < target+feeFunc(selected) {
		return nil, ErrInsufficientMintBalance
	}
	return selected, nil
}

// exactSubset looks for a subset of available that sums to exactly target
// by matching amount's binary denomination split one proof at a time, the
// same decomposition the mint itself uses to split change (cashu.AmountSplit).
// It never contacts the mint: this is the selection used by the offline
// send modes.
func exactSubset(available cashu.Proofs, target uint64) (cashu.Proofs, bool) {
	byAmount := make(map[uint64]cashu.Proofs, len(available))
	for _, proof := range available {
		byAmount[proof.Amount] = append(byAmount[proof.Amount], proof)
	}

	selected := cashu.Proofs{}
	for _, denom := range cashu.AmountSplit(target) {
		bucket := byAmount[denom]
		if len(bucket) == 0 {
			return nil, false
		}
		selected = append(selected, bucket[0])
		byAmount[denom] = bucket[1:]
	}

	return selected, true
}

// toleranceSubset looks for the smallest candidate amount in
// [target, target+tolerance] that exactSubset can satisfy, so the overshoot
// is always minimal. It never contacts the mint.
func toleranceSubset(available cashu.Proofs, target, tolerance uint64) (cashu.Proofs, bool) {
	for candidate := target; candidate <= target+tolerance; candidate++ {
		if selected, ok := exactSubset(available, candidate); ok {
			return selected, true
		}
	}
	return nil, false
}
