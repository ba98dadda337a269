//go:build !integration

package wallet

import (
	"strconv"
	"testing"

	"github.com/cashukit/core/cashu"
)

func proofsWithAmounts(amounts ...uint64) cashu.Proofs {
	proofs := make(cashu.Proofs, len(amounts))
	for i, amt := range amounts {
		proofs[i] = cashu.Proof{Amount: amt, Secret: strconv.Itoa(i)}
	}
	return proofs
}

func noFee(cashu.Proofs) uint64 { return 0 }

func TestSelectProofs(t *testing.T) {
	available := proofsWithAmounts(1, 2, 4, 8, 16, 32)

	tests := []struct {
		target     uint64
		wantAmount uint64
		wantErr    bool
	}{
		// descending accumulation stops as soon as a single proof covers
		// target, so small targets land on the largest available proof;
		// OnlineExact/OnlineTolerance swap the overshoot away afterward.
		{target: 1, wantAmount: 32},
		{target: 5, wantAmount: 32},
		{target: 32, wantAmount: 32},
		{target: 63, wantAmount: 63},
		{target: 64, wantErr: true},
	}

	for _, test := range tests {
		selected, err := selectProofs(available, test.target, noFee)
		if test.wantErr {
			if err == nil {
				t.Errorf("selectProofs(%v): expected error, got none", test.target)
			}
			continue
		}
		if err != nil {
			t.Fatalf("selectProofs(%v): unexpected error: %v", test.target, err)
		}
		if selected.Amount() != test.wantAmount {
			t.Errorf("selectProofs(%v) = %v, want %v", test.target, selected.Amount(), test.wantAmount)
		}
	}
}

func TestSelectProofsWithFee(t *testing.T) {
	available := proofsWithAmounts(1, 2, 4, 8, 16, 32)
	fee := func(picked cashu.Proofs) uint64 { return uint64(len(picked)) }

	selected, err := selectProofs(available, 10, fee)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selected.Amount() < 10+fee(selected) {
		t.Errorf("selected amount %v does not cover target plus fee %v", selected.Amount(), fee(selected))
	}
}

// with one proof of every denomination up to 32, any target from 1 to 63
// has an exact binary decomposition available.
func TestExactSubsetCompleteDenominations(t *testing.T) {
	available := proofsWithAmounts(1, 2, 4, 8, 16, 32)

	for _, target := range []uint64{1, 5, 41, 63} {
		selected, ok := exactSubset(available, target)
		if !ok {
			t.Fatalf("exactSubset(%v): expected a combination", target)
		}
		if selected.Amount() != target {
			t.Errorf("exactSubset(%v) amount = %v, want %v", target, selected.Amount(), target)
		}
	}

	if _, ok := exactSubset(available, 64); ok {
		t.Errorf("exactSubset(64): expected no combination, total available is 63")
	}
}

// with the 2 and 32 denominations missing, targets whose binary
// decomposition needs them cannot be satisfied without a swap.
func TestExactSubsetMissingDenomination(t *testing.T) {
	available := proofsWithAmounts(1, 4, 8, 16)

	if _, ok := exactSubset(available, 6); ok {
		t.Errorf("exactSubset(6): expected no combination, denomination 2 is missing")
	}
	if selected, ok := exactSubset(available, 5); !ok || selected.Amount() != 5 {
		t.Errorf("exactSubset(5): expected exact combination summing to 5")
	}
}

func TestToleranceSubset(t *testing.T) {
	// denomination 2 is missing, so an exact 6 isn't possible, but 8
	// (overshoot 2) is within tolerance.
	available := proofsWithAmounts(1, 4, 8, 16)

	selected, ok := toleranceSubset(available, 6, 2)
	if !ok {
		t.Fatalf("expected a combination within tolerance")
	}
	if selected.Amount() != 8 {
		t.Errorf("toleranceSubset(6, 2) amount = %v, want 8 (smallest overshoot)", selected.Amount())
	}

	if _, ok := toleranceSubset(available, 6, 1); ok {
		t.Errorf("toleranceSubset(6, 1): expected no combination, needs an overshoot of 2")
	}
}
