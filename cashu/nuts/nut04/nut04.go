// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"
	"errors"

	"github.com/cashukit/core/cashu"
)

// State is a mint quote's lifecycle state. A quote starts Unpaid, moves to
// Paid once the mint observes the backing Lightning payment settle, and
// finally to Issued once blind signatures have been returned for it. Issued
// is terminal: a quote can never be minted against twice.
type State int

const (
	Unpaid State = iota
	Paid
	Issued
	UnknownState
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	}
	return UnknownState
}

func (state State) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.String())
}

func (state *State) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	val := StringToState(s)
	if val == UnknownState {
		return errors.New("nut04: invalid quote state")
	}
	*state = val
	return nil
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	// Paid is kept for wallets still on the pre-NUT-04-State wire format;
	// it mirrors State == Paid || State == Issued.
	Paid   bool  `json:"paid"`
	State  State `json:"state"`
	Expiry int64 `json:"expiry"`
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
