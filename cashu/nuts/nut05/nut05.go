// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"
	"errors"

	"github.com/cashukit/core/cashu"
)

// State is a melt quote's lifecycle state. Unpaid inputs are never locked;
// Pending means inputs are held while a Lightning payment is in flight;
// Paid is terminal success; Failed means the payment definitively did not
// go through and inputs were rolled back to Unspent.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Failed
	UnknownState
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	case Failed:
		return "FAILED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	case "FAILED":
		return Failed
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
		return errors.New("nut05: invalid quote state")
	}
	*state = val
	return nil
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	Paid       bool   `json:"paid"`
	State      State  `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltBolt11Request struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
}

type PostMeltBolt11Response struct {
	Paid     bool   `json:"paid"`
	State    State  `json:"state"`
	Preimage string `json:"payment_preimage"`
}
