// Package lightning abstracts the mint's Lightning payment processor so the
// mint core never talks to a specific node implementation directly.
package lightning

import (
	"context"
	"errors"
)

var OutgoingPaymentNotFound = errors.New("outgoing payment not found")

// InvoiceExpiryTime is the default expiry, in seconds, the mint requests
// for invoices it asks a backend to generate.
const InvoiceExpiryTime = 60 * 15

// State is the settlement state of an invoice or outgoing payment as
// reported by the backend.
type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
}

// InvoiceSubscriptionClient streams updates for a single invoice until it
// settles, expires, or the subscription's context is cancelled.
type InvoiceSubscriptionClient interface {
	Recv() (Invoice, error)
}

// Backend is the capability set a Lightning node implementation must offer
// for the mint to accept incoming payments (NUT-04) and make outgoing ones
// (NUT-05).
type Backend interface {
	ConnectionStatus() error
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error)
	FeeReserve(amount uint64) uint64
	SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error)
	PayPartialAmount(ctx context.Context, request string, amountMsat, maxFee uint64) (PaymentStatus, error)
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
}
