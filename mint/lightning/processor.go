package lightning

import "context"

// PaymentOutcome is the tri-state result the mint's melt saga reasons
// about: Unknown is distinct from Failed because an unknown outcome must
// never release held inputs (see SPEC_FULL §9).
type PaymentOutcome int

const (
	OutcomeUnknown PaymentOutcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

// Processor adapts a Backend to the mint's own vocabulary for quote
// issuance and settlement, independent of which Lightning node implements
// Backend underneath.
type Processor struct {
	Backend Backend
}

func NewProcessor(backend Backend) *Processor {
	return &Processor{Backend: backend}
}

// CreateIncoming requests a new invoice from the backend for a mint quote.
func (p *Processor) CreateIncoming(amount uint64) (Invoice, error) {
	return p.Backend.CreateInvoice(amount)
}

// WaitIncoming blocks, via the backend's invoice subscription, until the
// given payment hash settles or the subscription ends.
func (p *Processor) WaitIncoming(ctx context.Context, paymentHash string) (Invoice, error) {
	sub, err := p.Backend.SubscribeInvoice(ctx, paymentHash)
	if err != nil {
		return Invoice{}, err
	}
	return sub.Recv()
}

// CheckIncoming polls the current settlement status of a mint quote's
// invoice without blocking.
func (p *Processor) CheckIncoming(paymentHash string) (Invoice, error) {
	return p.Backend.InvoiceStatus(paymentHash)
}

// FeeReserve returns the fee, in the backend's base unit, a melt quote
// should reserve on top of the invoice amount.
func (p *Processor) FeeReserve(amount uint64) uint64 {
	return p.Backend.FeeReserve(amount)
}

// Pay attempts an outgoing payment for a melt quote, collapsing the
// backend's richer PaymentStatus into the mint's PaymentOutcome.
func (p *Processor) Pay(ctx context.Context, request string, maxFee uint64) (PaymentOutcome, string, error) {
	status, err := p.Backend.SendPayment(ctx, request, maxFee)
	if err != nil && status.PaymentStatus == Pending {
		// the payment may still be in flight despite the transport error;
		// the caller must poll Check rather than treat this as Failed.
		return OutcomeUnknown, "", err
	}
	return outcomeFromState(status.PaymentStatus), status.Preimage, err
}

// Check polls the outcome of a previously attempted outgoing payment.
// Returns OutcomeUnknown (never Failed) if the backend cannot find the
// payment at all, since "not found" is not proof of non-payment.
func (p *Processor) Check(ctx context.Context, paymentHash string) (PaymentOutcome, string, error) {
	status, err := p.Backend.OutgoingPaymentStatus(ctx, paymentHash)
	if err != nil {
		return OutcomeUnknown, "", err
	}
	return outcomeFromState(status.PaymentStatus), status.Preimage, nil
}

func outcomeFromState(s State) PaymentOutcome {
	switch s {
	case Succeeded:
		return OutcomeSucceeded
	case Failed:
		return OutcomeFailed
	default:
		return OutcomeUnknown
	}
}
