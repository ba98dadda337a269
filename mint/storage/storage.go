package storage

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashukit/core/cashu"
	"github.com/cashukit/core/cashu/nuts/nut04"
	"github.com/cashukit/core/cashu/nuts/nut05"
)

type MintDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	SaveProofs(cashu.Proofs) error
	GetProofsUsed(Ys []string) ([]DBProof, error)
	AddPendingProofs(proofs cashu.Proofs, quoteId string) error
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)
	RemovePendingProofs(Ys []string) error

	// MarkProofsPending is the atomic mark_pending transition: within a
	// single transaction it checks that none of ys are already Pending or
	// Spent and, only if so, inserts all of proofs into the pending table
	// tagged with operationId. This is the serialization point for
	// concurrent operations racing over the same inputs.
	MarkProofsPending(proofs cashu.Proofs, ys []string, operationId string) error

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	GetMintQuoteByPaymentHash(string) (MintQuote, error)
	UpdateMintQuoteState(quoteId string, state nut04.State) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	// used to check if a melt quote already exists for the passed invoice
	GetMeltQuoteByPaymentRequest(string) (*MeltQuote, error)
	UpdateMeltQuote(quoteId string, preimage string, state nut05.State) error

	SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	// these return a map of keyset id and amount
	GetIssuedEcash() (map[string]uint64, error)
	GetRedeemedEcash() (map[string]uint64, error)

	// sagas persist the in-progress state of a swap, mint or melt operation
	// so it can be finished or compensated after a crash.
	AddSaga(MintSaga) error
	UpdateSagaState(operationId string, state SagaState) error
	GetSaga(operationId string) (MintSaga, error)
	GetSagasByKind(kind SagaKind) ([]MintSaga, error)
	DeleteSaga(operationId string) error

	// quote reservations serialize concurrent operations that want to
	// finish the same mint or melt quote.
	ReserveMintQuote(quoteId, operationId string) error
	ReleaseMintQuote(quoteId string) error
	ReserveMeltQuote(quoteId, operationId string) error
	ReleaseMeltQuote(quoteId string) error

	Close() error
}

type SagaKind string

const (
	SwapSaga     SagaKind = "swap"
	MintSagaKind SagaKind = "mint"
	MeltSaga     SagaKind = "melt"
)

type SagaState string

const (
	SetupComplete   SagaState = "SetupComplete"
	InputsPending   SagaState = "InputsPending"
	PaymentInFlight SagaState = "PaymentInFlight"
)

// MintSaga is the persisted row backing a swap, mint or melt operation's
// crash-recovery state. Only the durable checkpoints of each saga are
// written here; in-memory-only states (e.g. a swap's "Signed") never
// appear in a saga row.
type MintSaga struct {
	OperationId    string
	Kind           SagaKind
	State          SagaState
	QuoteId        string
	InputYs        []string
	BlindedSecrets []string
	PaymentHandle  string
	CreatedAt      int64
	UpdatedAt      int64
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount  uint64
	Id      string
	Secret  string
	Y       string
	C       string
	Witness string
	// for proofs in pending table
	MeltQuoteId string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
	Pubkey         *secp256k1.PublicKey
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	IsMpp          bool
	// used when the melt quote is MPP
	AmountMsat uint64
}
