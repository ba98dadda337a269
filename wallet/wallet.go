package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"github.com/cashukit/core/cashu"
	"github.com/cashukit/core/cashu/nuts/nut03"
	"github.com/cashukit/core/cashu/nuts/nut04"
	"github.com/cashukit/core/cashu/nuts/nut05"
	"github.com/cashukit/core/cashu/nuts/nut11"
	"github.com/cashukit/core/cashu/nuts/nut13"
	"github.com/cashukit/core/crypto"
	"github.com/cashukit/core/wallet/storage"
)

var (
	ErrMintNotExist            = errors.New("wallet does not trust this mint")
	ErrInsufficientMintBalance = errors.New("not enough funds at this mint")
	ErrQuoteNotFound           = errors.New("quote not found")
)

// Config configures a wallet instance on load or first creation.
type Config struct {
	WalletPath string
	// CurrentMintURL is the wallet's default mint, used whenever a
	// mint-scoped operation is not given one explicitly.
	CurrentMintURL string
	// Unit is the currency unit the wallet operates in. Defaults to "sat".
	Unit string
}

// walletMint is what the wallet knows locally about a single mint: its
// current active keyset and any inactive keysets still guarding proofs the
// wallet holds but which the mint has since rotated out.
type walletMint struct {
	mintURL         string
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

type Wallet struct {
	db storage.WalletDB

	masterKey *hdkeychain.ExtendedKey

	unit        cashu.Unit
	defaultMint string
	mints       map[string]walletMint
}

func InitStorage(path string) (storage.WalletDB, error) {
	return storage.InitBolt(path)
}

// LoadWallet opens (or initializes, on first run) the wallet at
// config.WalletPath and syncs its view of config.CurrentMintURL if it is
// not already a trusted mint.
func LoadWallet(config Config) (*Wallet, error) {
	db, err := InitStorage(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	mnemonic := db.GetMnemonic()
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, fmt.Errorf("error generating wallet seed: %v", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("error generating wallet seed: %v", err)
		}
		db.SaveMnemonicSeed(mnemonic, bip39.NewSeed(mnemonic, ""))
	}

	masterKey, err := hdkeychain.NewMaster(db.GetSeed(), &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving wallet master key: %v", err)
	}

	unit := cashu.Sat
	if config.Unit != "" {
		unit = cashu.Unit(config.Unit)
	}

	mintURL, err := url.Parse(config.CurrentMintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	wallet := &Wallet{
		db:          db,
		masterKey:   masterKey,
		unit:        unit,
		defaultMint: mintURL.String(),
		mints:       make(map[string]walletMint),
	}

	for mint, keysets := range db.GetKeysets() {
		mw := walletMint{mintURL: mint, inactiveKeysets: make(map[string]crypto.WalletKeyset)}
		for _, keyset := range keysets {
			if keyset.Active {
				mw.activeKeyset = keyset
			} else {
				mw.inactiveKeysets[keyset.Id] = keyset
			}
		}
		wallet.mints[mint] = mw
	}

	if _, ok := wallet.mints[wallet.defaultMint]; !ok {
		if err := wallet.trustMint(wallet.defaultMint); err != nil {
			return nil, fmt.Errorf("error setting up wallet: %v", err)
		}
	}

	wallet.recoverPendingMelts()

	return wallet, nil
}

// trustMint fetches a mint's current keysets and adds it to the wallet's
// set of trusted mints, persisting the keysets so proofs from it can later
// be verified and spent.
func (w *Wallet) trustMint(mintURL string) error {
	activeKeyset, err := GetMintActiveKeyset(mintURL, w.unit)
	if err != nil {
		return fmt.Errorf("error getting active keyset from mint: %v", err)
	}
	if err := w.db.SaveKeyset(activeKeyset); err != nil {
		return err
	}

	inactiveKeysets, err := GetMintInactiveKeysets(mintURL, w.unit)
	if err != nil {
		return fmt.Errorf("error getting inactive keysets from mint: %v", err)
	}
	for id, keyset := range inactiveKeysets {
		keyset := keyset
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return err
		}
		inactiveKeysets[id] = keyset
	}

	w.mints[mintURL] = walletMint{
		mintURL:         mintURL,
		activeKeyset:    *activeKeyset,
		inactiveKeysets: inactiveKeysets,
	}
	return nil
}

// UpdateMintURL renames a trusted mint, rewriting its keysets' MintURL so
// proofs already stored under it stay associated with the new address.
func (w *Wallet) UpdateMintURL(oldURL, newURL string) error {
	mint, ok := w.mints[oldURL]
	if !ok {
		return ErrMintNotExist
	}

	if err := w.db.UpdateKeysetMintURL(oldURL, newURL); err != nil {
		return fmt.Errorf("error updating keysets: %v", err)
	}

	mint.mintURL = newURL
	mint.activeKeyset.MintURL = newURL
	for id, keyset := range mint.inactiveKeysets {
		keyset.MintURL = newURL
		mint.inactiveKeysets[id] = keyset
	}

	delete(w.mints, oldURL)
	w.mints[newURL] = mint

	if w.defaultMint == oldURL {
		w.defaultMint = newURL
	}

	return nil
}

// TrustedMints lists the mints the wallet currently holds keysets for.
func (w *Wallet) TrustedMints() []string {
	mints := make([]string, 0, len(w.mints))
	for mintURL := range w.mints {
		mints = append(mints, mintURL)
	}
	return mints
}

// GetBalance returns the sum of all unspent proofs the wallet holds,
// across every trusted mint.
func (w *Wallet) GetBalance() uint64 {
	return w.db.GetProofs().Amount()
}

// GetBalanceByMints returns the spendable balance held at each trusted mint.
func (w *Wallet) GetBalanceByMints() map[string]uint64 {
	balances := make(map[string]uint64, len(w.mints))
	for mintURL := range w.mints {
		balances[mintURL] = w.proofsForMint(mintURL).Amount()
	}
	return balances
}

// CurrentMint returns the wallet's default mint.
func (w *Wallet) CurrentMint() string {
	return w.defaultMint
}

// Mnemonic returns the seed phrase the wallet was created from, which can
// later be used to restore it with Restore.
func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

// GetMintQuoteByPaymentRequest looks up a previously requested mint quote
// by the Lightning invoice it was issued with.
func (w *Wallet) GetMintQuoteByPaymentRequest(paymentRequest string) *storage.MintQuote {
	for _, quote := range w.db.GetMintQuotes() {
		if quote.PaymentRequest == paymentRequest {
			quote := quote
			return &quote
		}
	}
	return nil
}

// GetReceivePubkey derives the wallet's P2PK receiving public key, which
// senders can lock ecash to with SendToPubkey.
func (w *Wallet) GetReceivePubkey() (*btcec.PublicKey, error) {
	key, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}
	return key.PubKey(), nil
}

func (w *Wallet) mintKeysetIds(mintURL string) []string {
	mint := w.mints[mintURL]
	ids := make([]string, 0, len(mint.inactiveKeysets)+1)
	if mint.activeKeyset.Id != "" {
		ids = append(ids, mint.activeKeyset.Id)
	}
	for id := range mint.inactiveKeysets {
		ids = append(ids, id)
	}
	return ids
}

func (w *Wallet) proofsForMint(mintURL string) cashu.Proofs {
	proofs := cashu.Proofs{}
	for _, id := range w.mintKeysetIds(mintURL) {
		proofs = append(proofs, w.db.GetProofsByKeysetId(id)...)
	}
	return proofs
}

// RequestMint asks the wallet's default mint for an invoice to mint amount
// worth of ecash against, and records the quote for later polling.
func (w *Wallet) RequestMint(amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	response, err := PostMintQuoteBolt11(w.defaultMint, nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	quote := storage.MintQuote{
		QuoteId:        response.Quote,
		Mint:           w.defaultMint,
		Method:         cashu.BOLT11_METHOD,
		State:          response.State,
		Unit:           w.unit.String(),
		PaymentRequest: response.Request,
		Amount:         amount,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    uint64(response.Expiry),
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, fmt.Errorf("error saving mint quote: %v", err)
	}

	return response, nil
}

// GetMintQuoteById looks up a previously requested mint quote.
func (w *Wallet) GetMintQuoteById(quoteId string) *storage.MintQuote {
	return w.db.GetMintQuoteById(quoteId)
}

// MintTokens redeems a paid mint quote for blind-signed proofs.
func (w *Wallet) MintTokens(quoteId string) (cashu.Proofs, error) {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return nil, ErrQuoteNotFound
	}

	state, err := GetMintQuoteState(quote.Mint, quoteId)
	if err != nil {
		return nil, fmt.Errorf("error checking mint quote state: %v", err)
	}
	if state.State != nut04.Paid {
		return nil, fmt.Errorf("mint quote is not ready to be minted, state: %v", state.State)
	}

	keyset, err := w.getActiveKeyset(quote.Mint)
	if err != nil {
		return nil, err
	}

	counter := w.db.GetKeysetCounter(keyset.Id)
	blindedMessages, secrets, rs, err := w.createBlindedMessages(cashu.AmountSplit(quote.Amount), keyset.Id, &counter)
	if err != nil {
		return nil, err
	}

	mintResponse, err := PostMintBolt11(quote.Mint, nut04.PostMintBolt11Request{
		Quote:   quoteId,
		Outputs: blindedMessages,
	})
	if err != nil {
		return nil, err
	}

	proofs, err := constructProofs(mintResponse.Signatures, blindedMessages, secrets, rs, keyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}

	if err := w.db.IncrementKeysetCounter(keyset.Id, uint32(len(blindedMessages))); err != nil {
		return nil, err
	}
	if err := w.db.SaveProofs(proofs); err != nil {
		return nil, err
	}

	quote.State = nut04.Issued
	quote.SettledAt = time.Now().Unix()
	if err := w.db.SaveMintQuote(*quote); err != nil {
		return nil, err
	}

	return proofs, nil
}

// Send selects proofs worth amount from mintURL, swapping for exact change
// if needed, and wraps them in a serializable token. Equivalent to
// SendWithOptions(amount, mintURL, includeDLEQ, SendOptions{Mode: OnlineExact}).
func (w *Wallet) Send(amount uint64, mintURL string, includeDLEQ bool) (*cashu.TokenV3, error) {
	return w.SendWithOptions(amount, mintURL, includeDLEQ, SendOptions{Mode: OnlineExact})
}

// SendWithOptions selects proofs worth amount from mintURL according to
// opts.Mode and wraps them in a serializable token. The selected proofs are
// held as Reserved for the duration of the call: on success the reservation
// is dropped (the proofs are now the recipient's to redeem); on failure
// they are restored to the spendable balance.
func (w *Wallet) SendWithOptions(amount uint64, mintURL string, includeDLEQ bool, opts SendOptions) (*cashu.TokenV3, error) {
	if _, ok := w.mints[mintURL]; !ok {
		return nil, ErrMintNotExist
	}

	operationId := uuid.NewString()
	proofs, err := w.getProofsForAmount(amount, mintURL, operationId, opts)
	if err != nil {
		return nil, err
	}

	token, err := cashu.NewTokenV3(proofs, mintURL, w.unit, "", includeDLEQ)
	if err != nil {
		w.db.RestoreReservedProofs(operationId)
		return nil, err
	}
	// best effort: a reservation left behind here is harmless, since the
	// proofs it names were already deleted from the spendable balance by
	// getProofsForAmount and will simply look like a stale pending entry.
	w.db.ReleaseReservedProofs(operationId)
	return &token, nil
}

// SendToPubkey selects amount's worth of proofs from mintURL and swaps them
// for proofs whose secrets are locked to pubkey (NUT-11), so only its
// holder can redeem the resulting token.
func (w *Wallet) SendToPubkey(amount uint64, mintURL string, pubkey *btcec.PublicKey, includeDLEQ bool) (*cashu.TokenV3, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		return nil, ErrMintNotExist
	}

	operationId := uuid.NewString()
	proofs, err := w.getProofsForAmount(amount, mintURL, operationId, SendOptions{Mode: OnlineExact})
	if err != nil {
		return nil, err
	}

	activeKeyset := mint.activeKeyset
	pubkeyHex := hex.EncodeToString(pubkey.SerializeCompressed())

	split := cashu.AmountSplit(amount)
	blindedMessages := make(cashu.BlindedMessages, len(split))
	secrets := make([]string, len(split))
	rs := make([]*secp256k1.PrivateKey, len(split))

	for i, amt := range split {
		secret, err := nut11.P2PKSecret(pubkeyHex)
		if err != nil {
			w.db.RestoreReservedProofs(operationId)
			return nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, nil)
		if err != nil {
			w.db.RestoreReservedProofs(operationId)
			return nil, err
		}
		blindedMessages[i] = cashu.NewBlindedMessage(activeKeyset.Id, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	swapResponse, err := PostSwap(mintURL, nut03.PostSwapRequest{Inputs: proofs, Outputs: blindedMessages})
	if err != nil {
		w.db.RestoreReservedProofs(operationId)
		return nil, err
	}
	// the swap committed at the mint: the reservation's proofs are spent
	// for good regardless of what happens constructing the token below.
	w.db.ReleaseReservedProofs(operationId)

	lockedProofs, err := constructProofs(swapResponse.Signatures, blindedMessages, secrets, rs, &activeKeyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}

	token, err := cashu.NewTokenV3(lockedProofs, mintURL, w.unit, "", includeDLEQ)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// Receive accepts a token's proofs into the wallet. If swap is true, the
// proofs are immediately swapped for freshly blinded ones at the token's
// mint before being stored, so a malicious sender cannot hand out proofs
// that have already been (or will be) spent elsewhere; the mint is not
// otherwise added to the wallet's trusted set. If swap is false, the
// proofs are stored as received and the mint is added to the trusted set
// if it wasn't already known.
func (w *Wallet) Receive(token cashu.Token, swap bool) (uint64, error) {
	mintURL := token.Mint()
	proofs := token.Proofs()
	amount := token.Amount()

	if swap {
		keyset, err := w.getActiveKeyset(mintURL)
		if err != nil {
			return 0, fmt.Errorf("error getting active keyset from mint: %v", err)
		}

		var counter uint32
		blindedMessages, secrets, rs, err := w.createBlindedMessages(cashu.AmountSplit(amount), keyset.Id, &counter)
		if err != nil {
			return 0, err
		}

		swapResponse, err := PostSwap(mintURL, nut03.PostSwapRequest{Inputs: proofs, Outputs: blindedMessages})
		if err != nil {
			return 0, err
		}

		newProofs, err := constructProofs(swapResponse.Signatures, blindedMessages, secrets, rs, keyset)
		if err != nil {
			return 0, fmt.Errorf("error constructing proofs: %v", err)
		}

		if err := w.db.SaveProofs(newProofs); err != nil {
			return 0, err
		}
		return amount, nil
	}

	if _, ok := w.mints[mintURL]; !ok {
		if err := w.trustMint(mintURL); err != nil {
			return 0, fmt.Errorf("error trusting mint: %v", err)
		}
	}

	if err := w.db.SaveProofs(proofs); err != nil {
		return 0, err
	}
	return amount, nil
}

// Melt pays a Lightning invoice out of a mint's balance, holding the
// spending proofs as pending until the payment resolves.
func (w *Wallet) Melt(invoice, mintURL string) (*nut05.PostMeltBolt11Response, error) {
	if _, ok := w.mints[mintURL]; !ok {
		return nil, ErrMintNotExist
	}

	meltQuoteResponse, err := PostMeltQuoteBolt11(mintURL, nut05.PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	amountNeeded, err := cashu.AmountSum(meltQuoteResponse.Amount, meltQuoteResponse.FeeReserve)
	if err != nil {
		return nil, err
	}

	// the melt quote id doubles as the operation id: a quote can only
	// ever be melted by one operation, so reserving its inputs under the
	// quote id lets a crash mid-payment be recovered from by re-querying
	// this same quote's state rather than needing a separate saga log.
	operationId := meltQuoteResponse.Quote
	proofs, err := w.getProofsForAmount(amountNeeded, mintURL, operationId, SendOptions{Mode: OnlineExact})
	if err != nil {
		return nil, err
	}

	quote := storage.MeltQuote{
		QuoteId:        meltQuoteResponse.Quote,
		Mint:           mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          meltQuoteResponse.State,
		Unit:           w.unit.String(),
		PaymentRequest: invoice,
		Amount:         meltQuoteResponse.Amount,
		FeeReserve:     meltQuoteResponse.FeeReserve,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    uint64(meltQuoteResponse.Expiry),
	}
	if err := w.db.SaveMeltQuote(quote); err != nil {
		w.db.RestoreReservedProofs(operationId)
		return nil, err
	}

	meltResponse, err := PostMeltBolt11(mintURL, nut05.PostMeltBolt11Request{
		Quote:  quote.QuoteId,
		Inputs: proofs,
	})
	if err != nil {
		return nil, err
	}

	quote.State = meltResponse.State
	switch meltResponse.State {
	case nut05.Paid:
		quote.Preimage = meltResponse.Preimage
		quote.SettledAt = time.Now().Unix()
		if err := w.db.ReleaseReservedProofs(operationId); err != nil {
			return nil, err
		}
	case nut05.Pending:
		// payment is still in flight: leave the proofs reserved under
		// operationId. recoverPendingMelts re-queries this same quote on
		// the next LoadWallet and resolves the reservation once the
		// outcome is known.
	case nut05.Unpaid:
		// payment did not go through: restore the held proofs to the
		// spendable balance rather than leaving them pending forever.
		if _, err := w.db.RestoreReservedProofs(operationId); err != nil {
			return nil, err
		}
	}
	if err := w.db.SaveMeltQuote(quote); err != nil {
		return nil, err
	}

	return meltResponse, nil
}

// recoverPendingMelts resolves melt quotes left in Pending by a crash
// between sending the payment and recording its outcome. Every proof
// reserved by a melt is tagged with its melt quote id (reservations whose
// tag names no stored melt quote are skipped), so grouping by that tag
// and re-querying each quote's state at its mint is enough to
// either finish or roll back every interrupted melt: idempotent, since
// ReleaseReservedProofs/RestoreReservedProofs are no-ops on an
// already-resolved reservation.
func (w *Wallet) recoverPendingMelts() {
	byQuote := make(map[string]struct{})
	for _, proof := range w.db.GetPendingProofs() {
		if proof.MeltQuoteId != "" {
			byQuote[proof.MeltQuoteId] = struct{}{}
		}
	}

	for quoteId := range byQuote {
		quote := w.db.GetMeltQuoteById(quoteId)
		if quote == nil {
			continue
		}

		meltQuoteResponse, err := GetMeltQuoteState(quote.Mint, quoteId)
		if err != nil {
			continue
		}

		switch meltQuoteResponse.State {
		case nut05.Paid:
			// the state-check response carries no preimage; a paid quote
			// recovered this way keeps whatever preimage (if any) it had.
			quote.State = nut05.Paid
			quote.SettledAt = time.Now().Unix()
			w.db.ReleaseReservedProofs(quoteId)
		case nut05.Unpaid:
			quote.State = nut05.Unpaid
			w.db.RestoreReservedProofs(quoteId)
		default:
			// still pending: leave the reservation in place
			continue
		}

		w.db.SaveMeltQuote(*quote)
	}
}

// transactionFees estimates, client-side, the fee the mint would charge to
// redeem proofs, mirroring the mint's own per-input fee-per-thousand
// accounting so selection never picks a set that falls short once the
// mint applies its fee.
func (w *Wallet) transactionFees(mintURL string, proofs cashu.Proofs) uint64 {
	mint, ok := w.mints[mintURL]
	if !ok {
		return 0
	}

	var ppk uint64
	for _, proof := range proofs {
		if keyset, ok := mint.inactiveKeysets[proof.Id]; ok {
			ppk += uint64(keyset.InputFeePpk)
		} else if proof.Id == mint.activeKeyset.Id {
			ppk += uint64(mint.activeKeyset.InputFeePpk)
		}
	}
	return (ppk + 999) / 1000
}

// getProofsForAmount selects amount's worth of proofs from mintURL
// according to opts.Mode and reserves them for operationId so a crash
// between selection and the proofs actually being spent can be recovered
// from. The caller is responsible for calling w.db.ReleaseReservedProofs
// once the proofs have been spent, or w.db.RestoreReservedProofs if the
// operation is abandoned.
func (w *Wallet) getProofsForAmount(amount uint64, mintURL string, operationId string, opts SendOptions) (cashu.Proofs, error) {
	if _, ok := w.mints[mintURL]; !ok {
		return nil, ErrMintNotExist
	}

	available := w.proofsForMint(mintURL)
	if available.Amount() < amount {
		return nil, ErrInsufficientMintBalance
	}

	switch opts.Mode {
	case OfflineExact:
		selected, ok := exactSubset(available, amount)
		if !ok {
			return nil, ErrNoOfflineCombination
		}
		return w.reserveForSpend(selected, operationId)

	case OfflineTolerance:
		selected, ok := toleranceSubset(available, amount, opts.Tolerance)
		if !ok {
			return nil, ErrNoOfflineCombination
		}
		return w.reserveForSpend(selected, operationId)

	case OnlineTolerance:
		feeFunc := func(picked cashu.Proofs) uint64 { return w.transactionFees(mintURL, picked) }
		selected, err := selectProofs(available, amount, feeFunc)
		if err != nil {
			return nil, err
		}
		overshoot := selected.Amount() - amount
		if overshoot <= opts.Tolerance {
			return w.reserveForSpend(selected, operationId)
		}
		return w.swapForExact(selected, amount, mintURL, operationId)

	default: // OnlineExact
		feeFunc := func(picked cashu.Proofs) uint64 { return w.transactionFees(mintURL, picked) }
		selected, err := selectProofs(available, amount, feeFunc)
		if err != nil {
			return nil, err
		}
		if selected.Amount() == amount {
			return w.reserveForSpend(selected, operationId)
		}
		return w.swapForExact(selected, amount, mintURL, operationId)
	}
}

// reserveForSpend holds selected under operationId and removes it from the
// spendable balance; it is the Unspent -> Reserved transition.
func (w *Wallet) reserveForSpend(selected cashu.Proofs, operationId string) (cashu.Proofs, error) {
	if err := w.db.ReserveProofs(selected, operationId); err != nil {
		return nil, err
	}
	for _, proof := range selected {
		if err := w.db.DeleteProof(proof.Secret); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

// swapForExact swaps selected at mintURL for exactly amount plus change,
// reserving the new exact-amount proofs under operationId and saving the
// change back to the spendable balance.
func (w *Wallet) swapForExact(selected cashu.Proofs, amount uint64, mintURL string, operationId string) (cashu.Proofs, error) {
	mint := w.mints[mintURL]
	selectedAmount := selected.Amount()

	activeKeyset := mint.activeKeyset
	counter := w.db.GetKeysetCounter(activeKeyset.Id)

	sendMessages, sendSecrets, sendRs, err := w.createBlindedMessages(cashu.AmountSplit(amount), activeKeyset.Id, &counter)
	if err != nil {
		return nil, err
	}
	changeMessages, changeSecrets, changeRs, err := w.createBlindedMessages(
		cashu.AmountSplit(selectedAmount-amount), activeKeyset.Id, &counter)
	if err != nil {
		return nil, err
	}

	outputs := append(append(cashu.BlindedMessages{}, sendMessages...), changeMessages...)
	secrets := append(append([]string{}, sendSecrets...), changeSecrets...)
	rs := append(append([]*secp256k1.PrivateKey{}, sendRs...), changeRs...)

	swapResponse, err := PostSwap(mintURL, nut03.PostSwapRequest{Inputs: selected, Outputs: outputs})
	if err != nil {
		return nil, err
	}

	newProofs, err := constructProofs(swapResponse.Signatures, outputs, secrets, rs, &activeKeyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}

	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(outputs))); err != nil {
		return nil, err
	}
	for _, proof := range selected {
		if err := w.db.DeleteProof(proof.Secret); err != nil {
			return nil, err
		}
	}

	sendProofs := newProofs[:len(sendMessages)]
	changeProofs := newProofs[len(sendMessages):]
	if err := w.db.SaveProofs(changeProofs); err != nil {
		return nil, err
	}
	if err := w.db.ReserveProofs(sendProofs, operationId); err != nil {
		return nil, err
	}

	return sendProofs, nil
}

// createBlindedMessages deterministically derives len(split) secrets and
// blinding factors from the wallet's master key via NUT-13, starting at
// *counter and advancing it by one per message, so the same counter state
// always reproduces the same outputs (needed for NUT-09 restore).
func (w *Wallet) createBlindedMessages(split []uint64, keysetId string, counter *uint32) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keysetId)
	if err != nil {
		return nil, nil, nil, err
	}

	blindedMessages := make(cashu.BlindedMessages, len(split))
	secrets := make([]string, len(split))
	rs := make([]*secp256k1.PrivateKey, len(split))

	for i, amount := range split {
		secret, r, err := generateDeterministicSecret(keysetPath, *counter)
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
		*counter++
	}

	return blindedMessages, secrets, rs, nil
}

func generateDeterministicSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}

func unblindSignature(C_hex string, r *secp256k1.PrivateKey, pubkey *secp256k1.PublicKey) (string, error) {
	C_bytes, err := hex.DecodeString(C_hex)
	if err != nil {
		return "", err
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}
	C := crypto.UnblindSignature(C_, r, pubkey)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}

// constructProofs unblinds each signature against keyset's public key for
// the corresponding amount, pairing them back up with the secrets and
// blinding factors used to create the original blinded messages.
// blindedMessages is accepted for symmetry with the request that produced
// signatures; proofs are correlated with secrets and rs purely by index.
func constructProofs(signatures cashu.BlindedSignatures, blindedMessages cashu.BlindedMessages,
	secrets []string, rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	if len(signatures) != len(secrets) || len(signatures) != len(rs) {
		return nil, errors.New("wallet: mismatched signatures, secrets and blinding factors")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		pubkey, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("no key for amount '%v' in keyset '%v'", signature.Amount, keyset.Id)
		}

		C, err := unblindSignature(signature.C_, rs[i], pubkey)
		if err != nil {
			return nil, err
		}

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      C,
		}
	}

	return proofs, nil
}
