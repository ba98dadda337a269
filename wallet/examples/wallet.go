//go:build ignore_vet
// +build ignore_vet

package main

import (
	"fmt"

	"github.com/cashukit/core/cashu"
	"github.com/cashukit/core/wallet"
)

func main() {
	config := wallet.Config{
		WalletPath:     "./cashu",
		CurrentMintURL: "http://localhost:3338",
	}

	wallet, err := wallet.LoadWallet(config)

	// Mint tokens
	mintQuote, err := wallet.RequestMint(42)

	// Mint tokens once the invoice is paid: MintTokens checks the quote
	// state at the mint and returns an error if it is not paid yet
	proofs, err := wallet.MintTokens(mintQuote.Quote)

	// Send
	mint := "http://localhost:3338"
	includeDLEQProof := false
	token, err := wallet.Send(21, mint, includeDLEQProof)
	fmt.Println(token.Serialize())

	// Receive
	receiveToken, err := cashu.DecodeToken("cashuAeyJ0b2tlbiI6W3sibW...")

	swapToTrustedMint := true
	amountReceived, err := wallet.Receive(receiveToken, swapToTrustedMint)

	// Melt (pay invoice)
	meltResponse, err := wallet.Melt("lnbc100n1pja0w9pdqqx...", mint)
}
