package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashukit/core/cashu"
	"github.com/cashukit/core/crypto"
)

func main() {
	seed := sha256.Sum256([]byte("seed"))
	master, err := hdkeychain.NewMaster(seed[:], &chaincfg.MainNetParams)
	if err != nil {
		fmt.Println(err)
		return
	}
	keyset, err := crypto.GenerateKeyset(master, cashu.Sat, 0, crypto.DefaultMaxOrder, 0)
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Printf("keyset id: %v\n", keyset.Id)

	pubkeyset := keyset.PublicKeys()
	jsonKeyset, err := json.Marshal(pubkeyset)
	if err != nil {
		fmt.Println(err)
	}
	fmt.Printf("%s\n", jsonKeyset)
}
