package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/cashukit/core/cashu/nuts/nut02"
	"github.com/urfave/cli/v2"
)

const (
	MINT_SERVER_URL = "http://127.0.0.1:3338"
)

type keysetAmount struct {
	Id     string `json:"id"`
	Amount uint64 `json:"amount"`
}

type ecashAmountResponse struct {
	Keysets []keysetAmount `json:"keysets"`
	Total   uint64         `json:"total"`
}

func main() {
	app := &cli.App{
		Name:  "mint-cli",
		Usage: "cli to interact with the mint's admin endpoints",
		Commands: []*cli.Command{
			{
				Name:   "issued",
				Usage:  "Get issued ecash by keyset",
				Action: getIssued,
			},
			{
				Name:   "redeemed",
				Usage:  "Get redeemed ecash by keyset",
				Action: getRedeemed,
			},
			{
				Name:   "totalbalance",
				Usage:  "Get total ecash in circulation",
				Action: getTotalBalance,
			},
			{
				Name:   "keysets",
				Usage:  "Get keysets",
				Action: getKeysets,
			},
			{
				Name:  "rotatekeyset",
				Usage: "Rotate keyset",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "fee",
						Usage: "Fee for the new keyset",
					},
				},
				Action: rotateKeyset,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func getJson(path string, dst any) error {
	resp, err := http.Get(MINT_SERVER_URL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return errors.New(string(body))
	}
	return json.Unmarshal(body, dst)
}

func getIssued(ctx *cli.Context) error {
	var issued ecashAmountResponse
	if err := getJson("/admin/issued", &issued); err != nil {
		printErr(err)
	}

	fmt.Println("Issued by keyset:")
	for _, keyset := range issued.Keysets {
		fmt.Printf("\t%v: %v\n", keyset.Id, keyset.Amount)
	}
	fmt.Printf("\nTotal issued: %v\n", issued.Total)
	return nil
}

func getRedeemed(ctx *cli.Context) error {
	var redeemed ecashAmountResponse
	if err := getJson("/admin/redeemed", &redeemed); err != nil {
		printErr(err)
	}

	fmt.Println("Redeemed by keyset:")
	for _, keyset := range redeemed.Keysets {
		fmt.Printf("\t%v: %v\n", keyset.Id, keyset.Amount)
	}
	fmt.Printf("\nTotal redeemed: %v\n", redeemed.Total)
	return nil
}

func getTotalBalance(ctx *cli.Context) error {
	var resp struct {
		Balance uint64 `json:"balance"`
	}
	if err := getJson("/admin/totalbalance", &resp); err != nil {
		printErr(err)
	}

	fmt.Printf("Total in circulation: %v\n", resp.Balance)
	return nil
}

func getKeysets(ctx *cli.Context) error {
	var keysets nut02.GetKeysetsResponse
	if err := getJson("/v1/keysets", &keysets); err != nil {
		printErr(err)
	}

	fmt.Println("Keysets: ")
	for _, keyset := range keysets.Keysets {
		fmt.Printf("\n%v\n", keyset.Id)
		fmt.Printf("\tunit: %v\n", keyset.Unit)
		fmt.Printf("\tactive: %v\n", keyset.Active)
		fmt.Printf("\tfee: %v\n\n", keyset.InputFeePpk)
	}
	return nil
}

func rotateKeyset(ctx *cli.Context) error {
	if !ctx.IsSet("fee") {
		printErr(errors.New("please specify a fee for the new keyset"))
	}
	fee := ctx.Int("fee")
	feeParam := url.Values{"fee": {strconv.Itoa(fee)}}

	rotateKeysetUrl := MINT_SERVER_URL + "/admin/rotatekeyset?" + feeParam.Encode()
	resp, err := http.Post(rotateKeysetUrl, "application/x-www-form-urlencoded", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		printErr(errors.New(string(body)))
	}

	var newKeyset nut02.Keyset
	if err := json.Unmarshal(body, &newKeyset); err != nil {
		return err
	}

	fmt.Println("New keyset: ")
	fmt.Printf("\n%v\n", newKeyset.Id)
	fmt.Printf("\tunit: %v\n", newKeyset.Unit)
	fmt.Printf("\tactive: %v\n", newKeyset.Active)
	fmt.Printf("\tfee: %v\n\n", newKeyset.InputFeePpk)

	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
