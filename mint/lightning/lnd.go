package lightning

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	LND_HOST          = "LND_REST_HOST"
	LND_CERT_PATH     = "LND_CERT_PATH"
	LND_MACAROON_PATH = "LND_MACAROON_PATH"
)

const (
	InvoiceExpiryMins = 10
	FeePercent        = 1
)

type LndClient struct {
	host     string
	client   *http.Client
	macaroon string // hex encoded
}

func CreateLndClient() (*LndClient, error) {
	host := os.Getenv(LND_HOST)
	if host == "" {
		return nil, errors.New(LND_HOST + " cannot be empty")
	}
	certPath := os.Getenv(LND_CERT_PATH)
	if certPath == "" {
		return nil, errors.New(LND_CERT_PATH + " cannot be empty")
	}
	macaroonPath := os.Getenv(LND_MACAROON_PATH)
	if macaroonPath == "" {
		return nil, errors.New(LND_MACAROON_PATH + " cannot be empty")
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: os.ReadFile %v", err)
	}
	macaroonHex := hex.EncodeToString(macaroonBytes)
	client, err := httpClient(certPath)
	if err != nil {
		return nil, fmt.Errorf("error creating lnd client: %v", err)
	}

	return &LndClient{host: host, client: client, macaroon: macaroonHex}, nil
}

func httpClient(tlsCert string) (*http.Client, error) {
	cert, err := os.ReadFile(tlsCert)
	if err != nil {
		return nil, fmt.Errorf("error reading cert: %v", err)
	}
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(cert)

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: certPool,
			},
		},
	}, nil
}

func (lnd *LndClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jsonBody)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, lnd.host+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)
	return req, nil
}

func (lnd *LndClient) ConnectionStatus() error {
	req, err := lnd.newRequest(context.Background(), http.MethodGet, "/v1/getinfo", nil)
	if err != nil {
		return err
	}
	resp, err := lnd.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnd getinfo returned status %d", resp.StatusCode)
	}
	return nil
}

type AddInvoiceResponse struct {
	Hash           string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{"value": amount, "expiry": InvoiceExpiryMins * 60}
	req, err := lnd.newRequest(context.Background(), http.MethodPost, "/v1/invoices", body)
	if err != nil {
		return Invoice{}, err
	}

	resp, err := lnd.client.Do(req)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("unable to get invoice from lnd")
	}

	var res AddInvoiceResponse
	err = json.NewDecoder(resp.Body).Decode(&res)
	if err != nil {
		return Invoice{}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	hashBytes, err := base64.StdEncoding.DecodeString(res.Hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("error decoding hash from lnd: %v", err)
	}
	hash := hex.EncodeToString(hashBytes)

	invoice := Invoice{PaymentRequest: res.PaymentRequest, PaymentHash: hash,
		Amount: amount,
		Expiry: uint64(time.Now().Add(time.Minute * InvoiceExpiryMins).Unix())}
	return invoice, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid hash provided")
	}
	b64EncodedHash := base64.URLEncoding.EncodeToString(hashBytes)

	req, err := lnd.newRequest(context.Background(), http.MethodGet,
		"/v2/invoices/lookup?payment_hash="+b64EncodedHash, nil)
	if err != nil {
		return Invoice{}, err
	}

	resp, err := lnd.client.Do(req)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("error getting invoice status")
	}

	var res struct {
		State          string `json:"state"`
		PaymentRequest string `json:"payment_request"`
		RPreimage      string `json:"r_preimage"`
		Value          string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, err
	}

	amount, _ := strconv.ParseUint(res.Value, 10, 64)
	preimageBytes, _ := base64.StdEncoding.DecodeString(res.RPreimage)

	return Invoice{
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    hash,
		Preimage:       hex.EncodeToString(preimageBytes),
		Settled:        res.State == "SETTLED",
		Amount:         amount,
	}, nil
}

// SubscribeInvoice streams the long-lived /v2/invoices/subscribe SSE-style
// body, chunk-decoding one JSON object per update until the invoice
// settles, the connection closes, or ctx is cancelled.
func (lnd *LndClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid hash provided")
	}
	b64Hash := base64.URLEncoding.EncodeToString(hashBytes)

	req, err := lnd.newRequest(ctx, http.MethodGet, "/v2/invoices/subscribe/"+b64Hash, nil)
	if err != nil {
		return nil, err
	}

	resp, err := lnd.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("lnd subscribe invoice returned status %d", resp.StatusCode)
	}

	return &lndInvoiceSub{
		paymentHash: paymentHash,
		scanner:     bufio.NewScanner(resp.Body),
		body:        resp.Body,
	}, nil
}

type lndInvoiceSub struct {
	paymentHash string
	scanner     *bufio.Scanner
	body        interface{ Close() error }
}

func (s *lndInvoiceSub) Recv() (Invoice, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wrapped struct {
			Result struct {
				State     string `json:"state"`
				Value     string `json:"value"`
				RPreimage string `json:"r_preimage"`
			} `json:"result"`
		}
		if err := json.Unmarshal(line, &wrapped); err != nil {
			continue
		}
		amount, _ := strconv.ParseUint(wrapped.Result.Value, 10, 64)
		preimageBytes, _ := base64.StdEncoding.DecodeString(wrapped.Result.RPreimage)
		return Invoice{
			PaymentHash: s.paymentHash,
			Preimage:    hex.EncodeToString(preimageBytes),
			Settled:     wrapped.Result.State == "SETTLED",
			Amount:      amount,
		}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Invoice{}, err
	}
	return Invoice{}, errors.New("lnd invoice subscription closed")
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	reserve := amount * FeePercent / 100
	if reserve == 0 {
		reserve = 1
	}
	return reserve
}

type sendPaymentResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
}

func (lnd *LndClient) sendPayment(ctx context.Context, request string, amtMsat, maxFee uint64) (PaymentStatus, error) {
	body := map[string]any{
		"payment_request": request,
		"fee_limit_sat":   maxFee,
	}
	if amtMsat > 0 {
		body["amt_msat"] = amtMsat
	}

	req, err := lnd.newRequest(ctx, http.MethodPost, "/v1/channels/transactions", body)
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, err
	}

	resp, err := lnd.client.Do(req)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	defer resp.Body.Close()

	var res sendPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	if len(res.PaymentError) > 0 {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("unable to make payment: %v", res.PaymentError)
	}

	return PaymentStatus{Preimage: res.PaymentPreimage, PaymentStatus: Succeeded}, nil
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	return lnd.sendPayment(ctx, request, 0, maxFee)
}

func (lnd *LndClient) PayPartialAmount(ctx context.Context, request string, amountMsat, maxFee uint64) (PaymentStatus, error) {
	return lnd.sendPayment(ctx, request, amountMsat, maxFee)
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	req, err := lnd.newRequest(ctx, http.MethodGet, "/v1/payments?include_incomplete=true", nil)
	if err != nil {
		return PaymentStatus{}, err
	}

	resp, err := lnd.client.Do(req)
	if err != nil {
		return PaymentStatus{}, err
	}
	defer resp.Body.Close()

	var res struct {
		Payments []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
			Preimage    string `json:"payment_preimage"`
		} `json:"payments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{}, err
	}

	for _, p := range res.Payments {
		if p.PaymentHash != hash {
			continue
		}
		switch p.Status {
		case "SUCCEEDED":
			return PaymentStatus{Preimage: p.Preimage, PaymentStatus: Succeeded}, nil
		case "FAILED":
			return PaymentStatus{PaymentStatus: Failed}, nil
		default:
			return PaymentStatus{PaymentStatus: Pending}, nil
		}
	}
	return PaymentStatus{}, OutgoingPaymentNotFound
}
