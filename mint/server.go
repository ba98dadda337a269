package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cashukit/core/cashu"
	"github.com/cashukit/core/cashu/nuts/nut01"
	"github.com/cashukit/core/cashu/nuts/nut02"
	"github.com/cashukit/core/cashu/nuts/nut03"
	"github.com/cashukit/core/cashu/nuts/nut04"
	"github.com/cashukit/core/cashu/nuts/nut05"
	"github.com/cashukit/core/cashu/nuts/nut07"
	"github.com/cashukit/core/cashu/nuts/nut09"
	"github.com/cashukit/core/mint/storage"
	"github.com/gorilla/mux"
)

const bolt11Method = "bolt11"

// Server exposes a Mint over the REST API described by the NUTs.
type Server struct {
	mint       *Mint
	wsManager  *WebsocketManager
	httpServer *http.Server
}

func NewServer(mint *Mint, port string) *Server {
	s := &Server{
		mint:      mint,
		wsManager: NewWebSocketManager(mint),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/info", s.mintInfo).Methods(http.MethodGet)
	router.HandleFunc("/v1/keys", s.keys).Methods(http.MethodGet)
	router.HandleFunc("/v1/keys/{id}", s.keysById).Methods(http.MethodGet)
	router.HandleFunc("/v1/keysets", s.keysets).Methods(http.MethodGet)
	router.HandleFunc("/v1/swap", s.swap).Methods(http.MethodPost)
	router.HandleFunc("/v1/mint/quote/bolt11", s.mintQuoteRequest).Methods(http.MethodPost)
	router.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", s.mintQuoteState).Methods(http.MethodGet)
	router.HandleFunc("/v1/mint/bolt11", s.mintTokens).Methods(http.MethodPost)
	router.HandleFunc("/v1/melt/quote/bolt11", s.meltQuoteRequest).Methods(http.MethodPost)
	router.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", s.meltQuoteState).Methods(http.MethodGet)
	router.HandleFunc("/v1/melt/bolt11", s.meltTokens).Methods(http.MethodPost)
	router.HandleFunc("/v1/checkstate", s.checkState).Methods(http.MethodPost)
	router.HandleFunc("/v1/restore", s.restore).Methods(http.MethodPost)
	router.HandleFunc("/v1/ws", s.wsManager.serveWS)
	router.HandleFunc("/admin/issued", s.issued).Methods(http.MethodGet)
	router.HandleFunc("/admin/redeemed", s.redeemed).Methods(http.MethodGet)
	router.HandleFunc("/admin/totalbalance", s.totalBalance).Methods(http.MethodGet)
	router.HandleFunc("/admin/rotatekeyset", s.rotateKeyset).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.mint.logInfof("mint listening on %v", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.wsManager.Shutdown(); err != nil {
		s.mint.logErrorf("error shutting down websocket connections: %v", err)
	}
	return s.httpServer.Shutdown(ctx)
}

func decodeJsonReqBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return &cashu.EmptyBodyErr
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("error decoding request body: %v", err)
	}
	return nil
}

func writeJson(w http.ResponseWriter, status int, body any) {
	jsonRes, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonRes)
}

func writeErr(w http.ResponseWriter, err error) {
	var cashuErrPtr *cashu.Error
	if errors.As(err, &cashuErrPtr) {
		writeJson(w, http.StatusBadRequest, cashuErrPtr)
		return
	}
	var cashuErr cashu.Error
	if errors.As(err, &cashuErr) {
		writeJson(w, http.StatusBadRequest, cashuErr)
		return
	}
	writeJson(w, http.StatusBadRequest, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
}

func (s *Server) mintInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.mint.RetrieveMintInfo()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, info)
}

func (s *Server) keys(w http.ResponseWriter, r *http.Request) {
	keysets := make([]nut01.Keyset, 0, len(s.mint.activeKeysets))
	for _, keyset := range s.mint.activeKeysets {
		keysets = append(keysets, nut01.Keyset{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()})
	}
	writeJson(w, http.StatusOK, nut01.GetKeysResponse{Keysets: keysets})
}

func (s *Server) keysById(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	keyset, ok := s.mint.keysets[id]
	if !ok {
		writeErr(w, &cashu.UnknownKeysetErr)
		return
	}
	resp := nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()}},
	}
	writeJson(w, http.StatusOK, resp)
}

func (s *Server) keysets(w http.ResponseWriter, r *http.Request) {
	keysets := make([]nut02.Keyset, 0, len(s.mint.keysets))
	for _, keyset := range s.mint.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	writeJson(w, http.StatusOK, nut02.GetKeysetsResponse{Keysets: keysets})
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	var req nut03.PostSwapRequest
	if err := decodeJsonReqBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	signatures, err := s.mint.Swap(req.Inputs, req.Outputs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, nut03.PostSwapResponse{Signatures: signatures})
}

func (s *Server) mintQuoteRequest(w http.ResponseWriter, r *http.Request) {
	var req nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	quote, err := s.mint.RequestMintQuote(bolt11Method, req.Amount, req.Unit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, buildMintQuoteResponse(quote))
}

func (s *Server) mintQuoteState(w http.ResponseWriter, r *http.Request) {
	quoteId := mux.Vars(r)["quote_id"]
	quote, err := s.mint.GetMintQuoteState(bolt11Method, quoteId)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, buildMintQuoteResponse(quote))
}

func (s *Server) mintTokens(w http.ResponseWriter, r *http.Request) {
	var req nut04.PostMintBolt11Request
	if err := decodeJsonReqBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	signatures, err := s.mint.MintTokens(bolt11Method, req.Quote, req.Outputs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (s *Server) meltQuoteRequest(w http.ResponseWriter, r *http.Request) {
	var req nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	quote, err := s.mint.RequestMeltQuote(bolt11Method, req.Request, req.Unit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, buildMeltQuoteResponse(quote))
}

func (s *Server) meltQuoteState(w http.ResponseWriter, r *http.Request) {
	quoteId := mux.Vars(r)["quote_id"]
	quote, err := s.mint.GetMeltQuoteState(r.Context(), bolt11Method, quoteId)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, buildMeltQuoteResponse(quote))
}

func (s *Server) meltTokens(w http.ResponseWriter, r *http.Request) {
	var req nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	quote, err := s.mint.MeltTokens(r.Context(), bolt11Method, req.Quote, req.Inputs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, nut05.PostMeltBolt11Response{
		Paid:     quote.State == nut05.Paid,
		State:    quote.State,
		Preimage: quote.Preimage,
	})
}

func (s *Server) checkState(w http.ResponseWriter, r *http.Request) {
	var req nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	states, err := s.mint.ProofsStateCheck(req.Ys)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, nut07.PostCheckStateResponse{States: states})
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	var req nut09.PostRestoreRequest
	if err := decodeJsonReqBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	outputs, signatures, err := s.mint.RestoreSignatures(req.Outputs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

type keysetAmount struct {
	Id     string `json:"id"`
	Amount uint64 `json:"amount"`
}

type ecashAmountResponse struct {
	Keysets []keysetAmount `json:"keysets"`
	Total   uint64         `json:"total"`
}

func (s *Server) issued(w http.ResponseWriter, r *http.Request) {
	issued, err := s.mint.GetIssuedEcash()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, buildEcashAmountResponse(issued))
}

func (s *Server) redeemed(w http.ResponseWriter, r *http.Request) {
	redeemed, err := s.mint.GetRedeemedEcash()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, buildEcashAmountResponse(redeemed))
}

func (s *Server) totalBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.mint.getBalance()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, struct {
		Balance uint64 `json:"balance"`
	}{Balance: balance})
}

func (s *Server) rotateKeyset(w http.ResponseWriter, r *http.Request) {
	var inputFeePpk uint
	if feeParam := r.URL.Query().Get("fee"); feeParam != "" {
		fee, err := strconv.ParseUint(feeParam, 10, 16)
		if err != nil {
			writeErr(w, fmt.Errorf("invalid fee: %v", err))
			return
		}
		inputFeePpk = uint(fee)
	}

	newKeyset, err := s.mint.RotateKeyset(inputFeePpk)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, http.StatusOK, nut02.Keyset{
		Id:          newKeyset.Id,
		Unit:        newKeyset.Unit,
		Active:      newKeyset.Active,
		InputFeePpk: newKeyset.InputFeePpk,
	})
}

func buildEcashAmountResponse(amounts map[string]uint64) ecashAmountResponse {
	resp := ecashAmountResponse{Keysets: make([]keysetAmount, 0, len(amounts))}
	for id, amount := range amounts {
		resp.Keysets = append(resp.Keysets, keysetAmount{Id: id, Amount: amount})
		resp.Total += amount
	}
	return resp
}

func buildMintQuoteResponse(quote storage.MintQuote) nut04.PostMintQuoteBolt11Response {
	return nut04.PostMintQuoteBolt11Response{
		Quote:   quote.Id,
		Request: quote.PaymentRequest,
		Paid:    quote.State == nut04.Paid || quote.State == nut04.Issued,
		State:   quote.State,
		Expiry:  int64(quote.Expiry),
	}
}

func buildMeltQuoteResponse(quote storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		Paid:       quote.State == nut05.Paid,
		State:      quote.State,
		Expiry:     int64(quote.Expiry),
	}
}
