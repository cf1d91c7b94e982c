// Package lightertest runs an in-process fake of the exchange REST API for
// tests.
package lightertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/perpexec/pkg/models"
)

type keyID struct {
	account int64
	key     uint8
}

// SubmittedTx is a transaction the fake accepted.
type SubmittedTx struct {
	Type uint8
	Info json.RawMessage
	Hash string
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	accounts   map[int64]models.Account
	markets    map[uint8]models.OrderBookDetail
	publicKeys map[keyID]string
	nonces     map[keyID]int64
	submitted  []SubmittedTx
	reject     *models.ExchangeRejectedError
	nonceDown  bool
	delay      time.Duration
	sendCalls  int
}

func New() *Server {
	s := &Server{
		accounts:   make(map[int64]models.Account),
		markets:    make(map[uint8]models.OrderBookDetail),
		publicKeys: make(map[keyID]string),
		nonces:     make(map[keyID]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/account", s.handleAccount)
	mux.HandleFunc("/api/v1/orderBookDetails", s.handleOrderBookDetails)
	mux.HandleFunc("/api/v1/nextNonce", s.handleNextNonce)
	mux.HandleFunc("/api/v1/apikeys", s.handleAPIKeys)
	mux.HandleFunc("/api/v1/sendTx", s.handleSendTx)
	mux.HandleFunc("/api/v1/sendTxBatch", s.handleSendTxBatch)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) SetAccount(acc models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.AccountIndex] = acc
}

func (s *Server) SetMarket(detail models.OrderBookDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[detail.MarketID] = detail
}

// RegisterKey makes (account, key) known with the given public key and next
// nonce.
func (s *Server) RegisterKey(account int64, key uint8, publicKey string, nextNonce int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[keyID{account, key}] = publicKey
	s.nonces[keyID{account, key}] = nextNonce
}

// RejectNext makes the next submission fail with an exchange rejection.
func (s *Server) RejectNext(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = &models.ExchangeRejectedError{Code: code, Message: message}
}

func (s *Server) SetNonceDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonceDown = down
}

// SetDelay delays every submission response.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Server) Submitted() []SubmittedTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubmittedTx, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// SendCalls counts submission requests, accepted or not.
func (s *Server) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *Server) NextNonceFor(account int64, key uint8) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[keyID{account, key}]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := models.AccountResponse{Code: 200, Accounts: []models.Account{}}
	q := r.URL.Query()
	if q.Get("by") == "index" {
		idx, err := strconv.ParseInt(q.Get("value"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 20001, "message": "invalid value"})
			return
		}
		if acc, ok := s.accounts[idx]; ok {
			out.Accounts = append(out.Accounts, acc)
		}
	}
	out.Total = len(out.Accounts)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrderBookDetails(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := models.OrderBookDetailsResponse{Code: 200, OrderBookDetails: []models.OrderBookDetail{}}
	if v := r.URL.Query().Get("market_id"); v != "" {
		id, _ := strconv.Atoi(v)
		if d, ok := s.markets[uint8(id)]; ok {
			out.OrderBookDetails = append(out.OrderBookDetails, d)
		}
	} else {
		for _, d := range s.markets {
			out.OrderBookDetails = append(out.OrderBookDetails, d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseKey(r *http.Request) (keyID, error) {
	q := r.URL.Query()
	account, err := strconv.ParseInt(q.Get("account_index"), 10, 64)
	if err != nil {
		return keyID{}, err
	}
	key, err := strconv.Atoi(q.Get("api_key_index"))
	if err != nil {
		return keyID{}, err
	}
	return keyID{account, uint8(key)}, nil
}

func (s *Server) handleNextNonce(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nonceDown {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"code": 50000, "message": "nonce service unavailable"})
		return
	}
	k, err := parseKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 20001, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, models.NextNonceResponse{Code: 200, Nonce: s.nonces[k]})
}

func (s *Server) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := parseKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 20001, "message": err.Error()})
		return
	}
	out := models.APIKeysResponse{Code: 200, APIKeys: []models.APIKey{}}
	if pub, ok := s.publicKeys[k]; ok {
		out.APIKeys = append(out.APIKeys, models.APIKey{
			AccountIndex: k.account,
			APIKeyIndex:  k.key,
			Nonce:        s.nonces[k],
			PublicKey:    pub,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type txHeader struct {
	AccountIndex int64 `json:"AccountIndex"`
	ApiKeyIndex  uint8 `json:"ApiKeyIndex"`
	Nonce        int64 `json:"Nonce"`
}

// accept validates one transaction against the key's nonce counter. Callers
// hold s.mu.
func (s *Server) accept(txType uint8, info string) (string, *models.ExchangeRejectedError) {
	var h txHeader
	if err := json.Unmarshal([]byte(info), &h); err != nil {
		return "", &models.ExchangeRejectedError{Code: 21500, Message: "invalid tx info"}
	}
	k := keyID{h.AccountIndex, h.ApiKeyIndex}
	if _, ok := s.publicKeys[k]; !ok {
		return "", &models.ExchangeRejectedError{Code: 21109, Message: "api key not found"}
	}
	if h.Nonce != s.nonces[k] {
		return "", &models.ExchangeRejectedError{Code: 21104, Message: fmt.Sprintf("invalid nonce %d, expected %d", h.Nonce, s.nonces[k])}
	}
	s.nonces[k]++
	hash := fmt.Sprintf("0x%064x", len(s.submitted)+1)
	s.submitted = append(s.submitted, SubmittedTx{Type: txType, Info: json.RawMessage(info), Hash: hash})
	return hash, nil
}

func (s *Server) takeReject() *models.ExchangeRejectedError {
	rej := s.reject
	s.reject = nil
	return rej
}

func (s *Server) handleSendTx(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.sendCalls++
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rej := s.takeReject(); rej != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": rej.Code, "message": rej.Message})
		return
	}
	txType, err := strconv.Atoi(r.FormValue("tx_type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 21500, "message": "invalid tx type"})
		return
	}
	hash, rej := s.accept(uint8(txType), r.FormValue("tx_info"))
	if rej != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": rej.Code, "message": rej.Message})
		return
	}
	writeJSON(w, http.StatusOK, models.TxResponse{Code: 200, TxHash: hash})
}

func (s *Server) handleSendTxBatch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++

	if rej := s.takeReject(); rej != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": rej.Code, "message": rej.Message})
		return
	}

	var types []int
	var infos []string
	if err := json.Unmarshal([]byte(r.FormValue("tx_types")), &types); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 21500, "message": "invalid tx types"})
		return
	}
	if err := json.Unmarshal([]byte(r.FormValue("tx_infos")), &infos); err != nil || len(infos) != len(types) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 21500, "message": "invalid tx infos"})
		return
	}

	hashes := make([]string, 0, len(types))
	for i := range types {
		hash, rej := s.accept(uint8(types[i]), infos[i])
		if rej != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": rej.Code, "message": rej.Message})
			return
		}
		hashes = append(hashes, hash)
	}
	writeJSON(w, http.StatusOK, models.BatchTxResponse{Code: 200, TxHash: hashes})
}
