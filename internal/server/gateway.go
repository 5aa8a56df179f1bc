package server

import (
	"MarginLedger/internal/ledger"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Handler builds the HTTP/JSON API: read routes on the gateway mux plus
// /healthz, /readyz and /metrics.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account}", s.handleAccount},
		{"GET", "/v1/accounts/{account}/balances", s.handleBalances},
		{"GET", "/v1/accounts/{account}/status", s.handleAccountStatus},
		{"GET", "/v1/accounts/{account}/liquidations", s.handleLiquidationHistory},
		{"GET", "/v1/accounts/{account}/journals", s.handleJournals},
		{"GET", "/v1/liquidations/{id}", s.handleLiquidation},
		// Later registrations take precedence on the gateway mux.
		{"GET", "/v1/liquidations/recent", s.handleRecentLiquidations},
		{"GET", "/v1/insurance/{asset}", s.handleInsurance},
		{"GET", "/v1/orders/{hash}", s.handleOrder},
		{"GET", "/v1/settings", s.handleSettings},
		{"GET", "/v1/admin/integrity", s.handleIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if hc := s.deps.Health; hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	metrics := s.deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	httpMux.Handle("/metrics", metrics)
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) handleAccount(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := pathAddress(w, p)
	if !ok {
		return
	}
	res, err := s.deps.Query.GetAccount(r.Context(), account)
	s.respond(w, res, err)
}

func (s *GRPCServer) handleBalances(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := pathAddress(w, p)
	if !ok {
		return
	}
	res, err := s.deps.Query.GetBalances(r.Context(), account)
	s.respond(w, map[string]any{"balances": res}, err)
}

func (s *GRPCServer) handleAccountStatus(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := pathAddress(w, p)
	if !ok {
		return
	}
	res, err := s.deps.Query.GetAccountStatus(r.Context(), account)
	s.respond(w, res, err)
}

func (s *GRPCServer) handleLiquidationHistory(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := pathAddress(w, p)
	if !ok {
		return
	}
	limit, before, ok := paging(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Query.GetLiquidationHistory(r.Context(), account, limit, before)
	s.respond(w, map[string]any{"liquidations": res}, err)
}

func (s *GRPCServer) handleJournals(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := pathAddress(w, p)
	if !ok {
		return
	}
	limit, before, ok := paging(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Query.GetJournalHistory(r.Context(), account, limit, before)
	s.respond(w, map[string]any{"journals": res}, err)
}

func (s *GRPCServer) handleRecentLiquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, _, ok := paging(w, r)
	if !ok {
		return
	}
	s.respond(w, map[string]any{"liquidations": s.deps.Query.RecentLiquidations(limit)}, nil)
}

func (s *GRPCServer) handleLiquidation(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := uuid.Parse(p["id"])
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "id: %v", err))
		return
	}
	res, err := s.deps.Query.GetLiquidation(r.Context(), id)
	s.respond(w, res, err)
}

func (s *GRPCServer) handleInsurance(w http.ResponseWriter, r *http.Request, p map[string]string) {
	res, err := s.deps.Query.GetSystemBalance(r.Context(), ledger.SubTypeInsuranceFund, ledger.Asset(p["asset"]))
	s.respond(w, res, err)
}

func (s *GRPCServer) handleOrder(w http.ResponseWriter, r *http.Request, p map[string]string) {
	raw := common.FromHex(p["hash"])
	if len(raw) != common.HashLength {
		writeError(w, status.Error(codes.InvalidArgument, "hash must be 32 bytes of hex"))
		return
	}
	res, err := s.deps.Query.GetOrderStatus(r.Context(), common.BytesToHash(raw))
	s.respond(w, res, err)
}

func (s *GRPCServer) handleSettings(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	res, err := s.deps.Query.GetSettings(r.Context())
	s.respond(w, res, err)
}

func (s *GRPCServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	res, err := s.deps.Query.VerifyIntegrity(r.Context())
	s.respond(w, res, err)
}

func (s *GRPCServer) respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		st := toStatus(err)
		if status.Code(st) == codes.Internal {
			s.log.Error().Err(err).Msg("query failed")
		}
		writeError(w, st)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func pathAddress(w http.ResponseWriter, p map[string]string) (common.Address, bool) {
	v := p["account"]
	if !common.IsHexAddress(v) {
		writeError(w, status.Error(codes.InvalidArgument, "account must be a hex address"))
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

// paging reads ?limit= and ?before= from the query string.
func paging(w http.ResponseWriter, r *http.Request) (int, *int64, bool) {
	q := r.URL.Query()
	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "limit: %v", err))
			return 0, nil, false
		}
		limit = n
	}
	var before *int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "before: %v", err))
			return 0, nil, false
		}
		before = &n
	}
	return limit, before, true
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
