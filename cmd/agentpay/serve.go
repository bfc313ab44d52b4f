package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	x402 "github.com/vitwit/x402-agent"
	"github.com/vitwit/x402-agent/config"
	"github.com/vitwit/x402-agent/types"
)

const maxFetchRequest = 1 << 20

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local paying proxy with metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(rt *config.Runtime) error {
				srv := &http.Server{
					Addr:              addr,
					Handler:           newRouter(rt),
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				rt.Logger.Info("agentpay listening", map[string]any{"addr": addr, "chain": rt.Agent.Chain()})

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8402", "listen address")
	return cmd
}

type fetchRequest struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	MaxPrice   string            `json:"maxPrice"`
	SkipPolicy bool              `json:"skipPolicy"`
	Vendor     string            `json:"vendor"`
	Endpoint   string            `json:"endpoint"`
}

type server struct {
	rt *config.Runtime
}

func newRouter(rt *config.Runtime) http.Handler {
	s := &server{rt: rt}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "chain": rt.Agent.Chain(), "version": x402.Version})
	})
	if rt.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/summary", s.handleSummary)
	r.Get("/transactions", s.handleTransactions)
	r.Get("/policies", s.handlePolicies)
	r.Get("/state", s.handleState)
	r.Get("/state/history", s.handleHistory)
	r.Post("/fetch", s.handleFetch)
	return r
}

func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.rt.Agent.SpendSummary(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.rt.Agent.Transactions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, txs)
}

func (s *server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	ps := s.rt.Agent.Policies()
	out := make([]types.PolicySpec, 0, len(ps))
	for _, p := range ps {
		out = append(out, types.SpecOf(p))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.rt.Agent.Mutator().State())
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.rt.Agent.Mutator().History())
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var in fetchRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxFetchRequest))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var opts []x402.FetchOption
	if in.SkipPolicy {
		opts = append(opts, x402.WithSkipPolicy())
	}
	if in.MaxPrice != "" {
		d, err := decimal.NewFromString(in.MaxPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid maxPrice")
			return
		}
		opts = append(opts, x402.WithMaxPrice(d))
	}
	if in.Vendor != "" {
		opts = append(opts, x402.WithVendor(in.Vendor))
	}
	if in.Endpoint != "" {
		opts = append(opts, x402.WithEndpoint(in.Endpoint))
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(r.Context(), method, in.URL, body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.rt.Agent.Fetch(r.Context(), req, opts...)
	if err != nil {
		status, payload := fetchErrorPayload(err)
		respondJSON(w, status, payload)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if pr := resp.Header.Get("X-PAYMENT-RESPONSE"); pr != "" {
		w.Header().Set("X-PAYMENT-RESPONSE", pr)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// fetchErrorPayload maps agent errors to a status code and JSON body.
func fetchErrorPayload(err error) (int, map[string]any) {
	var pv *types.PolicyViolationError
	if errors.As(err, &pv) {
		return http.StatusForbidden, map[string]any{"error": pv.Reason, "policy": pv.Kind}
	}
	var pe *types.PaymentError
	if errors.As(err, &pe) {
		return http.StatusPaymentRequired, map[string]any{"error": pe.Message, "code": pe.Code}
	}
	return http.StatusBadGateway, map[string]any{"error": err.Error()}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
