package signer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-agent/retry"
	"github.com/vitwit/x402-agent/types"
)

const (
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	baseUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testHash  = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

var fastPoll = WithPollPolicy(retry.Policy{MaxAttempts: 3})

func baseReq() types.PaymentRequirement {
	return types.PaymentRequirement{
		Scheme:            "exact",
		Network:           "eip155:8453",
		MaxAmountRequired: "5000",
		PayTo:             testPayTo,
		Asset:             baseUSDC,
	}
}

// fakeFacilitator serves POST /pay and GET /pay/:id with scripted statuses.
type fakeFacilitator struct {
	mu       sync.Mutex
	pay      PayResponse
	statuses []PayResponse
	polls    int32
	received []PayRequest
	auth     string
	payCode  int
}

func (f *fakeFacilitator) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pay", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req PayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.received = append(f.received, req)
		f.auth = r.Header.Get("Authorization")
		code := f.payCode
		f.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(f.pay)
	})
	mux.HandleFunc("/pay/", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&f.polls, 1)) - 1
		f.mu.Lock()
		defer f.mu.Unlock()
		st := f.statuses[len(f.statuses)-1]
		if n < len(f.statuses) {
			st = f.statuses[n]
		}
		assert.Equal(t, "/pay/"+f.pay.PaymentID, r.URL.Path)
		_ = json.NewEncoder(w).Encode(st)
	})
	return mux
}

func newCustodial(t *testing.T, f *fakeFacilitator) *Custodial {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewCustodial(CustodialConfig{
		FacilitatorURL: srv.URL,
		APIKey:         "sk_test",
		AgentWallet:    "agent-1",
	}, fastPoll)
	require.NoError(t, err)
	return c
}

func TestCustodialPollsUntilCompleted(t *testing.T) {
	f := &fakeFacilitator{
		pay: PayResponse{PaymentID: "pay_1", Status: StatusPending},
		statuses: []PayResponse{
			{PaymentID: "pay_1", Status: StatusPending},
			{PaymentID: "pay_1", Status: StatusCompleted, TxHash: testHash},
		},
	}
	c := newCustodial(t, f)

	proof, err := c.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.NoError(t, err)

	p, err := types.DecodeProof(proof)
	require.NoError(t, err)
	assert.Equal(t, types.ProofCustodial, p.Payload.Kind)
	assert.Equal(t, testHash, p.Payload.TxHash)
	assert.Equal(t, "agent-1", p.Payload.From)
	assert.Equal(t, "eip155:8453", p.Payload.Network)
	assert.Equal(t, "pay_1", p.Payload.PaymentID)

	require.Len(t, f.received, 1)
	assert.Equal(t, PaymentDetails{Amount: "0.005000", Currency: "USDC", Recipient: testPayTo, Chain: "base"}, f.received[0].PaymentRequired)
	assert.Equal(t, "agent-1", f.received[0].AgentWallet)
	assert.Empty(t, f.received[0].SignedTx)
	assert.Equal(t, "Bearer sk_test", f.auth)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.polls))
}

func TestCustodialSynchronousCompletionSkipsPolling(t *testing.T) {
	f := &fakeFacilitator{
		pay:      PayResponse{PaymentID: "pay_2", Status: StatusCompleted, TxHash: testHash},
		statuses: []PayResponse{{Status: StatusFailed}},
	}
	c := newCustodial(t, f)
	_, err := c.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&f.polls))
}

func TestCustodialFailed(t *testing.T) {
	f := &fakeFacilitator{
		pay:      PayResponse{PaymentID: "pay_3", Status: StatusPending},
		statuses: []PayResponse{{PaymentID: "pay_3", Status: StatusFailed, Error: "nonce too low"}},
	}
	c := newCustodial(t, f)
	_, err := c.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.ErrorIs(t, err, ErrPaymentFailed)
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestCustodialTimeout(t *testing.T) {
	f := &fakeFacilitator{
		pay:      PayResponse{PaymentID: "pay_4", Status: StatusPending},
		statuses: []PayResponse{{PaymentID: "pay_4", Status: StatusPending}},
	}
	c := newCustodial(t, f)
	_, err := c.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.ErrorIs(t, err, ErrPaymentTimeout)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.polls))
}

func TestCustodialFacilitatorError(t *testing.T) {
	f := &fakeFacilitator{payCode: http.StatusPaymentRequired}
	c := newCustodial(t, f)
	_, err := c.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")

	var ferr *FacilitatorError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, http.StatusPaymentRequired, ferr.StatusCode)
	assert.Contains(t, ferr.Body, "insufficient funds")
}

func TestNewCustodialValidation(t *testing.T) {
	_, err := NewCustodial(CustodialConfig{FacilitatorURL: "not a url", AgentWallet: "a"})
	require.Error(t, err)
	_, err = NewCustodial(CustodialConfig{FacilitatorURL: "https://fac.example"})
	require.Error(t, err)
}

func TestSelect(t *testing.T) {
	sol := types.PaymentRequirement{Network: "solana"}
	base := types.PaymentRequirement{Network: "eip155:8453"}

	got, err := Select([]types.PaymentRequirement{sol, base}, "base")
	require.NoError(t, err)
	assert.Equal(t, "eip155:8453", got.Network)

	got, err = Select([]types.PaymentRequirement{sol, base}, "polygon")
	require.NoError(t, err)
	assert.Equal(t, "solana", got.Network)

	_, err = Select(nil, "base")
	require.ErrorIs(t, err, ErrNoRequirement)
}

func TestRegistryMissingDependency(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("solana")
	require.ErrorIs(t, err, ErrMissingDependency)

	fac, err := NewFacilitator("https://fac.example", "")
	require.NoError(t, err)
	_, err = NewSelfCustody(fac, r, "base")
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = NewSelfCustody(fac, nil, "base")
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = r.Resolve("cosmoshub-4")
	require.Error(t, err)
}

func TestSignerFunc(t *testing.T) {
	var got []types.PaymentRequirement
	s := SignerFunc(func(_ context.Context, reqs []types.PaymentRequirement, chain string) (string, error) {
		got = reqs
		return "proof-" + chain, nil
	})
	proof, err := s.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.NoError(t, err)
	assert.Equal(t, "proof-base", proof)
	assert.Len(t, got, 1)
}

func TestFacilitatorRetriesTransientStatusErrors(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/pay/") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if atomic.AddInt32(&polls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(PayResponse{PaymentID: "p", Status: StatusCompleted, TxHash: testHash})
	}))
	defer srv.Close()

	fac, err := NewFacilitator(srv.URL, "", fastPoll)
	require.NoError(t, err)
	hash, err := fac.Await(context.Background(), &PayResponse{PaymentID: "p", Status: StatusPending})
	require.NoError(t, err)
	assert.Equal(t, testHash, hash)
}
