package signer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-agent/retry"
	"github.com/vitwit/x402-agent/types"
	"github.com/vitwit/x402-agent/utils"
)

const anvilKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeEVM struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
	head     uint64
	// receipt becomes visible after this many lookups
	hiddenLookups int
}

func (f *fakeEVM) PendingNonceAt(context.Context, common.Address) (uint64, error) { return f.nonce, nil }
func (f *fakeEVM) SuggestGasTipCap(context.Context) (*big.Int, error)             { return big.NewInt(1_000_000), nil }
func (f *fakeEVM) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{BaseFee: big.NewInt(5_000_000)}, nil
}
func (f *fakeEVM) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 50_000, nil }

func (f *fakeEVM) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.receipts == nil {
		f.receipts = make(map[common.Hash]*ethtypes.Receipt)
	}
	f.receipts[tx.Hash()] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	return nil
}

func (f *fakeEVM) TransactionReceipt(_ context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hiddenLookups > 0 {
		f.hiddenLookups--
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEVM) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return f.head, nil
}

func baseInfo(t *testing.T) types.NetworkInfo {
	info, err := types.ResolveNetwork("base")
	require.NoError(t, err)
	return info
}

func newEVMBuilder(t *testing.T, backend EVMBackend) *EVMBuilder {
	key, err := utils.PrivateKeyFromHex(anvilKey)
	require.NoError(t, err)
	b, err := NewEVMBuilder(baseInfo(t), key, backend)
	require.NoError(t, err)
	return b
}

func TestEVMBuilderSignsERC20Transfer(t *testing.T) {
	backend := &fakeEVM{nonce: 7}
	b := newEVMBuilder(t, backend)

	tx, err := b.BuildTx(context.Background(), baseReq())
	require.NoError(t, err)

	assert.Equal(t, uint8(ethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Equal(t, int64(8453), tx.ChainId().Int64())
	assert.Equal(t, common.HexToAddress(baseUSDC), *tx.To())
	assert.Equal(t, int64(11_000_000), tx.GasFeeCap().Int64())

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", from.Hex())

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testPayTo), args[0])
	assert.Equal(t, int64(5000), args[1].(*big.Int).Int64())

	signed, err := b.Build(context.Background(), baseReq())
	require.NoError(t, err)
	raw, err := hexutil.Decode(signed.Raw)
	require.NoError(t, err)
	var decoded ethtypes.Transaction
	require.NoError(t, decoded.UnmarshalBinary(raw))
	assert.Equal(t, signed.Hash, decoded.Hash().Hex())
	assert.Equal(t, "eip155:8453", signed.Network)
}

func TestEVMBuilderRejectsOtherNetwork(t *testing.T) {
	b := newEVMBuilder(t, &fakeEVM{})
	req := baseReq()
	req.Network = "polygon"
	_, err := b.BuildTx(context.Background(), req)
	require.Error(t, err)

	_, err = NewEVMBuilder(baseInfo(t), nil, &fakeEVM{})
	require.Error(t, err)
}

func TestDirectBroadcastWaitsForConfirmations(t *testing.T) {
	backend := &fakeEVM{hiddenLookups: 1, head: 100}
	b := newEVMBuilder(t, backend)
	d, err := NewDirectBroadcast(b, backend, 3, WithPollPolicy(retryFast(10)))
	require.NoError(t, err)

	proof, err := d.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	p, err := types.DecodeProof(proof)
	require.NoError(t, err)
	assert.Equal(t, types.ProofDirect, p.Payload.Kind)
	assert.Equal(t, backend.sent[0].Hash().Hex(), p.Payload.TxHash)
	assert.Equal(t, b.Address(), p.Payload.From)
	// included at 100, head advanced to 102 for depth 3
	assert.Equal(t, uint64(102), backend.head)
}

func TestDirectBroadcastRevertedAndTimeout(t *testing.T) {
	backend := &revertingEVM{fakeEVM: &fakeEVM{head: 200}}
	b := newEVMBuilder(t, backend)
	d, err := NewDirectBroadcast(b, backend, 1, WithPollPolicy(retryFast(3)))
	require.NoError(t, err)
	_, err = d.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.ErrorIs(t, err, ErrPaymentFailed)

	stuck := &fakeEVM{hiddenLookups: 100}
	d, err = NewDirectBroadcast(newEVMBuilder(t, stuck), stuck, 1, WithPollPolicy(retryFast(3)))
	require.NoError(t, err)
	_, err = d.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.ErrorIs(t, err, ErrPaymentTimeout)

	sol := types.PaymentRequirement{Network: "solana"}
	_, err = d.Sign(context.Background(), []types.PaymentRequirement{sol}, "solana")
	require.ErrorIs(t, err, ErrMissingDependency)
}

type revertingEVM struct{ *fakeEVM }

func retryFast(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts}
}

func (r *revertingEVM) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := r.fakeEVM.SendTransaction(ctx, tx); err != nil {
		return err
	}
	r.fakeEVM.receipts[tx.Hash()].Status = ethtypes.ReceiptStatusFailed
	return nil
}

func TestSelfCustodySendsSignedTransfer(t *testing.T) {
	var got PayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(PayResponse{PaymentID: "pay_sc", Status: StatusCompleted, TxHash: testHash})
	}))
	defer srv.Close()

	backend := &fakeEVM{}
	reg := NewRegistry()
	reg.Register(types.ChainEVM, func(network types.NetworkInfo) (TransferBuilder, error) {
		key, err := utils.PrivateKeyFromHex(anvilKey)
		if err != nil {
			return nil, err
		}
		return NewEVMBuilder(network, key, backend)
	})
	assert.True(t, reg.Has(types.ChainEVM))
	assert.False(t, reg.Has(types.ChainSolana))

	fac, err := NewFacilitator(srv.URL, "", fastPoll)
	require.NoError(t, err)
	s, err := NewSelfCustody(fac, reg, "base")
	require.NoError(t, err)

	proof, err := s.Sign(context.Background(), []types.PaymentRequirement{baseReq()}, "base")
	require.NoError(t, err)

	assert.NotEmpty(t, got.SignedTx)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", got.AgentWallet)
	assert.Equal(t, "0.005000", got.PaymentRequired.Amount)

	p, err := types.DecodeProof(proof)
	require.NoError(t, err)
	assert.Equal(t, types.ProofSelfCustody, p.Payload.Kind)
	assert.Equal(t, testHash, p.Payload.TxHash)

	sol := types.PaymentRequirement{
		Scheme: "exact", Network: "solana", MaxAmountRequired: "1",
		PayTo: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", Asset: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	}
	_, err = s.Sign(context.Background(), []types.PaymentRequirement{sol}, "solana")
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestSelfCustodyPaysOnOtherEVMNetwork(t *testing.T) {
	var got PayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(PayResponse{PaymentID: "pay_poly", Status: StatusCompleted, TxHash: testHash})
	}))
	defer srv.Close()

	var resolved []string
	reg := NewRegistry()
	reg.Register(types.ChainEVM, func(network types.NetworkInfo) (TransferBuilder, error) {
		resolved = append(resolved, network.CAIP2)
		key, err := utils.PrivateKeyFromHex(anvilKey)
		if err != nil {
			return nil, err
		}
		return NewEVMBuilder(network, key, &fakeEVM{})
	})

	fac, err := NewFacilitator(srv.URL, "", fastPoll)
	require.NoError(t, err)
	s, err := NewSelfCustody(fac, reg, "base")
	require.NoError(t, err)

	polygon := types.PaymentRequirement{
		Scheme:            "exact",
		Network:           "eip155:137",
		MaxAmountRequired: "5000",
		PayTo:             testPayTo,
		Asset:             "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
	}
	for i := 0; i < 2; i++ {
		proof, err := s.Sign(context.Background(), []types.PaymentRequirement{polygon}, "base")
		require.NoError(t, err)
		p, err := types.DecodeProof(proof)
		require.NoError(t, err)
		assert.Equal(t, "eip155:137", p.Network)
	}
	assert.Equal(t, "polygon", got.PaymentRequired.Chain)
	assert.Equal(t, []string{"eip155:8453", "eip155:137"}, resolved)

	raw, err := hexutil.Decode(got.SignedTx)
	require.NoError(t, err)
	var tx ethtypes.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, int64(137), tx.ChainId().Int64())
}
