package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/x402-agent/retry"
	"github.com/vitwit/x402-agent/types"
	"github.com/vitwit/x402-agent/utils"
)

// EVMBroadcaster is the subset of *ethclient.Client used to submit a
// transaction and follow it to the requested depth.
type EVMBroadcaster interface {
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// DirectBroadcast signs locally and submits straight to the chain with no
// facilitator involved. Only EVM networks are supported.
type DirectBroadcast struct {
	builder       *EVMBuilder
	backend       EVMBroadcaster
	confirmations uint64
	opts          options
}

// NewDirectBroadcast waits for confirmations blocks (minimum 1) after
// inclusion before returning a proof.
func NewDirectBroadcast(builder *EVMBuilder, backend EVMBroadcaster, confirmations uint64, opts ...Option) (*DirectBroadcast, error) {
	if builder == nil {
		return nil, fmt.Errorf("%w: direct broadcast requires an EVM transfer builder", ErrMissingDependency)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: direct broadcast requires an RPC backend", ErrMissingDependency)
	}
	if confirmations == 0 {
		confirmations = 1
	}
	return &DirectBroadcast{builder: builder, backend: backend, confirmations: confirmations, opts: buildOptions(opts)}, nil
}

// DialDirectBroadcast connects to rpcURL and builds a DirectBroadcast for
// network using one ethclient for both building and broadcasting.
func DialDirectBroadcast(privateKeyHex, network, rpcURL string, confirmations uint64, opts ...Option) (*DirectBroadcast, error) {
	info, err := types.ResolveNetwork(network)
	if err != nil {
		return nil, err
	}
	if info.Family != types.ChainEVM {
		return nil, fmt.Errorf("%w: direct broadcast supports EVM networks only, got %s", ErrMissingDependency, info.Name)
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: no RPC URL configured for %s", ErrMissingDependency, info.Name)
	}
	key, err := utils.PrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s RPC: %w", info.Name, err)
	}
	builder, err := NewEVMBuilder(info, key, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return NewDirectBroadcast(builder, client, confirmations, opts...)
}

func (d *DirectBroadcast) Sign(ctx context.Context, reqs []types.PaymentRequirement, preferredChain string) (string, error) {
	req, err := Select(reqs, preferredChain)
	if err != nil {
		return "", err
	}
	if fam, _ := types.FamilyOf(req.Network); fam != types.ChainEVM {
		return "", fmt.Errorf("%w: direct broadcast cannot pay on %s", ErrMissingDependency, req.Network)
	}

	tx, err := d.builder.BuildTx(ctx, req)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}
	if err := d.backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	d.opts.log.Info("transaction broadcast", map[string]any{
		"tx_hash":       tx.Hash().Hex(),
		"network":       d.builder.network.CAIP2,
		"confirmations": d.confirmations,
	})

	if err := d.waitConfirmed(ctx, tx.Hash()); err != nil {
		return "", err
	}
	return types.EncodeProof(types.NewProof(types.ProofDirect, d.builder.network.CAIP2, tx.Hash().Hex(), d.builder.Address(), ""))
}

func (d *DirectBroadcast) waitConfirmed(ctx context.Context, hash common.Hash) error {
	err := d.opts.poll.Do(ctx, func(ctx context.Context, _ int) (bool, error) {
		receipt, err := d.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("fetch receipt: %w", err)
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			return false, fmt.Errorf("%w: transaction %s reverted", ErrPaymentFailed, hash.Hex())
		}
		head, err := d.backend.BlockNumber(ctx)
		if err != nil {
			return false, fmt.Errorf("fetch block number: %w", err)
		}
		return confirmedDepth(receipt.BlockNumber, head) >= d.confirmations, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return fmt.Errorf("%w: transaction %s: %v", ErrPaymentTimeout, hash.Hex(), err)
	}
	return err
}

func confirmedDepth(included *big.Int, head uint64) uint64 {
	if included == nil || !included.IsUint64() || included.Uint64() > head {
		return 0
	}
	return head - included.Uint64() + 1
}
