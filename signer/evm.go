package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/x402-agent/types"
	"github.com/vitwit/x402-agent/utils"
)

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EVMBackend is the subset of *ethclient.Client needed to build a transfer.
type EVMBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// EVMBuilder signs ERC-20 transfer calls as EIP-1559 transactions.
type EVMBuilder struct {
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	network types.NetworkInfo
	backend EVMBackend
}

func NewEVMBuilder(network types.NetworkInfo, key *ecdsa.PrivateKey, backend EVMBackend) (*EVMBuilder, error) {
	if network.Family != types.ChainEVM {
		return nil, fmt.Errorf("EVM builder: %s is not an EVM network", network.Name)
	}
	if key == nil {
		return nil, errors.New("EVM builder: private key is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: EVM builder for %s has no RPC backend", ErrMissingDependency, network.Name)
	}
	return &EVMBuilder{
		key:     key,
		from:    utils.AddressFromPrivateKey(key),
		chainID: big.NewInt(network.ChainID),
		network: network,
		backend: backend,
	}, nil
}

// EVMFactory returns a BuilderFactory that dials rpcURLs[network name] with
// ethclient.
func EVMFactory(privateKeyHex string, rpcURLs map[string]string) BuilderFactory {
	return func(network types.NetworkInfo) (TransferBuilder, error) {
		key, err := utils.PrivateKeyFromHex(privateKeyHex)
		if err != nil {
			return nil, err
		}
		url, ok := rpcURLs[string(network.Name)]
		if !ok || url == "" {
			return nil, fmt.Errorf("%w: no RPC URL configured for %s", ErrMissingDependency, network.Name)
		}
		client, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("dial %s RPC: %w", network.Name, err)
		}
		return NewEVMBuilder(network, key, client)
	}
}

func (b *EVMBuilder) Family() types.ChainFamily { return types.ChainEVM }

func (b *EVMBuilder) Address() string { return b.from.Hex() }

// BuildTx builds and signs the transfer without encoding it.
func (b *EVMBuilder) BuildTx(ctx context.Context, req types.PaymentRequirement) (*ethtypes.Transaction, error) {
	if !types.SameNetwork(req.Network, b.network.CAIP2) {
		return nil, fmt.Errorf("EVM builder for %s cannot pay on %s", b.network.Name, req.Network)
	}
	if !common.IsHexAddress(req.PayTo) || !common.IsHexAddress(req.Asset) {
		return nil, fmt.Errorf("invalid payTo or asset address")
	}
	amount, err := req.AtomicAmount()
	if err != nil {
		return nil, err
	}

	token := common.HexToAddress(req.Asset)
	data, err := erc20ABI.Pack("transfer", common.HexToAddress(req.PayTo), amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer call: %w", err)
	}

	nonce, err := b.backend.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	tip, err := b.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := b.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := b.backend.EstimateGas(ctx, ethereum.CallMsg{From: b.from, To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &token,
		Data:      data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

func (b *EVMBuilder) Build(ctx context.Context, req types.PaymentRequirement) (*SignedTransfer, error) {
	tx, err := b.BuildTx(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &SignedTransfer{
		Raw:     hexutil.Encode(raw),
		Hash:    tx.Hash().Hex(),
		From:    b.from.Hex(),
		Network: b.network.CAIP2,
	}, nil
}
