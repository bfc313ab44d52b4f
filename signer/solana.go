package signer

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/vitwit/x402-agent/types"
	"github.com/vitwit/x402-agent/utils"
)

var computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	defaultComputeUnits     uint32 = 200_000
	defaultComputeUnitPrice uint64 = 10_000
)

// SolanaRPC is the subset of *rpc.Client needed to build a transfer.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// SolanaBuilder signs SPL TransferChecked transactions. When the
// requirement names a fee payer in extra.feePayer, the transaction is only
// partially signed and the facilitator co-signs as fee payer.
type SolanaBuilder struct {
	key     solana.PrivateKey
	owner   solana.PublicKey
	network types.NetworkInfo
	rpc     SolanaRPC
}

func NewSolanaBuilder(network types.NetworkInfo, key solana.PrivateKey, client SolanaRPC) (*SolanaBuilder, error) {
	if network.Family != types.ChainSolana {
		return nil, fmt.Errorf("Solana builder: %s is not a Solana network", network.Name)
	}
	if len(key) != 64 {
		return nil, errors.New("Solana builder: private key must be 64 bytes")
	}
	if client == nil {
		return nil, fmt.Errorf("%w: Solana builder for %s has no RPC client", ErrMissingDependency, network.Name)
	}
	return &SolanaBuilder{key: key, owner: key.PublicKey(), network: network, rpc: client}, nil
}

// SolanaFactory returns a BuilderFactory using rpcURLs[network name], or the
// public cluster endpoint when none is configured.
func SolanaFactory(privateKeyBase58 string, rpcURLs map[string]string) BuilderFactory {
	return func(network types.NetworkInfo) (TransferBuilder, error) {
		key, err := utils.SolanaKeyFromBase58(privateKeyBase58)
		if err != nil {
			return nil, err
		}
		url := rpcURLs[string(network.Name)]
		if url == "" {
			if network.Testnet {
				url = rpc.DevNet_RPC
			} else {
				url = rpc.MainNetBeta_RPC
			}
		}
		return NewSolanaBuilder(network, key, rpc.New(url))
	}
}

func (b *SolanaBuilder) Family() types.ChainFamily { return types.ChainSolana }

func (b *SolanaBuilder) Address() string { return b.owner.String() }

func (b *SolanaBuilder) Build(ctx context.Context, req types.PaymentRequirement) (*SignedTransfer, error) {
	if !types.SameNetwork(req.Network, b.network.CAIP2) {
		return nil, fmt.Errorf("Solana builder for %s cannot pay on %s", b.network.Name, req.Network)
	}
	mint, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	amount, err := req.AtomicAmount()
	if err != nil {
		return nil, err
	}
	if !amount.IsUint64() {
		return nil, fmt.Errorf("amount %s overflows uint64", amount)
	}
	feePayer, sponsored, err := feePayerFrom(req.Extra)
	if err != nil {
		return nil, err
	}
	if !sponsored {
		feePayer = b.owner
	}

	recent, err := b.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("get blockhash: %w", err)
	}

	tx, err := b.transferTx(mint, recipient, feePayer, amount, recent.Value.Blockhash)
	if err != nil {
		return nil, err
	}

	signer := func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(b.owner) {
			return &b.key
		}
		return nil
	}
	if sponsored {
		_, err = tx.PartialSign(signer)
	} else {
		_, err = tx.Sign(signer)
	}
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	out := &SignedTransfer{
		Raw:     base64.StdEncoding.EncodeToString(raw),
		From:    b.owner.String(),
		Network: b.network.CAIP2,
	}
	if !sponsored && len(tx.Signatures) > 0 {
		out.Hash = tx.Signatures[0].String()
	}
	return out, nil
}

func (b *SolanaBuilder) transferTx(mint, recipient, feePayer solana.PublicKey, amount *big.Int, blockhash solana.Hash) (*solana.Transaction, error) {
	sourceATA, _, err := solana.FindAssociatedTokenAddress(b.owner, mint)
	if err != nil {
		return nil, fmt.Errorf("derive source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, fmt.Errorf("derive destination token account: %w", err)
	}

	instructions := []solana.Instruction{
		computeUnitLimit(defaultComputeUnits),
		computeUnitPrice(defaultComputeUnitPrice),
		createATAIdempotent(feePayer, destATA, recipient, mint),
		token.NewTransferCheckedInstructionBuilder().
			SetAmount(amount.Uint64()).
			SetDecimals(uint8(b.network.Decimals)).
			SetSourceAccount(sourceATA).
			SetDestinationAccount(destATA).
			SetMintAccount(mint).
			SetOwnerAccount(b.owner).
			Build(),
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return tx, nil
}

func feePayerFrom(extra map[string]interface{}) (solana.PublicKey, bool, error) {
	raw, ok := extra["feePayer"]
	if !ok {
		return solana.PublicKey{}, false, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return solana.PublicKey{}, false, errors.New("extra.feePayer must be a base58 string")
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("invalid extra.feePayer: %w", err)
	}
	return pk, true, nil
}

func computeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

func computeUnitPrice(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microlamports)
	return solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// createATAIdempotent succeeds whether or not the destination account
// already exists.
func createATAIdempotent(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsWritable: true},
		{PublicKey: owner},
		{PublicKey: mint},
		{PublicKey: solana.SystemProgramID},
		{PublicKey: solana.TokenProgramID},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1})
}
