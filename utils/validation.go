package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-agent/types"
)

var (
	evmTxHash  = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	base58Text = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount cannot be negative")
	}

	return dec, nil
}

// ValidateAddressForNetwork validates an address against the chain family of
// network.
func ValidateAddressForNetwork(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	family, ok := types.FamilyOf(network)
	if !ok {
		return fmt.Errorf("unsupported network for address validation: %s", network)
	}

	switch family {
	case types.ChainEVM:
		if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("EVM address must be 0x-prefixed 20-byte hex")
		}
	case types.ChainSolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("Solana address must be a base58 public key: %w", err)
		}
	}

	return nil
}

// ValidateTransactionHash checks the shape of a hash a facilitator or RPC
// node returned for network.
func ValidateTransactionHash(hash string, network string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	family, ok := types.FamilyOf(network)
	if !ok {
		return fmt.Errorf("unsupported network for transaction hash validation: %s", network)
	}

	switch family {
	case types.ChainEVM:
		if !evmTxHash.MatchString(hash) {
			return fmt.Errorf("EVM transaction hash must be 0x followed by 64 hex characters")
		}
	case types.ChainSolana:
		// signatures are 64 bytes, 86-88 base58 characters
		if len(hash) < 80 || len(hash) > 90 || !base58Text.MatchString(hash) {
			return fmt.Errorf("Solana transaction signature must be base58")
		}
	}

	return nil
}

// ToAtomic converts a currency amount to the token's smallest unit,
// truncating anything below the token's precision.
func ToAtomic(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromAtomic converts a smallest-unit integer to currency units.
func FromAtomic(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}
