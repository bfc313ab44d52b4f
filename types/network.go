package types

import (
	"fmt"
	"strings"
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// Network is either a friendly chain name ("base") or a CAIP-2 identifier
// ("eip155:8453"). Use ResolveNetwork to normalize.
type Network string

const (
	// EVM Networks
	NetworkBase          Network = "base"
	NetworkBaseSepolia   Network = "base-sepolia" // testnet
	NetworkPolygon       Network = "polygon"
	NetworkPolygonAmoy   Network = "polygon-amoy" // testnet
	NetworkEthereum      Network = "ethereum"
	NetworkSepolia       Network = "sepolia" // testnet
	NetworkAvalanche     Network = "avalanche"
	NetworkAvalancheFuji Network = "avalanche-fuji" // testnet

	// Solana Networks
	NetworkSolana       Network = "solana"
	NetworkSolanaDevnet Network = "solana-devnet" // testnet
)

// NetworkInfo describes a supported chain and its USDC deployment.
type NetworkInfo struct {
	Name     Network
	CAIP2    string
	Family   ChainFamily
	ChainID  int64 // EVM only
	USDC     string
	Decimals int32
	Testnet  bool
}

var networks = []NetworkInfo{
	{NetworkBase, "eip155:8453", ChainEVM, 8453, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 6, false},
	{NetworkBaseSepolia, "eip155:84532", ChainEVM, 84532, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", 6, true},
	{NetworkPolygon, "eip155:137", ChainEVM, 137, "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", 6, false},
	{NetworkPolygonAmoy, "eip155:80002", ChainEVM, 80002, "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", 6, true},
	{NetworkEthereum, "eip155:1", ChainEVM, 1, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 6, false},
	{NetworkSepolia, "eip155:11155111", ChainEVM, 11155111, "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", 6, true},
	{NetworkAvalanche, "eip155:43114", ChainEVM, 43114, "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", 6, false},
	{NetworkAvalancheFuji, "eip155:43113", ChainEVM, 43113, "0x5425890298aed601595a70AB815c96711a31Bc65", 6, true},
	{NetworkSolana, "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", ChainSolana, 0, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", 6, false},
	{NetworkSolanaDevnet, "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", ChainSolana, 0, "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", 6, true},
}

var (
	networksByName  = make(map[string]NetworkInfo, len(networks))
	networksByCAIP2 = make(map[string]NetworkInfo, len(networks))
)

func init() {
	for _, n := range networks {
		networksByName[string(n.Name)] = n
		networksByCAIP2[n.CAIP2] = n
	}
	// legacy v1 aliases used by older sellers
	networksByName["solana-mainnet"] = networksByName[string(NetworkSolana)]
	networksByName["mainnet"] = networksByName[string(NetworkEthereum)]
}

// ResolveNetwork maps a friendly name or a CAIP-2 id to its NetworkInfo.
func ResolveNetwork(id string) (NetworkInfo, error) {
	id = strings.TrimSpace(id)
	if n, ok := networksByCAIP2[id]; ok {
		return n, nil
	}
	if n, ok := networksByName[strings.ToLower(id)]; ok {
		return n, nil
	}
	return NetworkInfo{}, &X402Error{
		Code:    ErrUnsupportedNetwork,
		Message: fmt.Sprintf("unsupported network: %s", id),
	}
}

// SameNetwork reports whether two identifiers name the same chain, whatever
// form each one is written in.
func SameNetwork(a, b string) bool {
	if a == b {
		return true
	}
	na, errA := ResolveNetwork(a)
	nb, errB := ResolveNetwork(b)
	if errA != nil || errB != nil {
		return false
	}
	return na.CAIP2 == nb.CAIP2
}

// FamilyOf returns the chain family of a network id. Unknown CAIP-2 ids are
// classified by namespace.
func FamilyOf(id string) (ChainFamily, bool) {
	if n, err := ResolveNetwork(id); err == nil {
		return n.Family, true
	}
	switch {
	case strings.HasPrefix(id, "eip155:"):
		return ChainEVM, true
	case strings.HasPrefix(id, "solana:"):
		return ChainSolana, true
	}
	return "", false
}

// ChainName returns the friendly name for a network id, or the id unchanged
// when it is not in the table.
func ChainName(id string) string {
	if n, err := ResolveNetwork(id); err == nil {
		return string(n.Name)
	}
	return id
}

// Networks returns the supported network table.
func Networks() []NetworkInfo {
	out := make([]NetworkInfo, len(networks))
	copy(out, networks)
	return out
}

func (n Network) IsEVM() bool {
	f, ok := FamilyOf(string(n))
	return ok && f == ChainEVM
}

func (n Network) IsSolana() bool {
	f, ok := FamilyOf(string(n))
	return ok && f == ChainSolana
}

func (n Network) IsTestnet() bool {
	info, err := ResolveNetwork(string(n))
	return err == nil && info.Testnet
}

func (n Network) String() string {
	return string(n)
}
