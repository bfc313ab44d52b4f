package utils

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-agent/types"
)

const (
	basePayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	solPayTo  = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

func baseRequirement() types.PaymentRequirement {
	return types.PaymentRequirement{
		Scheme:            "exact",
		Network:           "eip155:8453",
		MaxAmountRequired: "5000",
		PayTo:             basePayTo,
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}
}

func solanaRequirement() types.PaymentRequirement {
	return types.PaymentRequirement{
		Scheme:            "exact",
		Network:           "solana",
		MaxAmountRequired: "5000",
		PayTo:             solPayTo,
		Asset:             "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	}
}

func TestParseChallengeHeader(t *testing.T) {
	t.Run("object form", func(t *testing.T) {
		h, err := EncodeChallenge([]types.PaymentRequirement{baseRequirement()})
		require.NoError(t, err)
		reqs := ParseChallenge(h, nil)
		require.Len(t, reqs, 1)
		assert.Equal(t, "eip155:8453", reqs[0].Network)
	})

	t.Run("array form", func(t *testing.T) {
		raw, err := json.Marshal([]types.PaymentRequirement{solanaRequirement(), baseRequirement()})
		require.NoError(t, err)
		reqs := ParseChallengeHeader(base64.StdEncoding.EncodeToString(raw))
		require.Len(t, reqs, 2)
		assert.Equal(t, "solana", reqs[0].Network)
	})

	t.Run("accepts field", func(t *testing.T) {
		raw, err := json.Marshal(map[string]any{"x402Version": 1, "accepts": []types.PaymentRequirement{baseRequirement()}})
		require.NoError(t, err)
		assert.Len(t, ParseChallengeHeader(base64.StdEncoding.EncodeToString(raw)), 1)
	})

	t.Run("garbage falls back to body", func(t *testing.T) {
		body, err := json.Marshal(types.PaymentRequired{PaymentRequirements: []types.PaymentRequirement{baseRequirement()}})
		require.NoError(t, err)
		assert.Len(t, ParseChallenge("%%%not-base64", body), 1)
	})
}

func TestParseChallengeBody(t *testing.T) {
	assert.Empty(t, ParseChallengeBody(nil))
	assert.Empty(t, ParseChallengeBody([]byte("<html>pay me</html>")))
	assert.Empty(t, ParseChallengeBody([]byte(`{"paymentRequirements":[]}`)))

	bad := baseRequirement()
	bad.MaxAmountRequired = "lots"
	noAsset := baseRequirement()
	noAsset.Asset = ""
	wrongFamily := baseRequirement()
	wrongFamily.PayTo = solPayTo

	body, err := json.Marshal(types.PaymentRequired{
		PaymentRequirements: []types.PaymentRequirement{bad, noAsset, wrongFamily, baseRequirement()},
	})
	require.NoError(t, err)

	reqs := ParseChallengeBody(body)
	require.Len(t, reqs, 1)
	assert.Equal(t, "5000", reqs[0].MaxAmountRequired)
}

func TestValidateRequirementNetwork(t *testing.T) {
	req := baseRequirement()
	req.Network = "cosmoshub-4"
	require.Error(t, ValidateRequirement(req))
	require.NoError(t, ValidateRequirement(solanaRequirement()))
}

func TestValidationHelpers(t *testing.T) {
	_, err := ValidateAmount("")
	require.Error(t, err)
	_, err = ValidateAmount("-0.1")
	require.Error(t, err)
	d, err := ValidateAmount("0.25")
	require.NoError(t, err)
	assert.Equal(t, "250000", ToAtomic(d, 6).String())
	assert.True(t, FromAtomic(ToAtomic(d, 6), 6).Equal(decimal.RequireFromString("0.25")))

	require.NoError(t, ValidateTransactionHash("0x"+repeat("ab", 32), "base"))
	require.Error(t, ValidateTransactionHash("0x1234", "base"))
	require.Error(t, ValidateTransactionHash("", "solana"))

	assert.Equal(t, basePayTo, NormalizeAddress("0x209693bc6afc0c5328ba36faf03c514ef312287c"))
	assert.Empty(t, NormalizeAddress("nope"))
}

func TestKeyHelpers(t *testing.T) {
	key, err := PrivateKeyFromHex("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", AddressFromPrivateKey(key).Hex())

	_, err = PrivateKeyFromHex("zz")
	require.Error(t, err)
	_, err = SolanaKeyFromBase58("0OIl")
	require.Error(t, err)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
