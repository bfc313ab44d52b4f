package utils

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-agent/types"
)

// PaymentRequiredHeader carries a base64 JSON challenge on 402 responses.
const PaymentRequiredHeader = "Payment-Required"

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("atomic", validateAtomicTag)
	_ = validate.RegisterValidation("network", validateNetworkTag)
}

// Validator returns the shared validator with the package's custom tags
// registered.
func Validator() *validator.Validate {
	return validate
}

// ParseChallenge extracts payment requirements from a 402 response. The
// header wins when it yields at least one usable requirement; otherwise the
// body is tried. Malformed input is not an error: the caller sees an empty
// slice.
func ParseChallenge(header string, body []byte) []types.PaymentRequirement {
	if header != "" {
		if reqs := ParseChallengeHeader(header); len(reqs) > 0 {
			return reqs
		}
	}
	return ParseChallengeBody(body)
}

// ParseChallengeHeader decodes the base64 payment-required header. Both a
// bare JSON array and a PaymentRequired object are accepted.
func ParseChallengeHeader(header string) []types.PaymentRequirement {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(header)
		if err != nil {
			return nil
		}
	}
	return parseRequirementsJSON(raw)
}

// ParseChallengeBody reads paymentRequirements (or accepts) from a JSON body.
func ParseChallengeBody(body []byte) []types.PaymentRequirement {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return parseRequirementsJSON(body)
}

func parseRequirementsJSON(raw []byte) []types.PaymentRequirement {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	var candidates []types.PaymentRequirement
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &candidates); err != nil {
			return nil
		}
	} else {
		var pr types.PaymentRequired
		if err := json.Unmarshal(raw, &pr); err != nil {
			return nil
		}
		candidates = pr.Requirements()
	}

	out := make([]types.PaymentRequirement, 0, len(candidates))
	for _, c := range candidates {
		if ValidateRequirement(c) == nil {
			out = append(out, c)
		}
	}
	return out
}

// ValidateRequirement checks a single requirement: struct tags first, then
// address shape for the requirement's chain family.
func ValidateRequirement(req types.PaymentRequirement) error {
	if err := validate.Struct(&req); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}
	if err := ValidateAddressForNetwork(req.PayTo, req.Network); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("invalid payTo: %v", err),
		}
	}
	if err := ValidateAddressForNetwork(req.Asset, req.Network); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("invalid asset: %v", err),
		}
	}
	return nil
}

// EncodeChallenge is the inverse of ParseChallengeHeader, used by test
// sellers and the CLI.
func EncodeChallenge(reqs []types.PaymentRequirement) (string, error) {
	raw, err := json.Marshal(types.PaymentRequired{
		X402Version:         int(types.X402Version1),
		PaymentRequirements: reqs,
	})
	if err != nil {
		return "", fmt.Errorf("marshal challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func validateAtomicTag(fl validator.FieldLevel) bool {
	v, ok := new(big.Int).SetString(fl.Field().String(), 10)
	return ok && v.Sign() >= 0
}

func validateNetworkTag(fl validator.FieldLevel) bool {
	_, ok := types.FamilyOf(fl.Field().String())
	return ok
}
