package types

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PolicyKind names a policy variant.
type PolicyKind string

const (
	PolicyBudget    PolicyKind = "budget"
	PolicyVendorACL PolicyKind = "vendor_acl"
	PolicyRateLimit PolicyKind = "rate_limit"
)

// Policy is a closed set: BudgetPolicy, VendorACLPolicy and RateLimitPolicy
// are its only implementations.
type Policy interface {
	Kind() PolicyKind
	isPolicy()
}

// BudgetPolicy caps spend per request and per calendar day, both in
// currency units.
type BudgetPolicy struct {
	DailyCap      decimal.Decimal
	MaxPerRequest decimal.Decimal
}

// VendorACLPolicy allows listed vendors; "*" allows everyone not blocked.
type VendorACLPolicy struct {
	AllowedVendors []string
	BlockedVendors []string
}

// RateLimitPolicy bounds request frequency per endpoint. MaxPerHour of zero
// disables the hourly window. Endpoint scopes the policy: empty applies to
// every endpoint, a trailing "*" matches by prefix.
type RateLimitPolicy struct {
	MaxPerMinute int
	MaxPerHour   int
	Endpoint     string
}

func (BudgetPolicy) Kind() PolicyKind    { return PolicyBudget }
func (VendorACLPolicy) Kind() PolicyKind { return PolicyVendorACL }
func (RateLimitPolicy) Kind() PolicyKind { return PolicyRateLimit }

func (BudgetPolicy) isPolicy()    {}
func (VendorACLPolicy) isPolicy() {}
func (RateLimitPolicy) isPolicy() {}

// PolicySpec is the serialized form of a Policy as it appears in config
// files and JSON payloads.
type PolicySpec struct {
	Type           PolicyKind `json:"type" yaml:"type" mapstructure:"type" validate:"required,oneof=budget vendor_acl rate_limit"`
	DailyCap       string     `json:"dailyCap,omitempty" yaml:"dailyCap,omitempty" mapstructure:"dailyCap"`
	MaxPerRequest  string     `json:"maxPerRequest,omitempty" yaml:"maxPerRequest,omitempty" mapstructure:"maxPerRequest"`
	AllowedVendors []string   `json:"allowedVendors,omitempty" yaml:"allowedVendors,omitempty" mapstructure:"allowedVendors"`
	BlockedVendors []string   `json:"blockedVendors,omitempty" yaml:"blockedVendors,omitempty" mapstructure:"blockedVendors"`
	MaxPerMinute   int        `json:"maxPerMinute,omitempty" yaml:"maxPerMinute,omitempty" mapstructure:"maxPerMinute" validate:"gte=0"`
	MaxPerHour     int        `json:"maxPerHour,omitempty" yaml:"maxPerHour,omitempty" mapstructure:"maxPerHour" validate:"gte=0"`
	Endpoint       string     `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Policy converts s into its typed variant.
func (s PolicySpec) Policy() (Policy, error) {
	switch s.Type {
	case PolicyBudget:
		daily, err := parseMoney("dailyCap", s.DailyCap)
		if err != nil {
			return nil, err
		}
		perReq, err := parseMoney("maxPerRequest", s.MaxPerRequest)
		if err != nil {
			return nil, err
		}
		return BudgetPolicy{DailyCap: daily, MaxPerRequest: perReq}, nil
	case PolicyVendorACL:
		return VendorACLPolicy{AllowedVendors: s.AllowedVendors, BlockedVendors: s.BlockedVendors}, nil
	case PolicyRateLimit:
		if s.MaxPerMinute <= 0 {
			return nil, &X402Error{Code: ErrConfigError, Message: "rate_limit.maxPerMinute must be greater than 0"}
		}
		return RateLimitPolicy{MaxPerMinute: s.MaxPerMinute, MaxPerHour: s.MaxPerHour, Endpoint: s.Endpoint}, nil
	default:
		return nil, &X402Error{Code: ErrConfigError, Message: fmt.Sprintf("unknown policy type %q", s.Type)}
	}
}

// SpecOf converts a typed policy back into its serialized form.
func SpecOf(p Policy) PolicySpec {
	switch v := p.(type) {
	case BudgetPolicy:
		return PolicySpec{Type: PolicyBudget, DailyCap: v.DailyCap.String(), MaxPerRequest: v.MaxPerRequest.String()}
	case VendorACLPolicy:
		return PolicySpec{Type: PolicyVendorACL, AllowedVendors: v.AllowedVendors, BlockedVendors: v.BlockedVendors}
	case RateLimitPolicy:
		return PolicySpec{Type: PolicyRateLimit, MaxPerMinute: v.MaxPerMinute, MaxPerHour: v.MaxPerHour, Endpoint: v.Endpoint}
	}
	return PolicySpec{}
}

// PoliciesFromSpecs converts a list of specs, stopping at the first invalid one.
func PoliciesFromSpecs(specs []PolicySpec) ([]Policy, error) {
	out := make([]Policy, 0, len(specs))
	for i, s := range specs {
		p, err := s.Policy()
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ParsePolicies decodes a JSON array of policy specs.
func ParsePolicies(data []byte) ([]Policy, error) {
	var specs []PolicySpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, &X402Error{Code: ErrConfigError, Message: fmt.Sprintf("failed to parse policies: %v", err)}
	}
	return PoliciesFromSpecs(specs)
}

func parseMoney(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, &X402Error{Code: ErrConfigError, Message: fmt.Sprintf("budget.%s is required", field)}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, &X402Error{Code: ErrConfigError, Message: fmt.Sprintf("budget.%s: %v", field, err)}
	}
	if d.IsNegative() {
		return decimal.Zero, &X402Error{Code: ErrConfigError, Message: fmt.Sprintf("budget.%s cannot be negative", field)}
	}
	return d, nil
}
