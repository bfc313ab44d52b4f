// Package config loads agent configuration from YAML and environment
// variables and assembles a ready Agent from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vitwit/x402-agent/types"
	"github.com/vitwit/x402-agent/utils"
)

// EnvPrefix namespaces environment overrides, e.g. AGENTPAY_SIGNER_APIKEY.
const EnvPrefix = "AGENTPAY"

// Signer modes.
const (
	SignerCustodial   = "custodial"
	SignerSelfCustody = "self_custody"
	SignerDirect      = "direct"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config models agentpay.yaml.
type Config struct {
	Agent     AgentConfig        `yaml:"agent" mapstructure:"agent"`
	Log       LogConfig          `yaml:"log" mapstructure:"log"`
	Signer    SignerConfig       `yaml:"signer" mapstructure:"signer"`
	Policies  []types.PolicySpec `yaml:"policies" mapstructure:"policies" validate:"dive"`
	Store     StoreConfig        `yaml:"store" mapstructure:"store"`
	Gossip    GossipConfig       `yaml:"gossip" mapstructure:"gossip"`
	Mutator   MutatorConfig      `yaml:"mutator" mapstructure:"mutator"`
	Telemetry TelemetryConfig    `yaml:"telemetry" mapstructure:"telemetry"`
	Metrics   MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
}

type AgentConfig struct {
	ID    string `yaml:"id" mapstructure:"id"`
	Chain string `yaml:"chain" mapstructure:"chain" validate:"required,network"`
	// Timeout bounds each outbound HTTP request the agent makes.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json console"`
}

type SignerConfig struct {
	// Mode is empty when the agent should not pay at all.
	Mode           string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=custodial self_custody direct"`
	FacilitatorURL string `yaml:"facilitatorUrl" mapstructure:"facilitatorUrl" validate:"omitempty,url"`
	APIKey         string `yaml:"apiKey" mapstructure:"apiKey"`
	AgentWallet    string `yaml:"agentWallet" mapstructure:"agentWallet"`
	// EVMPrivateKey is hex, SolanaPrivateKey base58.
	EVMPrivateKey    string            `yaml:"evmPrivateKey" mapstructure:"evmPrivateKey"`
	SolanaPrivateKey string            `yaml:"solanaPrivateKey" mapstructure:"solanaPrivateKey"`
	RPC              map[string]string `yaml:"rpc" mapstructure:"rpc"`
	Confirmations    uint64            `yaml:"confirmations" mapstructure:"confirmations"`
	PollInterval     time.Duration     `yaml:"pollInterval" mapstructure:"pollInterval" validate:"gte=0"`
	PollAttempts     int               `yaml:"pollAttempts" mapstructure:"pollAttempts" validate:"gte=0"`
}

// RPCURLs returns the rpc map keyed by friendly network name, so entries
// written as CAIP-2 ids ("eip155:8453") and names ("base") both resolve.
func (s SignerConfig) RPCURLs() map[string]string {
	out := make(map[string]string, len(s.RPC))
	for k, v := range s.RPC {
		out[types.ChainName(k)] = v
	}
	return out
}

type StoreConfig struct {
	Backend string      `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis" mapstructure:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address" mapstructure:"address"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

type GossipConfig struct {
	Enabled          bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers          []string `yaml:"brokers" mapstructure:"brokers"`
	Topic            string   `yaml:"topic" mapstructure:"topic"`
	PublishMutations bool     `yaml:"publishMutations" mapstructure:"publishMutations"`
}

type MutatorConfig struct {
	// MinReputation unset keeps the mutator default; 0 disables the gate.
	MinReputation *float64 `yaml:"minReputation,omitempty" mapstructure:"minReputation" validate:"omitempty,gte=0,lte=1"`
	MaxBoostPerTx float64 `yaml:"maxBoostPerTx" mapstructure:"maxBoostPerTx" validate:"gte=0,lte=1"`
	Reputation    float64 `yaml:"reputation" mapstructure:"reputation" validate:"gte=0"`
	// StateFile holds an exported mutator state loaded at startup.
	StateFile string `yaml:"stateFile" mapstructure:"stateFile"`
}

type TelemetryConfig struct {
	URL    string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	APIKey string `yaml:"apiKey" mapstructure:"apiKey"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Agent:   AgentConfig{ID: "agent", Chain: "base", Timeout: 2 * time.Minute},
		Log:     LogConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Backend: StoreMemory, Redis: RedisConfig{Prefix: "agentpay"}},
		Gossip:  GossipConfig{Topic: "agentpay.gossip"},
		Metrics: MetricsConfig{Listen: ":9402"},
		Signer:  SignerConfig{Confirmations: 1},
	}
}

// Load reads path (YAML) with AGENTPAY_* environment overrides. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates a YAML document over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAML renders the config with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	masked.Signer.APIKey = mask(c.Signer.APIKey)
	masked.Signer.EVMPrivateKey = mask(c.Signer.EVMPrivateKey)
	masked.Signer.SolanaPrivateKey = mask(c.Signer.SolanaPrivateKey)
	masked.Store.Redis.Password = mask(c.Store.Redis.Password)
	masked.Telemetry.APIKey = mask(c.Telemetry.APIKey)
	return yaml.Marshal(&masked)
}

// Validate checks struct tags, policy decoding and cross-field rules.
func (c *Config) Validate() error {
	if err := utils.Validator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: %s failed %q validation", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, err := types.PoliciesFromSpecs(c.Policies); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Signer.Mode {
	case SignerCustodial:
		if c.Signer.FacilitatorURL == "" || c.Signer.AgentWallet == "" {
			return errors.New("config: signer.custodial needs facilitatorUrl and agentWallet")
		}
	case SignerSelfCustody:
		if c.Signer.FacilitatorURL == "" {
			return errors.New("config: signer.self_custody needs facilitatorUrl")
		}
		if c.Signer.EVMPrivateKey == "" && c.Signer.SolanaPrivateKey == "" {
			return errors.New("config: signer.self_custody needs evmPrivateKey or solanaPrivateKey")
		}
	case SignerDirect:
		if c.Signer.EVMPrivateKey == "" {
			return errors.New("config: signer.direct needs evmPrivateKey")
		}
		if c.Signer.RPCURLs()[types.ChainName(c.Agent.Chain)] == "" {
			return fmt.Errorf("config: signer.direct needs rpc.%s", c.Agent.Chain)
		}
	}
	if c.Store.Backend == StoreRedis && c.Store.Redis.Address == "" {
		return errors.New("config: store.redis.address is required for the redis backend")
	}
	if c.Gossip.Enabled && (len(c.Gossip.Brokers) == 0 || c.Gossip.Topic == "") {
		return errors.New("config: gossip needs brokers and topic when enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("agent.id", d.Agent.ID)
	v.SetDefault("agent.chain", d.Agent.Chain)
	v.SetDefault("agent.timeout", d.Agent.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("signer.mode", "")
	v.SetDefault("signer.facilitatorUrl", "")
	v.SetDefault("signer.apiKey", "")
	v.SetDefault("signer.agentWallet", "")
	v.SetDefault("signer.evmPrivateKey", "")
	v.SetDefault("signer.solanaPrivateKey", "")
	v.SetDefault("signer.confirmations", d.Signer.Confirmations)
	v.SetDefault("signer.pollInterval", time.Duration(0))
	v.SetDefault("signer.pollAttempts", 0)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.redis.address", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)
	v.SetDefault("gossip.enabled", false)
	v.SetDefault("gossip.brokers", []string{})
	v.SetDefault("gossip.topic", d.Gossip.Topic)
	v.SetDefault("gossip.publishMutations", false)
	// no default: an absent key must decode to nil
	_ = v.BindEnv("mutator.minReputation")
	v.SetDefault("mutator.maxBoostPerTx", 0.0)
	v.SetDefault("mutator.reputation", 0.0)
	v.SetDefault("mutator.stateFile", "")
	v.SetDefault("telemetry.url", "")
	v.SetDefault("telemetry.apiKey", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
