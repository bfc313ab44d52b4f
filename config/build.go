package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	x402 "github.com/vitwit/x402-agent"
	"github.com/vitwit/x402-agent/gossip"
	"github.com/vitwit/x402-agent/logger"
	"github.com/vitwit/x402-agent/metrics"
	"github.com/vitwit/x402-agent/mutator"
	"github.com/vitwit/x402-agent/policy"
	"github.com/vitwit/x402-agent/retry"
	"github.com/vitwit/x402-agent/signer"
	"github.com/vitwit/x402-agent/telemetry"
	"github.com/vitwit/x402-agent/types"
)

// Runtime is an assembled agent plus the resources it owns.
type Runtime struct {
	Agent    *x402.Agent
	Config   *Config
	Logger   logger.Logger
	Metrics  *metrics.PrometheusRecorder
	Registry *prometheus.Registry

	closers []func() error
}

type buildOptions struct {
	log        logger.Logger
	httpClient *http.Client
	registry   *prometheus.Registry
	signer     signer.Signer
}

type BuildOption func(*buildOptions)

// WithBuildLogger replaces the zap logger built from cfg.Log.
func WithBuildLogger(l logger.Logger) BuildOption {
	return func(o *buildOptions) { o.log = l }
}

func WithBuildHTTPClient(c *http.Client) BuildOption {
	return func(o *buildOptions) { o.httpClient = c }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) BuildOption {
	return func(o *buildOptions) { o.registry = reg }
}

// WithBuildSigner overrides the signer described by cfg.Signer.
func WithBuildSigner(s signer.Signer) BuildOption {
	return func(o *buildOptions) { o.signer = s }
}

// Build wires every configured component into an Agent. Callers must Close
// the runtime.
func Build(ctx context.Context, cfg *Config, opts ...BuildOption) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt = &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	log := o.log
	if log == nil {
		zl, err := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		if s, ok := zl.(interface{ Sync() error }); ok {
			rt.closers = append(rt.closers, func() error { _ = s.Sync(); return nil })
		}
		log = zl
	}
	log = logger.With(log, map[string]any{"agent": cfg.Agent.ID})
	rt.Logger = log

	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Agent.Timeout}
	}

	policies, err := types.PoliciesFromSpecs(cfg.Policies)
	if err != nil {
		return nil, err
	}
	engineOpts := []policy.Option{policy.WithLogger(log)}
	if cfg.Store.Backend == StoreRedis {
		rc, err := policy.NewRedisClient(ctx, policy.RedisConfig{
			Address:  cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rc.Close)
		engineOpts = append(engineOpts,
			policy.WithLedger(policy.NewRedisLedger(rc, cfg.Store.Redis.Prefix)),
			policy.WithRequestLog(policy.NewRedisRequestLog(rc, cfg.Store.Redis.Prefix)),
		)
	}
	engine := policy.NewEngine(policies, engineOpts...)

	var rec metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		reg := o.registry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		prom, err := metrics.NewPrometheusRecorder(reg)
		if err != nil {
			return nil, err
		}
		rt.Metrics, rt.Registry, rec = prom, reg, prom
	}

	observers := mutator.Observers{mutator.ObserverFuncs{
		Mutation: func(m mutator.MutationMessage) {
			log.Info("mutation applied", map[string]any{
				"kind": string(m.Event.Kind), "old": m.Event.OldValue, "new": m.Event.NewValue,
			})
		},
	}}
	if cfg.Gossip.Enabled {
		pub, err := gossip.NewKafkaPublisher(gossip.Config{
			Brokers:          cfg.Gossip.Brokers,
			Topic:            cfg.Gossip.Topic,
			PublishMutations: cfg.Gossip.PublishMutations,
			Logger:           log,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pub.Close)
		observers = append(observers, pub)
	}

	chain := types.ChainName(cfg.Agent.Chain)
	mut := mutator.New(mutator.Config{
		AgentID:       cfg.Agent.ID,
		MinReputation: cfg.Mutator.MinReputation,
		MaxBoostPerTx: cfg.Mutator.MaxBoostPerTx,
		PrimaryChain:  chain,
		DisableGossip: !cfg.Gossip.Enabled,
		Observer:      observers,
	})
	if err := loadMutatorState(mut, cfg.Mutator.StateFile); err != nil {
		return nil, err
	}
	if cfg.Mutator.Reputation > 0 {
		mut.UpdateReputation(cfg.Mutator.Reputation)
	}

	sgn := o.signer
	if sgn == nil {
		sgn, err = buildSigner(cfg, chain, client, log)
		if err != nil {
			return nil, err
		}
	}

	agentOpts := []x402.Option{
		x402.WithChain(chain),
		x402.WithHTTPClient(client),
		x402.WithPolicyEngine(engine),
		x402.WithMutator(mut),
		x402.WithLogger(log),
		x402.WithMetrics(rec),
	}
	if sgn != nil {
		agentOpts = append(agentOpts, x402.WithSigner(sgn))
	}
	if cfg.Telemetry.URL != "" {
		rep, err := telemetry.NewHTTPReporter(telemetry.HTTPConfig{
			BaseURL: cfg.Telemetry.URL,
			APIKey:  cfg.Telemetry.APIKey,
			AgentID: cfg.Agent.ID,
		})
		if err != nil {
			return nil, err
		}
		agentOpts = append(agentOpts, x402.WithTelemetry(rep))
	}

	agent, err := x402.New(agentOpts...)
	if err != nil {
		return nil, err
	}
	rt.Agent = agent
	return rt, nil
}

func buildSigner(cfg *Config, chain string, client *http.Client, log logger.Logger) (signer.Signer, error) {
	sc := cfg.Signer
	opts := []signer.Option{signer.WithHTTPClient(client), signer.WithLogger(log)}
	if sc.PollInterval > 0 || sc.PollAttempts > 0 {
		poll := retry.Default()
		if sc.PollInterval > 0 {
			poll.Interval = sc.PollInterval
		}
		if sc.PollAttempts > 0 {
			poll.MaxAttempts = sc.PollAttempts
		}
		opts = append(opts, signer.WithPollPolicy(poll))
	}

	rpc := sc.RPCURLs()
	switch sc.Mode {
	case "":
		return nil, nil
	case SignerCustodial:
		return signer.NewCustodial(signer.CustodialConfig{
			FacilitatorURL: sc.FacilitatorURL,
			APIKey:         sc.APIKey,
			AgentWallet:    sc.AgentWallet,
		}, opts...)
	case SignerSelfCustody:
		reg := signer.NewRegistry()
		if sc.EVMPrivateKey != "" {
			reg.Register(types.ChainEVM, signer.EVMFactory(sc.EVMPrivateKey, rpc))
		}
		if sc.SolanaPrivateKey != "" {
			reg.Register(types.ChainSolana, signer.SolanaFactory(sc.SolanaPrivateKey, rpc))
		}
		fac, err := signer.NewFacilitator(sc.FacilitatorURL, sc.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return signer.NewSelfCustody(fac, reg, chain, opts...)
	case SignerDirect:
		return signer.DialDirectBroadcast(sc.EVMPrivateKey, chain, rpc[chain], sc.Confirmations, opts...)
	}
	return nil, fmt.Errorf("config: unknown signer mode %q", sc.Mode)
}

func loadMutatorState(m *mutator.Mutator, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read mutator state: %w", err)
	}
	if err := m.ImportState(data); err != nil {
		return fmt.Errorf("load mutator state %s: %w", path, err)
	}
	return nil
}

// SaveState writes the mutator state to the configured state file, if any.
func (r *Runtime) SaveState() error {
	path := r.Config.Mutator.StateFile
	if path == "" || r.Agent == nil {
		return nil
	}
	data, err := r.Agent.Mutator().ExportState()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write mutator state: %w", err)
	}
	return nil
}

// Close waits for pending telemetry, then releases resources in reverse
// order of creation.
func (r *Runtime) Close() error {
	if r.Agent != nil {
		r.Agent.Flush()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
