package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	x402 "github.com/vitwit/x402-agent"
	"github.com/vitwit/x402-agent/config"
	"github.com/vitwit/x402-agent/policy"
	"github.com/vitwit/x402-agent/types"
)

func fetchCmd() *cobra.Command {
	var (
		method, data, maxPrice, vendor, endpoint string
		headers                                  []string
		skipPolicy, include                      bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL, paying a 402 challenge if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []x402.FetchOption
			if skipPolicy {
				opts = append(opts, x402.WithSkipPolicy())
			}
			if maxPrice != "" {
				d, err := decimal.NewFromString(maxPrice)
				if err != nil {
					return fmt.Errorf("--max-price: %w", err)
				}
				opts = append(opts, x402.WithMaxPrice(d))
			}
			if vendor != "" {
				opts = append(opts, x402.WithVendor(vendor))
			}
			if endpoint != "" {
				opts = append(opts, x402.WithEndpoint(endpoint))
			}

			return withRuntime(cmd.Context(), func(rt *config.Runtime) error {
				var body io.Reader
				if data != "" {
					body = strings.NewReader(data)
				}
				req, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(method), args[0], body)
				if err != nil {
					return err
				}
				for _, h := range headers {
					k, v, ok := strings.Cut(h, ":")
					if !ok {
						return fmt.Errorf("--header %q: want Key: Value", h)
					}
					req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
				}

				resp, err := rt.Agent.Fetch(cmd.Context(), req, opts...)
				if err != nil {
					return describeError(err)
				}
				defer resp.Body.Close()
				if include {
					fmt.Fprintf(os.Stdout, "%s %s\n", resp.Proto, resp.Status)
					_ = resp.Header.Write(os.Stdout)
					fmt.Fprintln(os.Stdout)
				}
				_, err = io.Copy(os.Stdout, resp.Body)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header, Key: Value")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "refuse to pay more than this (USDC)")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "bypass the policy gate for this call")
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor id (defaults to URL host)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint (defaults to URL path)")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "print status line and headers")
	return cmd
}

// describeError expands typed payment errors into a one-line explanation.
func describeError(err error) error {
	var pv *types.PolicyViolationError
	if errors.As(err, &pv) {
		return fmt.Errorf("blocked by %s policy: %s", pv.Kind, pv.Reason)
	}
	var pe *types.PaymentError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %s", pe.Code, pe.Message)
	}
	return err
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Inspect spending policies"}
	p.AddCommand(policyCheckCmd())
	p.AddCommand(policyListCmd())
	return p
}

func policyCheckCmd() *cobra.Command {
	var amount, vendor, endpoint string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a hypothetical payment against the configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withRuntime(cmd.Context(), func(rt *config.Runtime) error {
				d, err := rt.Agent.CheckPolicy(cmd.Context(), policy.Request{Amount: amt, VendorID: vendor, Endpoint: endpoint})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Allowed", "Kind", "Reason"})
				tw.AppendRow(table.Row{d.Allowed, d.Kind, d.Reason})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "0", "amount in USDC")
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor id")
	cmd.Flags().StringVar(&endpoint, "endpoint", "/", "endpoint path")
	return cmd
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Policies)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Type", "Settings"})
			for i, p := range cfg.Policies {
				tw.AppendRow(table.Row{i + 1, p.Type, policySettings(p)})
			}
			tw.Render()
			return nil
		},
	}
}

func policySettings(p types.PolicySpec) string {
	switch p.Type {
	case types.PolicyBudget:
		return fmt.Sprintf("daily cap %s, max per request %s", p.DailyCap, p.MaxPerRequest)
	case types.PolicyVendorACL:
		return fmt.Sprintf("allow %v, block %v", p.AllowedVendors, p.BlockedVendors)
	case types.PolicyRateLimit:
		scope := p.Endpoint
		if scope == "" {
			scope = "*"
		}
		return fmt.Sprintf("%d/min, %d/h on %s", p.MaxPerMinute, p.MaxPerHour, scope)
	}
	return ""
}

func stateCmd() *cobra.Command {
	s := &cobra.Command{Use: "state", Short: "Inspect or change the adaptive agent state"}
	s.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current mutator state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *config.Runtime) error {
				st := rt.Agent.Mutator().State()
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Value"})
				tw.AppendRows([]table.Row{
					{"facilitator preference", fmt.Sprintf("%.4f", st.FacilitatorPreference)},
					{"escrow", st.UseEscrow},
					{"chain preference", strings.Join(st.ChainPreference, " > ")},
					{"top-up threshold", st.TopUpThreshold.StringFixed(2)},
					{"success rate", fmt.Sprintf("%.2f", st.SuccessRate)},
					{"reputation", fmt.Sprintf("%.2f", st.ReputationScore)},
					{"mutations", st.MutationCount},
				})
				tw.Render()
				return nil
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List recorded mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *config.Runtime) error {
				hist := rt.Agent.Mutator().History()
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Depth", "Kind", "Old", "New", "Success rate", "At"})
				for _, ev := range hist {
					tw.AppendRow(table.Row{ev.Depth, ev.Kind, ev.OldValue, ev.NewValue, fmt.Sprintf("%.2f", ev.SuccessRate), ev.Timestamp.Format("2006-01-02 15:04:05")})
				}
				tw.Render()
				return nil
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset the mutator to its initial state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *config.Runtime) error {
				rt.Agent.Mutator().Reset()
				return nil
			})
		},
	})
	return s
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show spend for today and the last seven days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *config.Runtime) error {
				sum, err := rt.Agent.SpendSummary(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Vendor", "Spend (USDC)"})
				vendors := make([]string, 0, len(sum.ByVendor))
				for v := range sum.ByVendor {
					vendors = append(vendors, v)
				}
				sort.Strings(vendors)
				for _, v := range vendors {
					tw.AppendRow(table.Row{v, sum.ByVendor[v].StringFixed(6)})
				}
				tw.AppendFooter(table.Row{"today", fmt.Sprintf("%s (%d)", sum.Today.StringFixed(6), sum.TodayCount)})
				tw.AppendFooter(table.Row{"7 days", fmt.Sprintf("%s (%d)", sum.Last7Days.StringFixed(6), sum.TotalCount)})
				tw.Render()
				return nil
			})
		},
	}
}

func networksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List supported networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			nets := types.Networks()
			if viper.GetBool("json") {
				return printJSON(nets)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "CAIP-2", "Family", "USDC", "Testnet"})
			for _, n := range nets {
				tw.AppendRow(table.Row{n.Name, n.CAIP2, n.Family, n.USDC, n.Testnet})
			}
			tw.Render()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentpay %s (x402 protocol v%d)\n", x402.Version, x402.ProtocolVersion)
		},
	}
}
