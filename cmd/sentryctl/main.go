// sentryctl is the operator CLI: inspect and validate engine configuration,
// render tuning presets and query a running monitor instance.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sentinel/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath string
		envOnly bool
	)
	root := &cobra.Command{
		Use:           "sentryctl",
		Short:         "operator CLI for the market surveillance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config/config.yaml", "config file path")
	root.PersistentFlags().BoolVar(&envOnly, "env-only", false, "ignore the config file, use defaults + SENTINEL_* env")

	load := func() (config.Config, error) {
		if envOnly {
			return config.Load("", true)
		}
		if _, err := os.Stat(cfgPath); err != nil {
			return config.Load("", true)
		}
		return config.Load(cfgPath, false)
	}

	root.AddCommand(showCmd(load))
	root.AddCommand(validateCmd(load))
	root.AddCommand(exportCmd(load))
	root.AddCommand(setCmd(&cfgPath, &envOnly))
	root.AddCommand(presetCmd())
	root.AddCommand(statusCmd())
	return root.Execute()
}

func setCmd(cfgPath *string, envOnly *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value> [<key> <value> ...]",
		Short: "apply dotted-key overrides, validate, print the resulting config",
		Long: "Applies overrides on top of the loaded configuration and validates " +
			"the result, e.g. `sentryctl set detection.volume_spike_multiplier 4.5`. " +
			"Exits non-zero when the resulting configuration is invalid.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected key/value pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := make(map[string]string, len(args)/2)
			for i := 0; i < len(args); i += 2 {
				overrides[args[i]] = args[i+1]
			}
			path := *cfgPath
			only := *envOnly
			if _, err := os.Stat(path); err != nil {
				only = true
			}
			cfg, err := config.LoadWithOverrides(path, only, overrides)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func showCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the effective tuning summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "scan interval:            %s\n", cfg.Scan.Interval)
			fmt.Fprintf(w, "volume spike multiplier:  %.2f\n", cfg.Detection.VolumeSpikeMultiplier)
			fmt.Fprintf(w, "price move threshold:     %.1f%%\n", cfg.Detection.PriceMoveThresholdPct)
			fmt.Fprintf(w, "signal window:            %s\n", cfg.Detection.SignalWindow)
			fmt.Fprintf(w, "front-run emit threshold: %.2f\n", cfg.FrontRun.EmitThreshold)
			fmt.Fprintf(w, "alerts enabled:           %t\n", cfg.Alerts.Enabled)
			fmt.Fprintf(w, "min opportunity score:    %.1f\n", cfg.Alerts.MinOpportunityScore)
			fmt.Fprintf(w, "rate limits (C/H/M/L):    %d/%d/%d/%d per hour\n",
				cfg.Alerts.RateLimits.Critical, cfg.Alerts.RateLimits.High,
				cfg.Alerts.RateLimits.Medium, cfg.Alerts.RateLimits.Low)
			fmt.Fprintf(w, "cooldowns (C/H/M/L):      %s/%s/%s/%s\n",
				cfg.Alerts.Cooldowns.Critical, cfg.Alerts.Cooldowns.High,
				cfg.Alerts.Cooldowns.Medium, cfg.Alerts.Cooldowns.Low)
			fmt.Fprintf(w, "stream enabled:           %t (max %d assets)\n", cfg.Stream.Enabled, cfg.Stream.MaxAssets)
			fmt.Fprintf(w, "webhook configured:       %t\n", cfg.Webhook.URL != "")
			return nil
		},
	}
}

func validateCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "validate the configuration, exit non-zero on violation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func exportCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "print the full effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func presetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "preset <balanced|conservative|aggressive|development>",
		Short:     "render a named tuning preset as JSON",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"balanced", "conservative", "aggressive", "development"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Preset(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "query a running monitor's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(addr + "/api/v1/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, body)
			}
			var pretty json.RawMessage = body
			return printJSON(cmd.OutOrStdout(), pretty)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "monitor base URL")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
