package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/radar/internal/api"
	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/config"
	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/parsers"
	"github.com/mattjoyce/radar/internal/playbooks"
	"github.com/mattjoyce/radar/internal/rules"
	"github.com/mattjoyce/radar/internal/store"
	"github.com/mattjoyce/radar/internal/tui/watch"
)

func newServeCommand(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the configured store over HTTP for remote workers and commanders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			if cfg.Store.Backend == store.BackendHTTP {
				return fmt.Errorf("serve needs a local store backend, not %q", cfg.Store.Backend)
			}
			ctx, cancel := signalContext()
			defer cancel()

			backend, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, backend, nil, log.WithComponent("api"))
			return ignoreCancel(srv.Start(ctx))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default: api.listen)")
	return cmd
}

func newRulesCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule-set files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [parser-rules playbook-rules]",
		Short: "Compile both rule sets and report rules whose handler is missing",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			paths := []string{cfg.Rules.ParserRules, cfg.Rules.PlaybookRules}
			copy(paths, args)
			return checkRules(g, paths[0], paths[1])
		},
	})
	return cmd
}

func checkRules(g *globals, parserPath, playbookPath string) error {
	reg := automation.NewRegistry()
	if err := parsers.Register(reg); err != nil {
		return err
	}
	if err := playbooks.New(command.NewRunner()).Register(reg); err != nil {
		return err
	}

	problems := 0
	for _, rs := range []struct {
		path string
		kind automation.Kind
	}{
		{parserPath, automation.KindParser},
		{playbookPath, automation.KindPlaybook},
	} {
		set, err := rules.LoadFile(rs.path)
		if err != nil {
			fmt.Fprintf(g.stdout, "FAIL %s: %v\n", rs.path, err)
			problems++
			continue
		}
		errs := reg.Check(set, rs.kind)
		status := "OK"
		if len(errs) > 0 {
			status = "WARN"
		}
		fmt.Fprintf(g.stdout, "%-4s %s: %d %s rules, %s\n", status, rs.path, set.Len(), rs.kind, set.Fingerprint)
		for _, err := range errs {
			fmt.Fprintf(g.stdout, "     %v\n", err)
		}
		problems += len(errs)
	}
	if problems > 0 {
		return fmt.Errorf("%d rule problems", problems)
	}
	return nil
}

func newConfigCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var dryRun bool
	lockCmd := &cobra.Command{
		Use:   "lock [dir]",
		Short: "Write BLAKE3 checksums for every YAML file in the config directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				path, err := config.Discover(g.configPath)
				if err != nil {
					return err
				}
				dir = path
				if info, err := os.Stat(path); err == nil && !info.IsDir() {
					dir = filepath.Dir(path)
				}
			}
			report, err := config.Lock(dir, dryRun)
			if err != nil {
				return err
			}
			for _, name := range slices.Sorted(maps.Keys(report.Hashes)) {
				fmt.Fprintf(g.stdout, "%s  %s\n", report.Hashes[name], name)
			}
			if report.Written {
				fmt.Fprintf(g.stdout, "wrote %s\n", report.ChecksumPath)
			}
			return nil
		},
	}
	lockCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print hashes without writing the checksum file")

	cmd.AddCommand(lockCmd, &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			source := cfg.Path
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(g.stdout, "OK %s (store: %s)\n", source, cfg.Store.Backend)
			return nil
		},
	})
	return cmd
}

func newWatchCommand(g *globals) *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of queue depth, campaigns, running jobs and worker events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			url, key := watchTarget(cfg)
			if apiURL != "" {
				url = apiURL
			}
			if apiKey != "" {
				key = apiKey
			}
			return watch.Run(strings.TrimRight(url, "/"), key)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "API server URL (default: store.api_url, else api.listen)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default: store.api_key, else api.api_key)")
	return cmd
}

// watchTarget picks the server to watch: the remote store when the http
// backend is configured, otherwise the local API listener.
func watchTarget(cfg *config.Config) (string, string) {
	if cfg.Store.Backend == store.BackendHTTP {
		return cfg.Store.APIURL, cfg.Store.APIKey
	}
	return "http://" + cfg.API.Listen, cfg.API.APIKey
}
