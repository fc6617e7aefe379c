package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/radar/internal/commander"
	"github.com/mattjoyce/radar/internal/config"
	"github.com/mattjoyce/radar/internal/log"
)

func newCommanderCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commander",
		Short: "Distribute command batches to workers and collect the results",
	}
	cmd.AddCommand(newDistributeCommand(g), newMapNetworkCommand(g))
	return cmd
}

func newDistributeCommand(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "distribute [command...]",
		Short: "Submit commands as one campaign, wait for every worker report, print the targets as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			commands := args
			if file != "" {
				lines, err := readCommands(file)
				if err != nil {
					return err
				}
				commands = append(commands, lines...)
			}
			if len(commands) == 0 {
				return fmt.Errorf("no commands to distribute")
			}

			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			backend, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			dist := commander.NewDistributor(backend,
				commander.WithReporter(commander.NewProgress(g.stderr)),
				commander.WithPollInterval(cfg.Commander.PollInterval))
			res, err := dist.RunPhase(ctx, commander.Phase{Name: "distribute", Commands: commands})
			if err != nil {
				return ignoreCancel(err)
			}
			log.WithCampaign(res.CampaignID).Info("campaign finished",
				"shares", len(res.Shares), "failed", len(res.Failed()), "targets", len(res.Targets))

			enc := json.NewEncoder(g.stdout)
			enc.SetIndent("", "    ")
			return enc.Encode(res.Targets)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read commands from a file, one per line (- for stdin)")
	return cmd
}

func newMapNetworkCommand(g *globals) *cobra.Command {
	var (
		outputDir string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "map-network <scope...>",
		Short: "Map a network: fast sweep, full TCP scan and UDP scan of live hosts",
		Long: "Scope arguments may be IPv4 addresses, ranges (10.0.0.5-20,\n" +
			"10.0.0.5-10.0.1.20), CIDR networks or hostnames.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.Commander.OutputDir = outputDir
			}

			describeScope(g.stderr, args)
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), g.stderr, "Proceed with the network map?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(g.stderr, "aborted")
					return nil
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			backend, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			m := commander.NewMapper(backend, mapConfig(cfg), g.stderr)
			report, err := m.MapNetwork(ctx, args)
			if err != nil {
				return ignoreCancel(err)
			}
			fmt.Fprintf(g.stdout, "%s: scanned %d, live %d, results in %s\n",
				report.ID, report.Scanned, len(report.Live), report.Dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory receiving the map_network_<id> folder")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func mapConfig(cfg *config.Config) commander.MapConfig {
	return commander.MapConfig{
		OutputDir:      cfg.Commander.OutputDir,
		PollInterval:   cfg.Commander.PollInterval,
		SlowPollFactor: cfg.Commander.SlowPollFactor,
		ScanTiming:     cfg.Commander.ScanTiming,
		TopPorts:       cfg.Commander.TopPorts,
		UDPTopPorts:    cfg.Commander.UDPTopPorts,
	}
}

func describeScope(w io.Writer, args []string) {
	fmt.Fprintln(w, "Scope:")
	for _, arg := range args {
		fmt.Fprintf(w, "  %-24s %s\n", arg, commander.Classify(arg))
	}
}

func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
