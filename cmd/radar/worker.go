package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/radar/internal/api"
	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/commander"
	"github.com/mattjoyce/radar/internal/config"
	"github.com/mattjoyce/radar/internal/events"
	"github.com/mattjoyce/radar/internal/lock"
	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/parsers"
	"github.com/mattjoyce/radar/internal/playbooks"
	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/rules"
	"github.com/mattjoyce/radar/internal/worker"
)

// pipeline is everything needed to execute and post-process a command.
type pipeline struct {
	runner    *command.Runner
	parser    *automation.ParserDispatcher
	playbooks *automation.PlaybookDispatcher
}

// buildPipeline loads both rule sets and wires the built-in handlers.
// Playbook status lines go to out.
func buildPipeline(cfg *config.Config, out io.Writer) (*pipeline, error) {
	logger := log.WithComponent("main")
	runner := command.NewRunner()

	reg := automation.NewRegistry()
	if err := parsers.Register(reg); err != nil {
		return nil, err
	}
	if err := playbooks.New(runner).Register(reg); err != nil {
		return nil, err
	}

	parserRules, err := rules.LoadFile(cfg.Rules.ParserRules)
	if err != nil {
		return nil, err
	}
	playbookRules, err := rules.LoadFile(cfg.Rules.PlaybookRules)
	if err != nil {
		return nil, err
	}
	for _, err := range reg.Check(parserRules, automation.KindParser) {
		logger.Warn("parser rule unusable", "error", err)
	}
	for _, err := range reg.Check(playbookRules, automation.KindPlaybook) {
		logger.Warn("playbook rule unusable", "error", err)
	}
	logger.Info("rules loaded",
		"parser_rules", parserRules.Len(), "parser_fingerprint", parserRules.Fingerprint,
		"playbook_rules", playbookRules.Len(), "playbook_fingerprint", playbookRules.Fingerprint)

	parser, err := automation.NewParserDispatcher(parserRules, reg)
	if err != nil {
		return nil, err
	}
	auto, err := automation.NewPlaybookDispatcher(playbookRules, reg, out)
	if err != nil {
		return nil, err
	}
	return &pipeline{runner: runner, parser: parser, playbooks: auto}, nil
}

func newWorkerCommand(g *globals) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Pull and execute queued jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Worker.Name = name
			}
			logger := log.WithComponent("main")
			logger.Info("radar worker starting", "version", version, "config", cfg.Path)

			if cfg.Worker.LockPath != "" {
				pidLock, err := lock.Acquire(cfg.Worker.LockPath)
				if err != nil {
					return fmt.Errorf("acquire worker lock (another worker may be running): %w", err)
				}
				defer pidLock.Release()
				logger.Info("acquired PID lock", "path", pidLock.Path())
			}

			ctx, cancel := signalContext()
			defer cancel()

			backend, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			p, err := buildPipeline(cfg, io.Discard)
			if err != nil {
				return err
			}
			hub := events.NewHub(0)
			w := worker.New(backend, p.runner, p.parser, p.playbooks, worker.Config{
				Name:          cfg.Worker.Name,
				WatchInterval: cfg.Worker.WatchInterval,
				Events:        hub,
			})

			errCh := make(chan error, 2)
			go func() { errCh <- ignoreCancel(w.Start(ctx)) }()
			if cfg.API.Enabled {
				srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, backend, hub, log.WithComponent("api"))
				go func() {
					if err := ignoreCancel(srv.Start(ctx)); err != nil {
						errCh <- fmt.Errorf("api: %w", err)
					}
				}()
				logger.Info("API server enabled", "listen", cfg.API.Listen)
			}
			err = <-errCh
			cancel()
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Worker name reported in share records (default: hostname)")
	return cmd
}

func newRunCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- <command...>",
		Short: "Run one command locally, then parse, automate and persist it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			p, err := buildPipeline(cfg, g.stdout)
			if err != nil {
				return err
			}
			w := worker.New(backend, p.runner, p.parser, p.playbooks, worker.Config{Name: cfg.Worker.Name})

			var mu sync.Mutex
			sink := func(stream, line string) {
				mu.Lock()
				defer mu.Unlock()
				if stream == "stderr" {
					fmt.Fprintln(g.stderr, line)
					return
				}
				fmt.Fprintln(g.stdout, line)
			}
			ran, targets, err := w.RunLocal(ctx, strings.Join(args, " "), sink)
			if errors.Is(err, command.ErrIncomplete) {
				return fmt.Errorf("command interrupted before it finished")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(g.stderr, "command %s exited %d, %d targets\n", ran.ID, exitCode(ran), len(targets))
			return nil
		},
	}
	// Everything after the first argument belongs to the command line.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func exitCode(c *command.Command) int {
	if c == nil || c.ExitCode == nil {
		return -1
	}
	return *c.ExitCode
}

func newSubmitCommand(g *globals) *cobra.Command {
	var (
		file     string
		campaign string
		share    bool
	)
	cmd := &cobra.Command{
		Use:   "submit [command...]",
		Short: "Enqueue commands for workers",
		Long: "Each argument is one command. With --file, every non-empty line of the\n" +
			"file is a command. With --share, workers report completion under the\n" +
			"campaign id, which is generated when not given.",
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
				return fmt.Errorf("no commands to submit")
			}
			if campaign != "" {
				share = true
			}
			if share && campaign == "" {
				campaign = commander.NewCampaignID()
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

			jobs := make([]queue.Job, len(commands))
			for i, c := range commands {
				jobs[i] = queue.Job{Command: c, CampaignID: campaign, Sequence: i, ShareRequested: share}
			}
			if err := backend.Submit(ctx, jobs); err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(g.stdout, "%s\t%d\t%s\n", j.ID, j.Sequence, j.Command)
			}
			if share {
				fmt.Fprintf(g.stderr, "campaign %s: %d jobs submitted\n", campaign, len(jobs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read commands from a file, one per line (- for stdin)")
	cmd.Flags().StringVar(&campaign, "campaign", "", "Campaign id for share records (implies --share)")
	cmd.Flags().BoolVar(&share, "share", false, "Ask workers to report completion")
	return cmd
}

func readCommands(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open commands file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read commands: %w", err)
	}
	return out, nil
}
