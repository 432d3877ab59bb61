package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/RebaiFedi/fedi-cli/internal/agent"
	"github.com/RebaiFedi/fedi-cli/internal/bus"
	"github.com/RebaiFedi/fedi-cli/internal/config"
	"github.com/RebaiFedi/fedi-cli/internal/identity"
	"github.com/RebaiFedi/fedi-cli/internal/natsbus"
	"github.com/RebaiFedi/fedi-cli/internal/orchestrator"
	"github.com/RebaiFedi/fedi-cli/internal/store"
	"github.com/RebaiFedi/fedi-cli/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("fedi %s\n", version)
	case "run":
		if err := runSession(strings.Join(os.Args[2:], " ")); err != nil {
			slog.Error("session failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: fedi <command>\n\nCommands:\n  run <task>    Start an orchestration session\n  version       Print version\n")
}

func runSession(task string) error {
	if strings.TrimSpace(task) == "" {
		return fmt.Errorf("no task given")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting fedi session", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	nb, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer nb.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events, err := natsbus.NewClient(nb)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	roster, agents := buildRoster(cfg)
	msgBus := bus.New(roster, cfg.Bus.HistoryLimit, cfg.Relay.MaxDepth)

	factory := func(id identity.Identity) agent.Handle {
		ac, ok := agents[id]
		if !ok {
			return nil
		}
		switch ac.Adapter {
		case "stream":
			return agent.NewStreamHandle(id, ac.Command, ac.Args, ac.ResumeFlag, ac.Prompt)
		case "nats":
			return agent.NewNATSHandle(id, events, nb.ClientURL(), ac.Command, ac.Args)
		default:
			return agent.NewProcHandle(id, ac.Command, ac.Args, ac.ResumeFlag)
		}
	}

	orch := orchestrator.New(cfg, roster, msgBus, factory, db, events)

	if cfg.Web.Enabled {
		srv := web.NewServer(db, events, orch, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	if err := orch.Start(ctx, task); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	go readInput(orch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	orch.Stop()
	return nil
}

// readInput feeds operator lines into the session. Lines starting with
// "@agent" go to that worker, "/restart <task>" rolls the session over with
// carried context, everything else goes to the supervisor.
func readInput(orch *orchestrator.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if after, ok := strings.CutPrefix(line, "/restart "); ok {
			if err := orch.Restart(after); err != nil {
				slog.Error("restart failed", "error", err)
			}
			continue
		}
		orch.UserMessage(line)
	}
}

// buildRoster derives the identity set from configuration, falling back to
// the stock roster when no agents are configured.
func buildRoster(cfg *config.Config) (*identity.Roster, map[identity.Identity]config.AgentConfig) {
	agents := make(map[identity.Identity]config.AgentConfig)

	if len(cfg.Agents) == 0 {
		return identity.Default(), agents
	}

	r := &identity.Roster{
		Kinds:     make(map[identity.Identity]identity.Kind),
		Fallbacks: make(map[identity.Identity][]identity.Identity),
	}
	for _, ac := range cfg.Agents {
		id := identity.Identity(strings.ToLower(ac.Name))
		agents[id] = ac

		if ac.Supervisor {
			r.Supervisor = id
			continue
		}
		r.Workers = append(r.Workers, id)
		if ac.Adapter == "stream" || ac.Adapter == "nats" {
			r.Kinds[id] = identity.KindStream
		} else {
			r.Kinds[id] = identity.KindSpawn
		}
		for _, fb := range ac.Fallbacks {
			r.Fallbacks[id] = append(r.Fallbacks[id], identity.Identity(strings.ToLower(fb)))
		}
	}

	if r.Supervisor == "" {
		def := identity.Default()
		slog.Warn("no supervisor configured, using default roster")
		return def, agents
	}
	return r, agents
}
