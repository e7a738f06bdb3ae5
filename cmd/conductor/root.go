package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/server"
	"github.com/neboloop/conductor/internal/svc"
)

// RunDaemon starts the full conductor: the service graph, the agent
// channel, the scheduler, the skill library watcher, and the gateway. It
// blocks until SIGINT/SIGTERM.
func RunDaemon() {
	if !verbose {
		logging.Disable()
	}

	c, err := loadConfig()
	if err != nil {
		fmt.Printf("\033[31mError: %v\033[0m\n", err)
		os.Exit(1)
	}
	if err := c.EnsureDataDir(); err != nil {
		fmt.Printf("\033[31mError: failed to initialize data directory: %v\033[0m\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\n\033[33mReceived signal: %v - Shutting down...\033[0m\n", sig)
		cancel()
	}()

	svcCtx := svc.NewServiceContext(c)
	svcCtx.Version = Version
	defer svcCtx.Close()

	if err := svcCtx.Library.LoadAll(); err != nil {
		logging.Warnf("Skill library load: %v", err)
	}
	if err := svcCtx.Library.Watch(ctx); err != nil {
		logging.Warnf("Skill library watch: %v", err)
	}

	// Agent channel supervision loop; reconnects until the context dies.
	go svcCtx.Channel.Run(ctx)

	// Adopt a run left unfinished by a previous daemon, then let agent
	// status reports reconcile it.
	svcCtx.Orchestrator.LoadRecovery(ctx)

	if svcCtx.Scheduler != nil {
		if err := svcCtx.Scheduler.Start(ctx); err != nil {
			logging.Warnf("Scheduler start: %v", err)
		}
	}

	fmt.Println("Conductor is running. Press Ctrl+C to stop.")
	if err := server.Run(ctx, svcCtx, server.Options{Quiet: !verbose}); err != nil {
		fmt.Printf("\033[31mError: %v\033[0m\n", err)
		os.Exit(1)
	}
}
