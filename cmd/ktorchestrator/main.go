// Command ktorchestrator runs the orchestrator daemon: it accepts agent
// tunnel connections, serves the loopback control plane, and reaps dead
// connections and expired orphan sessions in the background. Grounded
// on the teacher's cmd/wtd/main.go cobra+signal.NotifyContext lifecycle.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/adiaslow/kterminus/internal/controlplane"
	"github.com/adiaslow/kterminus/internal/coordinator"
	"github.com/adiaslow/kterminus/internal/epoch"
	"github.com/adiaslow/kterminus/internal/health"
	"github.com/adiaslow/kterminus/internal/identity"
	"github.com/adiaslow/kterminus/internal/logger"
	"github.com/adiaslow/kterminus/internal/pairing"
	"github.com/adiaslow/kterminus/internal/tokenfile"
	"github.com/adiaslow/kterminus/internal/tunnelserver"
)

// version is stamped into build output by future release tooling; left
// as a constant here since no release pipeline exists yet.
const version = "0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:   "ktorchestrator",
		Short: "terminal-session orchestrator daemon",
		RunE:  run,
	}

	root.Flags().String("tunnel-addr", "0.0.0.0:22229", "tunnel-plane listen address")
	root.Flags().String("control-addr", "127.0.0.1:22230", "control-plane listen address (must be loopback)")
	root.Flags().String("state-dir", defaultStateDir(), "directory holding the token ownership file")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "optional file to append logs to, in addition to stdout")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "k-terminus")
}

func run(cmd *cobra.Command, args []string) error {
	tunnelAddr, _ := cmd.Flags().GetString("tunnel-addr")
	controlAddr, _ := cmd.Flags().GetString("control-addr")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")

	log, err := logger.New(logLevel, logFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store := tokenfile.New(tokenfile.DefaultPath(stateDir))
	ownership, err := store.Acquire(controlAddr, tokenfile.IsProcessAlive)
	if err != nil {
		return fmt.Errorf("acquire token ownership: %w", err)
	}
	if !ownership.Acquired {
		return fmt.Errorf("another orchestrator already owns the control plane at %s (pid %d)", ownership.Info.Address, ownership.Info.PID)
	}
	defer store.Release()

	code, err := pairing.Generate()
	if err != nil {
		return fmt.Errorf("generate pairing code: %w", err)
	}
	displayPairingCode(code, log)

	coord := coordinator.New()
	ep := epoch.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cpServer := controlplane.New(log, coord, ep, controlplane.Config{
		BindAddress: controlAddr,
		Version:     version,
		AuthToken:   ownership.Info.Token,
		Code:        code,
		Shutdown:    cancel,
	})

	idKey, err := identity.Load(stateDir)
	if err != nil {
		return fmt.Errorf("load orchestrator identity key: %w", err)
	}

	tunnelSrv := tunnelserver.New(log, cpServer.HandleTunnelEvent, 256, nil, idKey.PublicKey())

	monitor := health.New(log, coord,
		health.DefaultHeartbeatTimeout, health.DefaultHeartbeatCheck,
		health.DefaultOrphanGracePeriod, health.DefaultOrphanCheckInterval)
	go monitor.Run(ctx)

	if err := watchTokenFile(ctx, log, tokenfile.DefaultPath(stateDir), cancel); err != nil {
		log.Warn("failed to watch token ownership file for external changes", "error", err)
	}

	tunnelLn, err := net.Listen("tcp", tunnelAddr)
	if err != nil {
		return fmt.Errorf("listen tunnel plane on %s: %w", tunnelAddr, err)
	}
	controlLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		return fmt.Errorf("listen control plane on %s: %w", controlAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("tunnel plane listening", "addr", tunnelAddr)
		errCh <- tunnelSrv.Serve(ctx, tunnelLn)
	}()
	go func() {
		log.Info("control plane listening", "addr", controlAddr)
		errCh <- cpServer.Serve(ctx, controlLn)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		tunnelLn.Close()
		controlLn.Close()
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

// displayPairingCode prints the pairing code for an operator to read off
// the terminal, falling back to a plain log line when stdout isn't a
// terminal (e.g. running under a process supervisor).
func displayPairingCode(code pairing.Code, log *slog.Logger) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		log.Info("pairing code ready", "code", code.String())
		return
	}
	fmt.Println()
	fmt.Println("  pairing code:", code.String())
	fmt.Println("  enter this on the agent to connect it to this orchestrator")
	fmt.Println()
}

// watchTokenFile watches the token ownership file for removal or
// rename by something other than this process (an operator
// deleting it, or a second orchestrator instance racing for ownership)
// and triggers shutdown, since continuing to serve the control plane
// under a token nobody else recognizes would strand connected clients.
func watchTokenFile(ctx context.Context, log *slog.Logger, path string, cancel context.CancelFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch token file directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Warn("token ownership file removed externally, shutting down", "path", path)
					cancel()
					return
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("token file watcher error", "error", watchErr)
			}
		}
	}()
	return nil
}
