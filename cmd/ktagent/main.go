// Command ktagent runs the agent daemon: it dials the orchestrator's
// tunnel plane, registers itself, and spawns/drives PTY sessions on
// its behalf. Grounded on the teacher's cmd/wtd/main.go
// cobra+signal.NotifyContext lifecycle, adapted to a client-side
// reconnect loop instead of an HTTP listener.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adiaslow/kterminus/internal/agentconfig"
	"github.com/adiaslow/kterminus/internal/logger"
	"github.com/adiaslow/kterminus/internal/protocol"
	"github.com/adiaslow/kterminus/internal/ptymgr"
	"github.com/adiaslow/kterminus/internal/tunnelclient"
)

// tofuHostKeyVerifier implements protocol.HostKeyVerifier with
// trust-on-first-use: the first orchestrator key seen is pinned in
// memory and handed to persist, if set; every later connection must
// present that same key. Mirrors SSH's known_hosts model, generalized to the
// orchestrator's X25519 identity key.
type tofuHostKeyVerifier struct {
	mu      sync.Mutex
	pinned  []byte
	persist func(pinnedHex string)
}

func (v *tofuHostKeyVerifier) Verify(serverPublicKey []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.pinned) == 0 {
		v.pinned = append([]byte(nil), serverPublicKey...)
		if v.persist != nil {
			v.persist(hex.EncodeToString(v.pinned))
		}
		return true
	}
	return hex.EncodeToString(v.pinned) == hex.EncodeToString(serverPublicKey)
}

// PinnedHex returns the currently pinned key, hex-encoded, or "" if no
// key has been pinned yet.
func (v *tofuHostKeyVerifier) PinnedHex() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.pinned) == 0 {
		return ""
	}
	return hex.EncodeToString(v.pinned)
}

func main() {
	root := &cobra.Command{
		Use:   "ktagent",
		Short: "terminal-session agent daemon",
		RunE:  run,
	}

	root.Flags().String("orchestrator", "", "orchestrator tunnel-plane address (defaults to the last one used, or 127.0.0.1:22229)")
	root.Flags().String("machine-id", "", "stable identifier for this machine (persisted after first run if omitted)")
	root.Flags().String("state-dir", defaultStateDir(), "directory holding agent.yaml")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "optional file to append logs to, in addition to stdout")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

const defaultOrchestratorAddr = "127.0.0.1:22229"

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "k-terminus")
}

func run(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("orchestrator")
	machineID, _ := cmd.Flags().GetString("machine-id")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")

	log, err := logger.New(logLevel, logFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	configPath := agentconfig.DefaultPath(stateDir)
	cfg, err := agentconfig.Load(configPath)
	if err != nil {
		log.Warn("failed to load agent config, starting fresh", "error", err)
	}
	if addr == "" {
		addr = cfg.LastOrchestratorAddr
	}
	if addr == "" {
		addr = defaultOrchestratorAddr
	}
	if machineID == "" {
		machineID = cfg.MachineID
	}
	if machineID == "" {
		machineID = uuid.NewString()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = machineID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ptys := ptymgr.New(log, 256)

	client := tunnelclient.New(log, addr, protocol.MachineID(machineID), hostname, runtime.GOOS, runtime.GOARCH)

	verifier := &tofuHostKeyVerifier{persist: func(pinnedHex string) {
		log.Info("pinned orchestrator identity key on first connection", "fingerprint", pinnedHex)
	}}
	if cfg.OrchestratorPublicKeyHex != "" {
		if decoded, decErr := hex.DecodeString(cfg.OrchestratorPublicKeyHex); decErr == nil {
			verifier.pinned = decoded
		} else {
			log.Warn("failed to decode pinned orchestrator key, will re-pin on next connect", "error", decErr)
		}
	}
	client.HostKeyVerifier = verifier

	client.OnStateChange = func(state string, err error) {
		if err != nil {
			log.Warn("tunnel state change", "state", state, "error", err)
			return
		}
		log.Info("tunnel state change", "state", state)
		if state == "connected" {
			cfg := agentconfig.Config{LastOrchestratorAddr: addr, MachineID: machineID, OrchestratorPublicKeyHex: verifier.PinnedHex()}
			if saveErr := agentconfig.Save(configPath, cfg); saveErr != nil {
				log.Warn("failed to persist agent config", "error", saveErr)
			}
		}
	}
	client.OnEvent = func(ctx context.Context, ev tunnelclient.Event) {
		handleTunnelEvent(log, client, ptys, ev)
	}

	go pumpPTYOutput(ctx, client, ptys)

	log.Info("connecting to orchestrator", "addr", addr, "machine_id", machineID)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tunnel client stopped: %w", err)
	}
	return nil
}

// handleTunnelEvent dispatches one decoded orchestrator command to the
// local PTY manager and reports the outcome back over the tunnel.
func handleTunnelEvent(log *slog.Logger, client *tunnelclient.Client, ptys *ptymgr.Manager, ev tunnelclient.Event) {
	msg := ev.Message
	switch {
	case msg.SessionCreate != nil:
		size := msg.SessionCreate.InitialSize
		pid, err := ptys.Create(ev.SessionID, msg.SessionCreate.Shell, msg.SessionCreate.Env, size)
		if err != nil {
			log.Warn("session create failed", "session_id", ev.SessionID, "error", err)
			return
		}
		if sendErr := client.Send(ev.SessionID, protocol.NewSessionReady(pid)); sendErr != nil {
			log.Warn("failed to send session ready", "session_id", ev.SessionID, "error", sendErr)
		}

	case msg.Data != nil:
		if err := ptys.Write(ev.SessionID, msg.Data); err != nil {
			log.Warn("session write failed", "session_id", ev.SessionID, "error", err)
		}

	case msg.Resize != nil:
		if err := ptys.Resize(ev.SessionID, msg.Resize.Size); err != nil {
			log.Warn("session resize failed", "session_id", ev.SessionID, "error", err)
		}

	case msg.SessionClose != nil:
		if _, err := ptys.Close(ev.SessionID); err != nil {
			log.Warn("session close failed", "session_id", ev.SessionID, "error", err)
		}
		if sendErr := client.Send(ev.SessionID, protocol.NewSessionClose(nil)); sendErr != nil {
			log.Warn("failed to send session close ack", "session_id", ev.SessionID, "error", sendErr)
		}

	case msg.Heartbeat != nil:
		if sendErr := client.Send(protocol.ControlSessionID, protocol.NewHeartbeatAck(msg.Heartbeat.TimestampMillis)); sendErr != nil {
			log.Warn("failed to send heartbeat ack", "error", sendErr)
		}
	}
}

// pumpPTYOutput forwards every PTY output chunk to the orchestrator as
// a Data frame until ctx is cancelled.
func pumpPTYOutput(ctx context.Context, client *tunnelclient.Client, ptys *ptymgr.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-ptys.Output():
			if err := client.Send(out.SessionID, protocol.NewData(out.Data)); err != nil {
				continue
			}
		}
	}
}
