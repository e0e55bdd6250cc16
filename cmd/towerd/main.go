// Command towerd is the tower daemon: it supervises PTY sessions across
// workspaces and serves the HTTP/WebSocket API described in
// SPEC_FULL.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/tower/internal/address"
	"github.com/ehrlich-b/tower/internal/config"
	"github.com/ehrlich-b/tower/internal/httpapi"
	"github.com/ehrlich-b/tower/internal/logger"
	"github.com/ehrlich-b/tower/internal/reconcile"
	"github.com/ehrlich-b/tower/internal/registry"
	"github.com/ehrlich-b/tower/internal/sessionmgr"
	"github.com/ehrlich-b/tower/internal/shellper"
	"github.com/ehrlich-b/tower/internal/store"
	"github.com/ehrlich-b/tower/internal/wsbridge"
)

func main() {
	var portFlag int
	var logFileFlag string
	var logLevelFlag string

	root := &cobra.Command{
		Use:   "towerd",
		Short: "tower daemon — supervises PTY sessions and serves the tower API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(portFlag, logFileFlag, logLevelFlag)
		},
	}
	root.Flags().IntVar(&portFlag, "port", 0, "HTTP listen port (default: config or 7420)")
	root.Flags().StringVar(&logFileFlag, "log-file", "", "append logs to this file in addition to stdout")
	root.Flags().StringVar(&logLevelFlag, "log-level", "info", "debug, info, warn, or error")

	root.AddCommand(shellperHolderCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(port int, logFile, logLevel string) error {
	userDir, err := config.UserDir()
	if err != nil {
		return fmt.Errorf("towerd: resolve user dir: %w", err)
	}
	cfg, err := config.Load(userDir)
	if err != nil {
		return fmt.Errorf("towerd: load config: %w", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	if err := logger.Init(logLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("towerd: init logger: %w", err)
	}
	log := logger.Log
	log.Info("towerd starting", "port", cfg.Port, "db", cfg.DBPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("towerd: open store: %w", err)
	}
	defer st.Close()

	socketDir := filepath.Join(userDir, "sockets")
	reg := registry.New(st)
	mgr := sessionmgr.New(st, socketDir, log)
	bus := wsbridge.NewMessageBus(log)
	resolver := address.New(reg)
	dispatcher := address.NewDispatcher(resolver, reg, bus, time.Duration(cfg.InterruptDelay), log)
	sendBuf := address.NewSendBuffer(dispatcher, reg,
		time.Duration(cfg.IdleThreshold), time.Duration(cfg.MaxBufferAge), time.Duration(cfg.FlushInterval), log)
	dispatcher.AttachBuffer(sendBuf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go sendBuf.Run(ctx)

	if removed, err := mgr.CleanupStaleSockets(); err != nil {
		log.Warn("towerd: cleanup stale sockets", "err", err)
	} else if removed > 0 {
		log.Info("towerd: removed stale sockets", "count", removed)
	}

	recon := reconcile.New(st, reg, mgr, cfg.RingBufferCapacity, func(role string) sessionmgr.RestartPolicy {
		return sessionmgr.RestartPolicy{MaxRestarts: cfg.Restart.MaxRestarts, RestartDelay: time.Duration(cfg.Restart.RestartDelay)}
	}, log)
	if counters, err := recon.Run(); err != nil {
		log.Warn("towerd: reconciliation failed", "err", err)
	} else {
		log.Info("towerd: reconciliation complete", "reconnected", counters.ReconnectedViaHolder, "killed", counters.Killed, "staleCleaned", counters.StaleCleaned)
	}

	watcher, err := registry.NewWorkspaceWatcher(reg, func(workspace string) {
		reg.Remove(workspace)
	}, log)
	if err != nil {
		log.Warn("towerd: workspace watcher unavailable", "err", err)
	} else {
		for _, ws := range reg.Workspaces() {
			watcher.Watch(ws)
		}
		go watcher.Run(ctx)
	}

	srv := httpapi.New(httpapi.Deps{
		Store: st, Registry: reg, Resolver: resolver, Dispatcher: dispatcher,
		SessionMgr: mgr, Bus: bus, Watcher: watcher, Log: log,
		RingBufferCapacity: cfg.RingBufferCapacity, WebKey: strings.TrimSpace(os.Getenv("WEB_KEY")),
	})

	addr := "127.0.0.1:" + strconv.Itoa(cfg.Port)
	log.Info("towerd listening", "addr", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("towerd: serve: %w", err)
	}
	mgr.Shutdown()
	log.Info("towerd stopped")
	return nil
}

// shellperHolderCmd is the hidden re-exec target shellper.Spawn invokes
// to launch a detached holder process, grounded on the teacher's
// "sandbox run" hidden subcommand (cmd/wt/egg.go).
func shellperHolderCmd() *cobra.Command {
	var (
		socket       string
		command      string
		cwd          string
		cols, rows   int
		maxRestarts  int
		restartDelay string
		argFlag      []string
		envFlag      []string
	)
	cmd := &cobra.Command{
		Use:    "shellper-holder",
		Short:  "Run a single shellper holder process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("info", ""); err != nil {
				return err
			}
			delay, err := time.ParseDuration(restartDelay)
			if err != nil {
				delay = 2 * time.Second
			}
			return shellper.RunHolder(shellper.HolderConfig{
				SocketPath:   socket,
				Command:      command,
				Args:         argFlag,
				CWD:          cwd,
				Env:          envFlag,
				Cols:         uint16(cols),
				Rows:         uint16(rows),
				MaxRestarts:  maxRestarts,
				RestartDelay: delay,
			}, logger.Log)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket path to listen on")
	cmd.Flags().StringVar(&command, "command", "", "command to run under the PTY")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().IntVar(&cols, "cols", 80, "initial terminal columns")
	cmd.Flags().IntVar(&rows, "rows", 24, "initial terminal rows")
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", 3, "restart budget for the held command")
	cmd.Flags().StringVar(&restartDelay, "restart-delay", "2s", "delay before each restart attempt")
	cmd.Flags().StringArrayVar(&argFlag, "arg", nil, "argument to pass to command (repeatable)")
	cmd.Flags().StringArrayVar(&envFlag, "env", nil, "KEY=VALUE environment entry (repeatable)")
	return cmd
}
