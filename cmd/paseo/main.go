// Package main is the Paseo CLI: it runs the daemon in the foreground,
// onboards it detached, and stops or inspects running daemons.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/paseo-ai/paseo/internal/common/config"
	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/daemon"
	"github.com/paseo-ai/paseo/internal/daemon/pidlock"
	ws "github.com/paseo-ai/paseo/pkg/websocket"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitLockTaken   = 3
	forceKillDelay  = 3 * time.Second
	defaultStopWait = 15 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "onboard":
		return cmdOnboard(args[1:])
	case "daemon":
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		switch args[1] {
		case "start":
			return cmdStart(args[2:])
		case "stop":
			return cmdStop(args[2:])
		case "status":
			return cmdStatus(args[2:])
		}
		usage()
		return exitUsage
	case "-h", "--help", "help":
		usage()
		return exitOK
	}
	usage()
	return exitUsage
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: paseo <command> [flags]

commands:
  onboard          start the daemon detached and wait for readiness
  daemon start     run the daemon in the foreground
  daemon stop      stop a running daemon (--all, --force, --timeout)
  daemon status    show running daemons (--all)
`)
}

// daemonFlags are the flags shared by every daemon subcommand.
type daemonFlags struct {
	home         string
	listen       string
	port         int
	allowedHosts string
	timeout      time.Duration
	all          bool
	force        bool
}

func newFlagSet(name string, f *daemonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.home, "home", "", "paseo home directory (default $PASEO_HOME or ~/.paseo)")
	fs.StringVar(&f.listen, "listen", "", "listen address host:port (default $PASEO_LISTEN or 127.0.0.1:6767)")
	fs.IntVar(&f.port, "port", 0, "shorthand for --listen 127.0.0.1:<port>")
	fs.StringVar(&f.allowedHosts, "allowed-hosts", "", "comma-separated Host allowlist")
	fs.DurationVar(&f.timeout, "timeout", defaultStopWait, "operation timeout")
	fs.BoolVar(&f.all, "all", false, "apply to every daemon under the home directory")
	fs.BoolVar(&f.force, "force", false, "escalate to SIGKILL when graceful stop fails")
	return fs
}

func (f *daemonFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithPath(f.home)
	if err != nil {
		return nil, err
	}
	if f.port != 0 {
		cfg.Listen = fmt.Sprintf("127.0.0.1:%d", f.port)
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.allowedHosts != "" {
		var hosts []string
		for _, h := range strings.Split(f.allowedHosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		cfg.AllowedHosts = hosts
	}
	return cfg, nil
}

func cmdStart(args []string) int {
	var flags daemonFlags
	fs := newFlagSet("daemon start", &flags)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		return exitFailure
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		return exitFailure
	}
	defer log.Sync()

	d, err := daemon.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		if errors.Is(err, daemon.ErrLockCollision) {
			return exitLockTaken
		}
		return exitFailure
	}

	if err := d.Run(context.Background()); err != nil {
		return exitFailure
	}
	return exitOK
}

// cmdOnboard starts the daemon detached and waits until /health responds.
func cmdOnboard(args []string) int {
	var flags daemonFlags
	fs := newFlagSet("onboard", &flags)
	// Accepted for client compatibility; the relay and embedded MCP server
	// are not part of this daemon.
	fs.Bool("no-relay", false, "skip relay registration")
	fs.Bool("no-mcp", false, "skip MCP server startup")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		return exitFailure
	}

	if record, err := pidlock.Read(cfg.Home, cfg.Listen); err == nil && record != nil {
		fmt.Printf("daemon already running on %s (pid %d)\n", cfg.Listen, record.PID)
		return exitOK
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		return exitFailure
	}

	childArgs := []string{"daemon", "start", "--home", cfg.Home, "--listen", cfg.Listen}
	if flags.allowedHosts != "" {
		childArgs = append(childArgs, "--allowed-hosts", flags.allowedHosts)
	}
	cmd := exec.Command(self, childArgs...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "paseo: failed to start daemon: %v\n", err)
		return exitFailure
	}
	// The detached child outlives us.
	_ = cmd.Process.Release()

	deadline := time.Now().Add(flags.timeout)
	url := fmt.Sprintf("http://%s/health", cfg.Listen)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("daemon ready on %s\n", cfg.Listen)
				return exitOK
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Fprintf(os.Stderr, "paseo: daemon did not become ready within %s\n", flags.timeout)
	return exitFailure
}

func cmdStop(args []string) int {
	var flags daemonFlags
	fs := newFlagSet("daemon stop", &flags)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		return exitFailure
	}

	var targets []pidlock.Record
	if flags.all {
		records, err := pidlock.List(cfg.Home)
		if err != nil {
			fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
			return exitFailure
		}
		targets = records
	} else {
		record, err := pidlock.Read(cfg.Home, cfg.Listen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
			return exitFailure
		}
		if record == nil {
			fmt.Printf("no daemon running on %s\n", cfg.Listen)
			return exitOK
		}
		targets = []pidlock.Record{*record}
	}

	code := exitOK
	for _, record := range targets {
		if err := stopDaemon(cfg, record, flags.timeout, flags.force); err != nil {
			fmt.Fprintf(os.Stderr, "paseo: stop %s (pid %d): %v\n", record.Listen, record.PID, err)
			code = exitFailure
			continue
		}
		fmt.Printf("stopped daemon on %s (pid %d)\n", record.Listen, record.PID)
	}
	return code
}

// stopDaemon asks the daemon to shut down over WebSocket, falls back to
// SIGTERM, and escalates to SIGKILL with --force.
func stopDaemon(cfg *config.Config, record pidlock.Record, timeout time.Duration, force bool) error {
	if requestShutdown(cfg, record.Listen) == nil {
		if waitGone(cfg.Home, record.Listen, timeout) {
			return nil
		}
	}

	proc, err := os.FindProcess(record.PID)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	if waitGone(cfg.Home, record.Listen, timeout) {
		return nil
	}

	if !force {
		return fmt.Errorf("still running after %s (use --force)", timeout)
	}
	time.Sleep(forceKillDelay)
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	if waitGone(cfg.Home, record.Listen, forceKillDelay) {
		return nil
	}
	return fmt.Errorf("process %d survived SIGKILL", record.PID)
}

// requestShutdown sends shutdown_server_request over a short-lived WebSocket
// connection.
func requestShutdown(cfg *config.Config, listen string) error {
	url := fmt.Sprintf("ws://%s/ws", listen)
	if cfg.AuthToken != "" {
		url += "?token=" + cfg.AuthToken
	}

	dialer := gorillaws.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	frame, err := ws.NewMessage(ws.TypeShutdownServerRequest, "stop-1", nil)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		return err
	}
	// Wait for the ack, but a dropped connection also means the daemon is
	// going down.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, _ = conn.ReadMessage()
	return nil
}

// waitGone polls the PID lock until the daemon releases it or goes stale.
func waitGone(home, listen string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		record, err := pidlock.Read(home, listen)
		if err == nil && record == nil {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func cmdStatus(args []string) int {
	var flags daemonFlags
	fs := newFlagSet("daemon status", &flags)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		return exitFailure
	}

	if flags.all {
		records, err := pidlock.List(cfg.Home)
		if err != nil {
			fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
			return exitFailure
		}
		if len(records) == 0 {
			fmt.Println("no daemons running")
			return exitOK
		}
		for _, record := range records {
			printRecord(record)
		}
		return exitOK
	}

	record, err := pidlock.Read(cfg.Home, cfg.Listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		return exitFailure
	}
	if record == nil {
		fmt.Printf("no daemon running on %s\n", cfg.Listen)
		return exitFailure
	}
	printRecord(*record)
	return exitOK
}

func printRecord(record pidlock.Record) {
	fmt.Printf("%s\tpid %d\tstarted %s\n",
		record.Listen, record.PID, record.StartedAt.Format(time.RFC3339))
}
