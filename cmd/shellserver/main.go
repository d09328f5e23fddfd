// Command shellserver runs the shell variant of the remote access
// server: instead of streaming frames it attaches each session to a
// pty-backed shell, so the "screen" is terminal output and input
// events are keystrokes.
package main

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sysguard/remote/internal/backend"
	"github.com/sysguard/remote/internal/broker"
	"github.com/sysguard/remote/internal/cipher"
	"github.com/sysguard/remote/internal/config"
	"github.com/sysguard/remote/internal/server"
	"github.com/sysguard/remote/internal/store"
	"github.com/sysguard/remote/internal/ui"
	"github.com/sysguard/remote/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("shellserver", pflag.ContinueOnError)
	port := flags.IntP("port", "p", config.DefaultShellPort, "service port")
	shellPath := flags.String("shell", "/bin/sh", "shell to attach sessions to")
	enableIPC := flags.Bool("enable-ipc", false, "serve the TCP control channel")
	logLevel := flags.StringP("log-level", "l", "info", "log level (trace|debug|info|warn|error)")
	agentID := flags.String("agent-id", "", "agent identifier reported to the core")
	configPath := flags.String("config", "", "JSON configuration file")
	metricsAddr := flags.String("metrics-addr", "", "address to serve Prometheus metrics on")
	dbPath := flags.String("db", "sysguard.db", "SQLite database path")
	cipherMode := flags.String("cipher", "aead", "transport cipher (stream|aead)")
	help := flags.BoolP("help", "h", false, "print usage and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *help {
		fmt.Printf("Usage of shellserver:\n")
		flags.SetOutput(os.Stdout)
		flags.PrintDefaults()
		return 0
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		return 2
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	log.Info().Str("version", version.Version).Msg("remote shell server")

	cfg := config.Default()
	cfg.Port = config.DefaultShellPort
	cfg.IPCPort = config.DefaultShellPort + 100
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg, log); err != nil {
			log.Error().Err(err).Msg("config load failed")
			return 1
		}
	}
	if flags.Changed("port") {
		cfg.Port = *port
		cfg.IPCPort = *port + 100
	}
	if flags.Changed("agent-id") {
		cfg.AgentID = *agentID
	}

	newCipher, err := cipherFactory(*cipherMode)
	if err != nil {
		log.Error().Err(err).Msg("cipher setup failed")
		return 1
	}

	db, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Error().Err(err).Msg("store open failed")
		return 1
	}
	defer db.Close()

	sh, err := backend.NewShell(*shellPath, log)
	if err != nil {
		log.Error().Err(err).Str("shell", *shellPath).Msg("shell spawn failed")
		return 1
	}
	defer sh.Close()

	bus := broker.New(log)
	bus.Start()
	defer bus.Stop()

	srv := server.New(server.Options{
		Module:    "RemoteShellServer",
		Config:    cfg,
		Store:     db,
		Broker:    bus,
		Backend:   sh,
		NewCipher: newCipher,
		Theme:     ui.NewService(),
		Log:       log,
	})

	if !srv.Start() {
		log.Error().Int("port", cfg.Port).Msg("bind failed")
		return 1
	}
	srv.RegisterWithAgentCore()
	if *enableIPC {
		if !srv.StartIPC() {
			srv.Shutdown()
			return 1
		}
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, log)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Shutdown()
	case <-srv.Done():
	}
	return 0
}

// cipherFactory maps the --cipher flag to a per-connection cipher
// constructor.
func cipherFactory(mode string) (server.NewCipherFunc, error) {
	switch mode {
	case "aead":
		return func(conn net.Conn) (cipher.Cipher, error) {
			return cipher.Negotiate(conn)
		}, nil
	case "stream":
		pass := os.Getenv("SYSGUARD_STREAM_KEY")
		if pass == "" {
			return nil, fmt.Errorf("stream cipher requires SYSGUARD_STREAM_KEY")
		}
		key := sha256.Sum256([]byte(pass))
		return func(net.Conn) (cipher.Cipher, error) {
			return cipher.NewStream(key[:])
		}, nil
	}
	return nil, fmt.Errorf("unknown cipher mode %q", mode)
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
