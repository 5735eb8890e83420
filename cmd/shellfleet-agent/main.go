package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/agent"
	"github.com/shellfleet/shellfleet/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("shellfleet-agent %s\n", agent.Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Optional .env file; real environment wins.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	log.Info().
		Str("version", agent.Version).
		Str("url", cfg.ServerURL).
		Msg("shellfleet agent starting")

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create agent")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	if err := a.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

// newLogger builds the agent logger: console on stderr, plus a rotated log
// file when configured.
func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    max(1, cfg.LogRotateBytes>>20), // lumberjack takes megabytes
			MaxBackups: cfg.LogBackups,
		}
		out = zerolog.MultiLevelWriter(out, rotated)
	}

	log := zerolog.New(out).With().Timestamp().Logger()

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return log
}

func printUsage() {
	fmt.Printf(`Usage: shellfleet-agent [options]

shellfleet agent %s - connects to the coordinator and executes dispatched commands.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit

Environment variables:
  SHELLFLEET_AGENT_URL                    Coordinator WebSocket URL (required)
  SHELLFLEET_AGENT_TOKEN                  Authentication token (required)
  SHELLFLEET_AGENT_VALIDATE_TLS           Verify TLS certificate (default: true)
  SHELLFLEET_AGENT_RECONNECT_INITIAL      Initial reconnect delay (default: 1s)
  SHELLFLEET_AGENT_RECONNECT_CAP          Reconnect delay cap (default: 60s)
  SHELLFLEET_AGENT_PING_INTERVAL          Keep-alive interval (default: 30s)
  SHELLFLEET_AGENT_MAX_LENGTH             Command length ceiling (default: 1000)
  SHELLFLEET_AGENT_ALLOW_LIST_ENABLED     Enforce the allow list (default: false)
  SHELLFLEET_AGENT_ALLOW_LIST             Comma-separated allowed first tokens
  SHELLFLEET_AGENT_ALLOW_SHELL_OPERATORS  Permit shell metacharacters (default: true)
  SHELLFLEET_AGENT_MAX_TIMEOUT            Timeout cap in seconds (default: 300)
  SHELLFLEET_AGENT_DENY_PATTERNS          Extra deny regexps, comma-separated
  SHELLFLEET_AGENT_LOG_LEVEL              debug, info, warn, error
  SHELLFLEET_AGENT_LOG_FILE               Log file path (rotated)
  SHELLFLEET_AGENT_LOG_ROTATE_BYTES       Rotate size (default: 10485760)
  SHELLFLEET_AGENT_LOG_BACKUPS            Rotated files to keep (default: 3)
`, agent.Version)
}
