package main

import (
	"fmt"
	"os"
)

// Injected at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitOK     = 0
	exitError  = 1
	exitFailed = 2
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	if len(args) < 1 {
		printUsage()
		return exitError
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:], os.Stdout)
	case "validate":
		return validateCommand(args[1:], os.Stdout)
	case "version":
		printVersion()
		return exitOK
	case "help", "-h", "--help":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		return exitError
	}
}

func printVersion() {
	fmt.Printf("cabal %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`cabal - hierarchical agent supervision

Usage:
  cabal <command> [options]

Commands:
  run       Run a scenario and print events as JSON lines
  validate  Validate a config file and optionally a scenario
  version   Show version information
  help      Show this help message

Options for 'run':
  -scenario <path>      Scenario file (YAML), required
  -config <path>        Configuration file (YAML)
  -metrics-addr <addr>  Serve /metrics, /healthz and /tree on addr while running

Options for 'validate':
  -config <path>        Configuration file (YAML)
  -scenario <path>      Scenario file (YAML)

Environment variables prefixed CABAL_ override the configuration file,
for example CABAL_ORCHESTRATOR_MAX_DEPTH=2.

Examples:
  cabal run -scenario release.yaml
  cabal run -scenario release.yaml -config cabal.yaml -metrics-addr :9091
  cabal validate -config cabal.yaml -scenario release.yaml`)
}
