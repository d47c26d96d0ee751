// Command rootbox launches a command inside an isolated namespace/overlay/
// chroot/PTY sandbox. See `rootbox -h` and the per-subcommand `-h` for
// usage; the heavy lifting lives in internal/orchestrator.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rootbox-run/rootbox/internal/config"
	"github.com/rootbox-run/rootbox/internal/orchestrator"
	"github.com/rootbox-run/rootbox/internal/rboxlog"
)

func main() {
	if orchestrator.IsChildReexec() {
		logger := rboxlog.New(rboxlog.LevelFromVerbose(false))
		if err := orchestrator.RunChild(logger); err != nil {
			rboxlog.Fatal(err)
		}
		// RunChild only returns on error; reaching here is itself a bug.
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	code, err := run(os.Args[1], os.Args[2:])
	if err != nil {
		rboxlog.Fatal(err)
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  %s enter [--config <file>] [--verbose] <root_dir> <command> [args...]
  %s overlay [--config <file>] [--verbose] [--extra-layer L]... [--persist P] <root_dir> <command> [args...]
  %s gen-config [output]

Per-subcommand options (placed after the subcommand name): --config <file>, --verbose
`, os.Args[0], os.Args[0], os.Args[0])
}

// repeatedFlag collects repeated --extra-layer flags, matching the style
// of the teacher's envFlags in cmd/exec/main.go.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func run(subcommand string, rest []string) (int, error) {
	switch subcommand {
	case "enter":
		return runEnter(rest)
	case "overlay":
		return runOverlay(rest)
	case "gen-config":
		return runGenConfig(rest)
	default:
		usage()
		return 1, fmt.Errorf("unknown subcommand %q", subcommand)
	}
}

func runEnter(args []string) (int, error) {
	fs := flag.NewFlagSet("enter", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to rootbox.toml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}

	positional := fs.Args()
	if len(positional) < 2 {
		return 1, fmt.Errorf("enter requires <root_dir> <command> [args...]")
	}
	rootDir, command, cmdArgs := positional[0], positional[1], positional[2:]

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return 1, err
	}

	logger := rboxlog.New(rboxlog.LevelFromVerbose(*verbose))
	return orchestrator.Launch(logger, orchestrator.Request{
		Config:  cfg,
		RootDir: rootDir,
		Command: command,
		Args:    cmdArgs,
	})
}

func runOverlay(args []string) (int, error) {
	fs := flag.NewFlagSet("overlay", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to rootbox.toml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	persist := fs.String("persist", "", "persistent upper directory (default: ephemeral)")
	var extras repeatedFlag
	fs.Var(&extras, "extra-layer", "extra read-only layer, stacked above root_dir in the order given; the last is topmost (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}

	positional := fs.Args()
	if len(positional) < 2 {
		return 1, fmt.Errorf("overlay requires <root_dir> <command> [args...]")
	}
	rootDir, command, cmdArgs := positional[0], positional[1], positional[2:]

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return 1, err
	}

	logger := rboxlog.New(rboxlog.LevelFromVerbose(*verbose))
	return orchestrator.Launch(logger, orchestrator.Request{
		Config:      cfg,
		RootDir:     rootDir,
		UseOverlay:  true,
		ExtraLayers: extras,
		Persist:     *persist,
		Command:     command,
		Args:        cmdArgs,
	})
}

func runGenConfig(args []string) (int, error) {
	output := "rootbox.toml"
	if len(args) > 0 {
		output = args[0]
	}
	if err := config.WriteTo(config.Default(), output); err != nil {
		return 1, err
	}
	return 0, nil
}
