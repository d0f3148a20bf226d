// Package cmd implements the pidtree-go CLI, grounded on
// original_source/pidtree_bcc/main.py's argparse surface and dispatch,
// reworked around stdlib flag with short and long aliases bound to the
// same variable.
package cmd

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Yelp/pidtree-go/config/yamlsrc"
	"github.com/Yelp/pidtree-go/kernel/template"
	"github.com/Yelp/pidtree-go/supervisor"
)

// Version is set at build time via ldflags.
var Version = "0.1.0"

// ExitCodeError signals a non-zero exit code without calling os.Exit
// directly, so main can translate it after unwinding defers.
type ExitCodeError struct{ Code int }

func (e ExitCodeError) Error() string { return fmt.Sprintf("exit %d", e.Code) }

func printUsage() {
	fmt.Fprintf(os.Stderr, `pidtree-go v%s — host network event attribution via eBPF

Usage:
  pidtree-go [OPTIONS]

Options:
  -c, --config PATH              YAML config file (required)
  -f, --output_file PATH         Output file, "-" for stdout (default "-")
  -p, --print-and-quit           Print each probe's rendered eBPF program and exit
  -w, --watch-config             Watch the config file for changes
  --health-check-period SEC      Watchdog interval in seconds (default 60)
  --lost-event-telemetry N       Emit dropped-event telemetry every N polls (<=0 disables)
  --extra-probe-path DOTPATH     Accepted and passed to workers; no extra namespace is searched
  --extra-plugin-path DOTPATH    Accepted and passed to workers; no extra namespace is searched
  -v, --version                  Print version and exit
`, Version)
}

// Run parses argv and dispatches to the appropriate mode.
func Run() error {
	var (
		configPath         string
		outputFile         string
		printAndQuit       bool
		watchConfig        bool
		healthCheckPeriod  int
		lostEventTelemetry int
		extraProbePath     string
		extraPluginPath    string
		showVersion        bool
		workerProbe        string
	)

	flag.StringVar(&configPath, "c", "", "YAML config file")
	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&outputFile, "f", "-", "Output file, - for stdout")
	flag.StringVar(&outputFile, "output_file", "-", "Output file, - for stdout")
	flag.BoolVar(&printAndQuit, "p", false, "Print rendered eBPF programs and exit")
	flag.BoolVar(&printAndQuit, "print-and-quit", false, "Print rendered eBPF programs and exit")
	flag.BoolVar(&watchConfig, "w", false, "Watch the config file for changes")
	flag.BoolVar(&watchConfig, "watch-config", false, "Watch the config file for changes")
	flag.IntVar(&healthCheckPeriod, "health-check-period", 60, "Watchdog interval in seconds")
	flag.IntVar(&lostEventTelemetry, "lost-event-telemetry", 0, "Emit dropped-event telemetry every N polls")
	flag.StringVar(&extraProbePath, "extra-probe-path", "", "Additional probe registry namespace")
	flag.StringVar(&extraPluginPath, "extra-plugin-path", "", "Additional plugin registry namespace")
	flag.BoolVar(&showVersion, "v", false, "Print version and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&workerProbe, "worker", "", "(internal) run as the named probe's worker process")

	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("pidtree-go %s\n", Version)
		return nil
	}

	if configPath == "" {
		printUsage()
		return ExitCodeError{Code: 2}
	}
	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "--config file does not exist\n")
		return ExitCodeError{Code: 2}
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	if workerProbe != "" {
		return supervisor.RunProbeWorker(workerProbe, configPath, lostEventTelemetry, logger)
	}

	if printAndQuit {
		return printPrograms(configPath)
	}

	cfg := supervisor.Config{
		ConfigPath:         configPath,
		OutputPath:         outputFile,
		WatchConfig:        watchConfig,
		HealthCheckPeriod:  time.Duration(healthCheckPeriod) * time.Second,
		LostEventTelemetry: lostEventTelemetry,
		ExtraProbePath:     extraProbePath,
		ExtraPluginPath:    extraPluginPath,
	}
	code, err := supervisor.Run(cfg, logger)
	if err != nil {
		return err
	}
	if code != 0 {
		return ExitCodeError{Code: code}
	}
	return nil
}

// printPrograms implements -p/--print-and-quit: render every configured
// probe's eBPF program text and print it without compiling or running,
// mirroring original_source/pidtree_bcc/main.py's print_and_quit branch.
func printPrograms(configPath string) error {
	loader := yamlsrc.NewLoader(os.TempDir())
	doc, err := loader.Load(configPath)
	if err != nil {
		return err
	}
	generic, order, err := doc.Decode()
	if err != nil {
		return err
	}
	sources := template.Sources()
	for _, name := range order {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		raw, _ := generic[name].(map[string]interface{})
		src, ok := sources[name]
		if !ok {
			fmt.Printf("----- %s: unknown probe, skipping -----\n\n", name)
			continue
		}
		vars := template.SelectVars(src, raw)
		text, err := template.Render(src, vars)
		if err != nil {
			return fmt.Errorf("render %s: %w", name, err)
		}
		fmt.Printf("----- %s -----\n%s\n\n", name, text)
	}
	return nil
}
