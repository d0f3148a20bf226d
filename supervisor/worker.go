package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/Yelp/pidtree-go/config/yamlsrc"
	"github.com/Yelp/pidtree-go/kernel/cilium"
	"github.com/Yelp/pidtree-go/plugin"
	"github.com/Yelp/pidtree-go/probe"
	"github.com/Yelp/pidtree-go/probe/netlisten"
	"github.com/Yelp/pidtree-go/probe/tcpconnect"
	"github.com/Yelp/pidtree-go/probe/udpsession"
	"github.com/Yelp/pidtree-go/types"
)

// worker is the supervisor-side handle to one probe's child process,
// spawned by re-invoking the current binary with "--worker <name>" since
// Go has no fork-and-continue primitive.
type worker struct {
	name string
	cmd  *exec.Cmd
	in   *json.Encoder
	done chan struct{}
	err  error
}

// startWorker spawns probeName's child process and launches a goroutine
// forwarding its stdout, line by line, into out (the shared output
// queue's single consumer side).
func startWorker(selfPath, probeName string, cfg Config, out *sink, logger *log.Logger) (*worker, error) {
	args := []string{"--worker", probeName, "--config", cfg.ConfigPath}
	if cfg.LostEventTelemetry > 0 {
		args = append(args, "--lost-event-telemetry", fmt.Sprint(cfg.LostEventTelemetry))
	}
	if cfg.ExtraProbePath != "" {
		args = append(args, "--extra-probe-path", cfg.ExtraProbePath)
	}
	if cfg.ExtraPluginPath != "" {
		args = append(args, "--extra-plugin-path", cfg.ExtraPluginPath)
	}

	cmd := exec.Command(selfPath, args...)
	cmd.Stderr = os.Stderr
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe for %s: %w", probeName, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe for %s: %w", probeName, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", probeName, err)
	}

	w := &worker{
		name: probeName,
		cmd:  cmd,
		in:   json.NewEncoder(stdinPipe),
		done: make(chan struct{}),
	}

	go func() {
		w.err = cmd.Wait()
		close(w.done)
	}()
	go func() {
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			if err := out.writeLine(scanner.Bytes()); err != nil {
				logger.Printf("%s: output sink write failed: %v", probeName, err)
			}
		}
	}()

	return w, nil
}

func (w *worker) sendHotSwap(payload types.HotSwapPayload) error {
	return w.in.Encode(payload)
}

func (w *worker) terminate() {
	if w.cmd.Process != nil {
		w.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (w *worker) kill() {
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// RunProbeWorker is the entry point for a re-exec'd "--worker" child
// process: it loads its own probe's configuration, builds the matching
// probe variant, pumps emitted events to stdout as newline-delimited
// JSON, and applies hot-swap payloads read from stdin. Signals are
// ignored here; only the supervisor (via Process.Signal/Kill) controls
// this process's lifetime.
func RunProbeWorker(probeName, configPath string, lostEventEvery int, logger *log.Logger) error {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	config, rawConfig, err := loadProbeConfig(configPath, probeName)
	if err != nil {
		return err
	}

	facility := cilium.New()
	output := make(chan types.EnrichedEvent, 64)
	pluginOrder := plugin.ConfigOrder(config.Plugins)

	p, err := newProbe(probeName, facility, config, rawConfig, pluginOrder, output, lostEventEvery, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdoutDone sync.WaitGroup
	stdoutDone.Add(1)
	go func() {
		defer stdoutDone.Done()
		pumpStdout(output)
	}()
	// pumpStdin lives for as long as the stdin pipe stays open, which the
	// supervisor controls; it is not waited on here since Run returning
	// does not imply the parent has closed the pipe yet.
	go pumpStdin(p.SwapChan())

	err = p.Run(ctx)
	cancel()
	close(output)
	stdoutDone.Wait()
	return err
}

// newProbe dispatches to the constructor matching probeName; the three
// variants share an identical signature.
func newProbe(
	probeName string,
	facility *cilium.Facility,
	config types.ProbeConfig,
	rawConfig map[string]interface{},
	pluginOrder []string,
	output chan types.EnrichedEvent,
	lostEventEvery int,
	logger *log.Logger,
) (probe.Probe, error) {
	switch probeName {
	case "tcp_connect":
		return tcpconnect.New(facility, config, rawConfig, pluginOrder, output, lostEventEvery, logger)
	case "net_listen":
		return netlisten.New(facility, config, rawConfig, pluginOrder, output, lostEventEvery, logger)
	case "udp_session":
		return udpsession.New(facility, config, rawConfig, pluginOrder, output, lostEventEvery, logger)
	default:
		return nil, fmt.Errorf("unknown probe %q", probeName)
	}
}

// pumpStdout marshals every emitted event to a line of stdout, flushing
// immediately (the worker side of the output queue pipe).
func pumpStdout(output <-chan types.EnrichedEvent) {
	w := bufio.NewWriter(os.Stdout)
	for event := range output {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
		w.Flush()
	}
}

// pumpStdin decodes one JSON HotSwapPayload per stdin line, forwarding
// each to swapChan (the worker side of the config-change payload pipe).
func pumpStdin(swapChan chan types.HotSwapPayload) {
	dec := json.NewDecoder(os.Stdin)
	for {
		var payload types.HotSwapPayload
		if err := dec.Decode(&payload); err != nil {
			return
		}
		swapChan <- payload
	}
}

// loadProbeConfig re-resolves the config source and extracts the single
// probe's ProbeConfig plus its raw map (for template variable selection),
// so the worker process needs no IPC beyond its own config path.
func loadProbeConfig(configPath, probeName string) (types.ProbeConfig, map[string]interface{}, error) {
	loader := yamlsrc.NewLoader(os.TempDir())
	doc, err := loader.Load(configPath)
	if err != nil {
		return types.ProbeConfig{}, nil, err
	}
	generic, _, err := doc.Decode()
	if err != nil {
		return types.ProbeConfig{}, nil, err
	}
	raw, ok := generic[probeName].(map[string]interface{})
	if !ok {
		return types.ProbeConfig{}, nil, fmt.Errorf("probe %q missing from config", probeName)
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return types.ProbeConfig{}, nil, err
	}
	var cfg types.ProbeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return types.ProbeConfig{}, nil, err
	}
	return cfg, raw, nil
}
