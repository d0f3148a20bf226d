// Package supervisor owns the process lifecycle: it
// spawns one worker process per probe, drains their combined output into
// a single sink, runs a health/config watchdog, and translates signals
// into graceful shutdown or re-exec. Grounded on
// original_source/pidtree_bcc/main.py's sigint_handler/Process pool and
// pidtree_bcc/config.py's parse_config/self_restart, reworked around
// os/exec re-invocation and os/signal since Go has no
// multiprocessing.Process/staticconf equivalent.
package supervisor

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Yelp/pidtree-go/config"
	"github.com/Yelp/pidtree-go/config/yamlsrc"
)

// maxRestarts bounds consecutive re-execs to prevent a reload loop from
// spinning forever.
const maxRestarts = 100

const restartCountEnv = "PIDTREE_RESTART_COUNT"

// Config holds the Supervisor's resolved CLI configuration.
type Config struct {
	ConfigPath         string
	OutputPath         string
	WatchConfig        bool
	HealthCheckPeriod  time.Duration
	LostEventTelemetry int
	ExtraProbePath     string
	ExtraPluginPath    string
}

// Supervisor is the top-level process owning every probe worker.
type Supervisor struct {
	cfg     Config
	logger  *log.Logger
	store   *config.Store
	sink    *sink
	workers map[string]*worker
	mu      sync.Mutex

	exitCode int
}

// Run loads the config, spawns one worker per probe, and blocks until a
// terminating signal, a dead worker, or an aborted re-exec loop ends the
// process; it returns the process exit code.
func Run(cfg Config, logger *log.Logger) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 1, fmt.Errorf("resolve own executable: %w", err)
	}

	out, err := openSink(cfg.OutputPath)
	if err != nil {
		return 1, err
	}
	defer out.Close()

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		store:   config.NewStore(),
		sink:    out,
		workers: make(map[string]*worker),
	}

	generic, includedFiles, err := s.loadConfig()
	if err != nil {
		return 1, err
	}
	if _, err := s.store.Reload(generic, includedFiles); err != nil {
		return 1, err
	}

	for name := range s.store.Probes() {
		w, err := startWorker(self, name, cfg, s.sink, logger)
		if err != nil {
			return 1, fmt.Errorf("start worker %s: %w", name, err)
		}
		s.workers[name] = w
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var watchdogTicker *time.Ticker
	var watchdogC <-chan time.Time
	if cfg.HealthCheckPeriod > 0 {
		watchdogTicker = time.NewTicker(cfg.HealthCheckPeriod)
		watchdogC = watchdogTicker.C
		defer watchdogTicker.Stop()
	}

	for {
		select {
		case sig := <-sigCh:
			return s.handleSignal(self, sig), nil
		case <-watchdogC:
			if reexecArgv, err := s.watchdogTick(); err != nil {
				s.logger.Printf("watchdog: %v", err)
				s.terminateAll()
				return 1, nil
			} else if reexecArgv != nil {
				s.terminateAll()
				return s.reexec(self)
			}
		}
	}
}

// handleSignal: SIGINT/SIGTERM terminate every worker and exit with the
// stored code; SIGHUP does the same then re-execs.
func (s *Supervisor) handleSignal(self string, sig os.Signal) int {
	s.logger.Printf("caught %v, shutting down", sig)
	s.terminateAll()
	if sig == syscall.SIGHUP {
		code, err := s.reexec(self)
		if err != nil {
			s.logger.Printf("re-exec failed: %v", err)
			return 1
		}
		return code
	}
	return s.exitCode
}

func (s *Supervisor) terminateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		w.terminate()
	}
	for _, w := range s.workers {
		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
			w.kill()
		}
	}
}

// watchdogTick checks worker liveness, then asks the Configuration
// Store whether the source
// changed. A non-nil, non-error return signals that a full restart was
// requested (the store decided the change requires re-exec).
func (s *Supervisor) watchdogTick() (reexec []string, err error) {
	s.mu.Lock()
	for name, w := range s.workers {
		if !w.alive() {
			s.mu.Unlock()
			s.exitCode = 1
			return nil, fmt.Errorf("worker %s exited: %v", name, w.err)
		}
	}
	s.mu.Unlock()

	if !s.cfg.WatchConfig {
		return nil, nil
	}

	generic, includedFiles, err := s.loadConfig()
	if err != nil {
		s.logger.Printf("config reload failed, keeping previous configuration: %v", err)
		return nil, nil
	}
	result, err := s.store.Reload(generic, includedFiles)
	if err != nil {
		s.logger.Printf("config reload failed, keeping previous configuration: %v", err)
		return nil, nil
	}
	if result.FullRestart {
		return os.Args, nil
	}
	for name, payload := range result.HotSwap {
		s.mu.Lock()
		w, ok := s.workers[name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := w.sendHotSwap(payload); err != nil {
			s.logger.Printf("hot-swap %s failed: %v", name, err)
		}
	}
	return nil, nil
}

func (s *Supervisor) loadConfig() (map[string]interface{}, []string, error) {
	loader := yamlsrc.NewLoader(os.TempDir())
	doc, err := loader.Load(s.cfg.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	return doc.Decode()
}

// reexec replaces the current process image with itself, preserving
// argv"), tracking consecutive restarts
// via an environment variable since a counter cannot survive inside the
// replaced process image.
func (s *Supervisor) reexec(self string) (int, error) {
	count := restartCount() + 1
	if count > maxRestarts {
		return 1, fmt.Errorf("exceeded max restarts (%d)", maxRestarts)
	}
	env := append(os.Environ(), restartCountEnv+"="+strconv.Itoa(count))
	if err := unix.Exec(self, os.Args, env); err != nil {
		return 1, fmt.Errorf("re-exec: %w", err)
	}
	return 0, nil // unreachable: unix.Exec replaces the process on success
}

func restartCount() int {
	v, err := strconv.Atoi(os.Getenv(restartCountEnv))
	if err != nil {
		return 0
	}
	return v
}
