package app

import (
	"context"
	"net"
	"sync"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/util"
)

// Supervisor owns the current Runtime and replaces it on restart or when the
// config file changes. An empty configPath serves the built-in defaults.
type Supervisor struct {
	configPath string
	logger     util.Logger
	restartMu  sync.Mutex
	mu         sync.Mutex
	runtime    *Runtime
	wg         sync.WaitGroup
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	if logger == nil {
		logger = util.NopLogger()
	}
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
	}
}

func (s *Supervisor) load() (config.Config, error) {
	if s.configPath == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(s.configPath)
}

func (s *Supervisor) Start() error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	return s.startWith(cfg)
}

func (s *Supervisor) startWith(cfg config.Config) error {
	runtime, err := NewRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// Restart stops the current runtime and starts a new one from the config file.
func (s *Supervisor) Restart() error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	return s.replace(cfg)
}

func (s *Supervisor) replace(cfg config.Config) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.stopCurrent()
	return s.startWith(cfg)
}

// Watch restarts on every valid edit of the config file until ctx is done.
func (s *Supervisor) Watch(ctx context.Context) {
	if s.configPath == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := config.Watch(ctx, s.configPath, s.logger, func(cfg config.Config) {
			if err := s.replace(cfg); err != nil {
				s.logger.Error("restart after config change failed", "error", err)
			}
		})
		if err != nil {
			s.logger.Error("config watcher stopped", "error", err)
		}
	}()
}

// Addr is the listener address of the current runtime.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime == nil {
		return nil
	}
	return s.runtime.Addr()
}

func (s *Supervisor) stopCurrent() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Stop stops the runtime and waits for the watcher, whose ctx the caller
// must have cancelled.
func (s *Supervisor) Stop() {
	s.stopCurrent()
	s.wg.Wait()
}
