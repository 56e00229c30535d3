package app

import (
	"sync"

	"github.com/NodePath81/lossmon/internal/config"
	"github.com/NodePath81/lossmon/internal/util"
)

// Supervisor reloads the config file and replaces the runtime on
// Restart. Counters do not carry over.
type Supervisor struct {
	configPath string
	logger     util.Logger
	newLogger  func(level string) util.Logger

	// restartMu serializes Start, Restart and Stop so two reloads never
	// bind the same socket at once.
	restartMu sync.Mutex
	mu        sync.Mutex
	runtime   *Runtime
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
		newLogger:  util.NewLeveledLogger,
	}
}

func (s *Supervisor) Start() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	return s.start()
}

// start builds the runtime logger from the freshly loaded config so a
// reload picks up log.level changes.
func (s *Supervisor) start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	logger := s.logger
	if s.newLogger != nil {
		logger = s.newLogger(cfg.Log.Level)
	}
	runtime, err := NewRuntime(cfg, logger, s.Restart)
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

func (s *Supervisor) Restart() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.stop()
	s.logger.Info("runtime restarting", "config", s.configPath)
	return s.start()
}

func (s *Supervisor) Stop() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.stop()
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Runtime returns the active runtime, or nil while stopped.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
