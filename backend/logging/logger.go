package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bilibililivetools/livetts/backend/config"
)

// Manager owns the process logger. Console output is always on; a daily
// file under dataDir/log is added while enableDebugLogs is set. Loggers handed
// out before an Update keep working and follow the new sinks and level.
type Manager struct {
	level  zap.AtomicLevel
	file   *fileSink
	logger *zap.Logger
}

func New(cfg config.Config) (*Manager, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	manager := &Manager{
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
		file:  &fileSink{},
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stdout), manager.level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), manager.file, manager.level),
	)
	manager.logger = zap.New(core, zap.AddCaller())
	if err := manager.Update(cfg); err != nil {
		return nil, err
	}
	return manager, nil
}

// Named returns a sugared logger for one component.
func (m *Manager) Named(name string) *zap.SugaredLogger {
	return m.logger.Named(name).Sugar()
}

func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

func (m *Manager) Update(cfg config.Config) error {
	level := ParseLevel(cfg.LogLevel)
	if cfg.EnableDebugLogs && level > zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}
	m.level.SetLevel(level)

	if !cfg.EnableDebugLogs {
		return m.file.close()
	}
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	logDir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(logDir, "livetts-"+time.Now().Format("20060102")+".log")
	opened, err := m.file.open(target)
	if err != nil {
		return err
	}
	if opened {
		m.logger.Named("logger").Sugar().Infof("debug file logging enabled: %s", target)
	}
	return nil
}

func (m *Manager) Close() error {
	_ = m.logger.Sync()
	return m.file.close()
}

func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// fileSink is a WriteSyncer whose target file can be swapped or removed.
type fileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func (s *fileSink) open(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil && s.path == path {
		return false, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, err
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.path = path
	return true, nil
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.path = ""
	return err
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return len(p), nil
	}
	return s.file.Write(p)
}

func (s *fileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}
