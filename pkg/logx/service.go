package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// stderr is where console output goes. The engine keeps stdout.
var stderr io.Writer = os.Stderr

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultFilePath = "./mcron.log"

// Service owns the live sinks. Loggers obtained from it follow Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// NewService applies cfg and returns the service with its root logger. A
// file sink that can't be opened is reported through that logger and
// replaced by the console.
func NewService(cfg Config) (*Service, Logger) {
	s := &Service{}
	log := Logger{src: s.current}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file unavailable; using console", Err(err))
	}
	return s, log
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps sinks and level. It is safe for concurrent use. On error
// the console sink is used in place of the file.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeFileLocked()

	var (
		sinks  []io.Writer
		errOut error
	)
	if cfg.Console {
		sinks = append(sinks, consoleSink(stderr))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			errOut = errors.Wrapf(err, "open log file %q", path)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink(stderr))
	}

	zl := newRoot(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
	return errOut
}

// Close releases the file sink.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func consoleSink(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i interface{}) string {
			s, _ := i.(string)
			return s
		},
	}
}
