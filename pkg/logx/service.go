package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "castbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./castbot.log"

// Service owns the log outputs. Apply rebuilds them at runtime, and every
// Logger from the service picks up the change on its next event.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	tg   *telegramSink // nil without a sender

	mu       sync.Mutex
	file     *os.File
	filePath string
}

// New builds the service from cfg. sender may be nil when the Telegram sink
// is never enabled.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	configureZerolog()
	s := &Service{}
	if sender != nil {
		s.tg = newTelegramSink(sender)
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetTelegramTarget points the Telegram sink at an operator chat. chatID 0
// mutes it.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	if s.tg != nil {
		s.tg.setTarget(chatID, threadID)
	}
}

// Apply swaps outputs and level. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	stale := s.swapFile(cfg.File)
	if s.file != nil {
		outs = append(outs, zerolog.SyncWriter(s.file))
	}
	if s.tg != nil && cfg.Telegram.Enabled {
		s.tg.configure(cfg.Telegram)
		s.tg.start()
		outs = append(outs, s.tg)
		if !s.tg.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled but telegram.group_log is not set")
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if stale != nil {
		_ = stale.Close()
	}
}

// swapFile opens the configured log file and returns the file it replaced,
// if any. An unchanged path keeps the open file. Caller holds s.mu.
func (s *Service) swapFile(fc FileConfig) (stale *os.File) {
	if !fc.Enabled {
		stale, s.file, s.filePath = s.file, nil, ""
		return stale
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.filePath == path {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		stale, s.file, s.filePath = s.file, nil, ""
		return stale
	}
	stale, s.file, s.filePath = s.file, f, path
	return stale
}

// Close stops the Telegram sink and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	s.mu.Unlock()

	if s.tg != nil {
		s.tg.stop()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}
