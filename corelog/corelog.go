// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package corelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Disabled is a no-op logger handed to subsystems that are switched off.
	Disabled zerolog.Logger

	DefaultLevel   = zerolog.InfoLevel
	DefaultLogFile = "bitnoded.log"
)

func init() {
	Disabled = zerolog.Nop()
}

// Config controls the log sinks shared by all subsystem loggers.
type Config struct {
	// DisableConsoleLog suppresses the stderr console writer.
	DisableConsoleLog bool `yaml:"disable_console_log" long:"nologconsole" description:"Disable console logging"`
	// LogsAsJSON writes raw JSON lines instead of the console format.
	LogsAsJSON bool `yaml:"logs_as_json" long:"logjson" description:"Write log output as JSON"`
	// FileLoggingEnabled adds a rolling log file sink; the fields below
	// are ignored when it is false.
	FileLoggingEnabled bool `yaml:"file_logging_enabled" long:"logfile" description:"Also write log output to a rolling file"`
	// Directory holds the log file when file logging is enabled.
	Directory string `yaml:"directory" long:"logdir" description:"Directory for the rolling log file"`
	// Filename of the log file inside Directory.
	Filename string `yaml:"filename" long:"logfilename" description:"Name of the rolling log file"`
	// MaxSize is the size in MB at which the file is rolled.
	MaxSize int `yaml:"max_size" long:"logmaxsize" description:"Max size in MB of the log file before it is rolled"`
	// MaxBackups bounds the number of rolled files kept.
	MaxBackups int `yaml:"max_backups" long:"logmaxbackups" description:"Max number of rolled log files to keep"`
	// MaxAge bounds the age in days of rolled files kept.
	MaxAge int `yaml:"max_age" long:"logmaxage" description:"Max age in days of rolled log files to keep"`
}

// Default returns the logging configuration used when the config file has no
// log section.
func (Config) Default() Config {
	return Config{
		DisableConsoleLog:  false,
		LogsAsJSON:         false,
		FileLoggingEnabled: false,
		Directory:          "logs",
		Filename:           DefaultLogFile,
		MaxSize:            150,
		MaxBackups:         3,
		MaxAge:             28,
	}
}

// New builds the logger for one subsystem unit. All unit loggers created
// from the same Config share sinks but carry their own unit tag.
func New(unit string, level zerolog.Level, cfg Config) zerolog.Logger {
	var writers []io.Writer

	if !cfg.DisableConsoleLog && !cfg.LogsAsJSON {
		out := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}
		out.TimeFormat = time.RFC3339
		out.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s| %s |", i, unit))
		}
		out.FormatMessage = func(i interface{}) string {
			return fmt.Sprintf("%-6s  ", i)
		}
		writers = append(writers, out)
	}
	if !cfg.DisableConsoleLog && cfg.LogsAsJSON {
		writers = append(writers, os.Stdout)
	}
	if cfg.FileLoggingEnabled {
		if w := newRollingFile(cfg); w != nil {
			writers = append(writers, w)
		}
	}

	return zerolog.New(io.MultiWriter(writers...)).
		Level(level).
		With().
		Str("app", "bitnoded").
		Timestamp().
		Logger()
}

// ParseLevel maps the config file level names onto zerolog levels. Unknown
// names fall back to the default level.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical", "fatal":
		return zerolog.FatalLevel
	}
	return DefaultLevel
}

func newRollingFile(cfg Config) io.Writer {
	if err := os.MkdirAll(cfg.Directory, 0o744); err != nil {
		fmt.Fprintf(os.Stderr, "can't create log directory %s: %v\n", cfg.Directory, err)
		return nil
	}

	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, cfg.Filename),
		MaxBackups: cfg.MaxBackups, // files
		MaxSize:    cfg.MaxSize,    // megabytes
		MaxAge:     cfg.MaxAge,     // days
	}
}
