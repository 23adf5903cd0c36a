package common

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dIdxLogger implements the ILogger interface with custom formatting
type dIdxLogger struct {
	name   string
	level  logger.LogLevel
	logger *stdlog.Logger
}

func (l *dIdxLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *dIdxLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *dIdxLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *dIdxLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *dIdxLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *dIdxLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *dIdxLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements dragonboat's logger.Factory. Output goes to stderr so
// that command output on stdout stays parseable.
func CreateLogger(pkgName string) logger.ILogger {
	return &dIdxLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdlog.New(os.Stderr, "", stdlog.Ldate|stdlog.Ltime),
	}
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var (
	// dragonboat internals are only interesting when something goes wrong
	raftLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "logdb", "config"}
	appLoggers  = []string{"index", "facet", "workflow", "txn", "store", "actor", "cli"}
)

// InitLoggers installs the custom logger factory and sets the level of every
// package logger. Raft loggers never log below warning.
func InitLoggers(config Config) error {
	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range raftLoggers {
		logger.GetLogger(name).SetLevel(min(level, logger.WARNING))
	}
	for _, name := range appLoggers {
		logger.GetLogger(name).SetLevel(level)
	}
	return nil
}
