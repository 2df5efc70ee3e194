// Package logutil builds the pion logger factory and the log files the
// demo writes.
package logutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/logging"
)

type NopCloser struct {
	io.Writer
}

func (c NopCloser) Close() error {
	return nil
}

func getFileLogWriter(path string) (io.WriteCloser, error) {
	logfile, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return logfile, nil
}

// GetMainLogWriter returns stdout, or the file at path when set.
func GetMainLogWriter(path string) (io.WriteCloser, error) {
	if len(path) == 0 {
		return NopCloser{Writer: os.Stdout}, nil
	}
	return getFileLogWriter(path)
}

// GetRTPLogWriter creates dir and returns a function opening one packet log
// per stream in it. Without a dir it returns nil.
func GetRTPLogWriter(dir string) (func(stream string) (io.WriteCloser, error), error) {
	if len(dir) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create rtp log dir %s: %w", dir, err)
	}
	return func(stream string) (io.WriteCloser, error) {
		path := filepath.Join(dir, stream+".log")
		w, err := getFileLogWriter(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create rtp/rtcp log file %s: %w", path, err)
		}
		return w, nil
	}, nil
}

// ParseLevel maps the names used by PION_LOG_* to a level.
func ParseLevel(level string) (logging.LogLevel, error) {
	switch strings.ToLower(level) {
	case "disabled":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", level)
}

// NewLoggerFactory starts from pion's default factory, so PION_LOG_* scope
// overrides keep working, and changes the default level and writer.
func NewLoggerFactory(level string, writer io.Writer) (*logging.DefaultLoggerFactory, error) {
	logLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logLevel
	if writer != nil {
		loggerFactory.Writer = writer
	}
	return loggerFactory, nil
}
