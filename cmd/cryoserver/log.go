package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the standard logrus logger from c.  The returned
// func closes the log file, if any.
func setupLogging(c LogConfig) (func(), error) {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(lvl)
	switch strings.ToLower(c.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if c.File == "" {
		logrus.SetOutput(os.Stderr)
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: 5,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, lj))
	return func() { lj.Close() }, nil
}
