// Package logger writes prefixed log lines through a buffered background worker
// so that socket pumps and state transitions never block on stderr.
// Function timings are logged via LogDuration.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const asyncBufferSize = 8192

var (
	prefix   string
	logLevel = levelInfo
	ch       chan string
	once     sync.Once
)

type level int

const (
	levelDebug level = iota
	levelInfo
)

func initLevel() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		logLevel = levelDebug
	default:
		logLevel = levelInfo
	}
}

func initWorker() {
	initLevel()
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// buffer full: drop the line
	}
}

// SetPrefix sets the tag prepended to every line (e.g. "bridge", "devserver").
func SetPrefix(p string) {
	prefix = p
}

// SetLevel overrides LOG_LEVEL ("debug" or "info").
func SetLevel(l string) {
	once.Do(initWorker)
	if l == "debug" || l == "trace" {
		logLevel = levelDebug
		return
	}
	logLevel = levelInfo
}

func tag() string {
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// Debugf is a no-op unless LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	once.Do(initWorker)
	if logLevel != levelDebug {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// LogDuration logs fn and its elapsed time in milliseconds.
// At info level only calls slower than 100ms are logged.
func LogDuration(fn string, start time.Time) {
	once.Do(initWorker)
	elapsed := time.Since(start)
	if logLevel == levelDebug || elapsed >= 100*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration is meant for defer: defer logger.DeferLogDuration("api.PostFile", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

// MaskToken shortens a bearer token or staged file handle for log lines.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 6 {
		return "****"
	}
	return s[:6] + "***"
}
