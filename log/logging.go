/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package log provides leveled RFC5424 logging for the guest binaries and
// host tooling.
package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
	FATAL    Level = 6
)

var (
	ErrNotOpen      = errors.New("Logger is not open")
	ErrInvalidLevel = errors.New("Log level is invalid")
)

type Level int

type Logger struct {
	wtrs     []io.WriteCloser
	mtx      sync.Mutex
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New creates a new logger with the given writer at log level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.hostname, _ = os.Hostname()
	if args := os.Args; len(args) > 0 {
		l.appname = filepath.Base(args[0])
	}
	return l
}

// NewFile creates a logger appending to the named file, creating it if
// needed. It is safe to use NewFile on existing logs.
func NewFile(f string) (*Logger, error) {
	fout, err := os.OpenFile(f, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

type stderrCloser struct{}

func (stderrCloser) Write(b []byte) (int, error) { return os.Stderr.Write(b) }
func (stderrCloser) Close() error                { return nil }

// NewStderrLogger logs to the process stderr, which in the guest is the
// VM console.
func NewStderrLogger() *Logger {
	return New(stderrCloser{})
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }

func NewDiscardLogger() *Logger {
	return New(discardCloser{})
}

func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	for i := range l.wtrs {
		if lerr := l.wtrs[i].Close(); lerr != nil {
			err = lerr
		}
	}
	return
}

// AddWriter attaches an additional log sink.
func (l *Logger) AddWriter(wtr io.WriteCloser) {
	l.mtx.Lock()
	l.wtrs = append(l.wtrs, wtr)
	l.mtx.Unlock()
}

func (l *Logger) SetLevel(lvl Level) error {
	if lvl < OFF || lvl > FATAL {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

func (l *Logger) Level() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

func (l *Logger) Debugf(format string, args ...interface{}) error {
	return l.output(DEBUG, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) error {
	return l.output(INFO, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) error {
	return l.output(WARN, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) error {
	return l.output(ERROR, format, args...)
}

func (l *Logger) Criticalf(format string, args ...interface{}) error {
	return l.output(CRITICAL, format, args...)
}

// Fatalf logs at FATAL and exits nonzero; from PID 1 that exit is the
// kernel panic the orchestrator watches for.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.output(FATAL, format, args...)
	os.Exit(1)
}

func (l *Logger) output(lvl Level, format string, args ...interface{}) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	if l.lvl == OFF || lvl < l.lvl {
		return nil
	}
	m := rfc5424.Message{
		Priority:  prio(lvl),
		Timestamp: time.Now(),
		Hostname:  l.hostname,
		AppName:   l.appname,
		Message:   []byte(fmt.Sprintf(format, args...)),
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	b = append(b, '\n')
	for i := range l.wtrs {
		if _, lerr := l.wtrs[i].Write(b); lerr != nil {
			err = lerr
		}
	}
	return err
}

func prio(lvl Level) rfc5424.Priority {
	switch lvl {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Info
}

// LevelFromString translates a config value into a level.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`, ``:
		return INFO, nil
	case `WARN`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}
