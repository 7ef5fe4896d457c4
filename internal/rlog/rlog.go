/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rlog is a small structured logger modeled on gravwell's
// ingest/log package: a handful of severities, RFC5424-shaped wire output,
// and key-value structured data carried alongside the message. Unlike a
// package-level global logger, every component here is handed an explicit
// *Logger at construction (see DESIGN NOTES in SPEC_FULL.md on singletons).
package rlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	}
	return `UNKNOWN`
}

func (l Level) priority() rfc5424.Priority {
	switch l {
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
	}
	return rfc5424.User | rfc5424.Debug
}

var ErrNotOpen = errors.New("rlog: logger is not open")

const defaultID = `routerd@1`

// Logger writes structured, leveled log lines to one or more writers.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New creates a Logger at INFO level writing to wtr.
func New(wtr io.WriteCloser, component string) *Logger {
	l := &Logger{
		wtrs:    []io.WriteCloser{wtr},
		lvl:     INFO,
		hot:     true,
		appname: component,
	}
	if h, err := os.Hostname(); err == nil {
		l.hostname = h
	}
	return l
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }

// NewDiscard returns a Logger that throws away everything it is given;
// tests use this in place of a real sink.
func NewDiscard() *Logger {
	return New(discardCloser{}, "test")
}

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.hot = false
	var err error
	for _, w := range l.wtrs {
		if lerr := w.Close(); lerr != nil {
			err = lerr
		}
	}
	return err
}

// KV builds a structured-data parameter carried alongside a log message.
// It is a method (rather than a free function) so call sites read
// log.Warn("...", log.KV("ip", ip)) the same way they read gravwell's
// ingest/log call sites, without an extra import for the helper.
func (l *Logger) KV(name string, value interface{}) rfc5424.SDParam {
	switch v := value.(type) {
	case string:
		return rfc5424.SDParam{Name: name, Value: v}
	default:
		return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", v)}
	}
}

func (l *Logger) KVErr(err error) rfc5424.SDParam {
	return l.KV("error", err)
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) { l.output(DEBUG, msg, sds...) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam)  { l.output(INFO, msg, sds...) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam)  { l.output(WARN, msg, sds...) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) { l.output(ERROR, msg, sds...) }

func (l *Logger) Debugf(f string, args ...interface{}) { l.output(DEBUG, fmt.Sprintf(f, args...)) }
func (l *Logger) Infof(f string, args ...interface{})  { l.output(INFO, fmt.Sprintf(f, args...)) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.output(WARN, fmt.Sprintf(f, args...)) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.output(ERROR, fmt.Sprintf(f, args...)) }

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) {
	l.mtx.Lock()
	cur := l.lvl
	hot := l.hot
	l.mtx.Unlock()
	if !hot || cur == OFF || lvl < cur {
		return
	}
	ts := time.Now()
	ln, err := genRFCMessage(ts, lvl.priority(), l.hostname, l.appname, msg, sds...)
	if err != nil {
		return
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, w := range l.wtrs {
		io.WriteString(w, string(ln))
		io.WriteString(w, "\n")
	}
}

// Per RFC5424 https://www.rfc-editor.org/rfc/rfc5424.html#section-6.2.7
func genRFCMessage(ts time.Time, prio rfc5424.Priority, hostname, appname, msg string, sds ...rfc5424.SDParam) ([]byte, error) {
	m := rfc5424.Message{
		Priority:  prio,
		Timestamp: ts,
		Hostname:  trimLength(255, hostname),
		AppName:   trimLength(48, appname),
		MessageID: trimLength(32, callerTag()),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: defaultID, Parameters: sds}}
	}
	return m.MarshalBinary()
}

func trimLength(n int, s string) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func callerTag() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "routerd"
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}
