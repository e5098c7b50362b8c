// Package telemetry provides the leveled logging and Prometheus metrics
// used by every package above internal/lfpool.
//
// Logging follows systemd's numeric prefix convention (see
// freedesktop.org/software/systemd/man/sd-daemon.html); time/date are
// omitted by default since most deployments run under a supervisor that
// timestamps stdout/stderr itself.
package telemetry

import (
	"fmt"
	"io"
	"log"
	"os"
)

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
	CritWriter  io.Writer = os.Stderr
)

const (
	debugPrefix = "<7>[DEBUG]    "
	infoPrefix  = "<6>[INFO]     "
	warnPrefix  = "<4>[WARNING]  "
	errPrefix   = "<3>[ERROR]    "
	critPrefix  = "<2>[CRITICAL] "
)

var (
	debugLog = log.New(DebugWriter, debugPrefix, 0)
	infoLog  = log.New(InfoWriter, infoPrefix, 0)
	warnLog  = log.New(WarnWriter, warnPrefix, log.Lshortfile)
	errLog   = log.New(ErrWriter, errPrefix, log.Llongfile)
	critLog  = log.New(CritWriter, critPrefix, log.Llongfile)

	debugTimeLog = log.New(DebugWriter, debugPrefix, log.LstdFlags)
	infoTimeLog  = log.New(InfoWriter, infoPrefix, log.LstdFlags)
	warnTimeLog  = log.New(WarnWriter, warnPrefix, log.LstdFlags|log.Lshortfile)
	errTimeLog   = log.New(ErrWriter, errPrefix, log.LstdFlags|log.Llongfile)
	critTimeLog  = log.New(CritWriter, critPrefix, log.LstdFlags|log.Llongfile)
)

// SetLogDateTime toggles whether log lines carry a timestamp. Call once,
// before any goroutine that logs starts; it is not safe to flip
// concurrently with logging calls.
func SetLogDateTime(v bool) { logDateTime = v }

func sprint(v ...interface{}) string { return fmt.Sprint(v...) }

func Debug(v ...interface{}) {
	out := sprint(v...)
	if logDateTime {
		debugTimeLog.Output(2, out)
	} else {
		debugLog.Output(2, out)
	}
}

func Info(v ...interface{}) {
	out := sprint(v...)
	if logDateTime {
		infoTimeLog.Output(2, out)
	} else {
		infoLog.Output(2, out)
	}
}

func Warn(v ...interface{}) {
	out := sprint(v...)
	if logDateTime {
		warnTimeLog.Output(2, out)
	} else {
		warnLog.Output(2, out)
	}
}

func Error(v ...interface{}) {
	out := sprint(v...)
	if logDateTime {
		errTimeLog.Output(2, out)
	} else {
		errLog.Output(2, out)
	}
}

func Crit(v ...interface{}) {
	out := sprint(v...)
	if logDateTime {
		critTimeLog.Output(2, out)
	} else {
		critLog.Output(2, out)
	}
}

func Debugf(format string, v ...interface{}) { Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...interface{})  { Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...interface{})  { Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...interface{}) { Error(fmt.Sprintf(format, v...)) }
func Critf(format string, v ...interface{})  { Crit(fmt.Sprintf(format, v...)) }

// Misuse reports a programming-error invariant violation: it logs at
// Crit level and panics. Callers that would otherwise assert go through
// here so the crash carries a breadcrumb in the log stream rather than a
// bare panic message.
func Misuse(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	Critf("misuse: %s", msg)
	panic(msg)
}
