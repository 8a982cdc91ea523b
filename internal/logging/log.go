// Package logging provides a simple way of logging with different levels.
//
// Time/Date are not logged because the runtime environment (systemd, a
// container log driver) usually adds it for us.
package logging

import (
	"io"
	"log"
	"os"
)

var level = "info"

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]    "
	InfoPrefix  string = "<6>[INFO]     "
	WarnPrefix  string = "<4>[WARNING]  "
	ErrPrefix   string = "<3>[ERROR]    "
)

var (
	debugLog = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	infoLog  = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	warnLog  = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	errLog   = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel discards writers below the given level: "debug", "info", "warn", "err".
func SetLevel(lvl string) {
	level = lvl
	switch lvl {
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
	}
	debugLog = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	infoLog = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	warnLog = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	errLog = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
}

func Level() string { return level }

func Debugf(format string, v ...any) { debugLog.Printf(format, v...) }
func Infof(format string, v ...any)  { infoLog.Printf(format, v...) }
func Warnf(format string, v ...any)  { warnLog.Printf(format, v...) }
func Errorf(format string, v ...any) { errLog.Printf(format, v...) }
