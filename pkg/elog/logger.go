package elog

import (
	"github.com/sirupsen/logrus"
)

// Logger is an interface that has the ability to hide debug/info output,
// used throughout the mapping and COW engines for warnings (a pending-COW
// marker surviving past its warn threshold, an inconsistency report) that
// a host application may want routed to its own log sink.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// CLI is a logrus-backed Logger.
type CLI struct {
	IsDebug   bool
	IsVerbose bool
}

func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// Discard is a Logger that drops everything, used where a caller has no
// log sink wired in.
type Discard struct{}

func (Discard) Debugf(format string, x ...interface{}) {}
func (Discard) Errorf(format string, x ...interface{}) {}
func (Discard) Infof(format string, x ...interface{})  {}
func (Discard) Printf(format string, x ...interface{}) {}
func (Discard) Warnf(format string, x ...interface{})  {}
func (Discard) IsInfoEnabled() bool                    { return false }
func (Discard) IsDebugEnabled() bool                   { return false }
