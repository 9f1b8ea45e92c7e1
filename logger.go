package main

import (
	"os"

	"github.com/juju/loggo"
)

// defaultLogLevels is the per-component level string passed to
// loggo.ConfigureLoggers, one entry per component logger in this module.
const defaultLogLevels = "<root>=WARNING;main=INFO;framer=INFO;parser=WARNING;state=INFO;coordinator=INFO;cashsale=INFO;backend=INFO;portmgr=INFO;admin=INFO"

// configureLogging wires loggo: ConfigureLoggers from one level string,
// plus a file-backed WARNING+ writer so operators have something to tail
// without a syslog collector.
func configureLogging(levels, errorLogFile string) error {
	if levels == "" {
		levels = defaultLogLevels
	}
	if err := loggo.ConfigureLoggers(levels); err != nil {
		return err
	}
	if errorLogFile == "" {
		return nil
	}
	f, err := os.OpenFile(errorLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return loggo.RegisterWriter("file",
		loggo.NewMinimumLevelWriter(loggo.NewSimpleWriter(f, loggo.DefaultFormatter), loggo.WARNING))
}
