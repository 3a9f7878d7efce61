package logger

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Init configures the global logrus logger. Output always goes to stdout and
// additionally to file when one is given.
func Init(level, file string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("invalid log level %q, defaulting to info: %v", level, err)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	writers := []io.Writer{os.Stdout}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o750); err != nil {
			log.Errorf("create log directory for %s: %v", file, err)
		} else if f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640); err != nil {
			log.Errorf("open log file %s: %v", file, err)
		} else {
			writers = append(writers, f)
		}
	}
	log.SetOutput(io.MultiWriter(writers...))
}
