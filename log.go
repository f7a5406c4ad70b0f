package uvc

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// SetLogger overrides the package-wide logger used for bandwidth warnings,
// queue-overflow notices, and non-fatal transport errors observed while
// streaming. The zero value disables logging.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = l
}

func log() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}
