package mesh

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logMu  sync.RWMutex
	logger = zap.NewNop().Sugar()
)

// SetLogger replaces the package logger. Passing nil restores the no-op logger.
func SetLogger(l *zap.SugaredLogger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	logger = l
}

func getLogger() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// warnNotConverged logs a loop that hit its iteration cap.
func warnNotConverged(op string, c Convergence) {
	if c.Converged {
		return
	}
	getLogger().Warnw("iteration cap reached without convergence",
		"op", op, "iterations", c.Iterations, "residual", c.Residual)
}
