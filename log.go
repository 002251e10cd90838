package zmsg

import "go.uber.org/zap"

var l = zap.NewNop()

// SetLogger replaces the package logger. Call it before dialing.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l = logger
}
