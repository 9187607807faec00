// Package obs provides the ambient observability stack shared by every
// component: a zap-backed structured logger and a Prometheus registry.
package obs

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger. Production builds
// use zap's JSON encoder; development builds (debug=true) use the
// human-readable console encoder.
func NewLogger(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// NewNop returns a logger that discards everything, for tests that do not
// care about log output.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
