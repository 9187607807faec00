// Command dscd is the DSC process: one binary hosting Frontline, the Core
// Router, and the admin HTTP surface as cooperating goroutines in a single
// process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coriolis-dsc/dsc/internal/admin"
	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/dict"
	"github.com/coriolis-dsc/dsc/internal/frontline"
	"github.com/coriolis-dsc/dsc/internal/obs"
	"go.uber.org/zap"
)

// shutdownGrace bounds how long the process waits for in-flight
// transactions to drain after a shutdown signal.
const shutdownGrace = 10 * time.Second

func main() {
	dictPath := flag.String("dictionary", "resources/dictionary.json", "path to the Diameter dictionary JSON document")
	listenAddr := flag.String("listen", ":3868", "address the Diameter peer listener binds to")
	adminAddr := flag.String("admin-listen", ":8443", "address the admin HTTP surface binds to")
	plainHTTP := flag.Bool("admin-plain-http", false, "serve the admin surface over plain HTTP instead of TLS")
	localHost := flag.String("local-host", "dsc.local", "Diameter Identity presented on every connection")
	localRealm := flag.String("local-realm", "local.realm", "Diameter Realm presented on every connection")
	debugLog := flag.Bool("debug", false, "use the human-readable development logger instead of JSON")
	flag.Parse()

	logger, err := obs.NewLogger(*debugLog)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	d := loadDictionary(*dictPath, logger)
	metrics := obs.NewMetrics()
	holder := config.NewHolder(nil)

	fl := frontline.New(holder, d, 0, *localHost, *localRealm, metrics, logger)
	ctx, cancel := context.WithCancel(context.Background())
	fl.Start(ctx)
	go func() {
		if err := fl.ListenAndServe(*listenAddr); err != nil {
			logger.Errorw("frontline listener exited", "error", err)
		}
	}()

	adminServer := admin.New(*adminAddr, holder, fl, metrics, logger)
	adminServer.UsePlainHTTP = *plainHTTP
	go adminServer.Start()

	logger.Infow("dscd started", "diameter_listen", *listenAddr, "admin_listen", *adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infow("shutdown signal received, draining", "grace", shutdownGrace)
	shutdown(cancel, fl, adminServer, logger)
}

func shutdown(cancel context.CancelFunc, fl *frontline.Frontline, adminServer *admin.Server, logger *zap.SugaredLogger) {
	done := make(chan struct{})
	go func() {
		adminServer.Close()
		fl.Close()
		cancel()
		close(done)
	}()

	select {
	case <-done:
		logger.Infow("shutdown complete")
	case <-time.After(shutdownGrace):
		logger.Infow("shutdown grace period elapsed, exiting anyway")
	}
}

// loadDictionary reads the dictionary JSON document, falling back to the
// built-in base dictionary (RFC 6733 AVPs) if the file is absent — the
// common case for a first run before an operator has provided a custom
// one.
func loadDictionary(path string, logger *zap.SugaredLogger) *dict.Dictionary {
	base := dict.Base()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Infow("no dictionary file found, using base dictionary only", "path", path, "error", err)
		return base
	}

	custom, err := dict.FromJSON(data)
	if err != nil {
		logger.Errorw("failed to parse dictionary file, using base dictionary only", "path", path, "error", err)
		return base
	}

	return dict.Merge(base, custom)
}
