// Command keyserver runs the Key Server as its own deployable process
// (§9: "rewritable as an independent process"), grounded on
// example/cmd/main.go's flag-parse-then-bootstrap shape (kolide-updater's
// only process entry point) generalized from a single updater client into
// an HTTP service with a config-driven storage backend and a background
// key-gen poll loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/kolide/tuf-repo-server/config"
	"github.com/kolide/tuf-repo-server/internal/metrics"
	"github.com/kolide/tuf-repo-server/keyserver/api"
	"github.com/kolide/tuf-repo-server/keyserver/keygen"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/keyserver/secretstore"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/storage/gormstore"
)

func main() {
	var (
		flAddr       = flag.String("addr", ":8080", "address to listen on")
		flCert       = flag.String("server-certificates", "", "path to folder with server certs, named cert.pem and key.pem (TLS disabled if empty)")
		flPollEvery  = flag.Duration("key-gen-poll-interval", 5*time.Second, "how often the key-gen engine polls for REQUESTED rows")
		flMetricAddr = flag.String("metrics-addr", ":8081", "address the /metrics endpoint listens on")
	)
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "component", "keyserver")

	cfg, err := config.Load(config.New())
	if err != nil {
		level.Error(logger).Log("msg", "load config", "err", err)
		os.Exit(1)
	}

	db, err := gormstore.Open(cfg.DatabaseURL)
	if err != nil {
		level.Error(logger).Log("msg", "open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	secrets := secretstore.NewMemory()
	keyGenRequests := gormstore.NewKeyGenRequestStore(db)
	keys := keystore.New(gormstore.NewKeyStore(db), secrets)
	kg := keygen.New(keyGenRequests, keys, clock.New(), cfg.KeyGenBatchSize)
	roots := rootengine.New(gormstore.NewRootRoleStore(db), keys, kg, clock.New(), cfg.RootTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go kg.Run(ctx, *flPollEvery)
	go sampleQueueDepth(ctx, logger, keyGenRequests, *flPollEvery)

	router := api.NewRouter(api.Deps{
		Roots:  roots,
		KeyGen: kg,
		Keys:   keys,
		Logger: logger,
	})
	router.Use(metrics.Middleware)

	go serveMetrics(logger, *flMetricAddr)

	srv := &http.Server{Addr: *flAddr, Handler: router}
	go func() {
		level.Info(logger).Log("msg", "listening", "addr", *flAddr, "tls", *flCert != "")
		var serveErr error
		if *flCert != "" {
			serveErr = srv.ListenAndServeTLS(*flCert+"/cert.pem", *flCert+"/key.pem")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			level.Error(logger).Log("msg", "serve", "err", serveErr)
			os.Exit(1)
		}
	}()

	waitForSignal()
	level.Info(logger).Log("msg", "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "shutdown", "err", err)
	}
}

// serveMetrics runs a second, unauthenticated listener for /metrics.
func serveMetrics(logger log.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Error(logger).Log("msg", "serve metrics", "err", err)
	}
}

// sampleQueueDepth keeps metrics.PendingKeyGenRequests fresh between
// scrapes: ListPending(ctx, 0) is unbounded, unlike keygen.Engine's own
// poll call (§4.D), which takes at most its batch size, so the gauge
// reflects the whole REQUESTED queue rather than one batch of it.
func sampleQueueDepth(ctx context.Context, logger log.Logger, requests storage.KeyGenRequestStore, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pending, err := requests.ListPending(ctx, 0)
			if err != nil {
				level.Debug(logger).Log("msg", "sample queue depth", "err", err)
				continue
			}
			metrics.PendingKeyGenRequests.Set(float64(len(pending)))
		}
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	fmt.Fprintln(os.Stderr)
}
