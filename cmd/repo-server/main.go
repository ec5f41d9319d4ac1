// Command repo-server runs the Repo Server as its own deployable process
// (§9: "rewritable as an independent process"), the counterpart to
// cmd/keyserver, grounded on the same example/cmd/main.go
// flag-parse-then-bootstrap shape. It wires the target catalog, role
// generation engine, offline-signed targets intake, and delegations
// verifier over the same gorm/sqlite database the key server writes to
// (§6: the two processes share one relational schema, split only by
// which HTTP surface and background work each owns).
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
	"github.com/kolide/tuf-repo-server/keyserver/keygen"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/keyserver/secretstore"
	"github.com/kolide/tuf-repo-server/reposerver/api"
	"github.com/kolide/tuf-repo-server/reposerver/catalog"
	"github.com/kolide/tuf-repo-server/reposerver/delegation"
	"github.com/kolide/tuf-repo-server/reposerver/offline"
	"github.com/kolide/tuf-repo-server/reposerver/roleengine"
	"github.com/kolide/tuf-repo-server/storage/gormstore"
)

func main() {
	var (
		flAddr       = flag.String("addr", ":8090", "address to listen on")
		flCert       = flag.String("server-certificates", "", "path to folder with server certs, named cert.pem and key.pem (TLS disabled if empty)")
		flMetricAddr = flag.String("metrics-addr", ":8091", "address the /metrics endpoint listens on")
	)
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "component", "repo-server")

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

	// This process never runs the background key-gen poll loop (that is
	// cmd/keyserver's job, against the same request table) but still
	// needs a keygen.Engine: POST /user_repo force-syncs its four initial
	// keys inline via Engine.ForceSync, which runs entirely on the
	// calling goroutine and never touches the poll loop.
	secrets := secretstore.NewMemory()
	keys := keystore.New(gormstore.NewKeyStore(db), secrets)
	kg := keygen.New(gormstore.NewKeyGenRequestStore(db), keys, clock.New(), cfg.KeyGenBatchSize)
	roots := rootengine.New(gormstore.NewRootRoleStore(db), keys, kg, clock.New(), cfg.RootTTL)

	cat := catalog.New(gormstore.NewTargetItemStore(db))
	signedRoles := gormstore.NewSignedRoleStore(db)
	re := roleengine.New(signedRoles, keys, roots, cat, clock.New(), cfg.TargetsTTL, cfg.SnapshotTTL, cfg.TimestampTTL)
	off := offline.New(signedRoles, roots, re, nil)
	del := delegation.New(gormstore.NewDelegationStore(db), signedRoles)

	router := api.NewRouter(api.Deps{
		Catalog:    cat,
		RoleEngine: re,
		Offline:    off,
		Delegation: del,
		Roots:      roots,
		Keys:       keys,
		Logger:     logger,
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

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	fmt.Fprintln(os.Stderr)
}
