package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// certReloader serves the metrics certificate and swaps it on SIGHUP.
type certReloader struct {
	certPath string
	keyPath  string

	cert *tls.Certificate
	sync.RWMutex
}

func newCertReloader(ctx context.Context, certPath, keyPath string) (*certReloader, error) {
	r := &certReloader{certPath: certPath, keyPath: keyPath}
	if err := r.reload(); err != nil {
		return nil, err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)

	go func() {
		defer signal.Stop(c)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c:
				logger.Infof("received SIGHUP, reloading metrics certificate %q and key %q", certPath, keyPath)

				if err := r.reload(); err != nil {
					logger.Errorf("keeping old metrics certificate: %s", err)
				}
			}
		}
	}()

	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}

	r.Lock()
	r.cert = &cert
	r.Unlock()

	return nil
}

func (r *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.RLock()
	defer r.RUnlock()

	return r.cert, nil
}

// serveMetrics exposes /metrics on listen until ctx is done. TLS is used
// when both certPath and keyPath are set.
func serveMetrics(ctx context.Context, listen, certPath, keyPath string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := certPath != "" && keyPath != ""
	if useTLS {
		r, err := newCertReloader(ctx, certPath, keyPath)
		if err != nil {
			return err
		}

		srv.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: r.getCertificate,
		}
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("serving metrics on %s (tls: %t)", listen, useTLS)

	var err error
	if useTLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
