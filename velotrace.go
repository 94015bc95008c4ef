// velotrace serves interactive playback of a daily trip parquet dataset
// hosted on any static file server. It resolves the dataset manifest,
// validates the files, opens the query engine, and exposes the playback
// API plus an SSE frame stream; with -domain it terminates TLS itself via
// Let's Encrypt.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/nats-io/nats.go"

	"velotrace/pkg/api"
	"velotrace/pkg/config"
	"velotrace/pkg/engine"
	"velotrace/pkg/framebus"
	"velotrace/pkg/metrics"
	"velotrace/pkg/playback"
	"velotrace/pkg/session"
)

var CompileVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Flags default to the environment so .env covers deployments and
	// the command line wins for one-off runs.
	var (
		source      = flag.String("source", cfg.Source, "Dataset locator: a manifest wildcard like https://cdn.example.com/trips/*.parquet or one direct parquet URL")
		port        = flag.Int("port", cfg.Port, "HTTP listen port (ignored with -domain)")
		domain      = flag.String("domain", cfg.Domain, "Serve HTTPS on :443 for this domain via Let's Encrypt, with :80 redirecting")
		metricsAddr = flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus listen address, e.g. :9090; empty disables")
		natsURL     = flag.String("nats-url", cfg.NATSURL, "NATS server URL for the frame bridge; empty disables")
		natsSubject = flag.String("nats-subject", cfg.NATSSubject, "NATS subject for published playback frames")
		baseURL     = flag.String("base-url", "", "Public base URL used in share links; defaults from -domain or -port")
		speed       = flag.Float64("speed", cfg.Speed, "Initial playback speed multiplier")
		version     = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("velotrace version %s\n", CompileVersion)
		return
	}
	if *source == "" {
		log.Fatal("a dataset locator is required: pass -source or set VELOTRACE_SOURCE")
	}
	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("binding :80/:443 requires super-user rights; run with sudo or as root")
	}

	collector := metrics.NewCollector(log.Printf)
	bus := framebus.NewBus(64)
	defer bus.Close()

	sess := session.New(
		session.Config{
			TickInterval: cfg.TickInterval,
			RowCap:       cfg.RowCap,
			SpillDir:     cfg.SpillDir,
		},
		session.Deps{
			Client:  &http.Client{Timeout: 60 * time.Second},
			Logf:    log.Printf,
			Parse:   playback.ParsePhrase,
			Bus:     bus,
			Metrics: collector,
			Progress: func(p session.Progress) {
				if p.Err != "" {
					log.Printf("startup %s: %s", p.Phase, p.Err)
					return
				}
				log.Printf("startup %s: %d/%d files checked, %d usable, %d skipped",
					p.Phase, p.CheckedFiles, p.TotalFiles, p.UsableFiles, p.SkippedFiles)
			},
			OpenEngine: func(ctx context.Context, ecfg engine.Config, sources []string) (session.Querier, error) {
				return engine.New(ctx, ecfg, sources)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("opening dataset %s", *source)
	if err := sess.Init(ctx, *source); err != nil {
		log.Fatalf("session init: %v", err)
	}
	defer sess.Teardown()
	if *speed != 1 {
		sess.SetSpeed(*speed)
	}

	share := *baseURL
	if share == "" {
		if *domain != "" {
			share = "https://" + *domain + "/"
		} else {
			share = fmt.Sprintf("http://localhost:%d/", *port)
		}
	}

	mux := http.NewServeMux()
	handler := api.NewHandler(sess, bus, share, log.Printf)
	handler.Register(mux)
	defer handler.Stats.Close()

	if *metricsAddr != "" {
		srv := collector.Serve(*metricsAddr)
		defer srv.Close()
		log.Printf("metrics on %s/metrics", *metricsAddr)
	}
	if *natsURL != "" {
		closeBridge, err := startNATSBridge(ctx, *natsURL, *natsSubject, bus)
		if err != nil {
			log.Fatalf("nats bridge: %v", err)
		}
		defer closeBridge()
	}

	if *domain != "" {
		go serveWithDomain(*domain, mux)
		log.Printf("serving https://%s", *domain)
	} else {
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("serving http://localhost%s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("http server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("shutting down")
}

// startNATSBridge republishes every playback frame onto a NATS subject so
// other processes (dashboards, recorders) can follow along without holding
// an HTTP stream open.
func startNATSBridge(ctx context.Context, url, subject string, bus *framebus.Bus) (func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("velotrace"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	frames := bus.Subscribe(ctx, 64)
	go func() {
		for f := range frames {
			if err := publishFrame(nc, subject, f); err != nil {
				log.Printf("nats publish: %v", err)
			}
		}
	}()
	log.Printf("publishing frames to %s on %s", subject, url)
	return func() { nc.Drain() }, nil
}

func publishFrame(nc *nats.Conn, subject string, f framebus.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return nc.Publish(subject, b)
}

// serveWithDomain runs the ACME dance on :80 and serves the API on :443.
// Certificate errors fall back to the last good certificate so an odd SNI
// never takes the listener down.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
		})
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("http :80 server: %v", err)
		}
	}()

	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	var fallback *tls.Certificate
	go func() {
		for fallback == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				fallback = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if fallback != nil {
			return fallback, nil
		}
		return nil, err
	}

	srv := &http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServeTLS("", ""); err != nil {
		log.Printf("https :443 server: %v", err)
	}
}
