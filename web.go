package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Seednode/kanaparty/games"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

var baseSecurityHeaders = [][2]string{
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-Content-Type-Options", "nosniff"},
	{"Content-Security-Policy", "default-src 'self'"},
}

// securityHeaders leaves out the cross-origin embedder and resource
// policies so that quiz clients hosted elsewhere can load /qr and /stats.
func securityHeaders(cfg *Config, w http.ResponseWriter) {
	h := w.Header()
	for _, kv := range baseSecurityHeaders {
		h.Set(kv[0], kv[1])
	}

	if cfg.scheme() == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

// Proxy headers consulted for the client address, most trusted first.
var clientIPHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// realIP is the client address for log lines. It is never used for
// authorization.
func realIP(r *http.Request) string {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	for _, name := range clientIPHeaders {
		value := r.Header.Get(name)
		if value == "" {
			continue
		}

		// X-Forwarded-For lists the original client first.
		candidate, _, _ := strings.Cut(value, ",")
		candidate = strings.TrimSpace(candidate)
		if addr, err := netip.ParseAddr(candidate); err == nil {
			host = addr.String()
			port = ""
			break
		}
	}

	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("kanaparty v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		cfg.log.Debug().
			Str("size", humanReadableSize(int64(written))).
			Str("ip", realIP(r)).
			Dur("elapsed", time.Since(startTime).Round(time.Microsecond)).
			Msg("served version page")
	}
}

// drainErrors logs handler errors until errs is closed, then closes the
// returned channel.
func drainErrors(log zerolog.Logger, errs <-chan error) <-chan struct{} {
	drained := make(chan struct{})

	go func() {
		defer close(drained)

		for err := range errs {
			log.Error().Err(err).Msg("writing response")
		}
	}()

	return drained
}

func newRouter(cfg *Config, reg *games.Registry, rt *games.Router, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.HandleMethodNotAllowed = false

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		cfg.log.Error().Interface("panic", i).Str("path", r.URL.Path).Msg("recovered from panic")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	mux.NotFound = serveNotFound(cfg)

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/qr/:code", serveQR(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/stats", serveStats(cfg, reg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, rt))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	cfg.log = newLogger(cfg)
	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	cfg.log.Info().Str("version", releaseVersion).Msg("starting kanaparty")

	reg := games.NewRegistry(cfg.gameOptions())
	go reg.Run(ctx)

	errs := make(chan error, 64)
	drained := drainErrors(cfg.log, errs)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           newRouter(cfg, reg, games.NewRouter(reg, cfg.routerOptions()), errs),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	go func() {
		var err error

		cfg.log.Info().Msgf("listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)

		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.log.Error().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Handlers still running after a failed shutdown may send on errs, so the
	// channel is only closed once every request has finished.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cfg.log.Warn().Err(err).Msg("shutdown incomplete")
	} else {
		close(errs)
		<-drained
	}

	cfg.log.Info().Msg("stopped kanaparty")

	return nil
}
