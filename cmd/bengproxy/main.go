// Command bengproxy wires a listener to the proxycore request
// engine. Configuration parsing is deliberately minimal (the real
// deployment drives the core through pre-built config structs; see
// the package docs): a listen address, a document root for the
// built-in static oracle and the verbose-errors toggle come from the
// environment; the control socket is bound at @beng-proxy:<pid>.
package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	proxycore "github.com/hexinfra/bengproxy"
	"github.com/hexinfra/bengproxy/internal/accesslog"
	"github.com/hexinfra/bengproxy/internal/cache"
	"github.com/hexinfra/bengproxy/internal/control"
	"github.com/hexinfra/bengproxy/internal/translate"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	listen := envOr("BENG_LISTEN", ":8080")
	docroot := envOr("BENG_DOCROOT", "/var/www")

	srv := proxycore.NewServer(proxycore.Config{
		Oracle:        staticOracle(docroot),
		VerboseErrors: os.Getenv("BENG_VERBOSE_ERRORS") == "1",
		CacheOptions: cache.Options{
			Capacity:    64 << 20,
			MaxBodySize: 8 << 20,
			DefaultTTL:  time.Minute,
		},
		AccessLog: accesslog.NewLineSink(os.Stderr),
		Log:       log,
	})

	if ctrl := controlSocket(log, srv); ctrl != nil {
		defer ctrl.Close()
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		for now := range ticker.C {
			srv.Maintain(now)
		}
	}()

	l, err := net.Listen("tcp", listen)
	if err != nil {
		log.Error().Err(err).Str("listen", listen).Msg("cannot bind listener")
		os.Exit(1)
	}
	log.Info().Str("listen", listen).Str("docroot", docroot).Msg("bengproxy up")
	if err := srv.Serve(l); err != nil {
		log.Error().Err(err).Msg("accept loop failed")
		os.Exit(2)
	}
}

// controlSocket binds the per-process admin channel,
// @beng-proxy:<pid> in the abstract namespace.
func controlSocket(log zerolog.Logger, srv *proxycore.Server) net.PacketConn {
	name := "\x00beng-proxy:" + strconv.Itoa(os.Getpid())
	conn, err := net.ListenPacket("unixgram", name)
	if err != nil {
		log.Warn().Err(err).Msg("control socket unavailable")
		return nil
	}
	ctrl := control.NewServer(conn, srv.ControlHandlers(), log)
	go ctrl.Serve()
	return conn
}

// staticOracle is the built-in translation used when no external
// translation server is wired in: every request maps to a file under
// the document root, with directory requests falling back to
// index.html.
func staticOracle(docroot string) translate.Oracle {
	return translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		path := filepath.Join(docroot, filepath.Clean("/"+req.URI))
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			path = filepath.Join(path, "index.html")
		}
		return &translate.Response{
			Address: translate.Address{Kind: translate.AddrLocal, Path: path},
		}, nil
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
