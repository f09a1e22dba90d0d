// Package proxycore ties the subsystems together into the
// per-connection request engine: HTTP/1.1 termination, translation,
// backend dispatch, widget composition, response caching, and access
// logging.
//
// The connection loop serves one request at a time per connection
// with keep-alive honoured, and commits the response only after the
// head is complete so early backend failures can still become clean
// 502/504 answers.
package proxycore

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hexinfra/bengproxy/internal/accesslog"
	"github.com/hexinfra/bengproxy/internal/arena"
	"github.com/hexinfra/bengproxy/internal/cache"
	"github.com/hexinfra/bengproxy/internal/control"
	"github.com/hexinfra/bengproxy/internal/session"
	"github.com/hexinfra/bengproxy/internal/stock"
	"github.com/hexinfra/bengproxy/internal/stock/childstock"
	"github.com/hexinfra/bengproxy/internal/translate"
	"github.com/hexinfra/bengproxy/internal/widget"
)

// Config assembles a Server. The structs arrive pre-populated; file
// or CLI parsing is the launcher's concern, not the core's.
type Config struct {
	Oracle translate.Oracle

	// VerboseErrors puts error detail in response bodies instead of
	// the canned texts.
	VerboseErrors bool

	CacheOptions   cache.Options
	SessionOptions session.Options

	// PartitionDomain backs PARTITION uri rewrites.
	PartitionDomain string

	// TrustedProxies lists peer addresses whose X-Forwarded-For
	// chains are trusted.
	TrustedProxies []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	AccessLog accesslog.Sink
	Log       zerolog.Logger
	Registry  prometheus.Registerer

	// ChildSpawner launches FastCGI/WAS/LHTTP worker processes; nil
	// uses the exec-based default.
	ChildSpawner childstock.Spawner

	// Via is this hop's token on mangled Via headers.
	Via string
}

// Server is the request engine.
type Server struct {
	cfg        Config
	log        zerolog.Logger
	dispatcher *translate.Dispatcher
	respCache  *cache.Cache
	sessions   *session.Store
	resolver   *widget.Resolver
	balancer   *translate.Balancer
	failures   *translate.FailureTracker
	metrics    *control.Metrics
	accessLog  accesslog.Sink

	tcpStock   *stock.Stock[*tcpItem]
	childStock *childstock.ChildStock
	connStock  *childstock.ConnectionStock
}

// NewServer wires a Server from its collaborators.
func NewServer(cfg Config) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Via == "" {
		cfg.Via = "1.1 beng-proxy"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.AccessLog == nil {
		cfg.AccessLog = accesslog.NewLineSink(io.Discard)
	}

	failures := translate.NewFailureTracker()
	s := &Server{
		cfg:       cfg,
		log:       cfg.Log,
		respCache: cache.New(cfg.CacheOptions, cfg.Log),
		sessions:  session.NewStore(cfg.SessionOptions),
		balancer:  translate.NewBalancer(failures),
		failures:  failures,
		metrics:   control.NewMetrics(cfg.Registry),
		accessLog: cfg.AccessLog,
	}
	s.dispatcher = translate.NewDispatcher(cfg.Oracle, translate.NewTCache(), cfg.Log)
	s.resolver = widget.NewResolver(s.dispatcher)

	s.tcpStock = stock.New[*tcpItem](dialTCP, stock.Options{
		PerKeyLimit:     64,
		GlobalIdleLimit: 256,
		IdleTimeout:     time.Minute,
	}, cfg.Log)

	spawner := cfg.ChildSpawner
	if spawner == nil {
		spawner = &childstock.ExecSpawner{}
	}
	s.childStock = childstock.NewChildStock(spawner, "children", stock.Options{
		PerKeyLimit: 8,
		IdleTimeout: 15 * time.Minute,
	}, cfg.Log)
	s.connStock = childstock.NewConnectionStock(s.childStock, "childconn", 5*time.Second, stock.Options{
		PerKeyLimit: 32,
		IdleTimeout: time.Minute,
	}, cfg.Log)

	return s
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.ServeConn(conn)
	}
}

// clientRequest is one parsed incoming request.
type clientRequest struct {
	Method     string
	Target     string // full request-target
	Path       string // target before '?'
	Query      string
	Headers    textproto.MIMEHeader
	Body       []byte
	RemoteAddr string
	keepAlive  bool
}

// ServeConn runs the keep-alive loop for one client connection. The
// connection owns an arena; each request gets a dominated child
// arena whose release frees every buffer the request allocated.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReaderSize(conn, 4096)
	remote := remoteHost(conn)
	connArena := arena.New()
	defer connArena.Release()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		reqArena := connArena.Child()
		req, err := s.parseRequest(br, remote, reqArena)
		if err != nil {
			reqArena.Release()
			if err != io.EOF {
				s.log.Debug().Err(err).Str("remote", remote).Msg("request parse failed")
			}
			return
		}

		start := time.Now()
		s.metrics.Requests.Inc()
		resp := s.handle(req)

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		sent, err := writeResponse(conn, resp, req)
		s.countResponse(resp.status)
		s.metrics.BytesSent.Add(float64(sent))
		s.logAccess(req, resp, sent, time.Since(start))
		reqArena.Release()
		if err != nil || !req.keepAlive || resp.closeConn {
			return
		}
	}
}

func (s *Server) countResponse(status int) {
	switch {
	case status >= 500:
		s.metrics.Responses5xx.Inc()
	case status >= 400:
		s.metrics.Responses4xx.Inc()
	case status >= 200 && status < 300:
		s.metrics.Responses2xx.Inc()
	}
}

func (s *Server) logAccess(req *clientRequest, resp *response, sent int64, dur time.Duration) {
	s.accessLog.Log(&accesslog.Record{
		Timestamp:      time.Now(),
		Site:           req.Headers.Get("Host"),
		RemoteHost:     req.RemoteAddr,
		Method:         req.Method,
		URI:            req.Target,
		Status:         resp.status,
		ResponseLength: int64(len(resp.body)),
		BytesReceived:  int64(len(req.Body)),
		BytesSent:      sent,
		Duration:       dur,
		Referer:        req.Headers.Get("Referer"),
		UserAgent:      req.Headers.Get("User-Agent"),
	})
}

// parseRequest reads one request head and body off the wire; the
// body lives in the request's arena.
func (s *Server) parseRequest(br *bufio.Reader, remote string, ar *arena.Arena) (*clientRequest, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("proxycore: malformed request line %q", line)
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}

	req := &clientRequest{
		Method:     parts[0],
		Target:     parts[1],
		Headers:    headers,
		RemoteAddr: remote,
		keepAlive:  parts[2] != "HTTP/1.0",
	}
	req.Path, req.Query, _ = strings.Cut(parts[1], "?")
	if c := headers.Get("Connection"); strings.EqualFold(c, "close") {
		req.keepAlive = false
	}

	if te := headers.Get("Transfer-Encoding"); strings.EqualFold(te, "chunked") {
		body, err := readChunkedBody(br)
		if err != nil {
			return nil, err
		}
		req.Body = ar.Dup(body)
	} else if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("proxycore: malformed Content-Length %q", cl)
		}
		body := ar.Make(int(n))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
		req.Body = body
	}
	return req, nil
}

func readChunkedBody(br *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeStr, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("proxycore: malformed chunk size %q", sizeStr)
		}
		if size == 0 {
			// Trailer section ends with a blank line.
			for {
				t, err := br.ReadString('\n')
				if err != nil {
					return nil, err
				}
				if t == "\r\n" || t == "\n" {
					return body, nil
				}
			}
		}
		chunk := make([]byte, size+2)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		body = append(body, chunk[:size]...)
	}
}

// response is the assembled answer for one request.
type response struct {
	status    int
	reason    string
	headers   []translate.HeaderField
	body      []byte
	closeConn bool
}

func (r *response) setHeader(name, value string) {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].Name, name) {
			r.headers[i].Value = value
			return
		}
	}
	r.headers = append(r.headers, translate.HeaderField{Name: name, Value: value})
}

func (r *response) header(name string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// writeResponse serialises resp; HEAD suppresses the body.
func writeResponse(w io.Writer, resp *response, req *clientRequest) (int64, error) {
	reason := resp.reason
	if reason == "" {
		reason = defaultReason(resp.status)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.status, reason)
	for _, h := range resp.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.body))
	if !req.keepAlive || resp.closeConn {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")

	n, err := io.WriteString(w, b.String())
	total := int64(n)
	if err != nil {
		return total, err
	}
	if req.Method != "HEAD" && len(resp.body) > 0 {
		m, err := w.Write(resp.body)
		total += int64(m)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func defaultReason(status int) string {
	switch status {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 302:
		return "Found"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	}
	return "Status"
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ControlHandlers exposes the admin surface for a control.Server.
func (s *Server) ControlHandlers() control.Handlers {
	return control.Handlers{
		FadeChildren: func() {
			s.tcpStock.FadeAll()
			s.connStock.FadeAll()
		},
		FadeTag: func(tag string) {
			s.tcpStock.FadeTag(tag)
			s.connStock.FadeTag(tag)
		},
		FlushTranslationCache: func() {
			s.dispatcher.FlushCache()
			s.resolver.Flush()
		},
		TCacheInvalidate: s.dispatcher.InvalidateCache,
		EnableNode:       func(n string) { s.balancer.SetEnabled(n, true) },
		DisableNode:      func(n string) { s.balancer.SetEnabled(n, false) },
		Stats: func() []byte {
			hits, misses, bytes := s.respCache.Stats()
			snap := &control.Snapshot{
				CacheHits:   hits,
				CacheMisses: misses,
				CacheBytes:  bytes,
				Sessions:    s.sessions.Len(),
				StockIdle:   s.tcpStock.IdleCount(),
				StockBorrow: s.tcpStock.BorrowedCount(),
			}
			return snap.Render()
		},
		TerminateChildren: func() { s.childStock.FadeAll() },
	}
}

// Maintain runs one periodic housekeeping pass: idle-stock sweep,
// cache sweep and rubber compaction, session cleanup. The launcher
// drives it from a one-minute ticker.
func (s *Server) Maintain(now time.Time) {
	s.tcpStock.Sweep(now)
	s.connStock.Sweep(now)
	s.respCache.Sweep(now)
	s.respCache.Compact()
	s.sessions.Cleanup(now)
}

// DiscardSomeIdle drops idle pooled resources, the memory-pressure
// hook: the (external) cgroup watcher calls it on a
// memory warning, repeatedly with backoff while pressure persists.
func (s *Server) DiscardSomeIdle() int {
	n := s.tcpStock.Sweep(time.Now().Add(24 * time.Hour))
	n += s.connStock.Sweep(time.Now().Add(24 * time.Hour))
	return n
}
