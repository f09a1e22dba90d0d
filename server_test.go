package proxycore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexinfra/bengproxy/internal/translate"
)

func testServer(t *testing.T, oracle translate.Oracle) *Server {
	t.Helper()
	return NewServer(Config{
		Oracle:        oracle,
		Log:           zerolog.Nop(),
		VerboseErrors: false,
		ReadTimeout:   2 * time.Second,
		WriteTimeout:  2 * time.Second,
	})
}

// roundTrip writes raw request bytes and parses one response.
func roundTrip(t *testing.T, conn net.Conn, raw string) (int, textproto.MIMEHeader, []byte) {
	t.Helper()
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	parts := strings.SplitN(line, " ", 3)
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("bad status line %q", line)
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		t.Fatal(err)
	}
	n, _ := strconv.Atoi(headers.Get("Content-Length"))
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatal(err)
	}
	return status, headers, body
}

func serveOne(t *testing.T, s *Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go s.ServeConn(server)
	t.Cleanup(func() { client.Close() })
	return client
}

// startBackend runs a minimal HTTP/1.1 backend returning respond()
// per request; it keeps the connection open for reuse.
func startBackend(t *testing.T, respond func(req string) string) (string, *atomic.Int32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	hits := &atomic.Int32{}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					tp := textproto.NewReader(br)
					line, err := tp.ReadLine()
					if err != nil {
						return
					}
					if _, err := tp.ReadMIMEHeader(); err != nil {
						return
					}
					hits.Add(1)
					if _, err := io.WriteString(conn, respond(line)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return l.Addr().String(), hits
}

// GET /hello against a LOCAL file address answers 200 "hello".
func TestLocalFileServed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.html")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.Address{Kind: translate.AddrLocal, Path: path}}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)

	status, headers, body := roundTrip(t, conn, "GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
	if cl := headers.Get("Content-Length"); cl != "5" {
		t.Errorf("Content-Length = %q, want 5", cl)
	}
}

func TestMissingLocalFileIs404(t *testing.T) {
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.Address{Kind: translate.AddrLocal, Path: "/does/not/exist"}}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, _, _ := roundTrip(t, conn, "GET /x HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 404 {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestKeepAliveServesSecondRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("x"), 0644)
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.Address{Kind: translate.AddrLocal, Path: path}}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)

	for i := 0; i < 2; i++ {
		status, _, _ := roundTrip(t, conn, "GET /f HTTP/1.1\r\nHost: h\r\n\r\n")
		if status != 200 {
			t.Fatalf("request %d: status %d", i, status)
		}
	}
}

func TestRedirectShortCircuit(t *testing.T) {
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Redirect: "https://elsewhere.example/"}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, headers, _ := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 302 {
		t.Errorf("status = %d, want 302", status)
	}
	if loc := headers.Get("Location"); loc != "https://elsewhere.example/" {
		t.Errorf("Location = %q", loc)
	}
}

func TestCheckLoopOverrunIs502(t *testing.T) {
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Check: []byte("again")}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, _, _ := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 502 {
		t.Errorf("status = %d, want 502", status)
	}
}

func TestHTTPBackendProxied(t *testing.T) {
	backendAddr, _ := startBackend(t, func(string) string {
		return "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 4\r\n\r\npong"
	})
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.Address{Kind: translate.AddrHTTP, Host: backendAddr}}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, _, body := roundTrip(t, conn, "GET /p HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 200 || string(body) != "pong" {
		t.Errorf("status %d body %q", status, body)
	}
}

// A backend that refuses the first two connections is retried: two
// retries are allowed when no request body was written, so the third
// attempt succeeds.
func TestRefusedBackendRetriedTwice(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	var conns atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			n := conns.Add(1)
			if n <= 2 {
				// Close without a single response byte: the
				// refused case.
				conn.Close()
				continue
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				tp := textproto.NewReader(br)
				tp.ReadLine()
				tp.ReadMIMEHeader()
				io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nthird")
			}(conn)
		}
	}()
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.Address{Kind: translate.AddrHTTP, Host: l.Addr().String()}}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, _, body := roundTrip(t, conn, "GET /flaky HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 200 || string(body) != "third" {
		t.Errorf("status %d body %q after retries", status, body)
	}
	if n := conns.Load(); n != 3 {
		t.Errorf("backend connections = %d, want 3 (two refusals + one success)", n)
	}
}

// A request body rules the retry out: one refusal fails the request.
func TestRefusedBackendNotRetriedWithBody(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	var conns atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			conn.Close()
		}
	}()
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.Address{Kind: translate.AddrHTTP, Host: l.Addr().String()}}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, _, _ := roundTrip(t, conn, "POST /w HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc")
	if status != 502 {
		t.Errorf("status = %d, want 502", status)
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("backend connections = %d, want 1 (no retry with a request body)", n)
	}
}

// A backend dying mid-body still yields a clean 502.
func TestPrematureBackendEndIs502(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			br := bufio.NewReader(conn)
			tp := textproto.NewReader(br)
			tp.ReadLine()
			tp.ReadMIMEHeader()
			io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
			conn.Close()
		}
	}()
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.Address{Kind: translate.AddrHTTP, Host: l.Addr().String()}}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, _, body := roundTrip(t, conn, "GET /cut HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 502 {
		t.Errorf("status = %d, want 502", status)
	}
	if string(body) != "Bad gateway" {
		t.Errorf("canned body = %q", body)
	}
}

// MaxAge>0 caches; the second request
// never reaches the backend.
func TestResponseCacheAvoidsSecondFetch(t *testing.T) {
	backendAddr, hits := startBackend(t, func(string) string {
		return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nqs"
	})
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{
			Address: translate.Address{Kind: translate.AddrHTTP, Host: backendAddr},
			MaxAge:  time.Minute,
			Vary:    []string{"accept"},
		}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	for i := 0; i < 2; i++ {
		status, _, body := roundTrip(t, conn, "GET /qs?abc HTTP/1.1\r\nHost: h\r\nAccept: */*\r\n\r\n")
		if status != 200 || string(body) != "qs" {
			t.Fatalf("request %d: %d %q", i, status, body)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("backend hits = %d, want 1", n)
	}
}

// A PROCESS view splices a widget's
// sub-response into the parent template.
func TestProcessViewSplicesWidget(t *testing.T) {
	subAddr, _ := startBackend(t, func(string) string {
		return "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 10\r\n\r\n<b>sub</b>"
	})
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "page.html")
	os.WriteFile(tmpl, []byte(`<html><beng:widget type="sync" id="w"/></html>`), 0644)

	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		if req.WidgetType == "sync" {
			return &translate.Response{
				Address: translate.Address{Kind: translate.AddrHTTP, Host: subAddr, URI: "/"},
				Views:   []translate.View{{Name: ""}},
			}, nil
		}
		return &translate.Response{
			Address: translate.Address{Kind: translate.AddrLocal, Path: tmpl},
			Views: []translate.View{{
				Name: "",
				Transformations: []translate.Transformation{{
					Kind:         translate.TransformProcess,
					ProcessFlags: 1, // container
				}},
			}},
		}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, headers, body := roundTrip(t, conn, "GET /x HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if string(body) != "<html><b>sub</b></html>" {
		t.Errorf("composed = %q", body)
	}
	if ct := headers.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestErrorDocumentReplacesBody(t *testing.T) {
	dir := t.TempDir()
	errdoc := filepath.Join(dir, "404.html")
	os.WriteFile(errdoc, []byte("custom not found"), 0644)

	backendAddr, _ := startBackend(t, func(string) string {
		return "HTTP/1.1 404 Not Found\r\nContent-Length: 5\r\n\r\nplain"
	})
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		if req.ErrorDocumentStatus == 404 {
			return &translate.Response{Address: translate.Address{Kind: translate.AddrLocal, Path: errdoc}}, nil
		}
		return &translate.Response{
			Address:               translate.Address{Kind: translate.AddrHTTP, Host: backendAddr},
			ErrorDocumentStatuses: []int{404},
		}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	status, _, body := roundTrip(t, conn, "GET /gone HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 404 {
		t.Errorf("status = %d, want 404", status)
	}
	if string(body) != "custom not found" {
		t.Errorf("body = %q", body)
	}
}

func TestSessionCookieIssued(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	os.WriteFile(path, []byte("x"), 0644)
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{
			Address:       translate.Address{Kind: translate.AddrLocal, Path: path},
			SessionCookie: "sid",
			CookieHost:    "h.example",
		}, nil
	})
	s := testServer(t, oracle)
	conn := serveOne(t, s)
	_, headers, _ := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: h.example\r\n\r\n")
	sc := headers.Get("Set-Cookie")
	if !strings.HasPrefix(sc, "sid=") || !strings.Contains(sc, "Domain=h.example") {
		t.Errorf("Set-Cookie = %q", sc)
	}
	if s.sessions.Len() != 1 {
		t.Errorf("sessions = %d, want 1", s.sessions.Len())
	}
}

func TestVerboseErrorBody(t *testing.T) {
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return nil, fmt.Errorf("oracle exploded")
	})
	s := NewServer(Config{Oracle: oracle, Log: zerolog.Nop(), VerboseErrors: true})
	conn := serveOne(t, s)
	status, _, body := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	if status != 502 {
		t.Errorf("status = %d", status)
	}
	if !strings.Contains(string(body), "oracle exploded") {
		t.Errorf("verbose body = %q", body)
	}
}

func TestControlHandlersWired(t *testing.T) {
	oracle := translate.OracleFunc(func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		return &translate.Response{}, nil
	})
	s := testServer(t, oracle)
	h := s.ControlHandlers()
	h.FadeChildren()
	h.FlushTranslationCache()
	h.DisableNode("n1")
	h.EnableNode("n1")
	stats := h.Stats()
	if !strings.Contains(string(stats), "sessions:") {
		t.Errorf("stats = %q", stats)
	}
}
