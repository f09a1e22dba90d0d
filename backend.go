package proxycore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/textproto"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hexinfra/bengproxy/internal/istream"
	"github.com/hexinfra/bengproxy/internal/protocolclient/ajpclient"
	"github.com/hexinfra/bengproxy/internal/protocolclient/fcgiclient"
	"github.com/hexinfra/bengproxy/internal/protocolclient/httpclient"
	"github.com/hexinfra/bengproxy/internal/protocolclient/wasclient"
	"github.com/hexinfra/bengproxy/internal/session"
	"github.com/hexinfra/bengproxy/internal/translate"
)

// backendResponse is the materialised result of one backend
// exchange. Bodies are drained before the client response commits so
// a premature backend end can still become a clean 502 answer.
type backendResponse struct {
	status  int
	headers textproto.MIMEHeader
	body    []byte
}

// failureResponseTTL is how long a backend address stays marked
// failed after a bad exchange before the balancer considers it
// again.
const failureResponseTTL = 20 * time.Second

// tcpItem is a pooled TCP connection to an HTTP or AJP backend.
type tcpItem struct {
	conn net.Conn
	tag  string
}

func dialTCP(ctx context.Context, key string) (*tcpItem, error) {
	// key is "tag\x00host:port"; the tag part groups items for
	// fade_tag.
	tag, host, ok := strings.Cut(key, "\x00")
	if !ok {
		host, tag = key, ""
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	return &tcpItem{conn: conn, tag: tag}, nil
}

func (t *tcpItem) Probe() bool {
	t.conn.SetReadDeadline(time.Now())
	buf := make([]byte, 1)
	_, err := t.conn.Read(buf)
	t.conn.SetReadDeadline(time.Time{})
	if err == nil {
		return false // pipelined junk or early response: unusable
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (t *tcpItem) Tag() string  { return t.tag }
func (t *tcpItem) Close() error { return t.conn.Close() }

// executeAddress dispatches one exchange to the transport named by
// the address.
func (s *Server) executeAddress(ctx context.Context, addr *translate.Address, method, uri string, headers []translate.HeaderField, body []byte) (*backendResponse, error) {
	switch addr.Kind {
	case translate.AddrNone:
		return &backendResponse{status: 204, headers: make(textproto.MIMEHeader)}, nil
	case translate.AddrLocal, translate.AddrNFS:
		return serveFile(addr.Path)
	case translate.AddrHTTP:
		return s.executeHTTP(ctx, addr, method, uri, headers, body, nil)
	case translate.AddrAJP:
		return s.executeAJP(ctx, addr, method, uri, headers, body)
	case translate.AddrFastCGI:
		return s.executeFastCGI(ctx, addr, method, uri, headers, body)
	case translate.AddrWAS:
		return s.executeWAS(ctx, addr, method, uri, headers, body)
	case translate.AddrLHTTP:
		return s.executeLHTTP(ctx, addr, method, uri, headers, body)
	case translate.AddrCGI:
		return executeCGI(ctx, addr, method, uri, headers, body)
	case translate.AddrPipe:
		return executePipe(ctx, addr, body)
	}
	return nil, fmt.Errorf("proxycore: unsupported address kind %d", addr.Kind)
}

// serveFile answers from the filesystem.
func serveFile(path string) (*backendResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	body, err := istream.Drain(istream.File(f, 0, st.Size(), false))
	if err != nil {
		return nil, err
	}
	headers := make(textproto.MIMEHeader)
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	headers.Set("Content-Type", ct)
	return &backendResponse{status: 200, headers: headers, body: body}, nil
}

// executeHTTP runs the exchange over a pooled connection, retrying
// up to twice on a refused connection when no request body was
// involved. A refusal is a close before any response byte; a close
// mid-response never retries.
func (s *Server) executeHTTP(ctx context.Context, addr *translate.Address, method, uri string, headers []translate.HeaderField, body []byte, sid *session.ID) (*backendResponse, error) {
	host := addr.Host
	if len(addr.Cluster) > 0 {
		host = s.balancer.Pick(addr.Cluster, sid)
		if host == "" {
			return nil, fmt.Errorf("proxycore: every member of cluster for %q is disabled", addr.Host)
		}
	}
	key := addr.Tag + "\x00" + host

	// The server may close the connection prematurely because it did
	// not want further requests on it; with no request body written
	// yet a redial cannot duplicate anything, so try again, twice.
	retries := 0
	if len(body) == 0 {
		retries = 2
	}
	for {
		lease, err := s.tcpStock.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		resp, err := s.httpExchange(lease.Item().conn, method, uri, host, headers, body)
		if err != nil {
			lease.Release(false)
			if err == httpclient.ErrPrematureClose && retries > 0 {
				retries--
				continue
			}
			s.failures.Set(host, failureResponseTTL)
			return nil, err
		}
		lease.Release(keepAliveReusable(resp))
		s.failures.Clear(host)
		return resp, nil
	}
}

func (s *Server) httpExchange(conn net.Conn, method, uri, host string, headers []translate.HeaderField, body []byte) (*backendResponse, error) {
	req := &httpclient.Request{
		Method:        method,
		Target:        uri,
		ContentLength: int64(len(body)),
	}
	req.Headers = append(req.Headers, httpclient.Header{Name: "Host", Value: host})
	for _, h := range headers {
		if strings.EqualFold(h.Name, "host") || strings.EqualFold(h.Name, "content-length") {
			continue
		}
		req.Headers = append(req.Headers, httpclient.Header{Name: h.Name, Value: h.Value})
	}
	if len(body) > 0 {
		req.Body = istream.Memory(body)
	}
	resp, err := httpclient.Do(conn, s.cfg.ReadTimeout, s.cfg.WriteTimeout, req)
	if err != nil {
		return nil, err
	}
	data, err := istream.Drain(resp.Body)
	if err != nil {
		// Wrapped so the caller's refused-retry check doesn't fire:
		// the response already started, a redial can't resume it.
		return nil, fmt.Errorf("proxycore: reading backend response body: %w", err)
	}
	return &backendResponse{status: resp.StatusCode, headers: resp.Headers, body: data}, nil
}

func keepAliveReusable(resp *backendResponse) bool {
	return !strings.EqualFold(resp.headers.Get("Connection"), "close")
}

func (s *Server) executeAJP(ctx context.Context, addr *translate.Address, method, uri string, headers []translate.HeaderField, body []byte) (*backendResponse, error) {
	key := addr.Tag + "\x00" + addr.Host
	lease, err := s.tcpStock.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	path, query, _ := strings.Cut(uri, "?")
	req := &ajpclient.Request{
		Method:        method,
		URI:           path,
		QueryString:   query,
		RemoteAddr:    "",
		ServerName:    hostOnly(addr.Host),
		ServerPort:    hostPort(addr.Host),
		ContentLength: -1,
	}
	for _, h := range headers {
		req.Headers = append(req.Headers, ajpclient.HeaderField{Name: h.Name, Value: h.Value})
	}
	if len(body) > 0 {
		req.Body = istream.Memory(body)
		req.ContentLength = int64(len(body))
	}
	resp, err := ajpclient.Do(lease.Item().conn, s.cfg.ReadTimeout, s.cfg.WriteTimeout, req)
	if err != nil {
		lease.Release(false)
		return nil, err
	}
	out := &backendResponse{status: resp.StatusCode, headers: make(textproto.MIMEHeader)}
	for _, h := range resp.Headers {
		out.headers.Add(h.Name, h.Value)
	}
	if resp.Body != nil {
		data, err := istream.Drain(resp.Body)
		if err != nil {
			lease.Release(false)
			return nil, err
		}
		out.body = data
	}
	lease.Release(true)
	return out, nil
}

func (s *Server) executeFastCGI(ctx context.Context, addr *translate.Address, method, uri string, headers []translate.HeaderField, body []byte) (*backendResponse, error) {
	lease, err := s.connStock.Acquire(ctx, addr.Path)
	if err != nil {
		return nil, err
	}
	path, query, _ := strings.Cut(uri, "?")
	req := &fcgiclient.Request{
		Params: []fcgiclient.Param{
			{Name: "REQUEST_METHOD", Value: method},
			{Name: "SCRIPT_NAME", Value: path},
			{Name: "SCRIPT_FILENAME", Value: addr.Path},
			{Name: "REQUEST_URI", Value: uri},
			{Name: "QUERY_STRING", Value: query},
			{Name: "SERVER_PROTOCOL", Value: "HTTP/1.1"},
			{Name: "GATEWAY_INTERFACE", Value: "CGI/1.1"},
			{Name: "CONTENT_LENGTH", Value: strconv.Itoa(len(body))},
		},
		KeepConn: true,
	}
	for _, h := range headers {
		req.Params = append(req.Params, fcgiclient.Param{
			Name:  "HTTP_" + strings.ReplaceAll(strings.ToUpper(h.Name), "-", "_"),
			Value: h.Value,
		})
	}
	if len(body) > 0 {
		req.Body = istream.Memory(body)
	}
	resp, err := fcgiclient.Do(lease.Item().Conn(), s.cfg.ReadTimeout, s.cfg.WriteTimeout, req)
	if err != nil {
		lease.Release(false)
		return nil, err
	}
	data, err := istream.Drain(resp.Body)
	if err != nil {
		lease.Release(false)
		return nil, err
	}
	if resp.Stderr.Len() > 0 {
		s.log.Warn().Str("backend", addr.Path).Str("stderr", resp.Stderr.String()).Msg("fastcgi stderr")
	}
	lease.Release(true)
	return &backendResponse{status: resp.StatusCode, headers: resp.Headers, body: data}, nil
}

// executeWAS runs the exchange over a control connection leased from
// the connection stock (returned for reuse after a clean exchange)
// and a data socket dialed fresh for this exchange.
func (s *Server) executeWAS(ctx context.Context, addr *translate.Address, method, uri string, headers []translate.HeaderField, body []byte) (*backendResponse, error) {
	lease, err := s.connStock.Acquire(ctx, addr.Path)
	if err != nil {
		return nil, err
	}
	control := lease.Item().Conn()
	d := net.Dialer{Timeout: 5 * time.Second}
	data, err := d.DialContext(ctx, "unix", addr.Path+".data")
	if err != nil {
		lease.Release(false)
		return nil, err
	}
	defer data.Close()

	path, query, _ := strings.Cut(uri, "?")
	req := &wasclient.Request{
		Method:      method,
		URI:         path,
		QueryString: query,
	}
	for _, h := range headers {
		req.Headers = append(req.Headers, wasclient.HeaderField{Name: h.Name, Value: h.Value})
	}
	if len(body) > 0 {
		req.Body = istream.Memory(body)
		req.ContentLength = int64(len(body))
	}
	resp, err := wasclient.Do(control, data, data, s.cfg.ReadTimeout, s.cfg.WriteTimeout, req)
	if err != nil {
		lease.Release(false)
		return nil, err
	}
	out := &backendResponse{status: resp.StatusCode, headers: make(textproto.MIMEHeader)}
	for _, h := range resp.Headers {
		out.headers.Add(h.Name, h.Value)
	}
	if resp.Body != nil {
		b, err := istream.Drain(resp.Body)
		if err != nil {
			lease.Release(false)
			return nil, err
		}
		out.body = b
	}
	lease.Release(true)
	return out, nil
}

func (s *Server) executeLHTTP(ctx context.Context, addr *translate.Address, method, uri string, headers []translate.HeaderField, body []byte) (*backendResponse, error) {
	lease, err := s.connStock.Acquire(ctx, addr.Path)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpExchange(lease.Item().Conn(), method, uri, "localhost", headers, body)
	if err != nil {
		lease.Release(false)
		return nil, err
	}
	lease.Release(keepAliveReusable(resp))
	return resp, nil
}

// executeCGI runs the script once per request and parses its CGI
// response header block.
func executeCGI(ctx context.Context, addr *translate.Address, method, uri string, headers []translate.HeaderField, body []byte) (*backendResponse, error) {
	path, query, _ := strings.Cut(uri, "?")
	cmd := exec.CommandContext(ctx, addr.Path)
	cmd.Env = append(os.Environ(),
		"GATEWAY_INTERFACE=CGI/1.1",
		"REQUEST_METHOD="+method,
		"SCRIPT_NAME="+path,
		"QUERY_STRING="+query,
		"CONTENT_LENGTH="+strconv.Itoa(len(body)),
	)
	for _, h := range headers {
		cmd.Env = append(cmd.Env, "HTTP_"+strings.ReplaceAll(strings.ToUpper(h.Name), "-", "_")+"="+h.Value)
	}
	if len(body) > 0 {
		cmd.Stdin = bytes.NewReader(body)
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return parseCGIOutput(out)
}

func parseCGIOutput(out []byte) (*backendResponse, error) {
	sep := []byte("\r\n\r\n")
	i := bytes.Index(out, sep)
	if i < 0 {
		sep = []byte("\n\n")
		i = bytes.Index(out, sep)
	}
	if i < 0 {
		return nil, fmt.Errorf("proxycore: CGI output has no header block")
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(out[:i+len(sep)])))
	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	status := 200
	if sv := headers.Get("Status"); sv != "" {
		code, _, _ := strings.Cut(sv, " ")
		if n, err := strconv.Atoi(code); err == nil {
			status = n
		}
		headers.Del("Status")
	}
	return &backendResponse{status: status, headers: headers, body: out[i+len(sep):]}, nil
}

// executePipe feeds the body through a filter program; its stdout is
// the new body.
func executePipe(ctx context.Context, addr *translate.Address, body []byte) (*backendResponse, error) {
	cmd := exec.CommandContext(ctx, addr.Path)
	cmd.Stdin = bytes.NewReader(body)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	headers := make(textproto.MIMEHeader)
	headers.Set("Content-Type", "text/html")
	return &backendResponse{status: 200, headers: headers, body: out}, nil
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

func hostPort(hostport string) uint16 {
	_, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return 80
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 80
	}
	return uint16(n)
}
