// Package childstock implements the two-level stock for
// child-process backends (FastCGI, WAS, LHTTP): a ChildStock
// launches and owns worker processes, and a ConnectionStock pools
// the individual client sockets connected to those workers,
// acquiring a child lease before connecting.
package childstock

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexinfra/bengproxy/internal/stock"
)

// Spawner creates and owns one worker process listening on a
// Unix-domain socket. Implementations are free to use jail/namespace
// setup before exec.
type Spawner interface {
	// Spawn starts the worker and returns the path to the Unix socket
	// it listens on once ready.
	Spawn(ctx context.Context, key string) (sockPath string, cleanup func(), err error)
}

// ExecSpawner is the default Spawner: it execs a configured command
// with the socket path appended as its last argument and waits for
// the socket file to appear.
type ExecSpawner struct {
	Command    string
	Args       []string
	Env        []string
	Dir        string
	SocketDir  string
	WaitPoll   time.Duration
	WaitExpiry time.Duration
}

func (e *ExecSpawner) Spawn(ctx context.Context, key string) (string, func(), error) {
	sockPath := fmt.Sprintf("%s/%s.sock", e.SocketDir, sanitizeKey(key))
	os.Remove(sockPath)

	args := append(append([]string(nil), e.Args...), sockPath)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Dir = e.Dir
	cmd.Env = e.Env
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", nil, err
	}

	poll := e.WaitPoll
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	expiry := e.WaitExpiry
	if expiry <= 0 {
		expiry = 3 * time.Second
	}
	deadline := time.Now().Add(expiry)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cmd.Process.Kill()
			return "", nil, fmt.Errorf("childstock: worker did not create %s in time", sockPath)
		}
		time.Sleep(poll)
	}

	cleanup := func() {
		cmd.Process.Kill()
		cmd.Wait()
		os.Remove(sockPath)
	}
	return sockPath, cleanup, nil
}

func sanitizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for _, c := range []byte(key) {
		if c == '/' || c == '\x00' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

// childProcess is the Item stored in the ChildStock: one worker with
// its socket path, carried as a stock.Item so the generic free-list
// machinery in internal/stock applies unchanged.
type childProcess struct {
	key      string
	sockPath string
	cleanup  func()
	tag      string
	mu       sync.Mutex
	dead     bool
}

func (c *childProcess) Probe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	// A worker process counts as "alive" so long as its socket file
	// still exists; ConnectionStock does the actual liveness
	// probe against the data connection, so this is intentionally
	// cheap.
	_, err := os.Stat(c.sockPath)
	return err == nil
}
func (c *childProcess) Tag() string { return c.tag }
func (c *childProcess) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil
	}
	c.dead = true
	if c.cleanup != nil {
		c.cleanup()
	}
	return nil
}

// ChildStock launches and owns worker processes, each keyed by the
// same stock-key a ConnectionStock will use to find its socket.
type ChildStock struct {
	inner   *stock.Stock[*childProcess]
	spawner Spawner
	tag     string
}

// NewChildStock creates a ChildStock that spawns workers via spawner.
func NewChildStock(spawner Spawner, tag string, opts stock.Options, log zerolog.Logger) *ChildStock {
	cs := &ChildStock{spawner: spawner, tag: tag}
	cs.inner = stock.New[*childProcess](cs.spawn, opts, log)
	return cs
}

func (cs *ChildStock) spawn(ctx context.Context, key string) (*childProcess, error) {
	sockPath, cleanup, err := cs.spawner.Spawn(ctx, key)
	if err != nil {
		return nil, err
	}
	return &childProcess{key: key, sockPath: sockPath, cleanup: cleanup, tag: cs.tag}, nil
}

// Acquire leases one worker process for key, launching it if needed.
func (cs *ChildStock) Acquire(ctx context.Context, key string) (*stock.Lease[*childProcess], error) {
	return cs.inner.Get(ctx, key)
}

func (cs *ChildStock) FadeAll()          { cs.inner.FadeAll() }
func (cs *ChildStock) FadeTag(tag string) { cs.inner.FadeTag(tag) }
func (cs *ChildStock) Sweep(now time.Time) int { return cs.inner.Sweep(now) }

// connItem is the Item stored in the ConnectionStock: a live Unix
// socket connection to a worker process's listen socket, plus the
// child-process lease that keeps the worker alive for as long as this
// connection exists.
type connItem struct {
	conn       net.Conn
	tag        string
	childLease *stock.Lease[*childProcess]
}

func (c *connItem) Probe() bool {
	// Non-blocking liveness check: a zero-deadline read that returns
	// immediately with os.ErrDeadlineExceeded means nothing is pending
	// and the peer is still there; any other outcome (data, EOF, or a
	// real error) means the connection can't be handed out as-is.
	uc, ok := c.conn.(*net.UnixConn)
	if !ok {
		return true
	}
	uc.SetReadDeadline(time.Now())
	buf := make([]byte, 1)
	_, err := uc.Read(buf)
	uc.SetReadDeadline(time.Time{})
	if err == nil {
		return false // unexpected data pending: treat as unusable
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
func (c *connItem) Tag() string { return c.tag }

// Conn exposes the pooled socket to the protocol client borrowing it.
func (c *connItem) Conn() net.Conn { return c.conn }

// Close drops this connection and releases the underlying child
// lease with reuse=true: losing one connection to a worker says
// nothing about whether the worker itself is still healthy, so the
// child stays pooled for the next connection attempt. Liveness
// probing (on both stocks) is what actually catches a dead worker.
func (c *connItem) Close() error {
	err := c.conn.Close()
	if c.childLease != nil {
		c.childLease.Release(true)
	}
	return err
}

// ConnectionStock pools client-side sockets connected to a
// ChildStock's workers. Getting a connection first acquires a child
// lease, then dials that child's socket.
type ConnectionStock struct {
	inner       *stock.Stock[*connItem]
	children    *ChildStock
	tag         string
	dialTimeout time.Duration
}

// NewConnectionStock creates a ConnectionStock layered over children.
func NewConnectionStock(children *ChildStock, tag string, dialTimeout time.Duration, opts stock.Options, log zerolog.Logger) *ConnectionStock {
	cs := &ConnectionStock{children: children, tag: tag, dialTimeout: dialTimeout}
	cs.inner = stock.New[*connItem](cs.dial, opts, log)
	return cs
}

func (cs *ConnectionStock) dial(ctx context.Context, key string) (*connItem, error) {
	childLease, err := cs.children.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: cs.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", childLease.Item().sockPath)
	if err != nil {
		childLease.Release(false)
		return nil, err
	}
	return &connItem{conn: conn, tag: cs.tag, childLease: childLease}, nil
}

// Acquire leases one connection for key, acquiring the underlying
// child process first if no idle connection is available.
func (cs *ConnectionStock) Acquire(ctx context.Context, key string) (*stock.Lease[*connItem], error) {
	return cs.inner.Get(ctx, key)
}

func (cs *ConnectionStock) FadeAll()           { cs.inner.FadeAll(); cs.children.FadeAll() }
func (cs *ConnectionStock) FadeTag(tag string) { cs.inner.FadeTag(tag); cs.children.FadeTag(tag) }
func (cs *ConnectionStock) Sweep(now time.Time) int {
	n := cs.inner.Sweep(now)
	n += cs.children.Sweep(now)
	return n
}
