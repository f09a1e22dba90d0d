package childstock

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexinfra/bengproxy/internal/stock"
)

// fakeSpawner hands out a real listening Unix socket per key, backed
// by an in-memory listener goroutine, so ConnectionStock can actually
// dial it in tests without forking a real worker process.
type fakeSpawner struct {
	listeners map[string]net.Listener
	spawned   int
}

func (f *fakeSpawner) Spawn(ctx context.Context, key string) (string, func(), error) {
	f.spawned++
	// A real filesystem path is required (not an abstract socket) so
	// childProcess.Probe's os.Stat liveness check has something to see.
	sockPath := "/tmp/bengproxy-test-" + key + ".sock"
	os.Remove(sockPath)
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return "", nil, err
	}
	addr := l.Addr().String()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	f.listeners[key] = l
	return addr, func() { l.Close() }, nil
}

func TestAcquireDialsThroughChildLease(t *testing.T) {
	sp := &fakeSpawner{listeners: map[string]net.Listener{}}
	cstk := NewChildStock(sp, "fcgi", stock.Options{}, zerolog.Nop())
	connStock := NewConnectionStock(cstk, "fcgi", time.Second, stock.Options{}, zerolog.Nop())

	lease, err := connStock.Acquire(context.Background(), "app1")
	if err != nil {
		t.Fatal(err)
	}
	if sp.spawned != 1 {
		t.Errorf("spawned = %d, want 1", sp.spawned)
	}
	lease.Release(false)
}

func TestSecondAcquireReusesChildWithoutRespawn(t *testing.T) {
	sp := &fakeSpawner{listeners: map[string]net.Listener{}}
	cstk := NewChildStock(sp, "fcgi", stock.Options{}, zerolog.Nop())
	connStock := NewConnectionStock(cstk, "fcgi", time.Second, stock.Options{}, zerolog.Nop())

	l1, err := connStock.Acquire(context.Background(), "app1")
	if err != nil {
		t.Fatal(err)
	}
	l1.Release(false) // connection dropped, but nothing forces the child to respawn next time

	l2, err := connStock.Acquire(context.Background(), "app1")
	if err != nil {
		t.Fatal(err)
	}
	if sp.spawned != 1 {
		t.Errorf("spawned = %d, want 1 (same worker reused across connections)", sp.spawned)
	}
	l2.Release(false)
}
