package netwatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (t *transitions) record(v bool) {
	t.mu.Lock()
	t.got = append(t.got, v)
	t.mu.Unlock()
}

func (t *transitions) list() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.got...)
}

func TestWatcher_ReportsTransitions(t *testing.T) {
	var reachable atomic.Bool
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		if !reachable.Load() {
			return nil, errors.New("unreachable")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	rec := &transitions{}
	w := New("relay.test:443", rec.record, zerolog.Nop(),
		WithInterval(5*time.Millisecond), WithDialFunc(dial))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{false}, rec.list())

	reachable.Store(true)
	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{false, true}, rec.list())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rec := &transitions{}
	w := New(ln.Addr().String(), rec.record, zerolog.Nop(), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	assert.Empty(t, rec.list(), "reachable host produces no transition")
}

func TestAddressFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8080", "localhost:8080"},
		{"https://chat.example.com", "chat.example.com:443"},
		{"wss://chat.example.com/ws", "chat.example.com:443"},
		{"ws://chat.example.com", "chat.example.com:80"},
	}
	for _, tc := range tests {
		got, err := AddressFromURL(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
