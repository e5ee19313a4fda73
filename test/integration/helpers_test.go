package integration

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/internal/controller"
	"github.com/ChuLiYu/groupmesh/internal/transport/ledger"
)

func memberIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("member-%05d", i)
	}
	return ids
}

func controllerConfig(dir string) controller.Config {
	return controller.Config{
		WALPath:      filepath.Join(dir, "distributions.wal"),
		SnapshotPath: filepath.Join(dir, "history.snapshot"),
	}
}

// startLedger serves a loopback ledger over real TCP and returns its address.
func startLedger(t testing.TB) (*ledger.Loopback, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	lb := ledger.NewLoopback()
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(done)
		ctx := contextUntil(stop)
		_ = ledger.Serve(ctx, lis, lb)
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	return lb, lis.Addr().String()
}

func dialLedger(t testing.TB, addr string) *ledger.Client {
	t.Helper()
	c, err := ledger.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// contextUntil is cancelled when stop closes.
func contextUntil(stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}
