package ledger

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

func env(recipient string) types.Envelope {
	return types.Envelope{
		DistributionID: "d1",
		MessageID:      "m1",
		GroupID:        "g1",
		SenderID:       "alice",
		DeviceID:       7,
		RecipientID:    recipient,
		Ciphertext:     []byte{0x00, 0x01, 0xFE, 0xFF},
		Timestamp:      1767225600000,
	}
}

func recv(t *testing.T, ch <-chan types.Envelope) types.Envelope {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return types.Envelope{}
	}
}

func TestLoopback_InboxReplayedOnSubscribe(t *testing.T) {
	l := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rcpt, err := l.Send(ctx, env("bob"))
	require.NoError(t, err)
	assert.Equal(t, "bob", rcpt.RecipientID)
	assert.NotEmpty(t, rcpt.ReceiptID)
	assert.Equal(t, 1, l.Pending("bob"))

	ch := l.Subscribe(ctx, "bob")
	assert.Equal(t, env("bob"), recv(t, ch))
	assert.Zero(t, l.Pending("bob"))

	_, err = l.Send(ctx, env("bob"))
	require.NoError(t, err)
	recv(t, ch)
	assert.EqualValues(t, 2, l.Sent())

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLoopback_InboxBounded(t *testing.T) {
	l := NewLoopback()
	for i := 0; i < InboxLimit+10; i++ {
		_, err := l.Send(context.Background(), env("carol"))
		require.NoError(t, err)
	}
	assert.Equal(t, InboxLimit, l.Pending("carol"))
}

func TestLoopback_RejectsMissingRecipient(t *testing.T) {
	_, err := NewLoopback().Send(context.Background(), env(""))
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestFlaky(t *testing.T) {
	l := NewLoopback()
	tests := []struct {
		name    string
		roll    float64
		wantErr bool
	}{
		{"below rate fails", 0.1, true},
		{"above rate passes", 0.9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flaky{Next: l, Rate: 0.5, Rand: func() float64 { return tt.roll }}
			_, err := f.Send(context.Background(), env("dave"))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInjected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, b Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer()
	Register(gs, b)
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return NewClient(cc)
}

func TestGRPC_SendAndSubscribe(t *testing.T) {
	l := NewLoopback()
	c := startBufGRPC(t, l)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Subscribe(ctx, "bob")
	require.NoError(t, err)
	// 等待訂閱在伺服器端建立
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.subs["bob"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rcpt, err := c.Send(ctx, env("bob"))
	require.NoError(t, err)
	assert.Equal(t, "m1", rcpt.MessageID)
	assert.Equal(t, "bob", rcpt.RecipientID)

	got := recv(t, ch)
	assert.Equal(t, env("bob"), got)
}

func TestGRPC_InvalidArgument(t *testing.T) {
	c := startBufGRPC(t, NewLoopback())
	_, err := c.Send(context.Background(), env(""))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_BackendFailureIsUnavailable(t *testing.T) {
	f := &Flaky{Next: NewLoopback(), Rate: 1, Rand: func() float64 { return 0 }}
	c := startBufGRPC(t, f)
	_, err := c.Send(context.Background(), env("bob"))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
