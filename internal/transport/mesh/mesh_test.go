package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/internal/distributor"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

var (
	_ distributor.Mesh = (*Hub)(nil)
	_ distributor.Mesh = (*Client)(nil)
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/members", hub.HandleMember)
	mux.HandleFunc("/relay", hub.HandleRelay)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func join(t *testing.T, hub *Hub, base, id string) *Member {
	t.Helper()
	m, err := Join(context.Background(), base+"/members", id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.Eventually(t, func() bool { return hub.Connected(id) }, 2*time.Second, 10*time.Millisecond)
	return m
}

func testEnvelope() types.Envelope {
	return types.Envelope{
		DistributionID: "d1",
		MessageID:      "m1",
		GroupID:        "g1",
		SenderID:       "alice",
		DeviceID:       1,
		Ciphertext:     []byte("sealed"),
		Timestamp:      1767225600000,
	}
}

func TestRelay_DeliversAndReportsMissed(t *testing.T) {
	hub, base := startHub(t)
	a := join(t, hub, base, "a")
	b := join(t, hub, base, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, base+"/relay")
	require.NoError(t, err)
	defer c.Close()

	failed, err := c.Deliver(ctx, []string{"a", "b", "ghost"}, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, failed)

	for _, m := range []*Member{a, b} {
		env, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, m.ID, env.RecipientID)
		assert.Equal(t, []byte("sealed"), env.Ciphertext)
	}
}

func TestHub_InProcessDeliver(t *testing.T) {
	hub, base := startHub(t)
	a := join(t, hub, base, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	failed, err := hub.Deliver(ctx, []string{"a", "z"}, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, failed)

	env, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", env.RecipientID)
}

func TestHub_MemberLeaves(t *testing.T) {
	hub, base := startHub(t)
	a := join(t, hub, base, "a")
	require.Equal(t, 1, hub.Size())

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return !hub.Connected("a") }, 2*time.Second, 10*time.Millisecond)

	failed, err := hub.Deliver(context.Background(), []string{"a"}, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, failed)
}

func TestHub_RejectsAnonymousMember(t *testing.T) {
	hub := NewHub()
	rec := httptest.NewRecorder()
	hub.HandleMember(rec, httptest.NewRequest(http.MethodGet, "/members", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClient_ClosedHub(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleRelay))
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, base)
	require.NoError(t, err)
	defer c.Close()

	srv.CloseClientConnections()
	srv.Close()

	require.Eventually(t, func() bool {
		_, err := c.Deliver(ctx, []string{"a"}, testEnvelope())
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}
