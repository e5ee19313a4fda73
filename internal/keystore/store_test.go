package keystore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/internal/crypto"
)

// failingSignal fails CreateSenderKey for one sender.
type failingSignal struct {
	*crypto.MemoryStore
	failFor string
}

func (f *failingSignal) CreateSenderKey(ctx context.Context, name crypto.SenderKeyName) (*crypto.SenderKeyRecord, error) {
	if name.SenderID == f.failFor {
		return nil, errors.New("hsm unavailable")
	}
	return f.MemoryStore.CreateSenderKey(ctx, name)
}

func TestCreateAndRotate(t *testing.T) {
	ctx := context.Background()
	signal := crypto.NewMemoryStore()
	s := New(signal)

	entry, err := s.CreateKey(ctx, "g1", "alice", DefaultDeviceID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Generation)
	assert.True(t, s.Has("g1", "alice"))

	before, err := signal.LoadSenderKey(ctx, Name("g1", "alice", DefaultDeviceID))
	require.NoError(t, err)

	require.NoError(t, s.RotateKeys(ctx, "g1", []string{"alice", "bob"}))
	after, err := signal.LoadSenderKey(ctx, Name("g1", "alice", DefaultDeviceID))
	require.NoError(t, err)
	assert.NotEqual(t, before.ChainKey, after.ChainKey)

	alice, _ := s.Entry("g1", "alice")
	bob, _ := s.Entry("g1", "bob")
	assert.Equal(t, 2, alice.Generation)
	assert.Equal(t, 1, bob.Generation)
	assert.Equal(t, []string{"alice", "bob"}, s.Members("g1"))
}

func TestRotateStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	s := New(&failingSignal{MemoryStore: crypto.NewMemoryStore(), failFor: "bob"})

	err := s.RotateKeys(ctx, "g1", []string{"alice", "bob", "carol"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bob")
	assert.True(t, s.Has("g1", "alice"))
	assert.False(t, s.Has("g1", "carol"))
}

func TestRemoveKeysAndGroup(t *testing.T) {
	ctx := context.Background()
	signal := crypto.NewMemoryStore()
	s := New(signal)
	for _, m := range []string{"alice", "bob", "carol"} {
		_, err := s.CreateKey(ctx, "g1", m, DefaultDeviceID)
		require.NoError(t, err)
	}

	require.NoError(t, s.RemoveKeys(ctx, "g1", []string{"bob", "ghost"}))
	assert.False(t, s.Has("g1", "bob"))
	_, err := signal.LoadSenderKey(ctx, Name("g1", "bob", DefaultDeviceID))
	assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
	assert.Equal(t, 2, s.Size("g1"))

	require.NoError(t, s.RemoveGroup(ctx, "g1"))
	assert.Empty(t, s.Members("g1"))
	_, err = signal.LoadSenderKey(ctx, Name("g1", "alice", DefaultDeviceID))
	assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
}

func TestImportBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	signal := crypto.NewMemoryStore()
	s := New(signal)
	_, err := s.CreateKey(ctx, "g1", "alice", 3)
	require.NoError(t, err)

	rec, err := signal.CreateSenderKey(ctx, Name("g1", "alice", 3))
	require.NoError(t, err)
	entry := s.Import("g1", rec)
	assert.Equal(t, 2, entry.Generation)
	assert.Equal(t, uint32(3), entry.DeviceID)
	assert.Equal(t, rec.KeyID, entry.KeyID)
}

func TestChangedSince(t *testing.T) {
	ctx := context.Background()
	s := New(crypto.NewMemoryStore())
	for _, m := range []string{"alice", "bob", "carol"} {
		_, err := s.CreateKey(ctx, "g1", m, DefaultDeviceID)
		require.NoError(t, err)
	}
	mark := s.Seq("g1")
	assert.Equal(t, uint64(3), mark)

	require.NoError(t, s.RotateKeys(ctx, "g1", []string{"carol", "alice"}))
	require.NoError(t, s.RotateKeys(ctx, "g1", []string{"carol"}))

	changed := s.ChangedSince("g1", mark)
	require.Len(t, changed, 2)
	assert.Equal(t, "alice", changed[0].MemberID)
	assert.Equal(t, "carol", changed[1].MemberID)
	assert.Equal(t, uint64(6), changed[1].Seq)
	assert.Empty(t, s.ChangedSince("g1", s.Seq("g1")))
	assert.Len(t, s.ChangedSince("g1", 0), 3)

	// 刪除群組後序號不歸零，舊游標不會漏掉重建後的密鑰
	require.NoError(t, s.RemoveGroup(ctx, "g1"))
	_, err := s.CreateKey(ctx, "g1", "dave", DefaultDeviceID)
	require.NoError(t, err)
	assert.Len(t, s.ChangedSince("g1", 6), 1)
}
