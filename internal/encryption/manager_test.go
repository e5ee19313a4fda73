package encryption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/internal/crypto"
	"github.com/ChuLiYu/groupmesh/internal/keystore"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// flakySignal fails key creation for the listed senders.
type flakySignal struct {
	*crypto.MemoryStore
	mu   sync.Mutex
	fail map[string]bool
}

func newFlakySignal(fail ...string) *flakySignal {
	f := &flakySignal{MemoryStore: crypto.NewMemoryStore(), fail: map[string]bool{}}
	for _, id := range fail {
		f.fail[id] = true
	}
	return f
}

func (f *flakySignal) CreateSenderKey(ctx context.Context, name crypto.SenderKeyName) (*crypto.SenderKeyRecord, error) {
	f.mu.Lock()
	fail := f.fail[name.SenderID]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("keygen failed")
	}
	return f.MemoryStore.CreateSenderKey(ctx, name)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(crypto.NewMemoryStore(), opts...)
}

func initGroup(t *testing.T, m *Manager, groupID string, members ...string) types.GroupEncryptionInfo {
	t.Helper()
	info, err := m.InitializeGroupEncryption(context.Background(), groupID, members, members[0])
	require.NoError(t, err)
	return info
}

func members(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("m%03d", i)
	}
	return out
}

// ============================================================================
// Tests
// ============================================================================

func TestInitializeGroupEncryption(t *testing.T) {
	m := newTestManager(t)
	info := initGroup(t, m, "g1", "alice", "bob", "carol")

	assert.True(t, info.Initialized)
	assert.Equal(t, 3, info.MemberCount)
	assert.Equal(t, 0, info.KeyRotationCount)
	assert.Equal(t, EncryptionVersion, info.EncryptionVersion)
	for _, id := range []string{"alice", "bob", "carol"} {
		assert.True(t, m.VerifySenderKeyIntegrity(context.Background(), "g1", id, DefaultDeviceID), id)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	first := initGroup(t, m, "g1", "alice", "bob")
	before, err := m.Keys().Signal().LoadSenderKey(ctx, keystore.Name("g1", "alice", DefaultDeviceID))
	require.NoError(t, err)

	second, err := m.InitializeGroupEncryption(ctx, "g1", []string{"alice", "bob", "dave"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, m.Keys().Has("g1", "dave"))

	after, err := m.Keys().Signal().LoadSenderKey(ctx, keystore.Name("g1", "alice", DefaultDeviceID))
	require.NoError(t, err)
	assert.Equal(t, before.KeyID, after.KeyID)
}

func TestInitializeRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	signal := newFlakySignal("carol")
	m := NewManager(signal)

	_, err := m.InitializeGroupEncryption(ctx, "g1", []string{"alice", "bob", "carol", "dave"}, "alice")
	require.ErrorIs(t, err, ErrKeyCreation)

	assert.Empty(t, m.Keys().Members("g1"))
	_, err = signal.LoadSenderKey(ctx, keystore.Name("g1", "alice", DefaultDeviceID))
	assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
	_, ok := m.GetGroupEncryptionInfo("g1")
	assert.False(t, ok)
}

func TestConcurrentInitializeSerializes(t *testing.T) {
	m := newTestManager(t)
	var wg sync.WaitGroup
	infos := make([]types.GroupEncryptionInfo, 10)
	for i := range infos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := m.InitializeGroupEncryption(context.Background(), "g1", []string{"alice", "bob"}, "alice")
			assert.NoError(t, err)
			infos[i] = info
		}(i)
	}
	wg.Wait()
	for _, info := range infos[1:] {
		assert.Equal(t, infos[0], info)
	}
	entry, ok := m.Keys().Entry("g1", "alice")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Generation)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	group := members(5)
	initGroup(t, m, "g1", group...)

	for _, sender := range group {
		plaintext := []byte("hello from " + sender)
		ct, err := m.EncryptGroupMessage(ctx, "g1", sender, DefaultDeviceID, plaintext)
		require.NoError(t, err)
		pt, err := m.DecryptGroupMessage(ctx, "g1", sender, DefaultDeviceID, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	}
}

func TestEncryptUninitializedGroup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.EncryptGroupMessage(ctx, "nope", "alice", DefaultDeviceID, []byte("x"))
	assert.ErrorIs(t, err, ErrGroupNotInitialized)
	_, err = m.DecryptGroupMessage(ctx, "nope", "alice", DefaultDeviceID, []byte("x"))
	assert.ErrorIs(t, err, ErrGroupNotInitialized)
	_, err = m.AddMembersToGroupEncryption(ctx, "nope", []string{"bob"}, nil)
	assert.ErrorIs(t, err, ErrGroupNotInitialized)
	_, err = m.RotateSenderKeys(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrGroupNotInitialized)
}

func TestAddMembersRotatesKeys(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	initGroup(t, m, "g1", "alice", "bob")

	before, err := m.EncryptGroupMessage(ctx, "g1", "alice", DefaultDeviceID, []byte("before join"))
	require.NoError(t, err)

	info, err := m.AddMembersToGroupEncryption(ctx, "g1", []string{"carol", "dave"}, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, info.KeyRotationCount)
	assert.Equal(t, 4, info.MemberCount)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, m.Members("g1"))

	after, err := m.EncryptGroupMessage(ctx, "g1", "alice", DefaultDeviceID, []byte("after join"))
	require.NoError(t, err)

	oldKey, _ := crypto.CiphertextKeyID(before)
	newKey, _ := crypto.CiphertextKeyID(after)
	assert.NotEqual(t, oldKey, newKey, "rotation must replace key material")

	_, err = m.DecryptGroupMessage(ctx, "g1", "alice", DefaultDeviceID, before)
	assert.ErrorIs(t, err, crypto.ErrStaleKey)
}

func TestAddMembersFailureLeavesCountUnchanged(t *testing.T) {
	ctx := context.Background()
	signal := newFlakySignal()
	m := NewManager(signal)
	initGroup(t, m, "g1", "alice", "bob")

	signal.mu.Lock()
	signal.fail["dave"] = true
	signal.mu.Unlock()

	_, err := m.AddMembersToGroupEncryption(ctx, "g1", []string{"carol", "dave"}, []string{"alice", "bob"})
	require.ErrorIs(t, err, ErrKeyCreation)
	assert.False(t, m.Keys().Has("g1", "carol"))

	info, ok := m.GetGroupEncryptionInfo("g1")
	require.True(t, ok)
	assert.Equal(t, 0, info.KeyRotationCount)
	assert.Equal(t, 2, info.MemberCount)
}

// 建立新密鑰成功但輪換失敗時，新成員的密鑰要一併撤回
func TestAddMembersRotationFailureRemovesNewKeys(t *testing.T) {
	ctx := context.Background()
	signal := newFlakySignal()
	m := NewManager(signal)
	initGroup(t, m, "g1", "alice", "bob")

	// bob 已有密鑰，只有輪換時才會呼叫 CreateSenderKey
	signal.mu.Lock()
	signal.fail["bob"] = true
	signal.mu.Unlock()

	_, err := m.AddMembersToGroupEncryption(ctx, "g1", []string{"carol"}, []string{"alice", "bob"})
	require.ErrorIs(t, err, ErrKeyCreation)

	assert.False(t, m.Keys().Has("g1", "carol"))
	assert.True(t, m.Keys().Has("g1", "bob"))
	assert.ElementsMatch(t, []string{"alice", "bob"}, m.Members("g1"))

	info, ok := m.GetGroupEncryptionInfo("g1")
	require.True(t, ok)
	assert.Equal(t, 0, info.KeyRotationCount)
	assert.Equal(t, 2, info.MemberCount)
}

func TestRemoveMembersRotatesKeys(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	initGroup(t, m, "g1", "alice", "bob", "carol")
	bobBefore, _ := m.Keys().Entry("g1", "bob")

	info, err := m.RemoveMembersFromGroupEncryption(ctx, "g1", []string{"carol"}, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, info.KeyRotationCount)
	assert.Equal(t, 2, info.MemberCount)

	assert.False(t, m.Keys().Has("g1", "carol"))
	assert.False(t, m.VerifySenderKeyIntegrity(ctx, "g1", "carol", DefaultDeviceID))
	_, err = m.Keys().Signal().LoadSenderKey(ctx, keystore.Name("g1", "carol", DefaultDeviceID))
	assert.ErrorIs(t, err, crypto.ErrKeyNotFound)

	bobAfter, _ := m.Keys().Entry("g1", "bob")
	assert.Equal(t, bobBefore.Generation+1, bobAfter.Generation)
	assert.Equal(t, []string{"alice", "bob"}, m.Members("g1"))
}

func TestRemoveIgnoresRemovedInRemainingList(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	initGroup(t, m, "g1", "alice", "bob", "carol")

	info, err := m.RemoveMembersFromGroupEncryption(ctx, "g1", []string{"carol"}, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, 2, info.MemberCount)
	assert.False(t, m.Keys().Has("g1", "carol"))
}

func TestRotationBound(t *testing.T) {
	tests := []struct {
		name string
		max  int
	}{
		{"small bound", 5},
		{"default bound", MaxKeyRotationCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := newTestManager(t, WithMaxKeyRotations(tt.max))
			initGroup(t, m, "g1", "alice", "bob")

			for i := 1; i <= tt.max; i++ {
				info, err := m.RotateSenderKeys(ctx, "g1", []string{"alice", "bob"})
				require.NoError(t, err, "rotation %d", i)
				require.Equal(t, i, info.KeyRotationCount)
			}
			_, err := m.RotateSenderKeys(ctx, "g1", []string{"alice", "bob"})
			assert.ErrorIs(t, err, ErrMaxKeyRotations)

			_, err = m.AddMembersToGroupEncryption(ctx, "g1", []string{"carol"}, []string{"alice", "bob"})
			assert.ErrorIs(t, err, ErrMaxKeyRotations)

			info, _ := m.GetGroupEncryptionInfo("g1")
			assert.Equal(t, tt.max, info.KeyRotationCount)
		})
	}
}

func TestConcurrentMembershipChangesDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	initGroup(t, m, "g1", "alice")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AddMembersToGroupEncryption(ctx, "g1", []string{fmt.Sprintf("u%02d", i)}, []string{"alice"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	info, _ := m.GetGroupEncryptionInfo("g1")
	assert.Equal(t, 20, info.KeyRotationCount)
	assert.Equal(t, 21, info.MemberCount)
}

func TestSenderKeyDistribution(t *testing.T) {
	ctx := context.Background()
	alice := newTestManager(t)
	initGroup(t, alice, "g1", "alice", "bob")
	bob := newTestManager(t)

	msg, err := alice.GetSenderKeyDistribution(ctx, "g1", "alice", DefaultDeviceID)
	require.NoError(t, err)
	initGroup(t, bob, "g1", "bob")
	require.NoError(t, bob.ProcessSenderKeyDistribution(ctx, "g1", "alice", DefaultDeviceID, msg))
	assert.True(t, bob.Keys().Has("g1", "alice"))
	ct, err := alice.EncryptGroupMessage(ctx, "g1", "alice", DefaultDeviceID, []byte("hi bob"))
	require.NoError(t, err)
	pt, err := bob.DecryptGroupMessage(ctx, "g1", "alice", DefaultDeviceID, ct)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(pt))
}

func TestProcessSenderKeyDistributionRejects(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	initGroup(t, m, "g1", "alice", "bob")
	good, err := m.GetSenderKeyDistribution(ctx, "g1", "alice", DefaultDeviceID)
	require.NoError(t, err)
	before, _ := m.Keys().Entry("g1", "alice")

	tests := []struct {
		name     string
		group    string
		sender   string
		device   uint32
		mutate   func(*types.SenderKeyDistributionMessage)
		expected error
	}{
		{"wrong group", "g2", "alice", DefaultDeviceID, nil, ErrDistributionMismatch},
		{"wrong sender", "g1", "bob", DefaultDeviceID, nil, ErrDistributionMismatch},
		{"wrong device", "g1", "alice", 2, nil, ErrDistributionMismatch},
		{"bad version", "g1", "alice", DefaultDeviceID, func(m *types.SenderKeyDistributionMessage) { m.Version = 99 }, ErrMalformedDistribution},
		{"truncated payload", "g1", "alice", DefaultDeviceID, func(m *types.SenderKeyDistributionMessage) {
			m.DistributionPayload = m.DistributionPayload[:10]
		}, ErrMalformedDistribution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := good
			msg.DistributionPayload = append([]byte(nil), good.DistributionPayload...)
			if tt.mutate != nil {
				tt.mutate(&msg)
			}
			err := m.ProcessSenderKeyDistribution(ctx, tt.group, tt.sender, tt.device, msg)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	after, _ := m.Keys().Entry("g1", "alice")
	assert.Equal(t, before, after, "rejected messages must not mutate state")
}

func TestDistributeSenderKeys(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryDistributionQueue()
	m := newTestManager(t, WithDistributionQueue(queue))
	initGroup(t, m, "g1", "alice", "bob", "carol")

	n, err := m.DistributeSenderKeys(ctx, "g1", "alice", []string{"alice", "bob", "carol", "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := queue.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderID)
	empty, _ := queue.Drain(ctx, "bob")
	assert.Empty(t, empty)

	_, err = newTestManager(t).DistributeSenderKeys(ctx, "g1", "alice", []string{"bob"})
	assert.ErrorIs(t, err, ErrNoDistributionQueue)
}

func recvStatus(t *testing.T, ch <-chan types.GroupEncryptionStatus) types.GroupEncryptionStatus {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok)
		return s
	case <-time.After(time.Second):
		t.Fatal("no status received")
	}
	return types.GroupEncryptionStatus{}
}

func TestObserveStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	m := newTestManager(t, WithClock(clock.Now))

	ch := m.ObserveGroupEncryptionStatus(ctx, "g1")
	first := recvStatus(t, ch)
	assert.True(t, first.HasIssue(types.IssueNotInitialized))
	assert.False(t, first.IsHealthy)

	initGroup(t, m, "g1", "alice", "bob")
	status := recvStatus(t, ch)
	assert.True(t, status.IsHealthy)
	assert.Equal(t, 2, status.MembersTotal)

	clock.Advance(time.Minute)
	_, err := m.EncryptGroupMessage(ctx, "g1", "alice", DefaultDeviceID, []byte("x"))
	require.NoError(t, err)
	status = recvStatus(t, ch)
	assert.Equal(t, clock.Now().UnixMilli(), status.LastActivity)
}

func TestCleanupGroupEncryption(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	initGroup(t, m, "g1", "alice", "bob")
	ch := m.ObserveGroupEncryptionStatus(ctx, "g1")
	recvStatus(t, ch)

	require.NoError(t, m.CleanupGroupEncryption(ctx, "g1"))

	final := recvStatus(t, ch)
	assert.True(t, final.HasIssue(types.IssueNotInitialized))
	_, open := <-ch
	assert.False(t, open)

	assert.Empty(t, m.Keys().Members("g1"))
	_, err := m.EncryptGroupMessage(ctx, "g1", "alice", DefaultDeviceID, []byte("x"))
	assert.ErrorIs(t, err, ErrGroupNotInitialized)

	// re-initialization starts over
	info := initGroup(t, m, "g1", "alice")
	assert.Equal(t, 0, info.KeyRotationCount)
}

func TestCheckGroupHealth(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	m := newTestManager(t, WithClock(clock.Now), WithMaxKeyRotations(10))
	initGroup(t, m, "g1", "alice", "bob", "carol")

	status, err := m.CheckGroupHealth(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, status.IsHealthy)
	assert.Equal(t, 3, status.MembersSynced)

	signal := m.Keys().Signal()
	require.NoError(t, signal.RemoveSenderKey(ctx, keystore.Name("g1", "bob", DefaultDeviceID)))
	replacement, err := signal.CreateSenderKey(ctx, keystore.Name("g1", "carol", DefaultDeviceID))
	require.NoError(t, err)
	require.NoError(t, signal.StoreSenderKey(ctx, keystore.Name("g1", "carol", DefaultDeviceID), replacement))
	clock.Advance(DefaultRotationInterval + time.Hour)

	status, err = m.CheckGroupHealth(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, status.IsHealthy)
	assert.Equal(t, 1, status.MembersSynced)
	assert.True(t, status.HasIssue(types.IssueMissingSenderKey))
	assert.True(t, status.HasIssue(types.IssueMemberOutOfSync))
	assert.True(t, status.HasIssue(types.IssueKeyRotationNeeded))

	_, err = newTestManager(t).CheckGroupHealth(ctx, "unknown")
	assert.ErrorIs(t, err, ErrGroupNotInitialized)
}

func TestCheckGroupHealthNearRotationBound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithMaxKeyRotations(10))
	initGroup(t, m, "g1", "alice")
	for i := 0; i < 9; i++ {
		_, err := m.RotateSenderKeys(ctx, "g1", nil)
		require.NoError(t, err)
	}
	status, err := m.CheckGroupHealth(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, status.HasIssue(types.IssueKeyRotationNeeded))
	assert.Equal(t, 1, status.MembersSynced)
}

func TestSenderKeysSincePages(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	initGroup(t, m, "g1", members(30)...)

	var got []types.SenderKeyDistributionMessage
	cursor := uint64(0)
	for {
		page, next, err := m.SenderKeysSince(ctx, "g1", "m005", cursor, 7)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 7)
		assert.Greater(t, next, cursor)
		got = append(got, page...)
		cursor = next
	}
	require.Len(t, got, 29)
	senders := map[string]bool{}
	for _, msg := range got {
		senders[msg.SenderID] = true
	}
	assert.False(t, senders["m005"], "own key is skipped")
	assert.Len(t, senders, 29)

	// 輪換一人後只拿到那一把
	_, err := m.RotateSenderKeys(ctx, "g1", []string{"m010"})
	require.NoError(t, err)
	page, _, err := m.SenderKeysSince(ctx, "g1", "m005", cursor, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m010", page[0].SenderID)

	_, _, err = m.SenderKeysSince(ctx, "g1", "mallory", 0, 0)
	assert.ErrorIs(t, err, ErrNotMember)
	_, _, err = m.SenderKeysSince(ctx, "nope", "m005", 0, 0)
	assert.ErrorIs(t, err, ErrGroupNotInitialized)
}

func TestPendingDistributionsWaits(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryDistributionQueue()
	m := newTestManager(t, WithDistributionQueue(queue))
	initGroup(t, m, "g1", "alice", "bob")

	// 空佇列且 wait 到期：回傳空結果而非錯誤
	msgs, err := m.PendingDistributions(ctx, "bob", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	done := make(chan []types.SenderKeyDistributionMessage, 1)
	go func() {
		msgs, err := m.PendingDistributions(ctx, "bob", 5*time.Second)
		assert.NoError(t, err)
		done <- msgs
	}()
	time.Sleep(20 * time.Millisecond)
	_, err = m.DistributeSenderKeys(ctx, "g1", "alice", []string{"bob"})
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, "alice", msgs[0].SenderID)
	case <-time.After(5 * time.Second):
		t.Fatal("PendingDistributions did not wake up")
	}

	_, err = newTestManager(t).PendingDistributions(ctx, "bob", 0)
	assert.ErrorIs(t, err, ErrNoDistributionQueue)
}

// 指定裝置的密鑰以該裝置分發
func TestDistributeSenderKeysUsesEntryDevice(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryDistributionQueue()
	m := newTestManager(t, WithDistributionQueue(queue))
	initGroup(t, m, "g1", "alice", "bob")

	other := newTestManager(t)
	initGroup(t, other, "g1", "carol")
	rec, err := other.Keys().Signal().LoadSenderKey(ctx, keystore.Name("g1", "carol", DefaultDeviceID))
	require.NoError(t, err)
	rec.Name.DeviceID = 4
	msg := types.SenderKeyDistributionMessage{
		GroupID: "g1", SenderID: "carol", DeviceID: 4,
		DistributionPayload: rec.Serialize(), Version: EncryptionVersion,
	}
	require.NoError(t, m.ProcessSenderKeyDistribution(ctx, "g1", "carol", 4, msg))

	_, err = m.DistributeSenderKeys(ctx, "g1", "carol", []string{"bob"})
	require.NoError(t, err)
	queued, err := queue.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, uint32(4), queued[0].DeviceID)
}
