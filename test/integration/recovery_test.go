package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/internal/controller"
	"github.com/ChuLiYu/groupmesh/internal/storage/wal"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// TestCrashRecoveryOverGRPC 模擬崩潰後重啟：
// 1. WAL 中留下一筆未完成的分發
// 2. 重啟後該分發被標記為 CANCELLED 並回報
// 3. 新訊息經由 gRPC ledger 送達並可解密
// 4. 再次重啟時沒有殘留的未完成分發
func TestCrashRecoveryOverGRPC(t *testing.T) {
	dir := t.TempDir()
	cfg := controllerConfig(dir)
	_, addr := startLedger(t)

	// 崩潰前留下的 CREATED
	w, err := wal.NewWAL(cfg.WALPath, true)
	require.NoError(t, err)
	_, err = w.Append(wal.Record{
		Type:           wal.EventCreated,
		DistributionID: "dist-crashed",
		GroupID:        "g1",
		Strategy:       types.StrategyDirect,
		Recipients:     2,
	}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ctrl, err := controller.NewController(cfg, controller.Components{Ledger: dialLedger(t, addr)})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	interrupted := ctrl.Interrupted()
	require.Len(t, interrupted, 1)
	assert.Equal(t, "dist-crashed", interrupted[0].DistributionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = ctrl.CreateGroup(ctx, "g1", "alice", []string{"bob"})
	require.NoError(t, err)

	inbox, err := dialLedger(t, addr).Subscribe(ctx, "bob")
	require.NoError(t, err)

	msg, res, err := ctrl.SendMessage(ctx, "g1", "alice", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, types.DistributionCompleted, res.Status)
	assert.Equal(t, 1, res.SuccessfulDeliveries)

	select {
	case env := <-inbox:
		assert.Equal(t, msg.ID, env.MessageID)
		assert.Equal(t, "bob", env.RecipientID)
		plain, err := ctrl.Encryption().DecryptGroupMessage(ctx, "g1", "alice", env.DeviceID, env.Ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "hello bob", string(plain))
	case <-ctx.Done():
		t.Fatal("bob never received the envelope")
	}

	ctrl.Stop()

	pending, err := wal.Pending(cfg.WALPath)
	require.NoError(t, err)
	assert.Empty(t, pending, "recovery and shutdown leave nothing in progress")

	restarted, err := controller.NewController(cfg, controller.Components{Ledger: dialLedger(t, addr)})
	require.NoError(t, err)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()
	assert.Empty(t, restarted.Interrupted())
}
