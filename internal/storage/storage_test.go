package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"topology-coordinator/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backendFixture lets the same behaviour tests run against every backend
type backendFixture struct {
	store   AdminStorage
	clock   *testClock
	advance func(d time.Duration)
}

const testCandidacyTTL = 10 * time.Second

func runStorageTests(t *testing.T, newFixture func(t *testing.T) backendFixture) {
	t.Run("Workers", func(t *testing.T) { testWorkers(t, newFixture(t)) })
	t.Run("Candidacy", func(t *testing.T) { testCandidacy(t, newFixture(t)) })
	t.Run("CandidacyExpires", func(t *testing.T) { testCandidacyExpires(t, newFixture(t)) })
	t.Run("Topologies", func(t *testing.T) { testTopologies(t, newFixture(t)) })
	t.Run("EnableStoppedTopology", func(t *testing.T) { testEnableStoppedTopology(t, newFixture(t)) })
	t.Run("Mailbox", func(t *testing.T) { testMailbox(t, newFixture(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newFixture(t)) })
}

func testWorkers(t *testing.T, f backendFixture) {
	ctx := context.Background()
	require.NoError(t, f.store.RegisterWorker(ctx, "w2"))
	require.NoError(t, f.store.RegisterWorker(ctx, "w1"))

	workers, err := f.store.GetWorkerStatus(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].Name)
	assert.Equal(t, types.WorkerStatusAlive, workers[0].Status)
	assert.Equal(t, types.LeadershipNormal, workers[0].LStatus)
	assert.True(t, workers[0].LastPing.Equal(f.clock.Now()))

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.store.PingWorker(ctx, "w1"))
	require.NoError(t, f.store.SetWorkerStatus(ctx, "w2", types.WorkerStatusDisabled))
	require.NoError(t, f.store.SetWorkerLStatus(ctx, "w2", types.LeadershipLeader))

	workers, err = f.store.GetWorkerStatus(ctx)
	require.NoError(t, err)
	assert.True(t, workers[0].LastPing.Equal(f.clock.Now()))
	assert.Equal(t, types.WorkerStatusDisabled, workers[1].Status)
	assert.Equal(t, types.LeadershipLeader, workers[1].LStatus)
}

func testCandidacy(t *testing.T, f backendFixture) {
	ctx := context.Background()
	require.NoError(t, f.store.RegisterWorker(ctx, "w1"))
	require.NoError(t, f.store.RegisterWorker(ctx, "w2"))
	require.NoError(t, f.store.SetWorkerLStatus(ctx, "w2", types.LeadershipLeader))

	require.NoError(t, f.store.AnnounceLeaderCandidacy(ctx, "w1"))
	require.NoError(t, f.store.AnnounceLeaderCandidacy(ctx, "w2"))

	won, err := f.store.CheckLeaderCandidacy(ctx, "w2")
	require.NoError(t, err)
	assert.False(t, won)

	won, err = f.store.CheckLeaderCandidacy(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, won)

	workers, err := f.store.GetWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.LeadershipLeader, workers[0].LStatus)
	assert.Equal(t, types.LeadershipNormal, workers[1].LStatus, "the previous leader is demoted")
}

func testCandidacyExpires(t *testing.T, f backendFixture) {
	ctx := context.Background()
	require.NoError(t, f.store.RegisterWorker(ctx, "w1"))
	require.NoError(t, f.store.RegisterWorker(ctx, "w2"))

	require.NoError(t, f.store.AnnounceLeaderCandidacy(ctx, "w1"))
	workers, err := f.store.GetWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.LeadershipPending, workers[0].LStatus)

	f.advance(testCandidacyTTL + time.Second)

	require.NoError(t, f.store.AnnounceLeaderCandidacy(ctx, "w2"))
	won, err := f.store.CheckLeaderCandidacy(ctx, "w2")
	require.NoError(t, err)
	assert.True(t, won)
}

func testTopologies(t *testing.T, f backendFixture) {
	ctx := context.Background()
	require.NoError(t, f.store.RegisterTopology(ctx, types.TopologyRegistration{
		UUID:           "t1",
		Config:         json.RawMessage(`{"type":"stream"}`),
		Weight:         2.5,
		WorkerAffinity: []string{"w1"},
		Enabled:        true,
	}))
	require.NoError(t, f.store.RegisterTopology(ctx, types.TopologyRegistration{
		UUID:   "t2",
		Config: json.RawMessage(`{}`),
	}))

	info, err := f.store.GetTopologyInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TopologyStatusUnassigned, info.Status)
	assert.Equal(t, 2.5, info.Weight)
	assert.Equal(t, []string{"w1"}, info.WorkerAffinity)
	assert.True(t, info.Enabled)
	assert.JSONEq(t, `{"type":"stream"}`, string(info.Config))

	info, err = f.store.GetTopologyInfo(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultTopologyWeight, info.Weight)
	assert.False(t, info.Enabled)

	require.NoError(t, f.store.AssignTopology(ctx, "t1", "w1"))
	require.NoError(t, f.store.SetTopologyPid(ctx, "t1", 4242))

	assigned, err := f.store.GetTopologiesForWorker(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, types.TopologyStatusWaiting, assigned[0].Status)
	assert.Equal(t, 4242, assigned[0].Pid)

	require.NoError(t, f.store.SetTopologyStatus(ctx, "t1", "w1", types.TopologyStatusError, "boom"))
	all, err := f.store.GetTopologyStatus(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t1", all[0].UUID)
	assert.Equal(t, types.TopologyStatusError, all[0].Status)
	assert.Equal(t, "boom", all[0].Error)

	// Re-registering keeps the scheduling state
	require.NoError(t, f.store.RegisterTopology(ctx, types.TopologyRegistration{
		UUID:    "t1",
		Config:  json.RawMessage(`{"type":"batch"}`),
		Enabled: true,
	}))
	info, err = f.store.GetTopologyInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TopologyStatusError, info.Status)
	assert.Equal(t, "w1", info.Worker)
	assert.JSONEq(t, `{"type":"batch"}`, string(info.Config))

	require.NoError(t, f.store.SetTopologyStatus(ctx, "t1", "", types.TopologyStatusUnassigned, ""))
	assigned, err = f.store.GetTopologiesForWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func testEnableStoppedTopology(t *testing.T, f backendFixture) {
	ctx := context.Background()
	require.NoError(t, f.store.RegisterTopology(ctx, types.TopologyRegistration{UUID: "t1", Config: json.RawMessage(`{}`), Enabled: true}))
	require.NoError(t, f.store.SetTopologyStatus(ctx, "t1", "w1", types.TopologyStatusStopped, ""))
	require.NoError(t, f.store.SetTopologyEnabled(ctx, "t1", false))

	info, err := f.store.GetTopologyInfo(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, info.Enabled)
	assert.Equal(t, types.TopologyStatusStopped, info.Status)

	require.NoError(t, f.store.SetTopologyEnabled(ctx, "t1", true))
	info, err = f.store.GetTopologyInfo(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, info.Enabled)
	assert.Equal(t, types.TopologyStatusUnassigned, info.Status)
	assert.Empty(t, info.Worker)
}

func testMailbox(t *testing.T, f backendFixture) {
	ctx := context.Background()

	msg, err := f.store.GetMessage(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.NoError(t, f.store.SendMessageToWorker(ctx, "w1", types.CmdStartTopology, types.TopologyContent{UUID: "old"}, time.Second))
	require.NoError(t, f.store.SendMessageToWorker(ctx, "w1", types.CmdStartTopology, types.TopologyContent{UUID: "t1"}, time.Minute))
	require.NoError(t, f.store.SendMessageToWorker(ctx, "w1", types.CmdRebalance, nil, time.Minute))
	require.NoError(t, f.store.SendMessageToWorker(ctx, "w2", types.CmdShutdown, nil, time.Minute))

	f.clock.Advance(2 * time.Second)

	msg, err = f.store.GetMessage(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, msg, "expired messages are skipped")
	var content types.TopologyContent
	require.NoError(t, msg.Decode(&content))
	assert.Equal(t, "t1", content.UUID)

	msg, err = f.store.GetMessage(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.CmdRebalance, msg.Cmd)
	assert.JSONEq(t, `{}`, string(msg.Content))

	msg, err = f.store.GetMessage(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = f.store.GetMessage(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.CmdShutdown, msg.Cmd)
}

func testNotFound(t *testing.T, f backendFixture) {
	ctx := context.Background()

	_, err := f.store.GetTopologyInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.store.AssignTopology(ctx, "missing", "w1"), ErrNotFound)
	assert.ErrorIs(t, f.store.SetTopologyEnabled(ctx, "missing", true), ErrNotFound)
	assert.ErrorIs(t, f.store.SetWorkerStatus(ctx, "ghost", types.WorkerStatusDead), ErrNotFound)
	assert.ErrorIs(t, f.store.PingWorker(ctx, "ghost"), ErrNotFound)
	assert.Error(t, f.store.RegisterTopology(ctx, types.TopologyRegistration{Config: json.RawMessage(`{}`)}))
}

func TestMemoryStorage(t *testing.T) {
	runStorageTests(t, func(t *testing.T) backendFixture {
		clock := newTestClock()
		return backendFixture{
			store:   NewMemoryStorage(WithClock(clock.Now), WithCandidacyTTL(testCandidacyTTL)),
			clock:   clock,
			advance: clock.Advance,
		}
	})
}

func TestMemoryStorageSeedAndPending(t *testing.T) {
	s := NewMemoryStorage()
	s.SeedWorker(types.WorkerRecord{Name: "w1", Status: types.WorkerStatusDead})
	s.SeedTopology(types.TopologyRecord{UUID: "t1", Status: types.TopologyStatusRunning, Worker: "w1", WorkerAffinity: []string{"w1"}}, json.RawMessage(`{}`))

	workers, err := s.GetWorkerStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusDead, workers[0].Status)

	topologies, err := s.GetTopologiesForWorker(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, topologies, 1)
	topologies[0].WorkerAffinity[0] = "changed"

	info, err := s.GetTopologyInfo(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, info.WorkerAffinity, "callers get copies")

	require.NoError(t, s.SendMessageToWorker(context.Background(), "w1", types.CmdRebalance, nil, time.Minute))
	assert.Len(t, s.PendingMessages("w1"), 1)
	assert.Len(t, s.PendingMessages("w1"), 1, "peeking does not consume")
}
