package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"topology-coordinator/internal/leader"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/storage"
	"topology-coordinator/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) StartTopology(ctx context.Context, uuid string, config json.RawMessage) error {
	args := m.Called(ctx, uuid, config)
	return args.Error(0)
}

func (m *mockClient) StopTopology(ctx context.Context, uuid string) error {
	args := m.Called(ctx, uuid)
	return args.Error(0)
}

func (m *mockClient) StopAllTopologies(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockClient) KillTopology(ctx context.Context, uuid string) error {
	args := m.Called(ctx, uuid)
	return args.Error(0)
}

func (m *mockClient) ResolveTopologyMismatches(ctx context.Context, uuids []string) error {
	args := m.Called(ctx, uuids)
	return args.Error(0)
}

func (m *mockClient) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockClient) Exit(code int) {
	m.Called(code)
}

func (m *mockClient) IsDormantPeriod() bool {
	args := m.Called()
	return args.Bool(0)
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock       *fakeClock
	store       *storage.MemoryStorage
	client      *mockClient
	metrics     *monitoring.Metrics
	coordinator *Coordinator
}

func testConfig() Config {
	return Config{
		LoopInterval:   10 * time.Millisecond,
		PingInterval:   10 * time.Millisecond,
		SanityEvery:    5,
		MaxErrorLength: 1000,
	}
}

func testLeaderConfig() leader.Config {
	cfg := leader.DefaultConfig()
	cfg.LoopInterval = 10 * time.Millisecond
	cfg.CandidacyWait = 0
	cfg.CandidacyJitter = 0
	return cfg
}

func newFixture() *fixture {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	client := &mockClient{}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry(), zap.NewNop())

	store.SeedWorker(types.WorkerRecord{
		Name:     "w1",
		Status:   types.WorkerStatusAlive,
		LStatus:  types.LeadershipNormal,
		LastPing: clock.Now(),
	})

	c := New("w1", store, client, testConfig(), testLeaderConfig(), zap.NewNop(),
		WithClock(clock.Now),
		WithMetrics(metrics))

	return &fixture{clock: clock, store: store, client: client, metrics: metrics, coordinator: c}
}

func (f *fixture) topology(uuid string, status types.TopologyStatus, worker string) {
	f.store.SeedTopology(types.TopologyRecord{
		UUID:     uuid,
		Status:   status,
		Worker:   worker,
		Enabled:  true,
		Weight:   1,
		LastPing: f.clock.Now(),
	}, json.RawMessage(`{"name":"`+uuid+`"}`))
}

func (f *fixture) message(t *testing.T, cmd types.Command, content interface{}) types.Message {
	msg, err := types.NewMessage(cmd, content, f.clock.Now(), time.Minute)
	require.NoError(t, err)
	return msg
}

func (f *fixture) topologyRecord(t *testing.T, uuid string) types.TopologyRecord {
	info, err := f.store.GetTopologyInfo(context.Background(), uuid)
	require.NoError(t, err)
	return info.TopologyRecord
}

func (f *fixture) workerStatus(t *testing.T) types.WorkerStatus {
	workers, err := f.store.GetWorkerStatus(context.Background())
	require.NoError(t, err)
	for _, w := range workers {
		if w.Name == "w1" {
			return w.Status
		}
	}
	t.Fatal("worker w1 not found")
	return ""
}

func (f *fixture) handled(cmd types.Command, result string) float64 {
	return testutil.ToFloat64(f.metrics.MessagesHandled.WithLabelValues(string(cmd), result))
}

func TestStaleMessageIsDiscarded(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusWaiting, "w1")

	msg, err := types.NewMessage(types.CmdStartTopology, types.TopologyContent{UUID: "t1"},
		f.clock.Now().Add(-time.Second), time.Minute)
	require.NoError(t, err)

	f.coordinator.HandleMessage(context.Background(), msg)

	f.client.AssertNotCalled(t, "StartTopology", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, types.TopologyStatusWaiting, f.topologyRecord(t, "t1").Status)
	assert.Equal(t, 1.0, f.handled(types.CmdStartTopology, "stale"))
}

func TestStartTopology(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusWaiting, "w1")
	f.client.On("StartTopology", mock.Anything, "t1", json.RawMessage(`{"name":"t1"}`)).Return(nil)

	f.coordinator.HandleMessage(context.Background(),
		f.message(t, types.CmdStartTopology, types.TopologyContent{UUID: "t1"}))

	f.client.AssertExpectations(t)
	topology := f.topologyRecord(t, "t1")
	assert.Equal(t, types.TopologyStatusRunning, topology.Status)
	assert.Equal(t, "w1", topology.Worker)
	assert.Equal(t, os.Getpid(), topology.Pid)
}

func TestStartTopologyNoLongerAssignedHere(t *testing.T) {
	f := newFixture()
	f.topology("moved", types.TopologyStatusWaiting, "w2")
	f.topology("running", types.TopologyStatusRunning, "w1")

	f.coordinator.HandleMessage(context.Background(),
		f.message(t, types.CmdStartTopologies, types.TopologiesContent{UUIDs: []string{"moved", "running", "missing"}}))

	f.client.AssertNotCalled(t, "StartTopology", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, types.TopologyStatusWaiting, f.topologyRecord(t, "moved").Status)
	assert.Equal(t, 1.0, f.handled(types.CmdStartTopologies, "ok"))
}

func TestStartTopologyFailureIsRecorded(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusWaiting, "w1")
	long := strings.Repeat("é", 1500)
	f.client.On("StartTopology", mock.Anything, "t1", mock.Anything).Return(errors.New(long))

	f.coordinator.HandleMessage(context.Background(),
		f.message(t, types.CmdStartTopology, types.TopologyContent{UUID: "t1"}))

	topology := f.topologyRecord(t, "t1")
	assert.Equal(t, types.TopologyStatusError, topology.Status)
	assert.Equal(t, "w1", topology.Worker)
	assert.Equal(t, 1000, len([]rune(topology.Error)))
	assert.Equal(t, 1.0, f.handled(types.CmdStartTopology, "ok"))
}

func TestStartTopologies(t *testing.T) {
	f := newFixture()
	f.topology("a", types.TopologyStatusWaiting, "w1")
	f.topology("b", types.TopologyStatusWaiting, "w1")
	f.client.On("StartTopology", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f.coordinator.HandleMessage(context.Background(),
		f.message(t, types.CmdStartTopologies, types.TopologiesContent{UUIDs: []string{"a", "b"}}))

	f.client.AssertNumberOfCalls(t, "StartTopology", 2)
	assert.Equal(t, types.TopologyStatusRunning, f.topologyRecord(t, "a").Status)
	assert.Equal(t, types.TopologyStatusRunning, f.topologyRecord(t, "b").Status)
}

func TestStopAndKillTopology(t *testing.T) {
	f := newFixture()
	f.topology("stop-me", types.TopologyStatusRunning, "w1")
	f.topology("kill-me", types.TopologyStatusRunning, "w1")
	f.client.On("StopTopology", mock.Anything, "stop-me").Return(nil)
	f.client.On("KillTopology", mock.Anything, "kill-me").Return(nil)

	ctx := context.Background()
	f.coordinator.HandleMessage(ctx, f.message(t, types.CmdStopTopology, types.TopologyContent{UUID: "stop-me"}))
	f.coordinator.HandleMessage(ctx, f.message(t, types.CmdKillTopology, types.TopologyContent{UUID: "kill-me"}))

	f.client.AssertExpectations(t)
	assert.Equal(t, types.TopologyStatusStopped, f.topologyRecord(t, "stop-me").Status)
	assert.Equal(t, types.TopologyStatusStopped, f.topologyRecord(t, "kill-me").Status)
	assert.Empty(t, f.topologyRecord(t, "stop-me").Worker)

	owned, err := f.store.GetTopologiesForWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestStopTopologyFailureIsRecorded(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusRunning, "w1")
	f.client.On("StopTopology", mock.Anything, "t1").Return(errors.New("stuck"))

	f.coordinator.HandleMessage(context.Background(),
		f.message(t, types.CmdStopTopology, types.TopologyContent{UUID: "t1"}))

	topology := f.topologyRecord(t, "t1")
	assert.Equal(t, types.TopologyStatusError, topology.Status)
	assert.Equal(t, "stuck", topology.Error)
}

func TestStopTopologiesReleasesForRebalance(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusRunning, "w1")
	f.topology("t2", types.TopologyStatusRunning, "w3")
	f.client.On("StopTopology", mock.Anything, "t1").Return(nil)

	f.coordinator.HandleMessage(context.Background(), f.message(t, types.CmdStopTopologies, types.StopTopologiesContent{
		StopTopologies: []types.TopologyMove{
			{UUID: "t1", WorkerNew: "w2"},
			{UUID: "t2", WorkerNew: "w2"},
		},
	}))

	f.client.AssertExpectations(t)
	f.client.AssertNotCalled(t, "StopTopology", mock.Anything, "t2")

	released := f.topologyRecord(t, "t1")
	assert.Equal(t, types.TopologyStatusUnassigned, released.Status)
	assert.Empty(t, released.Worker)
	assert.Equal(t, types.TopologyStatusRunning, f.topologyRecord(t, "t2").Status)
}

func TestSetDisabledAndEnabled(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusRunning, "w1")
	f.topology("t2", types.TopologyStatusWaiting, "w1")
	f.topology("t3", types.TopologyStatusError, "w1")
	f.client.On("StopAllTopologies", mock.Anything).Return(nil)

	ctx := context.Background()
	f.coordinator.HandleMessage(ctx, f.message(t, types.CmdSetDisabled, nil))

	f.client.AssertExpectations(t)
	assert.Equal(t, types.WorkerStatusDisabled, f.workerStatus(t))
	assert.Equal(t, types.TopologyStatusUnassigned, f.topologyRecord(t, "t1").Status)
	assert.Equal(t, types.TopologyStatusUnassigned, f.topologyRecord(t, "t2").Status)
	assert.Equal(t, types.TopologyStatusError, f.topologyRecord(t, "t3").Status)

	f.coordinator.HandleMessage(ctx, f.message(t, types.CmdSetEnabled, nil))
	assert.Equal(t, types.WorkerStatusAlive, f.workerStatus(t))
}

func TestSetDisabledReleasesLeadership(t *testing.T) {
	f := newFixture()
	f.client.On("StopAllTopologies", mock.Anything).Return(nil)

	require.NoError(t, f.coordinator.Leader().Start(context.Background()))
	defer f.coordinator.Leader().Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return f.coordinator.Leader().IsLeader()
	}, time.Second, 5*time.Millisecond)

	f.coordinator.HandleMessage(context.Background(), f.message(t, types.CmdSetDisabled, nil))

	require.Eventually(t, func() bool {
		return !f.coordinator.Leader().IsLeader()
	}, time.Second, 5*time.Millisecond)

	workers, err := f.store.GetWorkerStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerStatusDisabled, workers[0].Status)
	assert.False(t, workers[0].IsActiveLeader(f.clock.Now(), time.Minute))
}

func TestShutdownAndRebalanceCommands(t *testing.T) {
	f := newFixture()
	f.client.On("Shutdown", mock.Anything).Return(nil)

	ctx := context.Background()
	f.coordinator.HandleMessage(ctx, f.message(t, types.CmdShutdown, nil))
	f.coordinator.HandleMessage(ctx, f.message(t, types.CmdRebalance, nil))

	f.client.AssertExpectations(t)
	assert.Equal(t, 1.0, f.handled(types.CmdShutdown, "ok"))
	assert.Equal(t, 1.0, f.handled(types.CmdRebalance, "ok"))
}

func TestUnknownCommandIsDropped(t *testing.T) {
	f := newFixture()

	f.coordinator.HandleMessage(context.Background(), f.message(t, types.Command("reboot"), nil))

	assert.Equal(t, 1.0, f.handled(types.Command("reboot"), "unknown"))
}

func TestPollMailboxDispatchesOldestMessage(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusWaiting, "w1")
	f.client.On("StartTopology", mock.Anything, "t1", mock.Anything).Return(nil)

	ctx := context.Background()
	require.NoError(t, f.store.SendMessageToWorker(ctx, "w1", types.CmdStartTopology, types.TopologyContent{UUID: "t1"}, time.Minute))
	require.NoError(t, f.store.SendMessageToWorker(ctx, "w1", types.CmdRebalance, nil, time.Minute))

	f.coordinator.pollMailbox(ctx)

	f.client.AssertExpectations(t)
	assert.Len(t, f.store.PendingMessages("w1"), 1)
}

func TestDormantPeriodFlips(t *testing.T) {
	f := newFixture()
	f.client.On("IsDormantPeriod").Return(true).Once()
	f.client.On("IsDormantPeriod").Return(true).Once()
	f.client.On("IsDormantPeriod").Return(false).Once()
	f.client.On("StopAllTopologies", mock.Anything).Return(nil).Once()

	ctx := context.Background()

	f.coordinator.pollMailbox(ctx)
	assert.Equal(t, types.WorkerStatusDisabled, f.workerStatus(t))

	// unchanged dormancy synthesizes nothing
	f.coordinator.pollMailbox(ctx)
	f.client.AssertNumberOfCalls(t, "StopAllTopologies", 1)

	f.coordinator.pollMailbox(ctx)
	assert.Equal(t, types.WorkerStatusAlive, f.workerStatus(t))
	f.client.AssertExpectations(t)
}

func TestCheckTopologiesReportsMissing(t *testing.T) {
	f := newFixture()
	f.topology("ok", types.TopologyStatusRunning, "w1")
	f.topology("lost", types.TopologyStatusRunning, "w1")
	f.topology("waiting", types.TopologyStatusWaiting, "w1")
	f.topology("done", types.TopologyStatusStopped, "w1")
	f.client.On("ResolveTopologyMismatches", mock.Anything, []string{"lost", "ok", "waiting"}).
		Return(&MismatchError{Missing: []string{"lost", "waiting"}})

	f.coordinator.checkTopologies(context.Background())

	f.client.AssertExpectations(t)
	assert.Equal(t, types.TopologyStatusRunning, f.topologyRecord(t, "ok").Status)
	assert.Equal(t, types.TopologyStatusError, f.topologyRecord(t, "lost").Status)
	// a start may still be on its way
	assert.Equal(t, types.TopologyStatusWaiting, f.topologyRecord(t, "waiting").Status)
}

func TestCheckTopologiesKeepsStartingTopology(t *testing.T) {
	f := newFixture()
	f.topology("t1", types.TopologyStatusWaiting, "w1")
	// the client already runs t1 while its running status is not yet written
	f.client.On("ResolveTopologyMismatches", mock.Anything, []string{"t1"}).Return(nil)

	f.coordinator.checkTopologies(context.Background())

	f.client.AssertExpectations(t)
	assert.Equal(t, types.TopologyStatusWaiting, f.topologyRecord(t, "t1").Status)
}

func TestCheckWorkerStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("corrects dead status", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.store.SetWorkerStatus(ctx, "w1", types.WorkerStatusDead))

		f.coordinator.checkWorkerStatus(ctx)
		assert.Equal(t, types.WorkerStatusAlive, f.workerStatus(t))
	})

	t.Run("keeps disabled status", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.store.SetWorkerStatus(ctx, "w1", types.WorkerStatusDisabled))

		f.coordinator.checkWorkerStatus(ctx)
		assert.Equal(t, types.WorkerStatusDisabled, f.workerStatus(t))
	})

	t.Run("registers missing record", func(t *testing.T) {
		f := newFixture()
		c := New("w9", f.store, f.client, testConfig(), testLeaderConfig(), zap.NewNop())

		c.checkWorkerStatus(ctx)

		workers, err := f.store.GetWorkerStatus(ctx)
		require.NoError(t, err)
		assert.Len(t, workers, 2)
	})

	t.Run("leaves closing worker alone", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.coordinator.PreShutdown(ctx))

		f.coordinator.checkWorkerStatus(ctx)
		assert.Equal(t, types.WorkerStatusClosing, f.workerStatus(t))
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "żó", truncate("żółw", 2))
	assert.Equal(t, "abc", truncate("abc", 0))
}

func newRunningFixture(t *testing.T) *fixture {
	store := storage.NewMemoryStorage()
	client := &mockClient{}
	client.On("IsDormantPeriod").Return(false)
	client.On("ResolveTopologyMismatches", mock.Anything, mock.Anything).Return(nil)

	c := New("w1", store, client, testConfig(), testLeaderConfig(), zap.NewNop())
	return &fixture{store: store, client: client, coordinator: c}
}

func TestRunAndShutdown(t *testing.T) {
	f := newRunningFixture(t)

	errCh := make(chan error, 1)
	go func() { errCh <- f.coordinator.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.coordinator.Leader().IsLeader()
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.coordinator.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}

	workers, err := f.store.GetWorkerStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerStatusDead, workers[0].Status)
	assert.False(t, f.coordinator.Leader().IsRunning())

	select {
	case <-f.coordinator.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRunFailsWhenLeaderStops(t *testing.T) {
	f := newRunningFixture(t)

	errCh := make(chan error, 1)
	go func() { errCh <- f.coordinator.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.coordinator.Leader().IsRunning()
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.coordinator.Leader().Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLeaderStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestShutdownWithoutRun(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coordinator.Shutdown(context.Background()))

	select {
	case <-f.coordinator.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, types.WorkerStatusDead, f.workerStatus(t))
	assert.NoError(t, f.coordinator.Run(context.Background()))
}
