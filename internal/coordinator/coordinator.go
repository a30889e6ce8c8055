// Package coordinator runs on every worker process. It keeps the worker's
// record alive, executes the commands mailed to it and supervises the
// worker's leader instance.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"topology-coordinator/internal/leader"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/storage"
	"topology-coordinator/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrLeaderStopped = errors.New("leader stopped unexpectedly")

// Client executes topologies inside the worker process
type Client interface {
	StartTopology(ctx context.Context, uuid string, config json.RawMessage) error
	StopTopology(ctx context.Context, uuid string) error
	StopAllTopologies(ctx context.Context) error
	KillTopology(ctx context.Context, uuid string) error
	// ResolveTopologyMismatches receives the topologies storage expects to
	// run here. It returns a *MismatchError for those it does not run.
	ResolveTopologyMismatches(ctx context.Context, uuids []string) error
	Shutdown(ctx context.Context) error
	Exit(code int)
	IsDormantPeriod() bool
}

// MismatchError lists topologies storage assigns here that are not running
type MismatchError struct {
	Missing []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("topologies not running locally: %s", strings.Join(e.Missing, ", "))
}

type Config struct {
	LoopInterval   time.Duration
	PingInterval   time.Duration
	SanityEvery    int
	MaxErrorLength int
}

func DefaultConfig() Config {
	return Config{
		LoopInterval:   2 * time.Second,
		PingInterval:   10 * time.Second,
		SanityEvery:    5,
		MaxErrorLength: 1000,
	}
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

type handlerFunc func(ctx context.Context, msg types.Message) error

type Coordinator struct {
	name     string
	store    storage.Storage
	client   Client
	leader   *leader.TopologyLeader
	config   Config
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	handlers map[types.Command]handlerFunc

	startTime time.Time
	ticks     int
	dormant   bool

	mutex        sync.Mutex
	running      bool
	shuttingDown bool

	// statusMutex orders own-status writes; closing is guarded by it
	statusMutex sync.Mutex
	closing     bool

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func New(
	name string,
	store storage.Storage,
	client Client,
	config Config,
	leaderConfig leader.Config,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		name:     name,
		store:    store,
		client:   client,
		config:   config,
		logger:   logger.With(zap.String("worker", name)),
		tracer:   otel.Tracer("topology-coordinator/coordinator"),
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.SanityEvery <= 0 {
		c.config.SanityEvery = DefaultConfig().SanityEvery
	}

	c.startTime = c.now()
	c.leader = leader.New(name, store, leaderConfig, logger,
		leader.WithClock(c.now),
		leader.WithMetrics(c.metrics))

	c.handlers = map[types.Command]handlerFunc{
		types.CmdStartTopology:   c.handleStartTopology,
		types.CmdStartTopologies: c.handleStartTopologies,
		types.CmdStopTopology:    c.handleStopTopology,
		types.CmdStopTopologies:  c.handleStopTopologies,
		types.CmdKillTopology:    c.handleKillTopology,
		types.CmdSetDisabled:     c.handleSetDisabled,
		types.CmdSetEnabled:      c.handleSetEnabled,
		types.CmdShutdown:        c.handleShutdown,
		types.CmdRebalance:       c.handleRebalance,
	}
	return c
}

func (c *Coordinator) Leader() *leader.TopologyLeader {
	return c.leader
}

// Run registers the worker, starts pinging and the leader, then polls the
// mailbox until Shutdown is called or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mutex.Lock()
	if c.running {
		c.mutex.Unlock()
		return fmt.Errorf("coordinator %s is already running", c.name)
	}
	if c.shuttingDown {
		c.mutex.Unlock()
		c.closeDone()
		return nil
	}
	c.running = true
	c.startTime = c.now()
	c.mutex.Unlock()

	defer c.finish()

	if err := c.store.RegisterWorker(ctx, c.name); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	c.logger.Info("Worker registered")

	go c.pingLoop(ctx)

	if err := c.leader.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader: %w", err)
	}

	ticker := time.NewTicker(c.config.LoopInterval)
	defer ticker.Stop()

	for {
		if err := c.tick(ctx); err != nil {
			c.logger.Error("Coordinator loop failed", zap.Error(err))
			return err
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopping due to context cancellation")
			return nil
		case <-c.stopChan:
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) finish() {
	c.mutex.Lock()
	c.running = false
	c.mutex.Unlock()

	c.stopOnce.Do(func() { close(c.stopChan) })
	c.logger.Info("Coordinator stopped")
	c.closeDone()
}

func (c *Coordinator) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed exactly once, when the loop has ended or was never started
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			err := c.store.PingWorker(ctx, c.name)
			c.metrics.Ping(err)
			if err != nil {
				c.logger.Error("Failed to ping worker", zap.Error(err))
			}
		}
	}
}

// tick runs the mailbox poll and, on their turns, the two sanity checks in
// parallel and waits for all of them.
func (c *Coordinator) tick(ctx context.Context) error {
	c.ticks++
	n := c.ticks

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pollMailbox(ctx)
	}()

	if n%c.config.SanityEvery == 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.checkTopologies(ctx)
		}()
	}

	if n%c.config.SanityEvery == 2%c.config.SanityEvery {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.checkWorkerStatus(ctx)
		}()
	}

	wg.Wait()

	if ctx.Err() == nil && !c.isShuttingDown() && !c.leader.IsRunning() {
		return ErrLeaderStopped
	}
	return nil
}

func (c *Coordinator) isShuttingDown() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.shuttingDown
}

func (c *Coordinator) pollMailbox(ctx context.Context) {
	msg, err := c.store.GetMessage(ctx, c.name)
	if err != nil {
		c.metrics.StorageError("get_message")
		c.logger.Error("Failed to read mailbox", zap.Error(err))
		return
	}
	if msg != nil {
		c.HandleMessage(ctx, *msg)
		return
	}

	dormant := c.client.IsDormantPeriod()
	if dormant == c.dormant {
		return
	}
	c.dormant = dormant

	cmd := types.CmdSetEnabled
	if dormant {
		cmd = types.CmdSetDisabled
	}
	c.logger.Info("Dormant period changed", zap.Bool("dormant", dormant))

	synthesized, err := types.NewMessage(cmd, nil, c.now(), 0)
	if err != nil {
		c.logger.Error("Failed to build dormancy message", zap.Error(err))
		return
	}
	c.HandleMessage(ctx, synthesized)
}

// HandleMessage is the single dispatch point for polled and synthesized
// messages. Messages created before this coordinator started are dropped.
func (c *Coordinator) HandleMessage(ctx context.Context, msg types.Message) {
	if msg.Created.Before(c.startTime) {
		c.metrics.MessageHandled(string(msg.Cmd), "stale")
		c.logger.Info("Discarding stale message",
			zap.String("cmd", string(msg.Cmd)),
			zap.Time("created", msg.Created))
		return
	}

	handler, ok := c.handlers[msg.Cmd]
	if !ok {
		c.metrics.MessageHandled(string(msg.Cmd), "unknown")
		c.logger.Warn("Unknown command", zap.String("cmd", string(msg.Cmd)))
		return
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.handle_message",
		trace.WithAttributes(
			attribute.String("worker", c.name),
			attribute.String("cmd", string(msg.Cmd)),
		))
	defer span.End()

	c.logger.Debug("Handling message", zap.String("cmd", string(msg.Cmd)))
	if err := handler(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.MessageHandled(string(msg.Cmd), "error")
		c.logger.Error("Failed to handle message",
			zap.String("cmd", string(msg.Cmd)),
			zap.Error(err))
		return
	}
	c.metrics.MessageHandled(string(msg.Cmd), "ok")
}

func (c *Coordinator) handleStartTopology(ctx context.Context, msg types.Message) error {
	var content types.TopologyContent
	if err := msg.Decode(&content); err != nil {
		return err
	}
	return c.startTopology(ctx, content.UUID)
}

func (c *Coordinator) handleStartTopologies(ctx context.Context, msg types.Message) error {
	var content types.TopologiesContent
	if err := msg.Decode(&content); err != nil {
		return err
	}

	var errs []error
	for _, uuid := range content.UUIDs {
		if err := c.startTopology(ctx, uuid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startTopology only starts a topology still assigned here and waiting; a
// client failure is recorded on the topology instead of being returned.
func (c *Coordinator) startTopology(ctx context.Context, uuid string) error {
	info, err := c.store.GetTopologyInfo(ctx, uuid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Start requested for unknown topology", zap.String("topology_uuid", uuid))
			return nil
		}
		return fmt.Errorf("failed to get topology info: %w", err)
	}

	if info.Worker != c.name || info.Status != types.TopologyStatusWaiting {
		c.logger.Info("Ignoring start of topology no longer waiting here",
			zap.String("topology_uuid", uuid),
			zap.String("status", string(info.Status)),
			zap.String("assigned_worker", info.Worker))
		return nil
	}

	if err := c.client.StartTopology(ctx, uuid, info.Config); err != nil {
		c.logger.Error("Failed to start topology", zap.String("topology_uuid", uuid), zap.Error(err))
		return c.reportError(ctx, uuid, err)
	}

	if err := c.store.SetTopologyStatus(ctx, uuid, c.name, types.TopologyStatusRunning, ""); err != nil {
		return fmt.Errorf("failed to report topology running: %w", err)
	}
	if err := c.store.SetTopologyPid(ctx, uuid, os.Getpid()); err != nil {
		return fmt.Errorf("failed to report topology pid: %w", err)
	}

	c.logger.Info("Topology started", zap.String("topology_uuid", uuid))
	return nil
}

func (c *Coordinator) handleStopTopology(ctx context.Context, msg types.Message) error {
	var content types.TopologyContent
	if err := msg.Decode(&content); err != nil {
		return err
	}
	return c.stopTopology(ctx, content.UUID, c.client.StopTopology)
}

func (c *Coordinator) handleKillTopology(ctx context.Context, msg types.Message) error {
	var content types.TopologyContent
	if err := msg.Decode(&content); err != nil {
		return err
	}
	return c.stopTopology(ctx, content.UUID, c.client.KillTopology)
}

func (c *Coordinator) stopTopology(ctx context.Context, uuid string, stop func(context.Context, string) error) error {
	if err := stop(ctx, uuid); err != nil {
		c.logger.Error("Failed to stop topology", zap.String("topology_uuid", uuid), zap.Error(err))
		return c.reportError(ctx, uuid, err)
	}

	// a stopped topology belongs to no worker, so a later dead-worker sweep
	// cannot hand it out again
	if err := c.store.SetTopologyStatus(ctx, uuid, "", types.TopologyStatusStopped, ""); err != nil {
		return fmt.Errorf("failed to report topology stopped: %w", err)
	}

	c.logger.Info("Topology stopped", zap.String("topology_uuid", uuid))
	return nil
}

// handleStopTopologies releases topologies picked for another worker by a
// rebalance. The leader reassigns them on its next pass.
func (c *Coordinator) handleStopTopologies(ctx context.Context, msg types.Message) error {
	var content types.StopTopologiesContent
	if err := msg.Decode(&content); err != nil {
		return err
	}

	var errs []error
	for _, move := range content.StopTopologies {
		info, err := c.store.GetTopologyInfo(ctx, move.UUID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get topology info: %w", err))
			continue
		}
		if info.Worker != c.name || info.Status != types.TopologyStatusRunning {
			continue
		}

		if err := c.client.StopTopology(ctx, move.UUID); err != nil {
			c.logger.Error("Failed to stop topology for rebalance",
				zap.String("topology_uuid", move.UUID), zap.Error(err))
			if err := c.reportError(ctx, move.UUID, err); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if err := c.store.SetTopologyStatus(ctx, move.UUID, "", types.TopologyStatusUnassigned, ""); err != nil {
			errs = append(errs, fmt.Errorf("failed to release topology: %w", err))
			continue
		}

		c.logger.Info("Topology released for rebalance",
			zap.String("topology_uuid", move.UUID),
			zap.String("target_worker", move.WorkerNew))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) handleSetDisabled(ctx context.Context, msg types.Message) error {
	if err := c.leader.ReleaseLeadership(ctx); err != nil {
		c.logger.Error("Failed to release leadership", zap.Error(err))
	}

	if err := c.store.SetWorkerStatus(ctx, c.name, types.WorkerStatusDisabled); err != nil {
		return fmt.Errorf("failed to report worker disabled: %w", err)
	}

	if err := c.client.StopAllTopologies(ctx); err != nil {
		c.logger.Error("Failed to stop local topologies", zap.Error(err))
	}

	topologies, err := c.store.GetTopologiesForWorker(ctx, c.name)
	if err != nil {
		return fmt.Errorf("failed to get own topologies: %w", err)
	}
	for _, t := range topologies {
		if t.Status != types.TopologyStatusRunning && t.Status != types.TopologyStatusWaiting {
			continue
		}
		if err := c.store.SetTopologyStatus(ctx, t.UUID, "", types.TopologyStatusUnassigned, ""); err != nil {
			return fmt.Errorf("failed to release topology %s: %w", t.UUID, err)
		}
	}

	c.logger.Info("Worker disabled")
	return nil
}

func (c *Coordinator) handleSetEnabled(ctx context.Context, msg types.Message) error {
	if err := c.store.SetWorkerStatus(ctx, c.name, types.WorkerStatusAlive); err != nil {
		return fmt.Errorf("failed to report worker enabled: %w", err)
	}
	c.logger.Info("Worker enabled")
	return nil
}

func (c *Coordinator) handleShutdown(ctx context.Context, msg types.Message) error {
	c.logger.Info("Shutdown requested through mailbox")
	return c.client.Shutdown(ctx)
}

func (c *Coordinator) handleRebalance(ctx context.Context, msg types.Message) error {
	c.leader.ForceRebalance()
	return nil
}

func (c *Coordinator) reportError(ctx context.Context, uuid string, cause error) error {
	text := truncate(cause.Error(), c.config.MaxErrorLength)
	if err := c.store.SetTopologyStatus(ctx, uuid, c.name, types.TopologyStatusError, text); err != nil {
		return fmt.Errorf("failed to report topology error: %w", err)
	}
	return nil
}

// checkTopologies hands the topologies storage places here to the client and
// marks those it reports missing as failed.
func (c *Coordinator) checkTopologies(ctx context.Context) {
	topologies, err := c.store.GetTopologiesForWorker(ctx, c.name)
	if err != nil {
		c.metrics.StorageError("get_topologies_for_worker")
		c.logger.Error("Failed to get own topologies", zap.Error(err))
		return
	}

	// a waiting topology may already be running with its status write still
	// pending, so it must not be stopped as a stray
	var uuids []string
	status := make(map[string]types.TopologyStatus, len(topologies))
	for _, t := range topologies {
		if t.Status == types.TopologyStatusRunning || t.Status == types.TopologyStatusWaiting {
			uuids = append(uuids, t.UUID)
			status[t.UUID] = t.Status
		}
	}

	err = c.client.ResolveTopologyMismatches(ctx, uuids)
	if err == nil {
		return
	}

	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		c.logger.Error("Failed to resolve topology mismatches", zap.Error(err))
		return
	}

	for _, uuid := range mismatch.Missing {
		if status[uuid] != types.TopologyStatusRunning {
			continue
		}
		c.logger.Warn("Topology is not running locally", zap.String("topology_uuid", uuid))
		if err := c.reportError(ctx, uuid, errors.New("topology is not running on its worker")); err != nil {
			c.logger.Error("Failed to report missing topology", zap.String("topology_uuid", uuid), zap.Error(err))
		}
	}
}

// checkWorkerStatus restores this worker's record when it was lost or
// overwritten while the process keeps running.
func (c *Coordinator) checkWorkerStatus(ctx context.Context) {
	workers, err := c.store.GetWorkerStatus(ctx)
	if err != nil {
		c.metrics.StorageError("get_worker_status")
		c.logger.Error("Failed to get worker status", zap.Error(err))
		return
	}

	var self *types.WorkerRecord
	for i := range workers {
		if workers[i].Name == c.name {
			self = &workers[i]
			break
		}
	}

	c.statusMutex.Lock()
	defer c.statusMutex.Unlock()
	if c.closing {
		return
	}

	if self == nil {
		c.logger.Warn("Worker record missing, registering again")
		if err := c.store.RegisterWorker(ctx, c.name); err != nil {
			c.logger.Error("Failed to register worker", zap.Error(err))
		}
		return
	}

	if self.Status != types.WorkerStatusAlive && self.Status != types.WorkerStatusDisabled {
		c.logger.Warn("Worker status corrected",
			zap.String("status", string(self.Status)))
		if err := c.store.SetWorkerStatus(ctx, c.name, types.WorkerStatusAlive); err != nil {
			c.logger.Error("Failed to correct worker status", zap.Error(err))
		}
	}
}

// PreShutdown announces that the worker is about to stop
func (c *Coordinator) PreShutdown(ctx context.Context) error {
	c.statusMutex.Lock()
	defer c.statusMutex.Unlock()

	c.closing = true
	if err := c.store.SetWorkerStatus(ctx, c.name, types.WorkerStatusClosing); err != nil {
		return fmt.Errorf("failed to report worker closing: %w", err)
	}
	return nil
}

// Shutdown reports the worker closing and then dead, stops the leader and
// waits for the loop to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mutex.Lock()
	c.shuttingDown = true
	running := c.running
	c.mutex.Unlock()

	c.logger.Info("Coordinator shutting down")

	c.statusMutex.Lock()
	c.closing = true
	if err := c.store.SetWorkerStatus(ctx, c.name, types.WorkerStatusClosing); err != nil {
		c.logger.Error("Failed to report worker closing", zap.Error(err))
	}
	if err := c.store.SetWorkerStatus(ctx, c.name, types.WorkerStatusDead); err != nil {
		c.logger.Error("Failed to report worker dead", zap.Error(err))
	}
	c.statusMutex.Unlock()
	if err := c.leader.Shutdown(ctx); err != nil {
		c.logger.Error("Failed to shut down leader", zap.Error(err))
	}

	c.stopOnce.Do(func() { close(c.stopChan) })
	if !running {
		c.closeDone()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
