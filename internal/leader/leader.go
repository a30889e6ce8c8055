// Package leader implements fleet-wide scheduling. Every worker runs a
// TopologyLeader; at most one of them holds the leader role at a time and,
// while it does, detects dead workers, places unassigned topologies and
// periodically rebalances the fleet. All coordination goes through storage.
package leader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"topology-coordinator/internal/balancer"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/storage"
	"topology-coordinator/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrTopologyNotInError = errors.New("topology is not in error state")

type State string

const (
	StateNotLeader State = "not-leader"
	StatePending   State = "pending"
	StateLeader    State = "leader"
)

type Config struct {
	LoopInterval      time.Duration
	WorkerIdleTimeout time.Duration
	WaitingTimeout    time.Duration
	RebalanceInterval time.Duration
	CandidacyWait     time.Duration
	CandidacyJitter   time.Duration
	AffinityFactor    float64
	MessageTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		LoopInterval:      3 * time.Second,
		WorkerIdleTimeout: 30 * time.Second,
		WaitingTimeout:    60 * time.Second,
		RebalanceInterval: time.Hour,
		CandidacyWait:     time.Second,
		CandidacyJitter:   time.Second,
		AffinityFactor:    balancer.DefaultAffinityFactor,
		MessageTTL:        time.Minute,
	}
}

type Option func(*TopologyLeader)

func WithClock(now func() time.Time) Option {
	return func(l *TopologyLeader) {
		l.now = now
	}
}

func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(l *TopologyLeader) {
		l.metrics = metrics
	}
}

type TopologyLeader struct {
	name    string
	store   storage.Storage
	config  Config
	metrics *monitoring.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mutex          sync.Mutex
	state          State
	running        bool
	shuttingDown   bool
	forceRebalance bool
	lastRebalance  time.Time

	// owned by the loop goroutine
	stopRequested map[string]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func New(name string, store storage.Storage, config Config, logger *zap.Logger, opts ...Option) *TopologyLeader {
	l := &TopologyLeader{
		name:          name,
		store:         store,
		config:        config,
		logger:        logger.With(zap.String("worker", name)),
		tracer:        otel.Tracer("topology-coordinator/leader"),
		now:           time.Now,
		state:         StateNotLeader,
		stopRequested: make(map[string]time.Time),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastRebalance = l.now()
	return l
}

// Start marks the leader running and launches its loop in the background
func (l *TopologyLeader) Start(ctx context.Context) error {
	l.mutex.Lock()
	if l.running {
		l.mutex.Unlock()
		return fmt.Errorf("leader %s is already running", l.name)
	}
	if l.shuttingDown {
		l.mutex.Unlock()
		l.closeDone()
		return nil
	}
	l.running = true
	l.mutex.Unlock()

	l.logger.Info("Starting topology leader",
		zap.Duration("loop_interval", l.config.LoopInterval))

	go l.loop(ctx)
	return nil
}

// Run starts the leader and blocks until its loop has finished
func (l *TopologyLeader) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-l.done
	return nil
}

func (l *TopologyLeader) loop(ctx context.Context) {
	defer l.finish()

	ticker := time.NewTicker(l.config.LoopInterval)
	defer ticker.Stop()

	for {
		l.tick(ctx)

		select {
		case <-ctx.Done():
			l.logger.Info("Leader stopping due to context cancellation")
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
		}
	}
}

func (l *TopologyLeader) tick(ctx context.Context) {
	if l.IsLeader() {
		l.leaderPass(ctx)
		return
	}

	if err := l.checkIfLeaderDetermined(ctx); err != nil {
		l.logger.Warn("Leader election step failed", zap.Error(err))
	}
}

func (l *TopologyLeader) finish() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.ReleaseLeadership(releaseCtx); err != nil {
		l.logger.Error("Failed to release leadership on shutdown", zap.Error(err))
	}

	l.mutex.Lock()
	l.running = false
	l.mutex.Unlock()

	l.logger.Info("Topology leader stopped")
	l.closeDone()
}

func (l *TopologyLeader) closeDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// Shutdown stops the loop after its current tick and waits for it to finish
func (l *TopologyLeader) Shutdown(ctx context.Context) error {
	l.mutex.Lock()
	l.shuttingDown = true
	running := l.running
	l.mutex.Unlock()

	l.stopOnce.Do(func() { close(l.stopChan) })
	if !running {
		l.closeDone()
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed exactly once, when the loop has ended or was never started
func (l *TopologyLeader) Done() <-chan struct{} {
	return l.done
}

func (l *TopologyLeader) IsRunning() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.running
}

func (l *TopologyLeader) IsLeader() bool {
	return l.State() == StateLeader
}

func (l *TopologyLeader) State() State {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state
}

func (l *TopologyLeader) setState(state State) {
	l.mutex.Lock()
	l.state = state
	l.mutex.Unlock()

	l.metrics.SetLeader(state == StateLeader)
}

// ForceRebalance makes the next leader pass rebalance regardless of interval
func (l *TopologyLeader) ForceRebalance() {
	l.mutex.Lock()
	l.forceRebalance = true
	l.mutex.Unlock()
}

// ReleaseLeadership gives up the leader role if this instance holds it
func (l *TopologyLeader) ReleaseLeadership(ctx context.Context) error {
	if !l.IsLeader() {
		return nil
	}

	l.setState(StateNotLeader)
	if err := l.store.SetWorkerLStatus(ctx, l.name, types.LeadershipNormal); err != nil {
		return fmt.Errorf("failed to release leadership: %w", err)
	}

	l.logger.Info("Leadership released")
	return nil
}

// checkIfLeaderDetermined runs one election step: nothing happens while an
// active leader exists, otherwise this worker announces itself, waits and
// checks whether it won.
func (l *TopologyLeader) checkIfLeaderDetermined(ctx context.Context) error {
	workers, err := l.store.GetWorkerStatus(ctx)
	if err != nil {
		l.metrics.StorageError("get_worker_status")
		return fmt.Errorf("failed to get worker status: %w", err)
	}

	now := l.now()
	self, found := findWorker(workers, l.name)
	for _, w := range workers {
		if w.IsActiveLeader(now, l.config.WorkerIdleTimeout) {
			return nil
		}
	}
	if !found || !self.IsAlive() {
		return nil
	}

	l.setState(StatePending)
	if err := l.store.AnnounceLeaderCandidacy(ctx, l.name); err != nil {
		l.setState(StateNotLeader)
		l.metrics.StorageError("announce_leader_candidacy")
		return fmt.Errorf("failed to announce candidacy: %w", err)
	}

	if !l.waitForCandidacy(ctx) {
		l.setState(StateNotLeader)
		return nil
	}

	won, err := l.store.CheckLeaderCandidacy(ctx, l.name)
	if err != nil {
		l.setState(StateNotLeader)
		l.metrics.StorageError("check_leader_candidacy")
		return fmt.Errorf("failed to check candidacy: %w", err)
	}
	if !won {
		l.setState(StateNotLeader)
		l.logger.Debug("Leader candidacy lost")
		return nil
	}

	l.setState(StateLeader)
	l.metrics.ElectionWon()
	l.logger.Info("Became fleet leader")

	l.leaderPass(ctx)
	return nil
}

func (l *TopologyLeader) waitForCandidacy(ctx context.Context) bool {
	wait := l.config.CandidacyWait
	if l.config.CandidacyJitter > 0 {
		wait += time.Duration(rand.Int63n(int64(l.config.CandidacyJitter)))
	}
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-l.stopChan:
		return false
	}
}

// leaderPass is one scheduling round. Any storage error aborts the pass;
// the next tick starts over from a fresh read.
func (l *TopologyLeader) leaderPass(ctx context.Context) {
	start := l.now()
	ctx, span := l.tracer.Start(ctx, "leader.pass",
		trace.WithAttributes(attribute.String("worker", l.name)))
	defer span.End()

	if err := l.runPass(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("Leader pass aborted", zap.Error(err))
		return
	}

	l.metrics.LeaderPassCompleted(l.now().Sub(start))
}

func (l *TopologyLeader) runPass(ctx context.Context) error {
	workers, err := l.store.GetWorkerStatus(ctx)
	if err != nil {
		l.metrics.StorageError("get_worker_status")
		return fmt.Errorf("failed to get worker status: %w", err)
	}

	self, found := findWorker(workers, l.name)
	if !found || self.LStatus != types.LeadershipLeader || !self.IsAlive() {
		l.setState(StateNotLeader)
		l.logger.Warn("Leadership lost, demoting")
		return nil
	}

	topologies, err := l.store.GetTopologyStatus(ctx)
	if err != nil {
		l.metrics.StorageError("get_topology_status")
		return fmt.Errorf("failed to get topology status: %w", err)
	}

	if err := l.detectFailures(ctx, workers, topologies); err != nil {
		return err
	}
	if err := l.sweepDeadWorkers(ctx, workers, topologies); err != nil {
		return err
	}
	if err := l.assignTopologies(ctx, workers, topologies); err != nil {
		return err
	}

	l.recordFleet(workers, topologies)

	if !l.IsLeader() {
		return nil
	}
	return l.rebalance(ctx, workers, topologies)
}

// detectFailures marks silent workers dead and unassigns topologies that
// waited too long or sit on a worker that no longer hosts them. The slices
// are updated in place to mirror what was written.
func (l *TopologyLeader) detectFailures(ctx context.Context, workers []types.WorkerRecord, topologies []types.TopologyRecord) error {
	now := l.now()

	for i := range workers {
		w := &workers[i]

		silent := now.Sub(w.LastPing) > l.config.WorkerIdleTimeout
		if silent && (w.Status == types.WorkerStatusAlive || w.Status == types.WorkerStatusClosing) {
			if err := l.store.SetWorkerStatus(ctx, w.Name, types.WorkerStatusDead); err != nil {
				l.metrics.StorageError("set_worker_status")
				return fmt.Errorf("failed to mark worker %s dead: %w", w.Name, err)
			}
			w.Status = types.WorkerStatusDead
			l.metrics.WorkerMarkedDead()
			l.logger.Warn("Worker marked dead",
				zap.String("dead_worker", w.Name),
				zap.Time("last_ping", w.LastPing))
		}

		if w.Status == types.WorkerStatusDead && w.LStatus != types.LeadershipNormal {
			if err := l.store.SetWorkerLStatus(ctx, w.Name, types.LeadershipNormal); err != nil {
				l.metrics.StorageError("set_worker_lstatus")
				return fmt.Errorf("failed to reset leadership of %s: %w", w.Name, err)
			}
			w.LStatus = types.LeadershipNormal
		}
	}

	hosting := make(map[string]bool, len(workers))
	for _, w := range workers {
		hosting[w.Name] = w.Status == types.WorkerStatusAlive || w.Status == types.WorkerStatusClosing
	}

	for i := range topologies {
		t := &topologies[i]

		var reason string
		switch {
		case t.Status == types.TopologyStatusWaiting && now.Sub(t.LastPing) > l.config.WaitingTimeout:
			reason = "waiting_timeout"
		case (t.Status == types.TopologyStatusRunning || t.Status == types.TopologyStatusWaiting) &&
			t.Worker != "" && !hosting[t.Worker]:
			reason = "worker_not_alive"
		default:
			continue
		}

		if err := l.unassign(ctx, t, reason); err != nil {
			return err
		}
	}

	return nil
}

// sweepDeadWorkers releases everything still recorded on dead workers,
// except topologies in error, and marks those workers unloaded.
func (l *TopologyLeader) sweepDeadWorkers(ctx context.Context, workers []types.WorkerRecord, topologies []types.TopologyRecord) error {
	index := make(map[string]int, len(topologies))
	for i, t := range topologies {
		index[t.UUID] = i
	}

	for i := range workers {
		w := &workers[i]
		if w.Status != types.WorkerStatusDead {
			continue
		}

		assigned, err := l.store.GetTopologiesForWorker(ctx, w.Name)
		if err != nil {
			l.metrics.StorageError("get_topologies_for_worker")
			return fmt.Errorf("failed to get topologies of %s: %w", w.Name, err)
		}

		for _, t := range assigned {
			if t.Status == types.TopologyStatusError {
				continue
			}

			target := &t
			if idx, ok := index[t.UUID]; ok {
				target = &topologies[idx]
			}
			if err := l.unassign(ctx, target, "dead_worker"); err != nil {
				return err
			}
		}

		if err := l.store.SetWorkerStatus(ctx, w.Name, types.WorkerStatusUnloaded); err != nil {
			l.metrics.StorageError("set_worker_status")
			return fmt.Errorf("failed to mark worker %s unloaded: %w", w.Name, err)
		}
		w.Status = types.WorkerStatusUnloaded
		l.logger.Info("Dead worker unloaded", zap.String("dead_worker", w.Name))
	}

	return nil
}

func (l *TopologyLeader) unassign(ctx context.Context, t *types.TopologyRecord, reason string) error {
	if err := l.store.SetTopologyStatus(ctx, t.UUID, "", types.TopologyStatusUnassigned, ""); err != nil {
		l.metrics.StorageError("set_topology_status")
		return fmt.Errorf("failed to unassign topology %s: %w", t.UUID, err)
	}

	l.logger.Info("Topology unassigned",
		zap.String("topology_uuid", t.UUID),
		zap.String("previous_worker", t.Worker),
		zap.String("reason", reason))

	t.Status = types.TopologyStatusUnassigned
	t.Worker = ""
	t.Error = ""
	t.LastPing = l.now()
	l.metrics.TopologyUnassigned(reason)
	return nil
}

// assignTopologies places every enabled unassigned topology on an alive
// worker and mails one start message per worker.
func (l *TopologyLeader) assignTopologies(ctx context.Context, workers []types.WorkerRecord, topologies []types.TopologyRecord) error {
	if err := l.stopDisabled(ctx, topologies); err != nil {
		return err
	}

	var pending []*types.TopologyRecord
	for i := range topologies {
		t := &topologies[i]
		if !t.Enabled {
			continue
		}

		if t.Status == types.TopologyStatusRunning && t.Worker == "" {
			if err := l.unassign(ctx, t, "missing_worker"); err != nil {
				return err
			}
		}
		if t.Status == types.TopologyStatusUnassigned {
			pending = append(pending, t)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	loads := workerLoads(workers, topologies)
	if len(loads) == 0 {
		l.logger.Warn("No alive workers to assign topologies to", zap.Int("pending", len(pending)))
		return nil
	}

	bal := balancer.New(loads, balancer.WithAffinityFactor(l.config.AffinityFactor))
	batches := make(map[string][]string)
	var order []string

	for _, t := range pending {
		target, err := bal.Next(t.WorkerAffinity, t.EffectiveWeight())
		if err != nil {
			return fmt.Errorf("failed to place topology %s: %w", t.UUID, err)
		}

		if err := l.store.AssignTopology(ctx, t.UUID, target); err != nil {
			l.metrics.StorageError("assign_topology")
			return fmt.Errorf("failed to assign topology %s: %w", t.UUID, err)
		}

		t.Status = types.TopologyStatusWaiting
		t.Worker = target
		t.LastPing = l.now()
		l.metrics.TopologyAssigned()
		l.logger.Info("Topology assigned",
			zap.String("topology_uuid", t.UUID),
			zap.String("target_worker", target))

		if _, ok := batches[target]; !ok {
			order = append(order, target)
		}
		batches[target] = append(batches[target], t.UUID)
	}

	for _, worker := range order {
		uuids := batches[worker]

		var err error
		if len(uuids) == 1 {
			err = l.store.SendMessageToWorker(ctx, worker, types.CmdStartTopology,
				types.TopologyContent{UUID: uuids[0]}, l.config.MessageTTL)
		} else {
			err = l.store.SendMessageToWorker(ctx, worker, types.CmdStartTopologies,
				types.TopologiesContent{UUIDs: uuids}, l.config.MessageTTL)
		}
		if err != nil {
			l.metrics.StorageError("send_message")
			return fmt.Errorf("failed to send start message to %s: %w", worker, err)
		}
	}

	return nil
}

// stopDisabled asks workers to stop disabled topologies they still run.
// A request is not repeated while the previous one can still be delivered.
func (l *TopologyLeader) stopDisabled(ctx context.Context, topologies []types.TopologyRecord) error {
	now := l.now()

	for uuid, sent := range l.stopRequested {
		if now.Sub(sent) >= l.config.MessageTTL {
			delete(l.stopRequested, uuid)
		}
	}

	for _, t := range topologies {
		if t.Enabled || t.Worker == "" {
			continue
		}
		if t.Status != types.TopologyStatusRunning && t.Status != types.TopologyStatusWaiting {
			continue
		}
		if _, ok := l.stopRequested[t.UUID]; ok {
			continue
		}

		err := l.store.SendMessageToWorker(ctx, t.Worker, types.CmdStopTopology,
			types.TopologyContent{UUID: t.UUID}, l.config.MessageTTL)
		if err != nil {
			l.metrics.StorageError("send_message")
			return fmt.Errorf("failed to request stop of %s: %w", t.UUID, err)
		}

		l.stopRequested[t.UUID] = now
		l.logger.Info("Requested stop of disabled topology",
			zap.String("topology_uuid", t.UUID),
			zap.String("target_worker", t.Worker))
	}

	return nil
}

func (l *TopologyLeader) rebalance(ctx context.Context, workers []types.WorkerRecord, topologies []types.TopologyRecord) error {
	now := l.now()

	l.mutex.Lock()
	due := l.forceRebalance || now.Sub(l.lastRebalance) >= l.config.RebalanceInterval
	l.mutex.Unlock()

	loads := workerLoads(workers, topologies)
	if !due || len(loads) == 0 || len(topologies) == 0 {
		return nil
	}

	l.mutex.Lock()
	l.forceRebalance = false
	l.lastRebalance = now
	l.mutex.Unlock()

	alive := make(map[string]bool, len(loads))
	for _, w := range loads {
		alive[w.Name] = true
	}

	// waiting topologies are about to start on their worker, so they weigh on
	// the plan without being moved
	var placed []balancer.TopologyLoad
	for _, t := range topologies {
		if !t.Enabled || !alive[t.Worker] {
			continue
		}
		if t.Status != types.TopologyStatusRunning && t.Status != types.TopologyStatusWaiting {
			continue
		}
		placed = append(placed, balancer.TopologyLoad{
			UUID:     t.UUID,
			Worker:   t.Worker,
			Weight:   t.EffectiveWeight(),
			Affinity: t.WorkerAffinity,
			Pinned:   t.Status == types.TopologyStatusWaiting,
		})
	}

	bal := balancer.New(loads, balancer.WithAffinityFactor(l.config.AffinityFactor))
	changes := bal.Rebalance(placed)
	if len(changes) == 0 {
		l.logger.Debug("Rebalance found fleet balanced")
		return nil
	}

	moves := make(map[string][]types.TopologyMove)
	var order []string
	for _, c := range changes {
		if _, ok := moves[c.WorkerOld]; !ok {
			order = append(order, c.WorkerOld)
		}
		moves[c.WorkerOld] = append(moves[c.WorkerOld], types.TopologyMove{UUID: c.UUID, WorkerNew: c.WorkerNew})
	}

	for _, worker := range order {
		err := l.store.SendMessageToWorker(ctx, worker, types.CmdStopTopologies,
			types.StopTopologiesContent{StopTopologies: moves[worker]}, l.config.MessageTTL)
		if err != nil {
			l.metrics.StorageError("send_message")
			return fmt.Errorf("failed to send rebalance message to %s: %w", worker, err)
		}
	}

	l.metrics.RebalanceMoved(len(changes))
	l.logger.Info("Rebalance scheduled", zap.Int("moves", len(changes)))
	return nil
}

func (l *TopologyLeader) recordFleet(workers []types.WorkerRecord, topologies []types.TopologyRecord) {
	workerCounts := make(map[string]int)
	for _, w := range workers {
		workerCounts[string(w.Status)]++
	}
	topologyCounts := make(map[string]int)
	for _, t := range topologies {
		topologyCounts[string(t.Status)]++
	}

	l.metrics.SetFleetWorkers(workerCounts)
	l.metrics.SetFleetTopologies(topologyCounts)
}

// workerLoads sums running and waiting topology weight per alive worker,
// keeping the worker order of the input.
func workerLoads(workers []types.WorkerRecord, topologies []types.TopologyRecord) []balancer.WorkerLoad {
	index := make(map[string]int)
	var loads []balancer.WorkerLoad
	for _, w := range workers {
		if w.IsAlive() {
			index[w.Name] = len(loads)
			loads = append(loads, balancer.WorkerLoad{Name: w.Name})
		}
	}

	for _, t := range topologies {
		if t.Status != types.TopologyStatusRunning && t.Status != types.TopologyStatusWaiting {
			continue
		}
		if idx, ok := index[t.Worker]; ok {
			loads[idx].Load += t.EffectiveWeight()
		}
	}
	return loads
}

func findWorker(workers []types.WorkerRecord, name string) (types.WorkerRecord, bool) {
	for _, w := range workers {
		if w.Name == name {
			return w, true
		}
	}
	return types.WorkerRecord{}, false
}

// ClearTopologyError restarts an errored topology on its last worker when
// that worker is still alive, otherwise hands it back to normal assignment.
func ClearTopologyError(ctx context.Context, store storage.Storage, uuid string, messageTTL time.Duration) error {
	info, err := store.GetTopologyInfo(ctx, uuid)
	if err != nil {
		return fmt.Errorf("failed to get topology info: %w", err)
	}
	if info.Status != types.TopologyStatusError {
		return fmt.Errorf("topology %s is %s: %w", uuid, info.Status, ErrTopologyNotInError)
	}

	workers, err := store.GetWorkerStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get worker status: %w", err)
	}

	if w, ok := findWorker(workers, info.Worker); ok && info.Worker != "" && w.IsAlive() {
		if err := store.AssignTopology(ctx, uuid, w.Name); err != nil {
			return fmt.Errorf("failed to reassign topology: %w", err)
		}
		if err := store.SendMessageToWorker(ctx, w.Name, types.CmdStartTopology, types.TopologyContent{UUID: uuid}, messageTTL); err != nil {
			return fmt.Errorf("failed to send start message: %w", err)
		}
		return nil
	}

	if err := store.SetTopologyStatus(ctx, uuid, "", types.TopologyStatusUnassigned, ""); err != nil {
		return fmt.Errorf("failed to unassign topology: %w", err)
	}
	return nil
}
