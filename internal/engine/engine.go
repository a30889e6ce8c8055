// Package engine runs topologies inside the worker process and implements
// the coordinator's Client on top of them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"topology-coordinator/internal/coordinator"
	"topology-coordinator/internal/monitoring"

	"go.uber.org/zap"
)

var (
	ErrUnknownRunner = errors.New("no runner registered for topology type")
	ErrEngineStopped = errors.New("engine is shutting down")
)

// Runner executes one topology until ctx is cancelled. Returning early means
// the topology failed; the coordinator notices during its sanity check.
type Runner interface {
	Run(ctx context.Context, uuid string, config json.RawMessage) error
}

type RunnerFunc func(ctx context.Context, uuid string, config json.RawMessage) error

func (f RunnerFunc) Run(ctx context.Context, uuid string, config json.RawMessage) error {
	return f(ctx, uuid, config)
}

// IdleRunner holds a topology slot without doing any work
var IdleRunner = RunnerFunc(func(ctx context.Context, uuid string, config json.RawMessage) error {
	<-ctx.Done()
	return nil
})

type Config struct {
	DormantStart string
	DormantEnd   string
	StopTimeout  time.Duration
	// CrashThreshold consecutive crashes of one topology type block further
	// starts of that type for CrashCooldown. Zero disables the check.
	CrashThreshold int
	CrashCooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		StopTimeout:    30 * time.Second,
		CrashThreshold: 5,
		CrashCooldown:  time.Minute,
	}
}

const defaultRunnerKind = "default"

type Option func(*LocalEngine)

func WithRunner(kind string, runner Runner) Option {
	return func(e *LocalEngine) {
		e.runners[kind] = runner
	}
}

// WithDefaultRunner serves topologies whose definition names no type
func WithDefaultRunner(runner Runner) Option {
	return func(e *LocalEngine) {
		e.defaultRunner = runner
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *LocalEngine) {
		e.now = now
	}
}

func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(e *LocalEngine) {
		e.metrics = metrics
	}
}

func WithExitFunc(exit func(int)) Option {
	return func(e *LocalEngine) {
		e.exit = exit
	}
}

// WithShutdownFunc is called once every topology stopped after a shutdown request
func WithShutdownFunc(fn func()) Option {
	return func(e *LocalEngine) {
		e.onShutdown = fn
	}
}

type execution struct {
	uuid      string
	kind      string
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Execution describes a topology currently running in this process
type Execution struct {
	UUID      string    `json:"uuid"`
	Type      string    `json:"type"`
	StartTime time.Time `json:"start_time"`
}

// LocalEngine runs each topology in its own goroutine
type LocalEngine struct {
	config        Config
	runners       map[string]Runner
	defaultRunner Runner
	metrics       *monitoring.Metrics
	logger        *zap.Logger
	now           func() time.Time
	exit          func(int)
	onShutdown    func()

	dormant      bool
	dormantStart int
	dormantEnd   int

	breakers *typeBreakers

	mutex        sync.Mutex
	executions   map[string]*execution
	shuttingDown bool
}

func New(config Config, logger *zap.Logger, opts ...Option) (*LocalEngine, error) {
	e := &LocalEngine{
		config:        config,
		runners:       make(map[string]Runner),
		defaultRunner: IdleRunner,
		logger:        logger,
		now:           time.Now,
		exit:          os.Exit,
		executions:    make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = newTypeBreakers(BreakerConfig{
		FailureThreshold: config.CrashThreshold,
		Cooldown:         config.CrashCooldown,
	}, logger)

	if config.DormantStart != "" || config.DormantEnd != "" {
		start, err := parseClock(config.DormantStart)
		if err != nil {
			return nil, fmt.Errorf("invalid dormant start: %w", err)
		}
		end, err := parseClock(config.DormantEnd)
		if err != nil {
			return nil, fmt.Errorf("invalid dormant end: %w", err)
		}
		e.dormant = start != end
		e.dormantStart = start
		e.dormantEnd = end
	}

	return e, nil
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

var _ coordinator.Client = (*LocalEngine)(nil)

type topologyHeader struct {
	Type string `json:"type"`
}

// StartTopology launches uuid unless it is already running here
func (e *LocalEngine) StartTopology(ctx context.Context, uuid string, config json.RawMessage) error {
	var header topologyHeader
	if len(config) > 0 {
		if err := json.Unmarshal(config, &header); err != nil {
			return fmt.Errorf("failed to parse topology definition: %w", err)
		}
	}

	runner := e.defaultRunner
	kind := defaultRunnerKind
	if header.Type != "" {
		var ok bool
		runner, ok = e.runners[header.Type]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRunner, header.Type)
		}
		kind = header.Type
	}
	breaker := e.breakers.get(kind)

	e.mutex.Lock()
	if e.shuttingDown {
		e.mutex.Unlock()
		return ErrEngineStopped
	}
	if _, ok := e.executions[uuid]; ok {
		e.mutex.Unlock()
		e.logger.Debug("Topology already running", zap.String("topology_uuid", uuid))
		return nil
	}
	if !breaker.allow(e.now()) {
		e.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrCircuitOpen, kind)
	}

	// topologies outlive the message that started them
	runCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{
		uuid:      uuid,
		kind:      header.Type,
		startTime: e.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.executions[uuid] = exec
	running := len(e.executions)
	e.mutex.Unlock()

	e.metrics.SetTopologiesRunning(running)
	e.logger.Info("Starting topology",
		zap.String("topology_uuid", uuid),
		zap.String("type", header.Type))

	go e.run(runCtx, exec, runner, breaker, config)
	return nil
}

func (e *LocalEngine) run(ctx context.Context, exec *execution, runner Runner, breaker *crashBreaker, config json.RawMessage) {
	defer close(exec.done)

	err := runner.Run(ctx, exec.uuid, config)

	switch {
	case err != nil:
		breaker.recordFailure(e.now(), err)
		e.logger.Error("Topology failed", zap.String("topology_uuid", exec.uuid), zap.Error(err))
	case ctx.Err() == nil:
		breaker.recordFailure(e.now(), errors.New("exited without being stopped"))
		e.logger.Warn("Topology exited on its own", zap.String("topology_uuid", exec.uuid))
	default:
		breaker.recordSuccess()
		e.logger.Debug("Topology finished", zap.String("topology_uuid", exec.uuid))
	}

	e.remove(exec)
}

func (e *LocalEngine) remove(exec *execution) {
	e.mutex.Lock()
	if e.executions[exec.uuid] == exec {
		delete(e.executions, exec.uuid)
	}
	running := len(e.executions)
	e.mutex.Unlock()

	e.metrics.SetTopologiesRunning(running)
}

// StopTopology cancels uuid and waits for it to finish. Unknown topologies
// are already stopped.
func (e *LocalEngine) StopTopology(ctx context.Context, uuid string) error {
	e.mutex.Lock()
	exec, ok := e.executions[uuid]
	e.mutex.Unlock()
	if !ok {
		return nil
	}

	exec.cancel()
	return e.wait(ctx, exec)
}

// KillTopology cancels uuid without waiting
func (e *LocalEngine) KillTopology(ctx context.Context, uuid string) error {
	e.mutex.Lock()
	exec, ok := e.executions[uuid]
	if ok {
		delete(e.executions, uuid)
	}
	running := len(e.executions)
	e.mutex.Unlock()
	if !ok {
		return nil
	}

	exec.cancel()
	e.metrics.SetTopologiesRunning(running)
	e.logger.Info("Topology killed", zap.String("topology_uuid", uuid))
	return nil
}

func (e *LocalEngine) wait(ctx context.Context, exec *execution) error {
	timeout := e.config.StopTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().StopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exec.done:
		e.logger.Info("Topology stopped", zap.String("topology_uuid", exec.uuid))
		return nil
	case <-timer.C:
		return fmt.Errorf("topology %s did not stop within %s", exec.uuid, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LocalEngine) StopAllTopologies(ctx context.Context) error {
	return e.stopMany(ctx, e.Running())
}

func (e *LocalEngine) stopMany(ctx context.Context, uuids []string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, uuid := range uuids {
		wg.Add(1)
		go func(uuid string) {
			defer wg.Done()
			if err := e.StopTopology(ctx, uuid); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(uuid)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ResolveTopologyMismatches stops topologies running here that storage no
// longer assigns here and reports the expected ones that are not running.
func (e *LocalEngine) ResolveTopologyMismatches(ctx context.Context, uuids []string) error {
	expected := make(map[string]bool, len(uuids))
	for _, uuid := range uuids {
		expected[uuid] = true
	}

	local := e.Running()
	running := make(map[string]bool, len(local))
	var strays []string
	for _, uuid := range local {
		running[uuid] = true
		if !expected[uuid] {
			strays = append(strays, uuid)
		}
	}

	if len(strays) > 0 {
		e.logger.Warn("Stopping topologies not assigned here", zap.Strings("topologies", strays))
		if err := e.stopMany(ctx, strays); err != nil {
			e.logger.Error("Failed to stop stray topologies", zap.Error(err))
		}
	}

	var missing []string
	for _, uuid := range uuids {
		if !running[uuid] {
			missing = append(missing, uuid)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &coordinator.MismatchError{Missing: missing}
}

// Shutdown stops every topology and refuses new ones, then hands control to
// the shutdown callback.
func (e *LocalEngine) Shutdown(ctx context.Context) error {
	e.mutex.Lock()
	e.shuttingDown = true
	e.mutex.Unlock()

	e.logger.Info("Engine shutting down")
	err := e.StopAllTopologies(ctx)

	if e.onShutdown != nil {
		e.onShutdown()
	}
	return err
}

func (e *LocalEngine) Exit(code int) {
	e.logger.Warn("Exiting worker process", zap.Int("code", code))
	_ = e.logger.Sync()
	e.exit(code)
}

// IsDormantPeriod reports whether the local time falls in the daily dormant
// window. The window may wrap around midnight.
func (e *LocalEngine) IsDormantPeriod() bool {
	if !e.dormant {
		return false
	}
	now := e.now()
	minute := now.Hour()*60 + now.Minute()
	if e.dormantStart < e.dormantEnd {
		return minute >= e.dormantStart && minute < e.dormantEnd
	}
	return minute >= e.dormantStart || minute < e.dormantEnd
}

// Running lists the topologies currently running, sorted by uuid
func (e *LocalEngine) Running() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	uuids := make([]string, 0, len(e.executions))
	for uuid := range e.executions {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids
}

func (e *LocalEngine) Executions() []Execution {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	executions := make([]Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		executions = append(executions, Execution{
			UUID:      exec.uuid,
			Type:      exec.kind,
			StartTime: exec.startTime,
		})
	}
	sort.Slice(executions, func(i, j int) bool { return executions[i].UUID < executions[j].UUID })
	return executions
}

// BreakerStates reports the crash breaker of every topology type started so far
func (e *LocalEngine) BreakerStates() map[string]string {
	states := make(map[string]string)
	for kind, state := range e.breakers.states() {
		states[kind] = state.String()
	}
	return states
}

// HealthCheck fails while any topology type has its crash breaker open
func (e *LocalEngine) HealthCheck(ctx context.Context) error {
	var open []string
	for kind, state := range e.breakers.states() {
		if state == BreakerOpen {
			open = append(open, kind)
		}
	}
	if len(open) == 0 {
		return nil
	}
	sort.Strings(open)
	return fmt.Errorf("%w: %v", ErrCircuitOpen, open)
}
