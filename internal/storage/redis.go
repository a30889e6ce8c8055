package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"topology-coordinator/pkg/types"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	workersKey        = "workers"
	topologiesKey     = "topologies"
	workerKeyPrefix   = "worker:"
	topologyKeyPrefix = "topology:"
	mailboxKeyPrefix  = "mailbox:"
	candidateKey      = "leader:candidate"
)

// RedisStorage keeps workers and topologies as hashes, mailboxes as lists and
// the leader candidacy as a single key written with SET NX PX, so concurrent
// candidates are resolved by Redis itself.
type RedisStorage struct {
	client       *redis.Client
	logger       *zap.Logger
	prefix       string
	candidacyTTL time.Duration
	now          func() time.Time
}

type RedisOption func(*RedisStorage)

// WithKeyPrefix namespaces every key, e.g. "topo" gives "topo:workers"
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStorage) {
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		s.prefix = prefix
	}
}

func WithRedisCandidacyTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStorage) {
		s.candidacyTTL = ttl
	}
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStorage) {
		s.now = now
	}
}

func NewRedisStorage(client *redis.Client, logger *zap.Logger, opts ...RedisOption) *RedisStorage {
	s := &RedisStorage{
		client:       client,
		logger:       logger,
		prefix:       "topo:",
		candidacyTTL: DefaultCandidacyTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStorage) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += p
	}
	return key
}

func (s *RedisStorage) GetWorkerStatus(ctx context.Context) ([]types.WorkerRecord, error) {
	names, err := s.client.SMembers(ctx, s.key(workersKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, s.key(workerKeyPrefix, name))
	}
	if len(names) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to read workers: %w", err)
		}
	}

	workers := make([]types.WorkerRecord, 0, len(names))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		workers = append(workers, parseWorker(fields))
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

func (s *RedisStorage) GetTopologyStatus(ctx context.Context) ([]types.TopologyRecord, error) {
	infos, err := s.readTopologies(ctx)
	if err != nil {
		return nil, err
	}

	topologies := make([]types.TopologyRecord, 0, len(infos))
	for _, info := range infos {
		topologies = append(topologies, info.TopologyRecord)
	}
	return topologies, nil
}

func (s *RedisStorage) GetTopologiesForWorker(ctx context.Context, worker string) ([]types.TopologyRecord, error) {
	all, err := s.GetTopologyStatus(ctx)
	if err != nil {
		return nil, err
	}

	topologies := make([]types.TopologyRecord, 0)
	for _, t := range all {
		if t.Worker == worker {
			topologies = append(topologies, t)
		}
	}
	return topologies, nil
}

func (s *RedisStorage) readTopologies(ctx context.Context) ([]types.TopologyInfo, error) {
	uuids, err := s.client.SMembers(ctx, s.key(topologiesKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list topologies: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(uuids))
	for i, uuid := range uuids {
		cmds[i] = pipe.HGetAll(ctx, s.key(topologyKeyPrefix, uuid))
	}
	if len(uuids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to read topologies: %w", err)
		}
	}

	infos := make([]types.TopologyInfo, 0, len(uuids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		infos = append(infos, parseTopology(fields))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UUID < infos[j].UUID })
	return infos, nil
}

func (s *RedisStorage) GetTopologyInfo(ctx context.Context, uuid string) (*types.TopologyInfo, error) {
	fields, err := s.client.HGetAll(ctx, s.key(topologyKeyPrefix, uuid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get topology: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("topology %s: %w", uuid, ErrNotFound)
	}

	info := parseTopology(fields)
	return &info, nil
}

func (s *RedisStorage) RegisterWorker(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key(workersKey), name)
	pipe.HSet(ctx, s.key(workerKeyPrefix, name),
		"name", name,
		"status", string(types.WorkerStatusAlive),
		"lstatus", string(types.LeadershipNormal),
		"last_ping", formatTime(s.now()))

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to register worker", zap.Error(err), zap.String("worker", name))
		return fmt.Errorf("failed to register worker: %w", err)
	}

	s.logger.Info("Worker registered", zap.String("worker", name))
	return nil
}

func (s *RedisStorage) PingWorker(ctx context.Context, name string) error {
	return s.updateWorker(ctx, name, "last_ping", formatTime(s.now()))
}

func (s *RedisStorage) SetWorkerStatus(ctx context.Context, name string, status types.WorkerStatus) error {
	return s.updateWorker(ctx, name, "status", string(status))
}

func (s *RedisStorage) SetWorkerLStatus(ctx context.Context, name string, lstatus types.LeadershipStatus) error {
	return s.updateWorker(ctx, name, "lstatus", string(lstatus))
}

func (s *RedisStorage) updateWorker(ctx context.Context, name string, values ...interface{}) error {
	key := s.key(workerKeyPrefix, name)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("worker %s: %w", name, ErrNotFound)
	}
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	return nil
}

func (s *RedisStorage) AnnounceLeaderCandidacy(ctx context.Context, name string) error {
	won, err := s.client.SetNX(ctx, s.key(candidateKey), name, s.candidacyTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to announce candidacy: %w", err)
	}

	if !won {
		s.logger.Debug("Leader candidacy already held", zap.String("worker", name))
		return nil
	}

	workerKey := s.key(workerKeyPrefix, name)
	lstatus, err := s.client.HGet(ctx, workerKey, "lstatus").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to announce candidacy: %w", err)
	}
	if lstatus == string(types.LeadershipNormal) {
		if err := s.client.HSet(ctx, workerKey, "lstatus", string(types.LeadershipPending)).Err(); err != nil {
			return fmt.Errorf("failed to announce candidacy: %w", err)
		}
	}
	return nil
}

func (s *RedisStorage) CheckLeaderCandidacy(ctx context.Context, name string) (bool, error) {
	candidate, err := s.client.Get(ctx, s.key(candidateKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to check candidacy: %w", err)
	}

	workers, err := s.GetWorkerStatus(ctx)
	if err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	won := candidate == name
	for _, w := range workers {
		key := s.key(workerKeyPrefix, w.Name)
		switch {
		case won && w.Name == name:
			pipe.HSet(ctx, key, "lstatus", string(types.LeadershipLeader))
		case won && w.LStatus != types.LeadershipNormal:
			pipe.HSet(ctx, key, "lstatus", string(types.LeadershipNormal))
		case !won && w.Name == name && w.LStatus == types.LeadershipPending:
			pipe.HSet(ctx, key, "lstatus", string(types.LeadershipNormal))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to record candidacy result: %w", err)
	}

	return won, nil
}

func (s *RedisStorage) AssignTopology(ctx context.Context, uuid, worker string) error {
	return s.updateTopology(ctx, uuid,
		"worker", worker,
		"status", string(types.TopologyStatusWaiting),
		"error", "",
		"last_ping", formatTime(s.now()))
}

func (s *RedisStorage) SetTopologyStatus(ctx context.Context, uuid, worker string, status types.TopologyStatus, errText string) error {
	return s.updateTopology(ctx, uuid,
		"worker", worker,
		"status", string(status),
		"error", errText,
		"last_ping", formatTime(s.now()))
}

func (s *RedisStorage) SetTopologyPid(ctx context.Context, uuid string, pid int) error {
	return s.updateTopology(ctx, uuid, "pid", pid)
}

func (s *RedisStorage) updateTopology(ctx context.Context, uuid string, values ...interface{}) error {
	key := s.key(topologyKeyPrefix, uuid)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to update topology: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("topology %s: %w", uuid, ErrNotFound)
	}
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		s.logger.Error("Failed to update topology", zap.Error(err), zap.String("topology_uuid", uuid))
		return fmt.Errorf("failed to update topology: %w", err)
	}
	return nil
}

func (s *RedisStorage) GetMessage(ctx context.Context, worker string) (*types.Message, error) {
	key := s.key(mailboxKeyPrefix, worker)
	now := s.now()

	for {
		data, err := s.client.LPop(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read mailbox: %w", err)
		}

		var msg types.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Error("Failed to unmarshal message", zap.Error(err), zap.String("worker", worker))
			continue
		}
		if msg.Expired(now) {
			s.logger.Debug("Dropping expired message",
				zap.String("worker", worker),
				zap.String("cmd", string(msg.Cmd)))
			continue
		}
		return &msg, nil
	}
}

func (s *RedisStorage) SendMessageToWorker(ctx context.Context, worker string, cmd types.Command, content interface{}, ttl time.Duration) error {
	msg, err := types.NewMessage(cmd, content, s.now(), ttl)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := s.client.RPush(ctx, s.key(mailboxKeyPrefix, worker), data).Err(); err != nil {
		s.logger.Error("Failed to send message",
			zap.Error(err),
			zap.String("worker", worker),
			zap.String("cmd", string(cmd)))
		return fmt.Errorf("failed to send message: %w", err)
	}

	s.logger.Debug("Message sent",
		zap.String("worker", worker),
		zap.String("cmd", string(cmd)))
	return nil
}

func (s *RedisStorage) RegisterTopology(ctx context.Context, reg types.TopologyRegistration) error {
	if reg.UUID == "" {
		return fmt.Errorf("topology uuid is required")
	}

	weight := reg.Weight
	if weight <= 0 {
		weight = types.DefaultTopologyWeight
	}
	affinity, err := json.Marshal(nonNilStrings(reg.WorkerAffinity))
	if err != nil {
		return fmt.Errorf("failed to marshal worker affinity: %w", err)
	}

	key := s.key(topologyKeyPrefix, reg.UUID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key(topologiesKey), reg.UUID)
	pipe.HSetNX(ctx, key, "status", string(types.TopologyStatusUnassigned))
	pipe.HSet(ctx, key,
		"uuid", reg.UUID,
		"enabled", strconv.FormatBool(reg.Enabled),
		"weight", strconv.FormatFloat(weight, 'f', -1, 64),
		"worker_affinity", string(affinity),
		"config", string(reg.Config))

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to register topology", zap.Error(err), zap.String("topology_uuid", reg.UUID))
		return fmt.Errorf("failed to register topology: %w", err)
	}

	s.logger.Info("Topology registered", zap.String("topology_uuid", reg.UUID))
	return nil
}

func (s *RedisStorage) SetTopologyEnabled(ctx context.Context, uuid string, enabled bool) error {
	info, err := s.GetTopologyInfo(ctx, uuid)
	if err != nil {
		return err
	}

	values := []interface{}{"enabled", strconv.FormatBool(enabled)}
	if enabled && info.Status == types.TopologyStatusStopped {
		values = append(values, "status", string(types.TopologyStatusUnassigned), "worker", "")
	}
	return s.updateTopology(ctx, uuid, values...)
}

func (s *RedisStorage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func parseWorker(fields map[string]string) types.WorkerRecord {
	return types.WorkerRecord{
		Name:     fields["name"],
		Status:   types.WorkerStatus(fields["status"]),
		LStatus:  types.LeadershipStatus(fields["lstatus"]),
		LastPing: parseTime(fields["last_ping"]),
	}
}

func parseTopology(fields map[string]string) types.TopologyInfo {
	weight, _ := strconv.ParseFloat(fields["weight"], 64)
	pid, _ := strconv.Atoi(fields["pid"])
	enabled, _ := strconv.ParseBool(fields["enabled"])

	var affinity []string
	if raw := fields["worker_affinity"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &affinity)
	}

	var config json.RawMessage
	if raw := fields["config"]; raw != "" {
		config = json.RawMessage(raw)
	}

	return types.TopologyInfo{
		TopologyRecord: types.TopologyRecord{
			UUID:           fields["uuid"],
			Status:         types.TopologyStatus(fields["status"]),
			Worker:         fields["worker"],
			Enabled:        enabled,
			Weight:         weight,
			WorkerAffinity: affinity,
			LastPing:       parseTime(fields["last_ping"]),
			Error:          fields["error"],
			Pid:            pid,
		},
		Config: config,
	}
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
