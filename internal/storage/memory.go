package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"topology-coordinator/pkg/types"
)

type memoryTopology struct {
	record types.TopologyRecord
	config json.RawMessage
}

// MemoryStorage keeps the whole coordination state in process. It backs
// single-process fleets and the behavioural tests of the leader and
// coordinator.
type MemoryStorage struct {
	mutex        sync.Mutex
	workers      map[string]*types.WorkerRecord
	topologies   map[string]*memoryTopology
	mailboxes    map[string][]types.Message
	candidate    string
	candidateAt  time.Time
	candidacyTTL time.Duration
	now          func() time.Time
}

type MemoryOption func(*MemoryStorage)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

func WithCandidacyTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStorage) {
		s.candidacyTTL = ttl
	}
}

func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		workers:      make(map[string]*types.WorkerRecord),
		topologies:   make(map[string]*memoryTopology),
		mailboxes:    make(map[string][]types.Message),
		candidacyTTL: DefaultCandidacyTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStorage) GetWorkerStatus(ctx context.Context) ([]types.WorkerRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	workers := make([]types.WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, *w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

func (s *MemoryStorage) GetTopologyStatus(ctx context.Context) ([]types.TopologyRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.topologiesWhere(func(types.TopologyRecord) bool { return true }), nil
}

func (s *MemoryStorage) GetTopologiesForWorker(ctx context.Context, worker string) ([]types.TopologyRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.topologiesWhere(func(t types.TopologyRecord) bool { return t.Worker == worker }), nil
}

func (s *MemoryStorage) topologiesWhere(match func(types.TopologyRecord) bool) []types.TopologyRecord {
	topologies := make([]types.TopologyRecord, 0, len(s.topologies))
	for _, t := range s.topologies {
		if match(t.record) {
			topologies = append(topologies, copyTopology(t.record))
		}
	}
	sort.Slice(topologies, func(i, j int) bool { return topologies[i].UUID < topologies[j].UUID })
	return topologies
}

func (s *MemoryStorage) GetTopologyInfo(ctx context.Context, uuid string) (*types.TopologyInfo, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.topologies[uuid]
	if !ok {
		return nil, fmt.Errorf("topology %s: %w", uuid, ErrNotFound)
	}
	config := append(json.RawMessage(nil), t.config...)
	return &types.TopologyInfo{TopologyRecord: copyTopology(t.record), Config: config}, nil
}

func (s *MemoryStorage) RegisterWorker(ctx context.Context, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.workers[name] = &types.WorkerRecord{
		Name:     name,
		Status:   types.WorkerStatusAlive,
		LStatus:  types.LeadershipNormal,
		LastPing: s.now(),
	}
	return nil
}

func (s *MemoryStorage) PingWorker(ctx context.Context, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("worker %s: %w", name, ErrNotFound)
	}
	w.LastPing = s.now()
	return nil
}

func (s *MemoryStorage) SetWorkerStatus(ctx context.Context, name string, status types.WorkerStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("worker %s: %w", name, ErrNotFound)
	}
	w.Status = status
	return nil
}

func (s *MemoryStorage) SetWorkerLStatus(ctx context.Context, name string, lstatus types.LeadershipStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("worker %s: %w", name, ErrNotFound)
	}
	w.LStatus = lstatus
	return nil
}

func (s *MemoryStorage) AnnounceLeaderCandidacy(ctx context.Context, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	if s.candidate != "" && s.candidate != name && now.Sub(s.candidateAt) < s.candidacyTTL {
		return nil
	}

	s.candidate = name
	s.candidateAt = now
	if w, ok := s.workers[name]; ok && w.LStatus == types.LeadershipNormal {
		w.LStatus = types.LeadershipPending
	}
	return nil
}

func (s *MemoryStorage) CheckLeaderCandidacy(ctx context.Context, name string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.candidate != name {
		if w, ok := s.workers[name]; ok && w.LStatus == types.LeadershipPending {
			w.LStatus = types.LeadershipNormal
		}
		return false, nil
	}

	for _, w := range s.workers {
		switch {
		case w.Name == name:
			w.LStatus = types.LeadershipLeader
		case w.LStatus != types.LeadershipNormal:
			w.LStatus = types.LeadershipNormal
		}
	}
	return true, nil
}

func (s *MemoryStorage) AssignTopology(ctx context.Context, uuid, worker string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.topologies[uuid]
	if !ok {
		return fmt.Errorf("topology %s: %w", uuid, ErrNotFound)
	}
	t.record.Worker = worker
	t.record.Status = types.TopologyStatusWaiting
	t.record.Error = ""
	t.record.LastPing = s.now()
	return nil
}

func (s *MemoryStorage) SetTopologyStatus(ctx context.Context, uuid, worker string, status types.TopologyStatus, errText string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.topologies[uuid]
	if !ok {
		return fmt.Errorf("topology %s: %w", uuid, ErrNotFound)
	}
	t.record.Worker = worker
	t.record.Status = status
	t.record.Error = errText
	t.record.LastPing = s.now()
	return nil
}

func (s *MemoryStorage) SetTopologyPid(ctx context.Context, uuid string, pid int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.topologies[uuid]
	if !ok {
		return fmt.Errorf("topology %s: %w", uuid, ErrNotFound)
	}
	t.record.Pid = pid
	return nil
}

func (s *MemoryStorage) GetMessage(ctx context.Context, worker string) (*types.Message, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	queue := s.mailboxes[worker]
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		if msg.Expired(now) {
			continue
		}
		s.mailboxes[worker] = queue
		return &msg, nil
	}
	delete(s.mailboxes, worker)
	return nil, nil
}

func (s *MemoryStorage) SendMessageToWorker(ctx context.Context, worker string, cmd types.Command, content interface{}, ttl time.Duration) error {
	msg, err := types.NewMessage(cmd, content, s.now(), ttl)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.mailboxes[worker] = append(s.mailboxes[worker], msg)
	return nil
}

func (s *MemoryStorage) RegisterTopology(ctx context.Context, reg types.TopologyRegistration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if reg.UUID == "" {
		return fmt.Errorf("topology uuid is required")
	}

	t, ok := s.topologies[reg.UUID]
	if !ok {
		t = &memoryTopology{record: types.TopologyRecord{
			UUID:   reg.UUID,
			Status: types.TopologyStatusUnassigned,
		}}
		s.topologies[reg.UUID] = t
	}
	t.record.Enabled = reg.Enabled
	t.record.Weight = reg.Weight
	if t.record.Weight <= 0 {
		t.record.Weight = types.DefaultTopologyWeight
	}
	t.record.WorkerAffinity = append([]string(nil), reg.WorkerAffinity...)
	t.config = append(json.RawMessage(nil), reg.Config...)
	return nil
}

func (s *MemoryStorage) SetTopologyEnabled(ctx context.Context, uuid string, enabled bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.topologies[uuid]
	if !ok {
		return fmt.Errorf("topology %s: %w", uuid, ErrNotFound)
	}
	t.record.Enabled = enabled
	if enabled && t.record.Status == types.TopologyStatusStopped {
		t.record.Status = types.TopologyStatusUnassigned
		t.record.Worker = ""
	}
	return nil
}

func (s *MemoryStorage) HealthCheck(ctx context.Context) error {
	return nil
}

// SeedWorker stores a worker record verbatim, bypassing registration.
func (s *MemoryStorage) SeedWorker(w types.WorkerRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record := w
	s.workers[w.Name] = &record
}

// SeedTopology stores a topology record verbatim, bypassing registration.
func (s *MemoryStorage) SeedTopology(t types.TopologyRecord, config json.RawMessage) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.topologies[t.UUID] = &memoryTopology{record: copyTopology(t), config: config}
}

// PendingMessages returns the mailbox of worker without consuming it.
func (s *MemoryStorage) PendingMessages(worker string) []types.Message {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]types.Message(nil), s.mailboxes[worker]...)
}

func copyTopology(t types.TopologyRecord) types.TopologyRecord {
	t.WorkerAffinity = append([]string(nil), t.WorkerAffinity...)
	return t
}
