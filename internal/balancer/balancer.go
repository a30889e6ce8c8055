// Package balancer places topologies on workers by weighted load with a soft
// preference for affinity workers.
package balancer

import (
	"errors"
	"sort"
)

const DefaultAffinityFactor = 5.0

var ErrNoWorkers = errors.New("no workers available")

// WorkerLoad is the summed weight of the topologies currently placed on a worker
type WorkerLoad struct {
	Name string
	Load float64
}

// TopologyLoad describes a placed topology for Rebalance. A pinned topology
// counts towards its worker's load but is never moved.
type TopologyLoad struct {
	UUID     string
	Worker   string
	Weight   float64
	Affinity []string
	Pinned   bool
}

// Change moves one topology from WorkerOld to WorkerNew
type Change struct {
	UUID      string
	WorkerOld string
	WorkerNew string
}

type Option func(*Balancer)

// WithAffinityFactor sets how much harder affinity workers are preferred
func WithAffinityFactor(factor float64) Option {
	return func(b *Balancer) {
		if factor > 0 {
			b.affinityFactor = factor
		}
	}
}

// Balancer tracks load per worker for the duration of one scheduling batch.
// It is not safe for concurrent use.
type Balancer struct {
	workers        []WorkerLoad
	affinityFactor float64
}

func New(workers []WorkerLoad, opts ...Option) *Balancer {
	b := &Balancer{
		workers:        append([]WorkerLoad(nil), workers...),
		affinityFactor: DefaultAffinityFactor,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Loads returns the tracked load of every worker in input order
func (b *Balancer) Loads() []WorkerLoad {
	return append([]WorkerLoad(nil), b.workers...)
}

// Next picks the worker with the lowest effective load for a topology of the
// given weight and charges the weight to it.
func (b *Balancer) Next(affinity []string, weight float64) (string, error) {
	idx := b.pick(affinity, "")
	if idx < 0 {
		return "", ErrNoWorkers
	}
	b.workers[idx].Load += weight
	return b.workers[idx].Name, nil
}

// pick returns the index of the best worker. Ties go to the earliest affinity
// match, then to preferred, then to input order.
func (b *Balancer) pick(affinity []string, preferred string) int {
	best := -1
	var bestScore float64
	bestRank := len(affinity)

	for i, w := range b.workers {
		rank := indexOf(affinity, w.Name)
		score := w.Load
		if rank < 0 {
			rank = len(affinity)
		} else {
			score = w.Load / b.affinityFactor
		}

		switch {
		case best < 0, score < bestScore:
		case score > bestScore, rank > bestRank:
			continue
		case rank == bestRank && (preferred == "" || w.Name != preferred):
			continue
		}

		best, bestScore, bestRank = i, score, rank
	}
	return best
}

// Rebalance places every movable topology afresh, heaviest first, and returns
// the topologies whose target differs from their current worker. The plan is
// dropped unless it strictly improves the current distribution, so a balanced
// fleet yields no changes.
func (b *Balancer) Rebalance(topologies []TopologyLoad) []Change {
	if len(b.workers) == 0 {
		return nil
	}

	fresh := make([]WorkerLoad, len(b.workers))
	for i, w := range b.workers {
		fresh[i] = WorkerLoad{Name: w.Name}
	}
	plan := &Balancer{workers: fresh, affinityFactor: b.affinityFactor}
	current := placement{loads: make(map[string]float64, len(b.workers))}
	for _, w := range b.workers {
		current.loads[w.Name] = 0
	}

	var ordered []TopologyLoad
	for _, t := range topologies {
		if t.Pinned {
			if idx := plan.position(t.Worker); idx >= 0 {
				plan.workers[idx].Load += t.Weight
				current.loads[t.Worker] += t.Weight
			}
			continue
		}
		ordered = append(ordered, t)
		if _, ok := current.loads[t.Worker]; !ok {
			current.orphans++
			continue
		}
		current.loads[t.Worker] += t.Weight
		if indexOf(t.Affinity, t.Worker) >= 0 {
			current.affinityHits++
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Weight > ordered[j].Weight
	})

	var changes []Change
	planned := placement{loads: make(map[string]float64, len(b.workers))}
	for _, t := range ordered {
		idx := plan.pick(t.Affinity, t.Worker)
		plan.workers[idx].Load += t.Weight

		target := plan.workers[idx].Name
		if indexOf(t.Affinity, target) >= 0 {
			planned.affinityHits++
		}
		if target != t.Worker {
			changes = append(changes, Change{UUID: t.UUID, WorkerOld: t.Worker, WorkerNew: target})
		}
	}
	for _, w := range plan.workers {
		planned.loads[w.Name] = w.Load
	}

	if !planned.better(current) {
		return nil
	}
	return changes
}

// placement summarizes a distribution for comparing a plan with the fleet
type placement struct {
	loads        map[string]float64
	affinityHits int
	// topologies on workers outside the balancer's set
	orphans int
}

const loadEpsilon = 1e-9

// better orders placements by orphans, then by their load vectors sorted
// heaviest first, then by affinity hits.
func (p placement) better(other placement) bool {
	if p.orphans != other.orphans {
		return p.orphans < other.orphans
	}

	mine, theirs := sortedLoads(p.loads), sortedLoads(other.loads)
	for i := range mine {
		diff := mine[i] - theirs[i]
		if diff < -loadEpsilon {
			return true
		}
		if diff > loadEpsilon {
			return false
		}
	}
	return p.affinityHits > other.affinityHits
}

func sortedLoads(loads map[string]float64) []float64 {
	sorted := make([]float64, 0, len(loads))
	for _, load := range loads {
		sorted = append(sorted, load)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted
}

func (b *Balancer) position(name string) int {
	for i, w := range b.workers {
		if w.Name == name {
			return i
		}
	}
	return -1
}

func indexOf(list []string, name string) int {
	for i, s := range list {
		if s == name {
			return i
		}
	}
	return -1
}
