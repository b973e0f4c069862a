package moniker

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
)

const gib = int64(1) << 30

// PartitionSizes is the observed size of one (agent, asset group) partition
// on each shard.
type PartitionSizes struct {
	CollectedAt time.Time
	Bytes       map[string]int64
}

// PartitionSizeSource reads partition-size telemetry.
type PartitionSizeSource interface {
	PartitionSizes(ctx context.Context, kind command.QueueStorageKind, agentID, assetGroupID string) (PartitionSizes, error)
}

// Bucket maps partitions of at least MinBytes to a replication weight.
type Bucket struct {
	MinBytes int64
	Weight   int
}

// RebalanceConfig holds the thresholds of the partition-size path.
type RebalanceConfig struct {
	Freshness    time.Duration
	MinCoverage  float64
	TriggerBytes int64

	// Buckets are checked in order; the first with MinBytes <= size wins.
	Buckets []Bucket
}

// DefaultBuckets weights large partitions down.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{MinBytes: 19 * gib, Weight: 0},
		{MinBytes: 15 * gib, Weight: 1},
		{MinBytes: 10 * gib, Weight: 2},
		{MinBytes: 5 * gib, Weight: 4},
		{MinBytes: 0, Weight: 8},
	}
}

func (c RebalanceConfig) withDefaults() RebalanceConfig {
	if c.Freshness <= 0 {
		c.Freshness = 6 * time.Hour
	}
	if c.MinCoverage <= 0 {
		c.MinCoverage = 0.8
	}
	if c.TriggerBytes <= 0 {
		c.TriggerBytes = 10 * gib
	}
	if len(c.Buckets) == 0 {
		c.Buckets = DefaultBuckets()
	}
	return c
}

func (c RebalanceConfig) weightFor(size int64) int {
	for _, b := range c.Buckets {
		if size >= b.MinBytes {
			return b.Weight
		}
	}
	return 0
}

// Rebalance reweights a list by partition size. It returns the input list and
// false whenever telemetry is stale, coverage is too low, no partition is over
// the trigger, or the result would keep fewer than half of the shards.
func Rebalance(list []string, sizes PartitionSizes, cfg RebalanceConfig, now time.Time) ([]string, bool) {
	cfg = cfg.withDefaults()
	if len(list) == 0 || sizes.CollectedAt.IsZero() || now.Sub(sizes.CollectedAt) > cfg.Freshness {
		return list, false
	}

	var distinct []string
	original := make(map[string]int)
	for _, m := range list {
		if original[m] == 0 {
			distinct = append(distinct, m)
		}
		original[m]++
	}

	known := 0
	var largest int64
	for _, m := range distinct {
		if b, ok := sizes.Bytes[m]; ok {
			known++
			if b > largest {
				largest = b
			}
		}
	}
	if float64(known) < cfg.MinCoverage*float64(len(distinct)) || largest <= cfg.TriggerBytes {
		return list, false
	}

	var out []string
	kept := 0
	for _, m := range distinct {
		weight := original[m]
		if b, ok := sizes.Bytes[m]; ok {
			weight = cfg.weightFor(b)
		}
		if weight > 0 {
			kept++
		}
		for i := 0; i < weight; i++ {
			out = append(out, m)
		}
	}

	if kept*2 < len(distinct) {
		return list, false
	}
	return out, true
}

// WeightedByPartitionSize rebalances a list for one (agent, asset group)
// using cached partition-size telemetry. Any missing data returns list.
func (a *Assignor) WeightedByPartitionSize(ctx context.Context, kind command.QueueStorageKind, agentID, assetGroupID string, list []string) []string {
	if a.sizes == nil || len(list) == 0 {
		return list
	}

	sizes, ok := a.partitionSizes(ctx, kind, agentID, assetGroupID)
	if !ok {
		return list
	}

	out, engaged := Rebalance(list, sizes, a.cfg.Rebalance, a.now())
	if m := metrics.Get(); m != nil {
		result := "fail_open"
		if engaged {
			result = "engaged"
		}
		m.IncRebalance(metrics.Labels{Result: result})
	}
	return out
}

func (a *Assignor) partitionSizes(ctx context.Context, kind command.QueueStorageKind, agentID, assetGroupID string) (PartitionSizes, bool) {
	key := string(kind) + "|" + agentID + "|" + assetGroupID

	a.sizeMu.RLock()
	e, ok := a.sizeCache[key]
	a.sizeMu.RUnlock()
	if ok && a.now().Sub(e.fetchedAt) < a.cfg.PartitionSizeRefresh {
		return e.sizes, true
	}

	if ok {
		if !a.sizeRefreshMu.TryLock() {
			return e.sizes, true
		}
	} else {
		a.sizeRefreshMu.Lock()
	}
	defer a.sizeRefreshMu.Unlock()

	a.sizeMu.RLock()
	cur, curOK := a.sizeCache[key]
	a.sizeMu.RUnlock()
	if curOK && a.now().Sub(cur.fetchedAt) < a.cfg.PartitionSizeRefresh {
		return cur.sizes, true
	}

	sizes, err := a.sizes.PartitionSizes(ctx, kind, agentID, assetGroupID)
	if err != nil {
		a.log.Warn("partition size lookup failed",
			"agent_id", agentID, "asset_group_id", assetGroupID, "error", err)
		return e.sizes, ok
	}

	a.sizeMu.Lock()
	a.sizeCache[key] = sizeEntry{sizes: sizes, fetchedAt: a.now()}
	a.sizeMu.Unlock()
	return sizes, true
}
