// Package admission provides a read-only load snapshot for operators:
// host CPU/memory, writer queue depth, and the counts of registered
// subscriptions and notification-bus subscribers, mirroring the teacher's
// resource guard but observing only. Per-subscription credit and backlog
// are not part of the snapshot. Sluice's CORE has no publish/subscribe
// admission control; this snapshot feeds no accept/reject decision.
package admission

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/adred-codev/sluice/internal/notify"
	"github.com/adred-codev/sluice/internal/registry"
)

// Snapshot is one point-in-time read of system and broker load.
type Snapshot struct {
	CPUPercent       float64
	MemoryUsedBytes  uint64
	MemoryTotalBytes uint64
	ActiveSubs       int
	NotifySubs       int
	WriterQueueDepth int
	WriterQueueCap   int
}

// QueueDepther reports the writer's current backlog; implemented by
// *writer.Writer via a small accessor so this package doesn't need to
// import writer directly (writer already imports notify, and admission
// is constructed by internal/engine alongside both).
type QueueDepther interface {
	QueueDepth() (depth, capacity int)
}

// Sampler takes load snapshots on demand.
type Sampler struct {
	reg    *registry.Registry
	bus    *notify.Bus
	writer QueueDepther
}

// New constructs a Sampler observing reg, bus, and w.
func New(reg *registry.Registry, bus *notify.Bus, w QueueDepther) *Sampler {
	return &Sampler{reg: reg, bus: bus, writer: w}
}

// Sample takes one reading. CPU sampling blocks briefly (gopsutil
// averages over a short interval); callers on a hot path should not call
// this synchronously per-request.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("admission: sample cpu: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("admission: sample memory: %w", err)
	}
	snap.MemoryUsedBytes = vm.Used
	snap.MemoryTotalBytes = vm.Total

	snap.ActiveSubs = s.reg.Len()
	snap.NotifySubs = s.bus.SubscriberCount()
	if s.writer != nil {
		snap.WriterQueueDepth, snap.WriterQueueCap = s.writer.QueueDepth()
	}

	return snap, nil
}
