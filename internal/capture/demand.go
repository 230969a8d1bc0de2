package capture

import (
	"context"
	"sync/atomic"
	"time"
)

// DemandPollInterval is how often a saturated producer rechecks the gate
const DemandPollInterval = 5 * time.Millisecond

// Demand is the need-data / enough-data signal a sink raises towards the
// capture loop. The zero value needs data.
type Demand struct {
	enough atomic.Bool
	waits  atomic.Uint64
}

// NeedData lets the producer run
func (d *Demand) NeedData() {
	d.enough.Store(false)
}

// EnoughData pauses the producer until the next NeedData
func (d *Demand) EnoughData() {
	d.enough.Store(true)
}

// Saturated reports whether the sink currently has enough data
func (d *Demand) Saturated() bool {
	return d.enough.Load()
}

// Waits returns how many poll intervals the producer spent waiting
func (d *Demand) Waits() uint64 {
	return d.waits.Load()
}

// Wait blocks while the sink has enough data, polling every
// DemandPollInterval. A nil Demand never blocks.
func (d *Demand) Wait(ctx context.Context) error {
	if d == nil || !d.enough.Load() {
		return ctx.Err()
	}

	ticker := time.NewTicker(DemandPollInterval)
	defer ticker.Stop()

	for d.enough.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.waits.Add(1)
		}
	}
	return nil
}
