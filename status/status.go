// Package status holds the device-status table fed by the polling agent.
// Each report overwrites the entry for its device name; no history is kept.
package status

import (
	"sort"
	"sync"
	"time"
)

// Limits applied to individual reports.
const (
	MaxNameLen    = 100
	MaxHostLen    = 255
	MaxLatency    = 99999
	MaxBatchItems = 100
)

// Device is the stored status of one probed host.
type Device struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Alive     bool      `json:"alive"`
	Latency   *int      `json:"latency"`
	LastCheck time.Time `json:"lastCheck"`
}

// Snapshot is a point-in-time copy of the table.
type Snapshot struct {
	Devices    []Device   `json:"devices"`
	LastUpdate *time.Time `json:"lastUpdate"`
}

// Table is a concurrency-safe last-writer-wins map of devices keyed by name.
type Table struct {
	mu         sync.RWMutex
	devices    map[string]Device
	lastUpdate time.Time
	now        func() time.Time
}

// NewTable returns an empty table. now may be nil to use time.Now.
func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		devices: make(map[string]Device),
		now:     now,
	}
}

// Apply upserts every report, stamps lastCheck, and advances lastUpdate once
// for the whole batch, even when the batch holds no reports. It returns the
// number of devices written.
func (t *Table) Apply(reports []Report) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	for _, r := range reports {
		t.devices[r.Name] = Device{
			Name:      r.Name,
			Host:      r.Host,
			Alive:     r.Alive,
			Latency:   r.Latency,
			LastCheck: now,
		}
	}
	t.lastUpdate = now
	return len(reports)
}

// Snapshot returns all devices sorted by name together with the time of the
// last accepted batch (nil if none has arrived since startup).
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	devices := make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		if d.Latency != nil {
			l := *d.Latency
			d.Latency = &l
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	snap := Snapshot{Devices: devices}
	if !t.lastUpdate.IsZero() {
		lu := t.lastUpdate
		snap.LastUpdate = &lu
	}
	return snap
}

// Len returns the number of known devices.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}
