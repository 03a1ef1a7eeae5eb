package transfer

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a tracked transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further updates are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Direction says which side of the link a transfer runs on.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Progress is the tracked state of a single transfer.
type Progress struct {
	TransferID     string
	FileName       string
	Direction      Direction
	Status         Status
	TotalBytes     int64
	Bytes          int64
	Ratio          float64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
	Err            error
}

// ProgressTracker keeps the latest progress of every transfer on a link.
type ProgressTracker struct {
	transfers map[string]*Progress
	now       func() time.Time
	mu        sync.RWMutex
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*Progress),
		now:       time.Now,
	}
}

// StartTracking registers a transfer as pending.
func (pt *ProgressTracker) StartTracking(d Descriptor, dir Direction) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.now()
	pt.transfers[d.ID] = &Progress{
		TransferID:     d.ID,
		FileName:       d.Name,
		Direction:      dir,
		Status:         StatusPending,
		TotalBytes:     d.ByteSize,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// UpdateProgress records a new ratio and derives speed and ETA from it.
func (pt *ProgressTracker) UpdateProgress(id string, r float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.transfers[id]
	if !ok || p.Status.Terminal() {
		return
	}
	now := pt.now()
	p.Ratio = r
	p.Bytes = int64(r * float64(p.TotalBytes))
	if p.Status == StatusPending {
		p.Status = StatusActive
	}
	p.LastUpdateTime = now

	if elapsed := now.Sub(p.StartTime).Seconds(); elapsed > 0 {
		p.Speed = float64(p.Bytes) / elapsed
	}
	if p.Speed > 0 && p.TotalBytes > p.Bytes {
		remaining := float64(p.TotalBytes - p.Bytes)
		p.EstimatedTime = time.Duration(remaining / p.Speed * float64(time.Second))
	} else {
		p.EstimatedTime = 0
	}
}

// SetStatus moves a transfer to status, recording err for failures.
func (pt *ProgressTracker) SetStatus(id string, status Status, err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.transfers[id]
	if !ok || (p.Status.Terminal() && !status.Terminal()) {
		return
	}
	p.Status = status
	p.Err = err
	p.LastUpdateTime = pt.now()
	if status == StatusCompleted {
		p.Ratio = 1
		p.Bytes = p.TotalBytes
		p.EstimatedTime = 0
	}
}

// GetProgress returns a copy of the progress of id.
func (pt *ProgressTracker) GetProgress(id string) (Progress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.transfers[id]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

func (pt *ProgressTracker) RemoveTransfer(id string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.transfers, id)
}

// GetAllProgress returns copies of every tracked transfer, oldest first.
func (pt *ProgressTracker) GetAllProgress() []Progress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	result := make([]Progress, 0, len(pt.transfers))
	for _, p := range pt.transfers {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}
