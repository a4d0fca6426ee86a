package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Meminfo is the memory section of a heartbeat. Values arrive as JSON
// numbers of varying representation (integers, floats, quoted strings).
type Meminfo struct {
	AvailrmemBytes json.Number `json:"availrmem_bytes"`
	ArcsizeBytes   json.Number `json:"arcsize_bytes"`
	TotalBytes     json.Number `json:"total_bytes"`
}

// Heartbeat is the periodic liveness report of a node. Everything except
// the memory counters is opaque here.
type Heartbeat struct {
	Meminfo    Meminfo         `json:"meminfo"`
	ZoneStatus json.RawMessage `json:"zoneStatus,omitempty"`
}

// Memory returns the heartbeat's counters normalized to decimal strings so
// that 1073741824, 1073741824.0 and "1073741824" all compare equal.
func (h *Heartbeat) Memory() (MemoryCounters, error) {
	var (
		m   MemoryCounters
		err error
	)
	if m.Available, err = NormalizeCounter(h.Meminfo.AvailrmemBytes); err != nil {
		return m, fmt.Errorf("availrmem_bytes: %w", err)
	}
	if m.Arc, err = NormalizeCounter(h.Meminfo.ArcsizeBytes); err != nil {
		return m, fmt.Errorf("arcsize_bytes: %w", err)
	}
	if m.Total, err = NormalizeCounter(h.Meminfo.TotalBytes); err != nil {
		return m, fmt.Errorf("total_bytes: %w", err)
	}
	return m, nil
}

// NormalizeCounter renders a non-negative integral byte counter in base 10.
func NormalizeCounter(n json.Number) (string, error) {
	if n == "" {
		return "", errors.New("missing value")
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return strconv.FormatUint(u, 10), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", err
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxUint64 {
		return "", fmt.Errorf("not a byte count: %s", n)
	}
	return strconv.FormatUint(uint64(f), 10), nil
}
