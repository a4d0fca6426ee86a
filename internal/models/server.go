package models

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// DefaultServerUUID names the record holding fleet-wide default boot
// parameters. It is never listed as a server.
const DefaultServerUUID = "default"

// Server is the core domain object: the authoritative record of one
// compute node. Shared between the reconciliation engine, the API and the
// storage layer.
type Server struct {
	UUID                 string            `json:"uuid"`
	Datacenter           string            `json:"datacenter,omitempty"`
	Hostname             string            `json:"hostname,omitempty"`
	Sysinfo              Sysinfo           `json:"sysinfo,omitempty"`
	MemoryAvailableBytes string            `json:"memory_available_bytes,omitempty"`
	MemoryArcBytes       string            `json:"memory_arc_bytes,omitempty"`
	MemoryTotalBytes     string            `json:"memory_total_bytes,omitempty"`
	Setup                bool              `json:"setup"`
	BootPlatform         string            `json:"boot_platform,omitempty"`
	BootParams           map[string]string `json:"boot_params,omitempty"`
	KernelFlags          map[string]any    `json:"kernel_flags,omitempty"`
	BootModules          []BootModule      `json:"boot_modules,omitempty"`
	DefaultConsole       string            `json:"default_console,omitempty"`
	Serial               string            `json:"serial,omitempty"`
	Created              time.Time         `json:"created"`
	LastBoot             *time.Time        `json:"last_boot,omitempty"`

	// Etag is the version token of the stored revision this value was read
	// from. Empty means the value has never been read from or written to
	// the directory.
	Etag string `json:"-"`
}

// BootModule is an opaque module descriptor handed to the loader.
type BootModule map[string]any

// MemoryCounters holds the three heartbeat-reported counters as normalized
// decimal strings.
type MemoryCounters struct {
	Available string
	Arc       string
	Total     string
}

// Memory returns the server's current counters.
func (s *Server) Memory() MemoryCounters {
	return MemoryCounters{
		Available: s.MemoryAvailableBytes,
		Arc:       s.MemoryArcBytes,
		Total:     s.MemoryTotalBytes,
	}
}

// SetMemory replaces all three counters.
func (s *Server) SetMemory(m MemoryCounters) {
	s.MemoryAvailableBytes = m.Available
	s.MemoryArcBytes = m.Arc
	s.MemoryTotalBytes = m.Total
}

// Clone returns a copy that shares no maps or slices with s. Sysinfo is
// copied one level deep; nested values are treated as immutable.
func (s *Server) Clone() *Server {
	if s == nil {
		return nil
	}
	out := *s
	out.Sysinfo = maps.Clone(s.Sysinfo)
	out.BootParams = maps.Clone(s.BootParams)
	out.KernelFlags = maps.Clone(s.KernelFlags)
	if s.BootModules != nil {
		out.BootModules = make([]BootModule, len(s.BootModules))
		for i, m := range s.BootModules {
			out.BootModules[i] = maps.Clone(m)
		}
	}
	if s.LastBoot != nil {
		t := *s.LastBoot
		out.LastBoot = &t
	}
	return &out
}

// Validate checks the invariants every stored record must satisfy.
func (s *Server) Validate() error {
	if s.UUID == "" {
		return errors.New("uuid required")
	}
	if strings.ContainsAny(s.UUID, ". */>") {
		return fmt.Errorf("invalid uuid %q", s.UUID)
	}
	return nil
}

// Changes is a field-level changeset keyed by the stored JSON field name.
type Changes map[string]any

// Keys returns the changed field names.
func (c Changes) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ErrImmutableField is returned when a changeset tries to alter uuid.
var ErrImmutableField = errors.New("field is immutable")

// Apply writes the changeset onto s. Unknown fields and values of the wrong
// type are rejected and leave s untouched.
func (c Changes) Apply(s *Server) error {
	next := s.Clone()
	for field, v := range c {
		var err error
		switch field {
		case "uuid":
			if str, _ := v.(string); str != s.UUID {
				err = ErrImmutableField
			}
		case "setup":
			next.Setup, err = boolValue(v)
		case "datacenter":
			next.Datacenter, err = stringValue(v)
		case "hostname":
			next.Hostname, err = stringValue(v)
		case "boot_platform":
			next.BootPlatform, err = stringValue(v)
		case "default_console":
			next.DefaultConsole, err = stringValue(v)
		case "serial":
			next.Serial, err = stringValue(v)
		case "memory_available_bytes":
			next.MemoryAvailableBytes, err = stringValue(v)
		case "memory_arc_bytes":
			next.MemoryArcBytes, err = stringValue(v)
		case "memory_total_bytes":
			next.MemoryTotalBytes, err = stringValue(v)
		default:
			err = errors.New("unknown field")
		}
		if err != nil {
			return fmt.Errorf("change %s: %w", field, err)
		}
	}
	*s = *next
	return nil
}

func stringValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int, int64, uint64:
		return fmt.Sprint(t), nil
	}
	return "", fmt.Errorf("unexpected type %T", v)
}

func boolValue(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	}
	return false, fmt.Errorf("unexpected type %T", v)
}
