package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sysinfo is a node's self-reported inventory. Only a handful of keys are
// interpreted; the rest is carried opaquely.
type Sysinfo map[string]any

const (
	sysinfoUUID     = "UUID"
	sysinfoHostname = "Hostname"
	sysinfoPlatform = "Live Image"
	sysinfoSetup    = "Setup"
	sysinfoMemory   = "MiB of Memory"
	sysinfoBootTime = "Boot Time"
)

// String returns the value under key rendered as a string, or "".
func (si Sysinfo) String(key string) string {
	switch v := si[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// UUID is the identifier the node reports for itself.
func (si Sysinfo) UUID() string { return si.String(sysinfoUUID) }

// ServerFromSysinfo maps an inventory snapshot onto a new server record.
// The datacenter is not part of the snapshot and is supplied by the caller.
func ServerFromSysinfo(si Sysinfo, datacenter string, now time.Time) (*Server, error) {
	id := si.UUID()
	if id == "" {
		return nil, errors.New("sysinfo has no UUID")
	}

	s := &Server{
		UUID:         id,
		Datacenter:   datacenter,
		Hostname:     si.String(sysinfoHostname),
		Sysinfo:      si,
		BootPlatform: si.String(sysinfoPlatform),
		Created:      now.UTC(),
		BootParams:   map[string]string{},
		KernelFlags:  map[string]any{},
	}

	if setup, err := strconv.ParseBool(si.String(sysinfoSetup)); err == nil {
		s.Setup = setup
	}

	if mib, err := strconv.ParseUint(si.String(sysinfoMemory), 10, 64); err == nil {
		s.MemoryTotalBytes = strconv.FormatUint(mib*1024*1024, 10)
	}

	if boot, err := strconv.ParseInt(si.String(sysinfoBootTime), 10, 64); err == nil {
		t := time.Unix(boot, 0).UTC()
		s.LastBoot = &t
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
