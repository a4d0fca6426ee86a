package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FlagOp says what an update does to a single kernel flag.
type FlagOp int

const (
	FlagKeep FlagOp = iota
	FlagSet
	FlagDelete
)

// FlagUpdate is the requested change for one kernel flag. In JSON a null
// value decodes as FlagDelete and any other scalar as FlagSet.
type FlagUpdate struct {
	Op FlagOp
	// Value is a string, bool or float64, as decoded from JSON.
	Value any
}

// SetFlag returns an update that overwrites a flag with v.
func SetFlag(v any) FlagUpdate { return FlagUpdate{Op: FlagSet, Value: v} }

// DeleteFlag returns an update that removes a flag.
func DeleteFlag() FlagUpdate { return FlagUpdate{Op: FlagDelete} }

func (u *FlagUpdate) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*u = DeleteFlag()
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.(type) {
	case string, bool, float64:
		*u = SetFlag(v)
	default:
		return fmt.Errorf("kernel flag must be a scalar or null, got %T", v)
	}
	return nil
}

func (u FlagUpdate) MarshalJSON() ([]byte, error) {
	if u.Op == FlagDelete {
		return []byte("null"), nil
	}
	return json.Marshal(u.Value)
}

// BootParamsUpdate is a partial boot configuration request. Nil fields are
// left alone.
type BootParamsUpdate struct {
	BootPlatform   *string               `json:"boot_platform,omitempty"`
	BootParams     map[string]string     `json:"boot_params,omitempty"`
	KernelFlags    map[string]FlagUpdate `json:"kernel_flags,omitempty"`
	BootModules    *[]BootModule         `json:"boot_modules,omitempty"`
	DefaultConsole *string               `json:"default_console,omitempty"`
	Serial         *string               `json:"serial,omitempty"`
}

// UnmarshalJSON accepts platform as an alias of boot_platform so that the
// read view can be posted back unchanged.
func (u *BootParamsUpdate) UnmarshalJSON(b []byte) error {
	type plain BootParamsUpdate
	var aux struct {
		plain
		Platform *string `json:"platform,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*u = BootParamsUpdate(aux.plain)
	if u.BootPlatform == nil {
		u.BootPlatform = aux.Platform
	}
	return nil
}

// BootParams is the read view of a server's boot configuration. KernelArgs
// carries boot_params plus derived keys that are never stored.
type BootParams struct {
	Platform       string            `json:"platform"`
	KernelArgs     map[string]string `json:"kernel_args"`
	KernelFlags    map[string]any    `json:"kernel_flags"`
	BootModules    []BootModule      `json:"boot_modules"`
	DefaultConsole string            `json:"default_console,omitempty"`
	Serial         string            `json:"serial,omitempty"`
}
