// Package bootparams computes a server's boot configuration: the merge and
// replace paths used by writers and the derived read view served to the
// booter. Nothing here does I/O.
package bootparams

import (
	"maps"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
)

// Extras are derived kernel arguments added to every read view.
type Extras struct {
	// Rabbitmq is the messaging endpoint credential, user:pass:host:port.
	Rabbitmq string
}

// Merge applies a partial update on top of the current record and returns
// the result. boot_params keys are overwritten or added, never removed.
// kernel_flags keys are overwritten by FlagSet and removed by FlagDelete.
// Scalars and boot_modules are replaced only when present.
func Merge(current *models.Server, u models.BootParamsUpdate) *models.Server {
	next := current.Clone()

	if len(u.BootParams) > 0 {
		if next.BootParams == nil {
			next.BootParams = make(map[string]string, len(u.BootParams))
		}
		maps.Copy(next.BootParams, u.BootParams)
	}

	if len(u.KernelFlags) > 0 {
		if next.KernelFlags == nil {
			next.KernelFlags = make(map[string]any, len(u.KernelFlags))
		}
		for k, f := range u.KernelFlags {
			switch f.Op {
			case models.FlagSet:
				next.KernelFlags[k] = f.Value
			case models.FlagDelete:
				delete(next.KernelFlags, k)
			}
		}
	}

	replaceScalars(next, u)
	return next
}

// Replace swaps the stored boot configuration for the one in u.
// boot_params and kernel_flags are replaced wholesale (a FlagDelete entry
// simply does not appear) and boot_modules falls back to an empty list.
func Replace(current *models.Server, u models.BootParamsUpdate) *models.Server {
	next := current.Clone()

	next.BootParams = maps.Clone(u.BootParams)
	if next.BootParams == nil {
		next.BootParams = map[string]string{}
	}

	next.KernelFlags = make(map[string]any, len(u.KernelFlags))
	for k, f := range u.KernelFlags {
		if f.Op == models.FlagSet {
			next.KernelFlags[k] = f.Value
		}
	}

	replaceScalars(next, u)
	if u.BootModules == nil {
		next.BootModules = []models.BootModule{}
	}
	return next
}

func replaceScalars(s *models.Server, u models.BootParamsUpdate) {
	if u.BootPlatform != nil {
		s.BootPlatform = *u.BootPlatform
	}
	if u.DefaultConsole != nil {
		s.DefaultConsole = *u.DefaultConsole
	}
	if u.Serial != nil {
		s.Serial = *u.Serial
	}
	if u.BootModules != nil {
		s.BootModules = make([]models.BootModule, len(*u.BootModules))
		for i, m := range *u.BootModules {
			s.BootModules[i] = maps.Clone(m)
		}
	}
}

// View builds what the booter receives for s. When s has never been given
// a platform, the fleet defaults record (which may be nil) supplies the
// platform and underlays its boot_params and kernel_flags.
func View(s, defaults *models.Server, extras Extras) models.BootParams {
	base := s
	if s.BootPlatform == "" && defaults != nil {
		base = Merge(defaults, models.BootParamsUpdate{BootParams: s.BootParams})
		if base.KernelFlags == nil {
			base.KernelFlags = make(map[string]any, len(s.KernelFlags))
		}
		maps.Copy(base.KernelFlags, s.KernelFlags)
		base.Hostname = s.Hostname
		if s.DefaultConsole != "" {
			base.DefaultConsole = s.DefaultConsole
		}
		if s.Serial != "" {
			base.Serial = s.Serial
		}
		if s.BootModules != nil {
			base.BootModules = s.BootModules
		}
	}

	args := make(map[string]string, len(base.BootParams)+3)
	if extras.Rabbitmq != "" {
		args["rabbitmq"] = extras.Rabbitmq
		args["rabbitmq_dns"] = extras.Rabbitmq
	}
	if base.Hostname != "" {
		args["hostname"] = base.Hostname
	}
	maps.Copy(args, base.BootParams)

	flags := maps.Clone(base.KernelFlags)
	if flags == nil {
		flags = map[string]any{}
	}
	modules := base.BootModules
	if modules == nil {
		modules = []models.BootModule{}
	}

	return models.BootParams{
		Platform:       base.BootPlatform,
		KernelArgs:     args,
		KernelFlags:    flags,
		BootModules:    modules,
		DefaultConsole: base.DefaultConsole,
		Serial:         base.Serial,
	}
}
