package cmd

import (
	"fmt"

	"github.com/softcane/vsf-optimizer/internal/config"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// validateSyntheticTransportPolicy refuses live actions while any probe
// reads fabricated telemetry.
func validateSyntheticTransportPolicy(isDryRun bool, cfg *config.Config) error {
	if isDryRun {
		return nil
	}
	for _, p := range cfg.Probes {
		if p.Transport == probe.TransportSynthetic {
			return fmt.Errorf("synthetic transport is blocked when --dry-run is false: probe %q uses transport %q", p.ID, p.Transport)
		}
	}
	return nil
}
