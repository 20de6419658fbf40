package provisioning

import (
	"time"

	workflow "github.com/michaelayoade/dotmac-platform-services-sub023"
	"github.com/michaelayoade/dotmac-platform-services-sub023/adapter"
)

// updateNetworkConfig pushes a new access configuration to a subscriber
// line: reserve the VLAN, push the CPE config, then probe until the line
// comes back. The probe retries generously because CPEs reboot slowly,
// and it has no undo; if the line never comes back the push itself is
// rolled back.
func updateNetworkConfig(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:      workflow.TypeUpdateNetworkConfig,
		InputKeys: []string{"subscriber_id", "config_version"},
		Timeout:   5 * time.Minute,
		Steps: []workflow.StepSpec{
			{
				Name:         "reserve_vlan",
				Type:         "ipam_reserve_vlan",
				TargetSystem: adapter.SystemNetBox,
				Execute:      run(adapters, adapter.SystemNetBox),
				Compensate:   undo(adapters, adapter.SystemNetBox),
				Writes:       []string{"vlan_id"},
			},
			{
				Name:         "push_cpe_config",
				Type:         "cpe_push_config",
				TargetSystem: adapter.SystemGenieACS,
				Execute:      run(adapters, adapter.SystemGenieACS),
				Compensate:   undo(adapters, adapter.SystemGenieACS),
				Reads:        []string{"vlan_id"},
				Writes:       []string{"cpe_config_id"},
			},
			{
				Name:         "verify_connectivity",
				Type:         "cpe_verify",
				TargetSystem: adapter.SystemGenieACS,
				Execute:      run(adapters, adapter.SystemGenieACS),
				MaxRetries:   5,
				Timeout:      time.Minute,
			},
		},
		OutputKeys: []string{"cpe_config_id", "vlan_id"},
	}
}
