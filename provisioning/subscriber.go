package provisioning

import (
	"time"

	workflow "github.com/michaelayoade/dotmac-platform-services-sub023"
	"github.com/michaelayoade/dotmac-platform-services-sub023/adapter"
)

// provisionSubscriber activates a new subscriber end to end: AAA account,
// address allocation, optical unit, CPE, billing. Every step can be
// undone, so a failure late in the chain leaves no half-provisioned
// subscriber behind.
func provisionSubscriber(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:      workflow.TypeProvisionSubscriber,
		InputKeys: []string{"subscriber_id", "plan_id", "onu_serial"},
		Timeout:   15 * time.Minute,
		Steps: []workflow.StepSpec{
			{
				Name:         "authenticate",
				Type:         "radius_create_user",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
				Compensate:   undo(adapters, adapter.SystemRADIUS),
				Writes:       []string{"radius_username"},
			},
			{
				Name:         "allocate_ip",
				Type:         "ipam_allocate_ip",
				TargetSystem: adapter.SystemNetBox,
				Execute:      run(adapters, adapter.SystemNetBox),
				Compensate:   undo(adapters, adapter.SystemNetBox),
				Writes:       []string{"ip_address", "prefix_id"},
			},
			{
				Name:         "activate_onu",
				Type:         "onu_activate",
				TargetSystem: adapter.SystemVOLTHA,
				Execute:      run(adapters, adapter.SystemVOLTHA),
				Compensate:   undo(adapters, adapter.SystemVOLTHA),
				Writes:       []string{"onu_id", "olt_port"},
			},
			{
				Name:         "configure_cpe",
				Type:         "cpe_provision",
				TargetSystem: adapter.SystemGenieACS,
				Execute:      run(adapters, adapter.SystemGenieACS),
				Compensate:   undo(adapters, adapter.SystemGenieACS),
				Reads:        []string{"ip_address", "onu_id"},
				Writes:       []string{"cpe_config_id"},
			},
			{
				Name:         "create_billing",
				Type:         "billing_create_account",
				TargetSystem: adapter.SystemBilling,
				Execute:      run(adapters, adapter.SystemBilling),
				Compensate:   undo(adapters, adapter.SystemBilling),
				Reads:        []string{"ip_address"},
				Writes:       []string{"billing_account_id"},
			},
		},
		OutputKeys: []string{"ip_address", "onu_id", "billing_account_id"},
	}
}

// deprovisionSubscriber tears a subscriber down. Teardown rolls forward:
// re-provisioning on a mid-teardown failure would be worse than finishing
// the job, so compensation is disabled and failed runs are retried
// instead.
func deprovisionSubscriber(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:                workflow.TypeDeprovisionSubscriber,
		InputKeys:           []string{"subscriber_id"},
		DisableCompensation: true,
		MaxRetries:          5,
		Steps: []workflow.StepSpec{
			{
				Name:         "close_billing",
				Type:         "billing_close_account",
				TargetSystem: adapter.SystemBilling,
				Execute:      run(adapters, adapter.SystemBilling),
				Writes:       []string{"invoice_id"},
			},
			{
				Name:         "deconfigure_cpe",
				Type:         "cpe_deprovision",
				TargetSystem: adapter.SystemGenieACS,
				Execute:      run(adapters, adapter.SystemGenieACS),
			},
			{
				Name:         "deactivate_onu",
				Type:         "onu_deactivate",
				TargetSystem: adapter.SystemVOLTHA,
				Execute:      run(adapters, adapter.SystemVOLTHA),
			},
			{
				Name:         "release_ip",
				Type:         "ipam_release_ip",
				TargetSystem: adapter.SystemNetBox,
				Execute:      run(adapters, adapter.SystemNetBox),
			},
			{
				Name:         "remove_radius_user",
				Type:         "radius_delete_user",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
			},
		},
		OutputKeys: []string{"invoice_id"},
	}
}

// migrateSubscriber moves a subscriber to a new OLT port: bring the new
// path up, repoint CPE and AAA at it, then release the old port. The old
// port is only touched after everything else succeeded, so a failure at
// any point rolls the migration back and leaves the subscriber on the
// original port.
func migrateSubscriber(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:       workflow.TypeMigrateSubscriber,
		InputKeys:  []string{"subscriber_id", "target_olt_id"},
		Timeout:    45 * time.Minute,
		MaxRetries: 2,
		Steps: []workflow.StepSpec{
			{
				Name:         "provision_new_port",
				Type:         "onu_provision_port",
				TargetSystem: adapter.SystemVOLTHA,
				Execute:      run(adapters, adapter.SystemVOLTHA),
				Compensate:   undo(adapters, adapter.SystemVOLTHA),
				Writes:       []string{"new_onu_id"},
			},
			{
				Name:         "reallocate_ip",
				Type:         "ipam_reallocate_ip",
				TargetSystem: adapter.SystemNetBox,
				Execute:      run(adapters, adapter.SystemNetBox),
				Compensate:   undo(adapters, adapter.SystemNetBox),
				Writes:       []string{"new_ip_address"},
			},
			{
				Name:         "reconfigure_cpe",
				Type:         "cpe_repoint",
				TargetSystem: adapter.SystemGenieACS,
				Execute:      run(adapters, adapter.SystemGenieACS),
				Compensate:   undo(adapters, adapter.SystemGenieACS),
				Reads:        []string{"new_onu_id", "new_ip_address"},
			},
			{
				Name:         "rebind_radius",
				Type:         "radius_rebind",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
				Compensate:   undo(adapters, adapter.SystemRADIUS),
				Reads:        []string{"new_ip_address"},
			},
			{
				Name:         "release_old_port",
				Type:         "onu_release_port",
				TargetSystem: adapter.SystemVOLTHA,
				Execute:      run(adapters, adapter.SystemVOLTHA),
				MaxRetries:   5,
			},
		},
		OutputKeys: []string{"new_onu_id", "new_ip_address"},
	}
}
