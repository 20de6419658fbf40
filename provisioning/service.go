package provisioning

import (
	"time"

	workflow "github.com/michaelayoade/dotmac-platform-services-sub023"
	"github.com/michaelayoade/dotmac-platform-services-sub023/adapter"
)

// activateService turns a purchased service on for an already provisioned
// subscriber: check the account is in good standing, open AAA access,
// push the data-plane flows.
func activateService(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:      workflow.TypeActivateService,
		InputKeys: []string{"subscriber_id", "service_id"},
		Steps: []workflow.StepSpec{
			{
				Name:         "verify_account",
				Type:         "billing_verify_account",
				TargetSystem: adapter.SystemBilling,
				Execute:      run(adapters, adapter.SystemBilling),
			},
			{
				Name:         "enable_access",
				Type:         "radius_enable_access",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
				Compensate:   undo(adapters, adapter.SystemRADIUS),
			},
			{
				Name:         "install_flows",
				Type:         "onu_install_flows",
				TargetSystem: adapter.SystemVOLTHA,
				Execute:      run(adapters, adapter.SystemVOLTHA),
				Compensate:   undo(adapters, adapter.SystemVOLTHA),
				Writes:       []string{"flow_id"},
			},
		},
		OutputKeys: []string{"flow_id"},
	}
}

// suspendService cuts a delinquent subscriber over to restricted access.
// Kicking live sessions comes last and has no undo: a disconnect cannot
// be taken back, the subscriber simply reauthenticates against the
// restricted profile.
func suspendService(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:      workflow.TypeSuspendService,
		InputKeys: []string{"subscriber_id", "reason"},
		Steps: []workflow.StepSpec{
			{
				Name:         "flag_billing",
				Type:         "billing_flag_suspension",
				TargetSystem: adapter.SystemBilling,
				Execute:      run(adapters, adapter.SystemBilling),
				Compensate:   undo(adapters, adapter.SystemBilling),
			},
			{
				Name:         "restrict_access",
				Type:         "radius_set_profile",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
				Compensate:   undo(adapters, adapter.SystemRADIUS),
			},
			{
				Name:         "disconnect_sessions",
				Type:         "radius_coa_disconnect",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
				Writes:       []string{"session_count"},
			},
		},
		OutputKeys: []string{"session_count"},
	}
}

// terminateService ends a service for good. Like deprovisioning it rolls
// forward only; a terminated subscriber must never be silently
// re-enabled because a later cleanup step hiccuped.
func terminateService(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:                workflow.TypeTerminateService,
		InputKeys:           []string{"subscriber_id"},
		DisableCompensation: true,
		MaxRetries:          5,
		Steps: []workflow.StepSpec{
			{
				Name:         "final_invoice",
				Type:         "billing_final_invoice",
				TargetSystem: adapter.SystemBilling,
				Execute:      run(adapters, adapter.SystemBilling),
				Writes:       []string{"invoice_id"},
			},
			{
				Name:         "remove_flows",
				Type:         "onu_remove_flows",
				TargetSystem: adapter.SystemVOLTHA,
				Execute:      run(adapters, adapter.SystemVOLTHA),
			},
			{
				Name:         "remove_radius_user",
				Type:         "radius_delete_user",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
			},
			{
				Name:         "release_ip",
				Type:         "ipam_release_ip",
				TargetSystem: adapter.SystemNetBox,
				Execute:      run(adapters, adapter.SystemNetBox),
			},
		},
		OutputKeys: []string{"invoice_id"},
	}
}

// changeServicePlan moves a subscriber between plans. The billing commit
// goes last so that a bandwidth or AAA failure never leaves the
// subscriber paying for a plan they are not getting.
func changeServicePlan(adapters *adapter.Registry) *workflow.Definition {
	return &workflow.Definition{
		Type:      workflow.TypeChangeServicePlan,
		InputKeys: []string{"subscriber_id", "new_plan_id"},
		Timeout:   10 * time.Minute,
		Steps: []workflow.StepSpec{
			{
				Name:         "validate_plan",
				Type:         "billing_validate_plan",
				TargetSystem: adapter.SystemBilling,
				Execute:      run(adapters, adapter.SystemBilling),
				Writes:       []string{"qos_profile"},
			},
			{
				Name:         "update_bandwidth",
				Type:         "onu_set_bandwidth",
				TargetSystem: adapter.SystemVOLTHA,
				Execute:      run(adapters, adapter.SystemVOLTHA),
				Compensate:   undo(adapters, adapter.SystemVOLTHA),
				Reads:        []string{"qos_profile"},
			},
			{
				Name:         "update_radius_plan",
				Type:         "radius_update_plan",
				TargetSystem: adapter.SystemRADIUS,
				Execute:      run(adapters, adapter.SystemRADIUS),
				Compensate:   undo(adapters, adapter.SystemRADIUS),
				Reads:        []string{"qos_profile"},
			},
			{
				Name:         "commit_billing_plan",
				Type:         "billing_commit_plan",
				TargetSystem: adapter.SystemBilling,
				Execute:      run(adapters, adapter.SystemBilling),
				Compensate:   undo(adapters, adapter.SystemBilling),
			},
		},
		OutputKeys: []string{"qos_profile"},
	}
}
