package planner

import (
	"fmt"

	"github.com/nidhogg/warden/internal/lifecycle"
	"github.com/nidhogg/warden/internal/task"
)

// templateFor returns the step graph for a known task type, or nil.
func templateFor(req lifecycle.PlanRequest) []*task.Step {
	switch req.Type {
	case task.TypeServerConfigure:
		return configureTemplate(req)
	case task.TypeSystemDiagnose:
		return diagnoseTemplate(req)
	case task.TypeSystemMaintenance:
		return maintenanceTemplate(req)
	case task.TypeServerProvision:
		return provisionTemplate(req)
	}
	return nil
}

func param(req lifecycle.PlanRequest, key, fallback string) string {
	if v := req.Parameters[key]; v != "" {
		return v
	}
	return fallback
}

func configureTemplate(req lifecycle.PlanRequest) []*task.Step {
	host := param(req, "host", "localhost")
	service := param(req, "service", "target service")

	apply := &task.Step{
		ID:          "apply-config",
		Description: fmt.Sprintf("Apply configuration for %s on %s", service, host),
		DependsOn:   []string{"backup-config"},
		Risk:        task.RiskMedium,
		OnFailure:   task.FailAbort,
	}
	if tpl := req.Parameters["template"]; tpl != "" {
		apply.Action = task.Action{
			Kind:     task.ActionConfigTemplateApply,
			Template: tpl,
			Target:   param(req, "target", "/etc/"+service+".conf"),
			Values:   req.Parameters,
		}
	} else {
		apply.Action = task.Action{
			Kind:    task.ActionShellCommand,
			Command: param(req, "command", fmt.Sprintf("warden-apply --service=%s --host=%s", service, host)),
		}
	}

	return []*task.Step{
		{
			ID:          "backup-config",
			Description: fmt.Sprintf("Back up current configuration of %s", service),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: fmt.Sprintf("warden-backup --service=%s --host=%s", service, host)},
			Risk:        task.RiskLow,
			OnFailure:   task.FailAbort,
		},
		apply,
		{
			ID:          "restart-service",
			Description: fmt.Sprintf("Restart %s to pick up configuration", service),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: fmt.Sprintf("systemctl restart %s", service)},
			DependsOn:   []string{"apply-config"},
			Risk:        task.RiskMedium,
			OnFailure:   task.FailAbort,
		},
		{
			ID:          "verify-service",
			Description: fmt.Sprintf("Verify %s is healthy after restart", service),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: fmt.Sprintf("systemctl is-active %s", service)},
			DependsOn:   []string{"restart-service"},
			Risk:        task.RiskLow,
			OnFailure:   task.FailAbort,
		},
	}
}

func diagnoseTemplate(req lifecycle.PlanRequest) []*task.Step {
	host := param(req, "host", "localhost")
	return []*task.Step{
		{
			ID:          "collect-metrics",
			Description: fmt.Sprintf("Collect CPU, memory, and disk metrics from %s", host),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-metrics --snapshot"},
			Risk:        task.RiskLow,
			OnFailure:   task.FailSkipDependents,
		},
		{
			ID:          "inspect-logs",
			Description: fmt.Sprintf("Scan recent system logs on %s for errors", host),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: param(req, "log_command", "journalctl -p err --since=-1h --no-pager")},
			Risk:        task.RiskLow,
			OnFailure:   task.FailSkipDependents,
		},
		{
			ID:          "summarize-findings",
			Description: "Correlate metrics and log findings into a report",
			Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-report --task=" + req.TaskID},
			DependsOn:   []string{"collect-metrics", "inspect-logs"},
			Risk:        task.RiskLow,
			OnFailure:   task.FailSkipDependents,
		},
	}
}

func maintenanceTemplate(req lifecycle.PlanRequest) []*task.Step {
	host := param(req, "host", "localhost")

	open := &task.Step{
		ID:          "open-window",
		Description: fmt.Sprintf("Open a maintenance window for %s", host),
		Risk:        task.RiskLow,
		OnFailure:   task.FailAbort,
	}
	closeWin := &task.Step{
		ID:          "close-window",
		Description: fmt.Sprintf("Close the maintenance window for %s", host),
		DependsOn:   []string{"verify-host"},
		Risk:        task.RiskLow,
		OnFailure:   task.FailSkipDependents,
	}
	if url := req.Parameters["monitor_url"]; url != "" {
		open.Action = task.Action{Kind: task.ActionRemoteAPICall, Method: "POST", URL: url + "/maintenance/open", Body: `{"host":"` + host + `"}`}
		closeWin.Action = task.Action{Kind: task.ActionRemoteAPICall, Method: "POST", URL: url + "/maintenance/close", Body: `{"host":"` + host + `"}`}
	} else {
		open.Action = task.Action{Kind: task.ActionShellCommand, Command: "warden-window open --host=" + host}
		closeWin.Action = task.Action{Kind: task.ActionShellCommand, Command: "warden-window close --host=" + host}
	}

	return []*task.Step{
		open,
		{
			ID:          "run-maintenance",
			Description: fmt.Sprintf("Run maintenance procedure on %s", host),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: param(req, "command", "warden-maintain --host="+host)},
			DependsOn:   []string{"open-window"},
			Risk:        task.RiskMedium,
			OnFailure:   task.FailAbort,
		},
		{
			ID:          "verify-host",
			Description: fmt.Sprintf("Verify %s is healthy after maintenance", host),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-healthcheck --host=" + host},
			DependsOn:   []string{"run-maintenance"},
			Risk:        task.RiskLow,
			OnFailure:   task.FailAbort,
		},
		closeWin,
	}
}

func provisionTemplate(req lifecycle.PlanRequest) []*task.Step {
	host := param(req, "host", "new-node")
	image := param(req, "image", "base-os")

	allocate := &task.Step{
		ID:          "allocate-host",
		Description: fmt.Sprintf("Allocate %s in the inventory system", host),
		Risk:        task.RiskMedium,
		OnFailure:   task.FailAbort,
	}
	if url := req.Parameters["inventory_url"]; url != "" {
		allocate.Action = task.Action{Kind: task.ActionRemoteAPICall, Method: "POST", URL: url + "/hosts", Body: `{"name":"` + host + `"}`}
	} else {
		allocate.Action = task.Action{Kind: task.ActionShellCommand, Command: "warden-inventory allocate --host=" + host}
	}

	return []*task.Step{
		allocate,
		{
			ID:          "install-image",
			Description: fmt.Sprintf("Install %s image onto %s", image, host),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: fmt.Sprintf("warden-provision --host=%s --image=%s", host, image)},
			DependsOn:   []string{"allocate-host"},
			Risk:        task.RiskHigh,
			OnFailure:   task.FailAbort,
		},
		{
			ID:          "configure-network",
			Description: fmt.Sprintf("Configure network interfaces on %s", host),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-netcfg --host=" + host},
			DependsOn:   []string{"install-image"},
			Risk:        task.RiskMedium,
			OnFailure:   task.FailAbort,
		},
		{
			ID:          "verify-reachability",
			Description: fmt.Sprintf("Verify %s is reachable and reporting", host),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-healthcheck --host=" + host},
			DependsOn:   []string{"configure-network"},
			Risk:        task.RiskLow,
			OnFailure:   task.FailAbort,
		},
	}
}

// fallbackPlan covers task types without a template: one guarded execution
// step built from the command parameter, plus a verification step. Without a
// command there is nothing safe to run.
func fallbackPlan(req lifecycle.PlanRequest) []*task.Step {
	command := req.Parameters["command"]
	if command == "" {
		return nil
	}
	return []*task.Step{
		{
			ID:          "execute",
			Description: fmt.Sprintf("Execute %s operation", req.Type),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: command},
			Risk:        task.RiskHigh,
			OnFailure:   task.FailAbort,
		},
		{
			ID:          "verify",
			Description: fmt.Sprintf("Verify %s operation result", req.Type),
			Action:      task.Action{Kind: task.ActionShellCommand, Command: param(req, "verify_command", "warden-healthcheck")},
			DependsOn:   []string{"execute"},
			Risk:        task.RiskLow,
			OnFailure:   task.FailSkipDependents,
		},
	}
}
