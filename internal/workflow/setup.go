package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/devghori1264/aerophoenix/cnapi/internal/ur"
	"go.uber.org/zap"
)

const (
	SetupWorkflowName  = "server-setup-1.0.0"
	RebootWorkflowName = "server-reboot-1.0.0"
)

// ServerUpdater is the write path a workflow uses to record its outcome on
// the server record.
type ServerUpdater interface {
	ModifyServer(ctx context.Context, id string, changes models.Changes, etag string) (*models.Server, error)
}

var (
	fetchSetupFilesScript = script(
		"cd /var/tmp",
		"mkdir -p /var/tmp/node.config",
		"curl -sSf -o node.config/node.config $1/extra/joysetup/node.config",
		"curl -sSf -O $1/extra/joysetup/joysetup.sh",
		"curl -sSf -O $1/extra/joysetup/agentsetup.sh",
		"chmod +x *.sh",
	)

	joysetupScript = script(
		"cd /var/tmp",
		"./joysetup.sh",
	)

	agentsetupScript = script(
		"cd /var/tmp",
		"echo ASSETS_URL = $ASSETS_URL",
		"./agentsetup.sh",
	)

	rebootScript = script(
		"/usr/sbin/shutdown -r now",
	)
)

func script(lines ...string) string {
	head := []string{"#!/bin/bash", "set -o xtrace", "set -o errexit"}
	return strings.Join(append(head, lines...), "\n") + "\n"
}

// requireParams returns a validation task body checking that every key is
// present and non-empty.
func requireParams(keys ...string) func(context.Context, Params) (string, error) {
	return func(_ context.Context, p Params) (string, error) {
		for _, k := range keys {
			if p[k] == "" {
				return "", fmt.Errorf("%w: must specify %s", ErrValidation, k)
			}
		}
		return "All parameters OK!", nil
	}
}

func execute(client ur.Client, build func(Params) ur.Script) func(context.Context, Params) (string, error) {
	return func(ctx context.Context, p Params) (string, error) {
		res, err := client.Execute(ctx, p["server_uuid"], build(p))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("exit status %d", res.ExitStatus), nil
	}
}

func recordFailure(log *zap.Logger) Task {
	return Task{
		Name:    "onerror",
		Timeout: 10 * time.Second,
		Retry:   1,
		Body: func(_ context.Context, p Params) (string, error) {
			log.Error("workflow failed",
				zap.String("server_uuid", p["server_uuid"]),
				zap.String("error", p["error"]))
			return "", fmt.Errorf("error executing job: %s", p["error"])
		},
	}
}

// SetupWorkflow stages the setup scripts on a node, runs them, and marks
// the server as set up.
func SetupWorkflow(client ur.Client, servers ServerUpdater, log *zap.Logger) Workflow {
	return Workflow{
		Name: SetupWorkflowName,
		Chain: []Task{
			{
				Name:    "cnapi.validate_params",
				Timeout: 10 * time.Second,
				Retry:   1,
				Body:    requireParams("server_uuid", "cnapi_url", "assets_url"),
			},
			{
				Name:    "cnapi.fetch_setup_files",
				Timeout: 10 * time.Second,
				Retry:   1,
				Body: execute(client, func(p Params) ur.Script {
					return ur.Script{Script: fetchSetupFilesScript, Args: []string{p["assets_url"]}}
				}),
			},
			{
				Name:    "cnapi.execute_joysetup_script",
				Timeout: 1000 * time.Second,
				Retry:   1,
				Body: execute(client, func(p Params) ur.Script {
					return ur.Script{Script: joysetupScript, Env: map[string]string{"CNAPI_URL": p["cnapi_url"]}}
				}),
			},
			{
				Name:    "cnapi.execute_agentsetup_script",
				Timeout: 1000 * time.Second,
				Retry:   1,
				Body: execute(client, func(p Params) ur.Script {
					return ur.Script{Script: agentsetupScript, Env: map[string]string{"ASSETS_URL": p["assets_url"]}}
				}),
			},
			{
				Name:    "cnapi.mark_server_as_setup",
				Timeout: 1000 * time.Second,
				Retry:   1,
				Body: func(ctx context.Context, p Params) (string, error) {
					if _, err := servers.ModifyServer(ctx, p["server_uuid"], models.Changes{"setup": true}, ""); err != nil {
						return "", err
					}
					return "server marked as setup", nil
				},
			},
		},
		OnError: recordFailure(log),
	}
}

// RebootWorkflow reboots a node through the remote execution client.
func RebootWorkflow(client ur.Client, log *zap.Logger) Workflow {
	return Workflow{
		Name: RebootWorkflowName,
		Chain: []Task{
			{
				Name:    "cnapi.validate_params",
				Timeout: 10 * time.Second,
				Retry:   1,
				Body:    requireParams("server_uuid", "cnapi_url"),
			},
			{
				Name:    "cnapi.reboot_server",
				Timeout: 60 * time.Second,
				Retry:   3,
				Body: execute(client, func(Params) ur.Script {
					return ur.Script{Script: rebootScript}
				}),
			},
		},
		OnError: recordFailure(log),
	}
}
