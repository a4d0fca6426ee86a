// Package ur is the remote execution client: it runs scripts on compute
// nodes and fetches their inventory. Two transports exist, NATS
// request/reply to the on-node agent and plain SSH.
package ur

import (
	"context"
	"errors"
	"fmt"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
)

// ErrScriptFailed wraps a non-zero exit status.
var ErrScriptFailed = errors.New("script failed")

// Script is what gets pushed to a node.
type Script struct {
	Script string            `json:"script"`
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Result is the completion status of a script.
type Result struct {
	ExitStatus int    `json:"exit_status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// Client executes scripts on servers.
type Client interface {
	Execute(ctx context.Context, serverID string, s Script) (*Result, error)
	Sysinfo(ctx context.Context, serverID string) (models.Sysinfo, error)
}

func checkResult(serverID string, res *Result) (*Result, error) {
	if res.ExitStatus != 0 {
		return res, fmt.Errorf("%w on %s: exit status %d: %s", ErrScriptFailed, serverID, res.ExitStatus, res.Stderr)
	}
	return res, nil
}
