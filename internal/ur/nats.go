package ur

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/nats-io/nats.go"
)

const (
	executeSubject = "ur.execute."
	sysinfoSubject = "ur.sysinfo."
)

// NATSClient talks to the ur agent running on each node.
type NATSClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSClient uses timeout for requests whose context has no deadline.
func NewNATSClient(nc *nats.Conn, timeout time.Duration) *NATSClient {
	return &NATSClient{nc: nc, timeout: timeout}
}

// reply is the agent's response envelope. Error is set when the agent
// could not start the script at all.
type reply struct {
	Result
	Error string `json:"error,omitempty"`
}

func (c *NATSClient) request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

func (c *NATSClient) Execute(ctx context.Context, serverID string, s Script) (*Result, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	data, err := c.request(ctx, executeSubject+serverID, payload)
	if err != nil {
		return nil, err
	}
	return decodeReply(serverID, data)
}

func decodeReply(serverID string, data []byte) (*Result, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode ur reply from %s: %w", serverID, err)
	}
	if r.Error != "" {
		return nil, fmt.Errorf("ur on %s: %s", serverID, r.Error)
	}
	return checkResult(serverID, &r.Result)
}

func (c *NATSClient) Sysinfo(ctx context.Context, serverID string) (models.Sysinfo, error) {
	data, err := c.request(ctx, sysinfoSubject+serverID, nil)
	if err != nil {
		return nil, err
	}
	si, err := decodeSysinfo(serverID, data)
	if err != nil {
		return nil, err
	}
	if si.UUID() == "" {
		si["UUID"] = serverID
	}
	return si, nil
}

// decodeSysinfo rejects replies that decode to no inventory at all, such
// as a bare null.
func decodeSysinfo(serverID string, data []byte) (models.Sysinfo, error) {
	var si models.Sysinfo
	if err := json.Unmarshal(data, &si); err != nil {
		return nil, fmt.Errorf("decode sysinfo from %s: %w", serverID, err)
	}
	if len(si) == 0 {
		return nil, fmt.Errorf("empty sysinfo from %s", serverID)
	}
	return si, nil
}
