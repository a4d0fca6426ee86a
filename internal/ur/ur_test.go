package ur

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellCommand(t *testing.T) {
	t.Parallel()

	cmd, err := shellCommand(Script{
		Script: "./agentsetup.sh",
		Args:   []string{"http://assets", "it's"},
		Env:    map[string]string{"ASSETS_URL": "http://a", "B": "x y"},
	})
	require.NoError(t, err)
	assert.Equal(t, `/usr/bin/env ASSETS_URL='http://a' B='x y' /bin/bash -s -- 'http://assets' 'it'\''s'`, cmd)
}

func TestShellCommand_RejectsBadEnvName(t *testing.T) {
	t.Parallel()
	_, err := shellCommand(Script{Env: map[string]string{"A;rm -rf /": "x"}})
	assert.Error(t, err)
}

func TestDecodeReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr error
		anyErr  bool
		wantOut string
	}{
		{name: "success", data: `{"exit_status":0,"stdout":"ok"}`, wantOut: "ok"},
		{name: "non-zero exit", data: `{"exit_status":2,"stderr":"boom"}`, wantErr: ErrScriptFailed},
		{name: "agent error", data: `{"error":"no such script"}`, anyErr: true},
		{name: "garbage", data: `not json`, anyErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := decodeReply("S", []byte(tt.data))
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantOut, res.Stdout)
			}
		})
	}
}

func TestDecodeSysinfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     string
		wantErr  bool
		hostname string
	}{
		{name: "inventory", data: `{"UUID":"S","Hostname":"cn1"}`, hostname: "cn1"},
		{name: "null", data: `null`, wantErr: true},
		{name: "empty object", data: `{}`, wantErr: true},
		{name: "garbage", data: `sysinfo: not found`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			si, err := decodeSysinfo("S", []byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, si)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hostname, si.String("Hostname"))
		})
	}
}

func TestNewSSHClient(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	key := pem.EncodeToMemory(block)

	c, err := NewSSHClient(SSHConfig{User: "root", PrivateKey: key, HostSuffix: ".admin.coal"})
	require.NoError(t, err)
	assert.Equal(t, "S.admin.coal:22", c.addr("S"))

	_, err = NewSSHClient(SSHConfig{User: "root"})
	assert.Error(t, err)
	_, err = NewSSHClient(SSHConfig{User: "root", PrivateKey: []byte("nope")})
	assert.Error(t, err)
}
