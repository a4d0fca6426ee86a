package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCounter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      json.Number
		want    string
		wantErr bool
	}{
		{in: "1073741824", want: "1073741824"},
		{in: "1073741824.0", want: "1073741824"},
		{in: "1.073741824e9", want: "1073741824"},
		{in: "0", want: "0"},
		{in: "18446744073709551615", want: "18446744073709551615"},
		{in: "", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeCounter(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeartbeat_Memory(t *testing.T) {
	t.Parallel()

	var hb Heartbeat
	require.NoError(t, json.Unmarshal([]byte(`{
		"meminfo": {"availrmem_bytes": 2147483648, "arcsize_bytes": 536870912.0, "total_bytes": 8589934592},
		"zoneStatus": {"global": {"0": {"name": "global", "state": "running"}}}
	}`), &hb))

	mem, err := hb.Memory()
	require.NoError(t, err)
	assert.Equal(t, MemoryCounters{Available: "2147483648", Arc: "536870912", Total: "8589934592"}, mem)
	assert.NotEmpty(t, hb.ZoneStatus)

	_, err = (&Heartbeat{Meminfo: Meminfo{AvailrmemBytes: "1", ArcsizeBytes: "2"}}).Memory()
	assert.ErrorContains(t, err, "total_bytes")
}

func TestFlagUpdate_JSON(t *testing.T) {
	t.Parallel()

	var flags map[string]FlagUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"-k": null, "-m": "foo=bar", "-v": true, "-n": 3}`), &flags))
	assert.Equal(t, map[string]FlagUpdate{
		"-k": DeleteFlag(),
		"-m": SetFlag("foo=bar"),
		"-v": SetFlag(true),
		"-n": SetFlag(float64(3)),
	}, flags)

	out, err := json.Marshal(map[string]FlagUpdate{"-k": DeleteFlag(), "-m": SetFlag("x")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"-k": null, "-m": "x"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"-k": {"nested": 1}}`), &flags))
}

func TestBootParamsUpdate_PlatformAlias(t *testing.T) {
	t.Parallel()

	var u BootParamsUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"platform": "20240101T000000Z", "default_console": "serial"}`), &u))
	require.NotNil(t, u.BootPlatform)
	assert.Equal(t, "20240101T000000Z", *u.BootPlatform)
	assert.Equal(t, "serial", *u.DefaultConsole)
	assert.Nil(t, u.Serial)
	assert.Nil(t, u.BootModules)

	require.NoError(t, json.Unmarshal([]byte(`{"boot_platform": "a", "platform": "b"}`), &u))
	assert.Equal(t, "a", *u.BootPlatform)
}

func TestChanges_Apply(t *testing.T) {
	t.Parallel()

	s := &Server{UUID: "cn1", Hostname: "old"}
	require.NoError(t, Changes{
		"uuid":             "cn1",
		"setup":            "true",
		"hostname":         "new",
		"memory_arc_bytes": float64(1024),
	}.Apply(s))
	assert.True(t, s.Setup)
	assert.Equal(t, "new", s.Hostname)
	assert.Equal(t, "1024", s.MemoryArcBytes)

	tests := []struct {
		name    string
		changes Changes
	}{
		{"uuid", Changes{"uuid": "cn2"}},
		{"unknown field", Changes{"colour": "blue"}},
		{"bad type", Changes{"setup": []string{"yes"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &Server{UUID: "cn1", Hostname: "old"}
			assert.Error(t, tt.changes.Apply(s))
			assert.Equal(t, "old", s.Hostname, "a rejected changeset leaves the record untouched")
		})
	}

	err := Changes{"uuid": "cn2"}.Apply(&Server{UUID: "cn1"})
	assert.ErrorIs(t, err, ErrImmutableField)
}

func TestServer_CloneIsDeep(t *testing.T) {
	t.Parallel()

	boot := time.Unix(1714521600, 0).UTC()
	s := &Server{
		UUID:        "cn1",
		Sysinfo:     Sysinfo{"Hostname": "cn1"},
		BootParams:  map[string]string{"a": "1"},
		KernelFlags: map[string]any{"-k": "v"},
		BootModules: []BootModule{{"path": "/mod"}},
		LastBoot:    &boot,
	}
	c := s.Clone()
	c.Sysinfo["Hostname"] = "x"
	c.BootParams["a"] = "2"
	c.KernelFlags["-k"] = "w"
	c.BootModules[0]["path"] = "/other"
	*c.LastBoot = time.Time{}

	assert.Equal(t, "cn1", s.Sysinfo["Hostname"])
	assert.Equal(t, "1", s.BootParams["a"])
	assert.Equal(t, "v", s.KernelFlags["-k"])
	assert.Equal(t, "/mod", s.BootModules[0]["path"])
	assert.Equal(t, boot, *s.LastBoot)
	assert.Nil(t, (*Server)(nil).Clone())
}

func TestServer_Validate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, (&Server{UUID: "564d9e5c-1c2b-4a3f-8e7d-2f6a1b0c9d8e"}).Validate())
	assert.NoError(t, (&Server{UUID: DefaultServerUUID}).Validate())
	assert.Error(t, (&Server{}).Validate())
	assert.Error(t, (&Server{UUID: "a.b"}).Validate())
	assert.Error(t, (&Server{UUID: "a>"}).Validate())
}

func TestServerFromSysinfo(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))

	var si Sysinfo
	require.NoError(t, json.Unmarshal([]byte(`{
		"UUID": "564d9e5c",
		"Hostname": "headnode",
		"Live Image": "20240501T000000Z",
		"Setup": "true",
		"MiB of Memory": "8191",
		"Boot Time": "1714521600",
		"Network Interfaces": {"e1000g0": {"MAC Address": "00:50:56:3d:a7:95"}}
	}`), &si))

	s, err := ServerFromSysinfo(si, "coal", now)
	require.NoError(t, err)
	assert.Equal(t, "564d9e5c", s.UUID)
	assert.Equal(t, "coal", s.Datacenter)
	assert.Equal(t, "headnode", s.Hostname)
	assert.Equal(t, "20240501T000000Z", s.BootPlatform)
	assert.True(t, s.Setup)
	assert.Equal(t, "8588886016", s.MemoryTotalBytes)
	assert.Equal(t, now.UTC(), s.Created)
	require.NotNil(t, s.LastBoot)
	assert.Equal(t, int64(1714521600), s.LastBoot.Unix())
	assert.NotNil(t, s.BootParams)
	assert.NotNil(t, s.KernelFlags)
	assert.Contains(t, s.Sysinfo, "Network Interfaces")

	si["Setup"] = true
	s, err = ServerFromSysinfo(si, "coal", now)
	require.NoError(t, err)
	assert.True(t, s.Setup)

	_, err = ServerFromSysinfo(Sysinfo{"Hostname": "x"}, "coal", now)
	assert.Error(t, err)
}

func TestJobExecution_Done(t *testing.T) {
	t.Parallel()
	assert.False(t, JobQueued.Done())
	assert.False(t, JobRunning.Done())
	assert.True(t, JobSucceeded.Done())
	assert.True(t, JobFailed.Done())
}
