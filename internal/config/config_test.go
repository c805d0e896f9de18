package config

import (
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func writeTempConfig(t *testing.T, cfg Config) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pimsmd.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadAndNotifiesChanged(t *testing.T) {
	path := writeTempConfig(t, Config{Vifs: []VifConfig{{Name: "eth0", Enabled: true}}})

	cfg, err := Load(path)
	require.NoError(t, err)
	vif, ok := cfg.VifByName("eth0")
	require.True(t, ok)
	require.True(t, vif.Enabled)

	require.Eventually(t, func() bool {
		select {
		case <-cfg.Changed():
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestReloadAppliesNewContentAndNotifies(t *testing.T) {
	path := writeTempConfig(t, Config{Vifs: []VifConfig{{Name: "eth0", Enabled: true}}})
	cfg, err := Load(path)
	require.NoError(t, err)
	<-cfg.Changed()

	require.NoError(t, os.WriteFile(path, mustJSON(t, Config{Vifs: []VifConfig{{Name: "eth0", Enabled: false}}}), 0o644))
	require.NoError(t, cfg.Reload())

	vif, ok := cfg.VifByName("eth0")
	require.True(t, ok)
	require.False(t, vif.Enabled)

	select {
	case <-cfg.Changed():
	default:
		t.Fatal("expected Reload to notify Changed")
	}
}

func mustJSON(t *testing.T, cfg Config) []byte {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	return data
}

func TestUpdateFromJSONRejectsDuplicateVif(t *testing.T) {
	cfg := New()
	err := cfg.UpdateFromJSON(mustJSON(t, Config{Vifs: []VifConfig{{Name: "eth0"}, {Name: "eth0"}}}))
	require.Error(t, err)
}

func TestUpdateFromJSONRejectsScopeZoneWithoutBoundaryVif(t *testing.T) {
	cfg := New()
	err := cfg.UpdateFromJSON(mustJSON(t, Config{ScopeZones: []ScopeZoneConfig{
		{GroupPrefix: mustPrefix(t, "239.0.0.0/8")},
	}}))
	require.Error(t, err)
}

func TestUpdateFromJSONRejectsStaticRPWithoutAddr(t *testing.T) {
	cfg := New()
	err := cfg.UpdateFromJSON(mustJSON(t, Config{StaticRPs: []StaticRPConfig{
		{GroupPrefix: mustPrefix(t, "239.0.0.0/8")},
	}}))
	require.Error(t, err)
}

func TestSnapshotIsIndependentOfFurtherUpdates(t *testing.T) {
	path := writeTempConfig(t, Config{Vifs: []VifConfig{{Name: "eth0", Enabled: true}}})
	cfg, err := Load(path)
	require.NoError(t, err)

	snap := cfg.Snapshot()
	require.NoError(t, cfg.UpdateFromJSON(mustJSON(t, Config{Vifs: []VifConfig{{Name: "eth1", Enabled: true}}})))

	require.Len(t, snap.Vifs, 1)
	require.Equal(t, "eth0", snap.Vifs[0].Name)
}
