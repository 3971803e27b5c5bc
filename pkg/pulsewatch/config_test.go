package pulsewatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopNotifier struct{}

func (nopNotifier) Notify(title string, message string) {}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestValidateDetectsCircularReference(t *testing.T) {
	config := Config{
		Sinks: map[string]*DeviceRule{
			"a": remapRule(uintPtr(1), "b"),
			"b": remapRule(uintPtr(2), "c"),
			"c": remapRule(uintPtr(3), "a"),
		},
	}

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular remap reference")
	assert.Contains(t, err.Error(), "sinks")

	// the cycle may be reported starting from any member, but always in
	// traversal order and closed by repeating the starting name
	cycles := []string{"a -> b -> c -> a", "b -> c -> a -> b", "c -> a -> b -> c"}
	matched := false
	for _, cycle := range cycles {
		if strings.Contains(err.Error(), cycle) {
			matched = true
			break
		}
	}
	assert.True(t, matched, "error message: %s", err.Error())
}

func TestValidateSelfReference(t *testing.T) {
	config := Config{
		Sources: map[string]*DeviceRule{
			"a": remapRule(uintPtr(1), "a"),
		},
	}

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources")
	assert.Contains(t, err.Error(), "a -> a")
}

func TestValidateAcyclicChain(t *testing.T) {
	config := Config{
		Sinks: map[string]*DeviceRule{
			"a": remapRule(uintPtr(1), "b"),
			"b": remapRule(uintPtr(2), "c"),
			"c": detectRule(uintPtr(3), nil),
		},
	}

	assert.NoError(t, config.Validate())
}

func TestValidateDanglingMasterIsLegal(t *testing.T) {
	config := Config{
		Sinks: map[string]*DeviceRule{
			"a": remapRule(uintPtr(1), "nonexistent"),
		},
	}

	assert.NoError(t, config.Validate())
}

func TestValidateCycleScopedPerKind(t *testing.T) {
	// the same names in different kinds don't form a cycle across kinds
	config := Config{
		Sinks: map[string]*DeviceRule{
			"a": remapRule(uintPtr(1), "b"),
			"b": detectRule(uintPtr(2), nil),
		},
		Sources: map[string]*DeviceRule{
			"b": remapRule(uintPtr(1), "a"),
			"a": detectRule(uintPtr(2), nil),
		},
	}

	assert.NoError(t, config.Validate())
}

func TestValidateRequiresExactlyOneMatchClause(t *testing.T) {
	neither := Config{
		Sinks: map[string]*DeviceRule{
			"a": {Priority: uintPtr(1)},
		},
	}
	assert.Error(t, neither.Validate())

	both := Config{
		Sinks: map[string]*DeviceRule{
			"a": {
				Priority: uintPtr(1),
				Detect:   map[string]string{},
				Remap:    &RemapRule{Master: "b"},
			},
		},
	}
	assert.Error(t, both.Validate())
}

func TestValidateRemapNeedsMaster(t *testing.T) {
	config := Config{
		Sinks: map[string]*DeviceRule{
			"a": {Priority: uintPtr(1), Remap: &RemapRule{}},
		},
	}

	assert.Error(t, config.Validate())
}

const sampleConfig = `
sinks:
  master_sink:
    priority: 10
    detect:
      device.api: alsa
      device.bus: usb
  remap_sink:
    priority: 1
    remap:
      master: master_sink
      device_name: remapped
      rate: 48000
      channels: 2
      remix: false
sources:
  usb_mic:
    detect:
      device.api: alsa
`

func TestConfigManagerLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cc, err := NewConfig(testLogger(), nopNotifier{}, path)
	require.NoError(t, err)
	require.NoError(t, cc.Load())

	require.Len(t, cc.current.Sinks, 2)
	require.Len(t, cc.current.Sources, 1)

	master := cc.current.Sinks["master_sink"]
	require.NotNil(t, master)
	require.NotNil(t, master.Priority)
	assert.Equal(t, uint32(10), *master.Priority)
	assert.False(t, master.IsRemap())
	assert.Equal(t, "alsa", master.Detect["device.api"])

	remap := cc.current.Sinks["remap_sink"]
	require.NotNil(t, remap)
	require.True(t, remap.IsRemap())
	assert.Equal(t, "master_sink", remap.Remap.Master)
	assert.Equal(t, "remapped", remap.Remap.DeviceName)
	assert.Equal(t, uint32(48000), remap.Remap.Rate)
	require.NotNil(t, remap.Remap.Remix)
	assert.False(t, *remap.Remap.Remix)

	mic := cc.current.Sources["usb_mic"]
	require.NotNil(t, mic)
	assert.Nil(t, mic.Priority, "absent priority means never eligible as default")
}

func TestConfigManagerLoadRejectsCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cyclic := `
sinks:
  a:
    remap:
      master: b
  b:
    remap:
      master: a
`
	require.NoError(t, os.WriteFile(path, []byte(cyclic), 0o644))

	cc, err := NewConfig(testLogger(), nopNotifier{}, path)
	require.NoError(t, err)

	err = cc.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular remap reference")
}

func TestConfigManagerMissingExplicitFileIsFatal(t *testing.T) {
	cc, err := NewConfig(testLogger(), nopNotifier{}, filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Error(t, cc.Load())
}
