package pulsewatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindBestDefaultPicksLowestPriority(t *testing.T) {
	group := newDeviceGroup()
	group.foundDevices[1] = &audioDevice{
		originalName: "device1",
		recognizedAs: []string{"high_priority", "low_priority"},
	}
	group.foundDevices[2] = &audioDevice{
		originalName: "device2",
		recognizedAs: []string{"medium_priority"},
	}

	rules := map[string]*DeviceRule{
		"high_priority":   detectRule(uintPtr(1), nil),
		"medium_priority": detectRule(uintPtr(5), nil),
		"low_priority":    detectRule(uintPtr(10), nil),
	}

	ruleName, index, ok := group.findBestDefault(rules)
	require.True(t, ok)
	assert.Equal(t, "high_priority", ruleName)
	assert.Equal(t, uint32(1), index)
}

func TestFindBestDefaultIgnoresRulesWithoutPriority(t *testing.T) {
	group := newDeviceGroup()
	group.foundDevices[1] = &audioDevice{
		originalName: "device1",
		recognizedAs: []string{"unprioritized"},
	}

	rules := map[string]*DeviceRule{
		"unprioritized": detectRule(nil, nil),
	}

	_, _, ok := group.findBestDefault(rules)
	assert.False(t, ok)
}

func TestFindBestDefaultEmptyRegistry(t *testing.T) {
	group := newDeviceGroup()

	_, _, ok := group.findBestDefault(map[string]*DeviceRule{})
	assert.False(t, ok)
}

func TestFindBestDefaultTieBreaksOnLowestIndex(t *testing.T) {
	group := newDeviceGroup()
	group.foundDevices[7] = &audioDevice{originalName: "late", recognizedAs: []string{"tied"}}
	group.foundDevices[3] = &audioDevice{originalName: "early", recognizedAs: []string{"tied"}}

	rules := map[string]*DeviceRule{
		"tied": detectRule(uintPtr(5), nil),
	}

	ruleName, index, ok := group.findBestDefault(rules)
	require.True(t, ok)
	assert.Equal(t, "tied", ruleName)
	assert.Equal(t, uint32(3), index)
}

func TestFindBestDefaultTieBreaksOnRuleName(t *testing.T) {
	group := newDeviceGroup()
	group.foundDevices[3] = &audioDevice{originalName: "dev", recognizedAs: []string{"zeta", "alpha"}}

	rules := map[string]*DeviceRule{
		"zeta":  detectRule(uintPtr(5), nil),
		"alpha": detectRule(uintPtr(5), nil),
	}

	ruleName, index, ok := group.findBestDefault(rules)
	require.True(t, ok)
	assert.Equal(t, "alpha", ruleName)
	assert.Equal(t, uint32(3), index)
}

func TestHasMatchAndIndexByRule(t *testing.T) {
	group := newDeviceGroup()
	group.foundDevices[5] = &audioDevice{originalName: "dev5", recognizedAs: []string{"a"}}
	group.foundDevices[9] = &audioDevice{originalName: "dev9", recognizedAs: []string{"a", "b"}}

	assert.True(t, group.hasMatch("a"))
	assert.True(t, group.hasMatch("b"))
	assert.False(t, group.hasMatch("c"))

	index, ok := group.indexByRule("a")
	require.True(t, ok)
	assert.Equal(t, uint32(5), index, "lowest index wins when several devices qualify")

	index, ok = group.indexByRule("b")
	require.True(t, ok)
	assert.Equal(t, uint32(9), index)

	_, ok = group.indexByRule("c")
	assert.False(t, ok)
}
