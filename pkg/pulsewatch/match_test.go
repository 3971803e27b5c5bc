package pulsewatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func uintPtr(v uint32) *uint32 {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

func detectRule(priority *uint32, detect map[string]string) *DeviceRule {
	if detect == nil {
		detect = map[string]string{}
	}

	return &DeviceRule{Priority: priority, Detect: detect}
}

func remapRule(priority *uint32, master string) *DeviceRule {
	return &DeviceRule{Priority: priority, Remap: &RemapRule{Master: master}}
}

func TestRuleMatchesDetect(t *testing.T) {
	tests := []struct {
		name       string
		detect     map[string]string
		properties map[string]string
		want       bool
	}{
		{
			name:       "all properties equal",
			detect:     map[string]string{"device.api": "alsa", "device.bus": "usb"},
			properties: map[string]string{"device.api": "alsa", "device.bus": "usb"},
			want:       true,
		},
		{
			name:       "extra device properties are fine",
			detect:     map[string]string{"device.api": "alsa"},
			properties: map[string]string{"device.api": "alsa", "device.bus": "usb"},
			want:       true,
		},
		{
			name:       "value mismatch",
			detect:     map[string]string{"device.api": "alsa", "device.bus": "usb"},
			properties: map[string]string{"device.api": "alsa", "device.bus": "pci"},
			want:       false,
		},
		{
			name:       "missing key",
			detect:     map[string]string{"device.api": "alsa", "device.bus": "usb"},
			properties: map[string]string{"device.api": "alsa"},
			want:       false,
		},
		{
			name:       "empty detect matches anything",
			detect:     map[string]string{},
			properties: map[string]string{"device.api": "alsa"},
			want:       true,
		},
		{
			name:       "empty detect matches empty properties",
			detect:     map[string]string{},
			properties: map[string]string{},
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := detectRule(uintPtr(1), tt.detect)
			got := ruleMatches(rule, tt.properties, InvalidIndex, map[string]uint32{}, "test")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleMatchesRemap(t *testing.T) {
	rule := remapRule(uintPtr(1), "master_device")
	recorded := map[string]uint32{"remap_rule": 42}

	// matching owner module
	assert.True(t, ruleMatches(rule, nil, 42, recorded, "remap_rule"))

	// non-matching owner module
	assert.False(t, ruleMatches(rule, nil, 43, recorded, "remap_rule"))

	// no owner module at all
	assert.False(t, ruleMatches(rule, nil, InvalidIndex, recorded, "remap_rule"))

	// nothing recorded for this rule name yet
	assert.False(t, ruleMatches(rule, nil, 42, map[string]uint32{}, "remap_rule"))

	// recorded under a different rule name
	assert.False(t, ruleMatches(rule, nil, 42, recorded, "other_rule"))
}

func TestBuildRemapArgsMasterOnly(t *testing.T) {
	args := buildRemapArgs(sinkKind, &RemapRule{Master: "m"}, 7)
	assert.Equal(t, "master=7", args)
}

func TestBuildRemapArgsAllFields(t *testing.T) {
	remap := &RemapRule{
		Master:     "m",
		DeviceName: "remapped",
		DeviceProperties: map[string]string{
			"device.description": "Bob's speakers",
			"device.class":       "sound",
		},
		Format:           "s16le",
		Rate:             48000,
		Channels:         2,
		ChannelMap:       "front-left,front-right",
		MasterChannelMap: "front-left,front-right",
		ResampleMethod:   "soxr-vhq",
		Remix:            boolPtr(false),
	}

	args := buildRemapArgs(sinkKind, remap, 3)

	assert.Equal(t,
		`master=3 sink_name=remapped `+
			`sink_properties="device.class='sound' device.description='Bob\'s speakers'" `+
			`format=s16le rate=48000 channels=2 `+
			`channel_map=front-left,front-right master_channel_map=front-left,front-right `+
			`resample_method=soxr-vhq remix=no`,
		args)
}

func TestBuildRemapArgsSourceNaming(t *testing.T) {
	remap := &RemapRule{Master: "m", DeviceName: "mic", Remix: boolPtr(true)}

	args := buildRemapArgs(sourceKind, remap, 9)
	assert.Equal(t, "master=9 source_name=mic remix=yes", args)
}
