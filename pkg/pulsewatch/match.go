package pulsewatch

import (
	"fmt"
	"sort"
	"strings"
)

// ruleMatches decides whether a device satisfies a rule. It is a pure
// predicate with no side effects.
//
// Detect rules match when every expected property is present with an exactly
// equal value; an empty detect clause matches any device. Remap rules match
// only a device whose owner module equals the module recorded for that exact
// rule name, so a derived device can never be attributed to another rule and
// never matches before its creation has been confirmed.
func ruleMatches(rule *DeviceRule, properties map[string]string, ownerModule uint32,
	remapModules map[string]uint32, ruleName string) bool {
	if rule.IsRemap() {
		if ownerModule == InvalidIndex {
			return false
		}

		recorded, ok := remapModules[ruleName]

		return ok && recorded == ownerModule
	}

	for key, expected := range rule.Detect {
		actual, ok := properties[key]
		if !ok || actual != expected {
			return false
		}
	}

	return true
}

// buildRemapArgs assembles the module-remap-sink/-source argument string.
// Property keys are emitted in sorted order so the result is deterministic.
func buildRemapArgs(kind *deviceKind, remap *RemapRule, masterIndex uint32) string {
	args := []string{fmt.Sprintf("master=%d", masterIndex)}

	if remap.DeviceName != "" {
		args = append(args, fmt.Sprintf("%s_name=%s", kind.name, remap.DeviceName))
	}

	if len(remap.DeviceProperties) > 0 {
		keys := make([]string, 0, len(remap.DeviceProperties))
		for key := range remap.DeviceProperties {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		props := make([]string, 0, len(keys))
		for _, key := range keys {
			// single quotes inside values must be escaped
			escaped := strings.ReplaceAll(remap.DeviceProperties[key], "'", `\'`)
			props = append(props, fmt.Sprintf("%s='%s'", key, escaped))
		}

		args = append(args, fmt.Sprintf("%s_properties=\"%s\"", kind.name, strings.Join(props, " ")))
	}

	if remap.Format != "" {
		args = append(args, fmt.Sprintf("format=%s", remap.Format))
	}

	if remap.Rate != 0 {
		args = append(args, fmt.Sprintf("rate=%d", remap.Rate))
	}

	if remap.Channels != 0 {
		args = append(args, fmt.Sprintf("channels=%d", remap.Channels))
	}

	if remap.ChannelMap != "" {
		args = append(args, fmt.Sprintf("channel_map=%s", remap.ChannelMap))
	}

	if remap.MasterChannelMap != "" {
		args = append(args, fmt.Sprintf("master_channel_map=%s", remap.MasterChannelMap))
	}

	if remap.ResampleMethod != "" {
		args = append(args, fmt.Sprintf("resample_method=%s", remap.ResampleMethod))
	}

	if remap.Remix != nil {
		remix := "no"
		if *remap.Remix {
			remix = "yes"
		}

		args = append(args, fmt.Sprintf("remix=%s", remix))
	}

	return strings.Join(args, " ")
}
