package pulsewatch

import (
	"github.com/thoas/go-funk"
)

// audioDevice is one endpoint currently known to the registry.
type audioDevice struct {
	originalName string
	recognizedAs []string // rule names this device satisfies
}

// deviceGroup holds all per-kind reconciliation state: the devices found so
// far, the remap modules we own, and the default-selection state machine.
// It is only ever touched from the reconciliation loop.
type deviceGroup struct {
	foundDevices map[uint32]*audioDevice

	// remapModules maps a rule name to its loaded module index. A name is
	// present iff its derived device is believed to exist.
	remapModules map[string]uint32

	// remapLoading marks rules whose load operation is still in flight, so
	// rapid re-evaluations don't issue duplicate creations.
	remapLoading map[string]bool

	// Default-selection state: defaultPending means a set-default operation
	// is outstanding; defaultTarget tracks the current intent (updated
	// optimistically when a newer target supersedes the outstanding one).
	// The deferred slot holds at most the latest superseding target.
	defaultPending bool
	defaultTarget  uint32
	hasDeferred    bool
	deferredRule   string
	deferredIndex  uint32
}

func newDeviceGroup() *deviceGroup {
	return &deviceGroup{
		foundDevices: make(map[uint32]*audioDevice),
		remapModules: make(map[string]uint32),
		remapLoading: make(map[string]bool),
	}
}

// resetDefaultSelection clears the state machine back to idle.
func (g *deviceGroup) resetDefaultSelection() {
	g.defaultPending = false
	g.defaultTarget = InvalidIndex
	g.dropDeferred()
}

func (g *deviceGroup) dropDeferred() {
	g.hasDeferred = false
	g.deferredRule = ""
	g.deferredIndex = InvalidIndex
}

// hasMatch reports whether any known device is recognized as the given rule.
func (g *deviceGroup) hasMatch(ruleName string) bool {
	for _, device := range g.foundDevices {
		if funk.ContainsString(device.recognizedAs, ruleName) {
			return true
		}
	}

	return false
}

// indexByRule finds the device satisfying the given rule. When several
// devices qualify, the lowest index wins to keep the choice deterministic.
func (g *deviceGroup) indexByRule(ruleName string) (uint32, bool) {
	best := InvalidIndex
	found := false

	for index, device := range g.foundDevices {
		if !funk.ContainsString(device.recognizedAs, ruleName) {
			continue
		}

		if !found || index < best {
			best = index
			found = true
		}
	}

	return best, found
}

// findBestDefault picks the (rule, device) pair with the numerically smallest
// priority across all recognized devices. Rules without a priority are never
// eligible. Ties resolve deterministically to the lowest device index, then
// the lexicographically smallest rule name.
func (g *deviceGroup) findBestDefault(rules map[string]*DeviceRule) (string, uint32, bool) {
	var (
		bestRule     string
		bestIndex    uint32
		bestPriority uint32
		found        bool
	)

	for index, device := range g.foundDevices {
		for _, ruleName := range device.recognizedAs {
			rule, ok := rules[ruleName]
			if !ok || rule.Priority == nil {
				continue
			}

			priority := *rule.Priority

			better := !found ||
				priority < bestPriority ||
				(priority == bestPriority && index < bestIndex) ||
				(priority == bestPriority && index == bestIndex && ruleName < bestRule)

			if better {
				bestRule = ruleName
				bestIndex = index
				bestPriority = priority
				found = true
			}
		}
	}

	return bestRule, bestIndex, found
}
