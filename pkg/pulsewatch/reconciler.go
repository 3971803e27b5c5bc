package pulsewatch

import (
	"sort"

	"go.uber.org/zap"
)

// Reconciler owns the device registry and drives the audio server toward the
// configured state: the best-matching device becomes the default, and remap
// devices exist exactly while their master rule is satisfied. All methods run
// on the reconciliation loop; server completions re-enter through callbacks
// the transport posts back onto that loop.
type Reconciler struct {
	logger *zap.SugaredLogger
	config *Config
	server AudioServer

	groups map[*deviceKind]*deviceGroup

	shuttingDown   bool
	pendingUnloads int

	// onDrained is invoked once shutdown has been requested and every
	// outstanding unload has completed (successfully or not).
	onDrained func()
}

func NewReconciler(logger *zap.SugaredLogger, config *Config, server AudioServer, onDrained func()) *Reconciler {
	groups := make(map[*deviceKind]*deviceGroup, len(deviceKinds))
	for _, kind := range deviceKinds {
		groups[kind] = newDeviceGroup()
	}

	return &Reconciler{
		logger:    logger.Named("reconciler"),
		config:    config,
		server:    server,
		groups:    groups,
		onDrained: onDrained,
	}
}

func (r *Reconciler) group(kind *deviceKind) *deviceGroup {
	return r.groups[kind]
}

// OnSubscribed implements EventHandler. A successful subscription triggers a
// full enumeration of both device kinds.
func (r *Reconciler) OnSubscribed(ok bool) {
	if !ok {
		r.logger.Error("Failed to subscribe to PulseAudio events")
		return
	}

	r.logger.Info("Successfully subscribed to PulseAudio events")

	for _, kind := range deviceKinds {
		r.queryAll(kind)
	}
}

// OnDeviceEvent implements EventHandler.
func (r *Reconciler) OnDeviceEvent(kind *deviceKind, event DeviceEventType, index uint32) {
	r.logger.Debugw("Got device notification", "kind", kind.name, "event", event.String(), "index", index)

	switch event {
	case DeviceAdded, DeviceChanged:
		// a changed device is re-queried and replaced wholesale
		r.queryByIndex(kind, index)
	case DeviceRemoved:
		r.removeDevice(kind, index)
		r.evaluate(kind)
	}
}

func (r *Reconciler) queryAll(kind *deviceKind) {
	shouldUpdate := false

	r.server.QueryAll(kind,
		func(info DeviceInfo) {
			if r.addDevice(kind, info) > 0 {
				shouldUpdate = true
			}
		},
		func(ok bool) {
			if !ok {
				r.logger.Errorw("Error enumerating devices", "kind", kind.name)
				return
			}

			r.logger.Debugw("Finished enumerating devices", "kind", kind.name)

			if shouldUpdate {
				r.evaluate(kind)
			}
		})
}

func (r *Reconciler) queryByIndex(kind *deviceKind, index uint32) {
	shouldUpdate := false

	r.server.QueryByIndex(kind, index,
		func(info DeviceInfo) {
			if r.addDevice(kind, info) > 0 {
				shouldUpdate = true
			}
		},
		func(ok bool) {
			if !ok {
				r.logger.Errorw("Error querying device", "kind", kind.name, "index", index)
				return
			}

			if shouldUpdate {
				r.evaluate(kind)
			}
		})
}

// addDevice records a device, replacing any prior record at the same index,
// and classifies it against every rule of its kind. Returns the number of
// rules the device satisfies.
func (r *Reconciler) addDevice(kind *deviceKind, info DeviceInfo) int {
	group := r.group(kind)
	rules := r.config.rulesFor(kind)

	device := &audioDevice{originalName: info.Name}

	r.logger.Infow("Found device",
		"kind", kind.name,
		"index", info.Index,
		"name", info.Name,
		"description", info.Description)

	for _, ruleName := range sortedRuleNames(rules) {
		if ruleMatches(rules[ruleName], info.Properties, info.OwnerModule, group.remapModules, ruleName) {
			r.logger.Infow("Device recognized",
				"kind", kind.title,
				"index", info.Index,
				"rule", ruleName)
			device.recognizedAs = append(device.recognizedAs, ruleName)
		}
	}

	group.foundDevices[info.Index] = device

	return len(device.recognizedAs)
}

func (r *Reconciler) removeDevice(kind *deviceKind, index uint32) {
	group := r.group(kind)

	if _, ok := group.foundDevices[index]; ok {
		delete(group.foundDevices, index)
		r.logger.Infow("Lost device", "kind", kind.name, "index", index)
	}
}

// evaluate is one re-evaluation pass: recompute the default-selection intent,
// then reconcile the remap set (load and unload passes).
func (r *Reconciler) evaluate(kind *deviceKind) {
	r.updateDefaultDevice(kind)
	r.syncRemaps(kind)
}

// updateDefaultDevice drives the default-selection state machine. At most one
// set-default operation is outstanding per kind; a newer target arriving in
// the meantime lands in the deferred slot, which holds only the latest
// intent. With no eligible candidate the state resets to idle and nothing is
// pushed to the server.
func (r *Reconciler) updateDefaultDevice(kind *deviceKind) {
	group := r.group(kind)

	ruleName, deviceIndex, ok := group.findBestDefault(r.config.rulesFor(kind))
	if !ok {
		group.resetDefaultSelection()
		return
	}

	r.logger.Infow("Using device as default", "kind", kind.name, "rule", ruleName)

	if group.defaultPending {
		r.logger.Debugw("Default is being changed, deferring", "kind", kind.name, "index", deviceIndex)

		// the outstanding operation still targets the old device; record the
		// new intent optimistically and coalesce into the deferred slot
		group.defaultTarget = deviceIndex
		group.hasDeferred = true
		group.deferredRule = ruleName
		group.deferredIndex = deviceIndex

		return
	}

	device, present := group.foundDevices[deviceIndex]
	if !present {
		return
	}

	r.logger.Debugw("Setting default device", "kind", kind.name, "index", deviceIndex)

	group.defaultPending = true
	group.defaultTarget = deviceIndex

	r.server.SetDefault(kind, device.originalName, func(success bool) {
		r.handleSetDefaultResult(kind, deviceIndex, success)
	})
}

func (r *Reconciler) handleSetDefaultResult(kind *deviceKind, deviceIndex uint32, success bool) {
	group := r.group(kind)

	if !success {
		r.logger.Errorw("Failed to set default device", "kind", kind.name, "index", deviceIndex)
		group.dropDeferred()
		group.defaultPending = false

		return
	}

	r.logger.Infow("Successfully set default device", "kind", kind.name, "index", deviceIndex)

	if !group.hasDeferred {
		group.defaultPending = false
		return
	}

	// target changed during execution, retry with the latest intent
	nextIndex := group.deferredIndex
	group.dropDeferred()

	device, present := group.foundDevices[nextIndex]
	if !present {
		group.defaultPending = false
		return
	}

	r.logger.Debugw("Setting default device", "kind", kind.name, "index", nextIndex)

	group.defaultTarget = nextIndex

	r.server.SetDefault(kind, device.originalName, func(ok bool) {
		r.handleSetDefaultResult(kind, nextIndex, ok)
	})
}

// syncRemaps reconciles the set of remap modules against the rule table:
// missing devices whose master is satisfied are created, and recorded devices
// whose rule or master vanished are destroyed. Loading is suppressed during
// shutdown; unloading is not.
func (r *Reconciler) syncRemaps(kind *deviceKind) {
	if r.shuttingDown {
		r.logger.Debug("Skipping remap loading during shutdown")
	} else {
		r.loadMissingRemaps(kind)
	}

	r.unloadStaleRemaps(kind)
}

func (r *Reconciler) loadMissingRemaps(kind *deviceKind) {
	group := r.group(kind)
	rules := r.config.rulesFor(kind)

	for _, ruleName := range sortedRuleNames(rules) {
		rule := rules[ruleName]
		if !rule.IsRemap() {
			continue
		}

		if _, loaded := group.remapModules[ruleName]; loaded {
			continue
		}

		// a load already in flight makes this pass idempotent under rapid
		// re-evaluations
		if group.remapLoading[ruleName] {
			continue
		}

		if !group.hasMatch(rule.Remap.Master) {
			continue
		}

		masterIndex, ok := group.indexByRule(rule.Remap.Master)
		if !ok {
			continue
		}

		r.loadRemapModule(kind, ruleName, rule.Remap, masterIndex)
	}
}

func (r *Reconciler) loadRemapModule(kind *deviceKind, ruleName string, remap *RemapRule, masterIndex uint32) {
	group := r.group(kind)
	args := buildRemapArgs(kind, remap, masterIndex)

	r.logger.Infow("Loading remap module",
		"kind", kind.name,
		"rule", ruleName,
		"masterIndex", masterIndex)

	group.remapLoading[ruleName] = true

	r.server.LoadRemapModule(kind, args, func(moduleIndex uint32, ok bool) {
		delete(group.remapLoading, ruleName)

		if !ok {
			// eligible to retry on the next re-evaluation that still wants it
			r.logger.Errorw("Failed to load remap module", "kind", kind.name, "rule", ruleName)
			return
		}

		group.remapModules[ruleName] = moduleIndex

		r.logger.Infow("Successfully loaded remap module",
			"kind", kind.name,
			"moduleIndex", moduleIndex,
			"rule", ruleName)
	})
}

func (r *Reconciler) unloadStaleRemaps(kind *deviceKind) {
	group := r.group(kind)
	rules := r.config.rulesFor(kind)

	var stale []string

	for ruleName := range group.remapModules {
		rule, exists := rules[ruleName]

		shouldUnload := !exists || // rule removed from config
			!rule.IsRemap() || // rule no longer describes a remap device
			!group.hasMatch(rule.Remap.Master) // master has no matching device

		if shouldUnload {
			stale = append(stale, ruleName)
		}
	}

	sort.Strings(stale)

	for _, ruleName := range stale {
		r.unloadRemapModule(kind, ruleName)
	}
}

func (r *Reconciler) unloadRemapModule(kind *deviceKind, ruleName string) {
	group := r.group(kind)

	moduleIndex, ok := group.remapModules[ruleName]
	if !ok {
		return
	}

	r.logger.Infow("Unloading remap module",
		"kind", kind.name,
		"moduleIndex", moduleIndex,
		"rule", ruleName)

	r.server.UnloadModule(moduleIndex, func(success bool) {
		if !success {
			// keep the stale entry; a later unload pass retries it
			r.logger.Errorw("Failed to unload remap module",
				"kind", kind.name,
				"moduleIndex", moduleIndex,
				"rule", ruleName)

			return
		}

		delete(group.remapModules, ruleName)

		r.logger.Infow("Successfully unloaded remap module",
			"kind", kind.name,
			"moduleIndex", moduleIndex,
			"rule", ruleName)
	})
}

// BeginShutdown suppresses further remap loading and destroys every tracked
// remap module, counting outstanding unloads. onDrained fires once every
// completion has arrived; failed unloads still count down so shutdown can
// never hang.
func (r *Reconciler) BeginShutdown() {
	if r.shuttingDown {
		return
	}

	r.shuttingDown = true
	r.logger.Info("Cleaning up remap modules on shutdown")

	total := 0
	for _, kind := range deviceKinds {
		total += r.cleanupRemapModules(kind)
	}

	if total == 0 {
		r.logger.Info("No remap modules to clean up")
		r.drained()

		return
	}

	r.logger.Infow("Waiting for remap modules to unload", "count", total)
}

func (r *Reconciler) cleanupRemapModules(kind *deviceKind) int {
	group := r.group(kind)

	names := make([]string, 0, len(group.remapModules))
	for ruleName := range group.remapModules {
		names = append(names, ruleName)
	}
	sort.Strings(names)

	for _, ruleName := range names {
		moduleIndex := group.remapModules[ruleName]

		r.logger.Infow("Unloading remap module",
			"kind", kind.name,
			"moduleIndex", moduleIndex,
			"rule", ruleName)

		r.pendingUnloads++

		kindName := kind.name
		name := ruleName
		r.server.UnloadModule(moduleIndex, func(success bool) {
			if success {
				r.logger.Debugw("Successfully unloaded remap module", "kind", kindName, "rule", name)
			} else {
				r.logger.Errorw("Failed to unload remap module", "kind", kindName, "rule", name)
			}

			// decremented unconditionally so a failed unload can't wedge
			// the shutdown drain
			r.pendingUnloads--

			if r.pendingUnloads == 0 && r.shuttingDown {
				r.logger.Debug("All remap modules unloaded")
				r.drained()
			}
		})
	}

	return len(names)
}

// HasPendingUnloads reports whether any shutdown unload is still in flight.
func (r *Reconciler) HasPendingUnloads() bool {
	return r.pendingUnloads > 0
}

func (r *Reconciler) drained() {
	if r.onDrained != nil {
		r.onDrained()
	}
}

func sortedRuleNames(rules map[string]*DeviceRule) []string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
