package pulsewatch

// InvalidIndex marks the absence of a server-side index, matching the
// PulseAudio PA_INVALID_INDEX sentinel.
const InvalidIndex uint32 = 0xffffffff

// deviceKind describes one endpoint class (sink or source) so that the
// reconciliation logic can be written once and instantiated twice.
type deviceKind struct {
	name       string // lower case, e.g. "sink"
	title      string // camel case, e.g. "Sink"
	moduleName string // remap module, e.g. "module-remap-sink"
}

var (
	sinkKind   = &deviceKind{name: "sink", title: "Sink", moduleName: "module-remap-sink"}
	sourceKind = &deviceKind{name: "source", title: "Source", moduleName: "module-remap-source"}

	// deviceKinds fixes the iteration order across both endpoint classes.
	deviceKinds = []*deviceKind{sinkKind, sourceKind}
)

func (k *deviceKind) String() string {
	return k.name
}

// DeviceInfo is one endpoint record as reported by the audio server.
type DeviceInfo struct {
	Index       uint32
	Name        string
	Description string
	Properties  map[string]string

	// OwnerModule is the module that created the device, or InvalidIndex
	// when the device is not module-owned.
	OwnerModule uint32
}

// DeviceEventType enumerates subscription notifications for a device.
type DeviceEventType int

const (
	DeviceAdded DeviceEventType = iota
	DeviceRemoved
	DeviceChanged
)

func (t DeviceEventType) String() string {
	switch t {
	case DeviceAdded:
		return "new"
	case DeviceRemoved:
		return "removed"
	case DeviceChanged:
		return "changed"
	}

	return "unknown"
}

// EventHandler receives server notifications. The AudioServer implementation
// guarantees these are invoked on the reconciliation loop.
type EventHandler interface {
	OnSubscribed(ok bool)
	OnDeviceEvent(kind *deviceKind, event DeviceEventType, index uint32)
}

// AudioServer represents the audio-server collaborator. All operations are
// asynchronous: they return immediately and deliver their outcome through the
// provided callbacks, which are always invoked on the reconciliation loop.
// Callbacks issued after the loop has shut down are silently dropped.
type AudioServer interface {
	// Start subscribes to add/remove/change notifications for both device
	// kinds and begins delivering events to the handler.
	Start(handler EventHandler) error

	// QueryAll enumerates every device of a kind: each is invoked zero or
	// more times, then done exactly once.
	QueryAll(kind *deviceKind, each func(DeviceInfo), done func(ok bool))

	// QueryByIndex enumerates a single device. A device that vanished
	// between notification and query yields no each call and done(false).
	QueryByIndex(kind *deviceKind, index uint32, each func(DeviceInfo), done func(ok bool))

	// SetDefault makes the named device the kind's default.
	SetDefault(kind *deviceKind, name string, done func(ok bool))

	// LoadRemapModule loads the kind's remap module with the given argument
	// string, delivering the created module index on success.
	LoadRemapModule(kind *deviceKind, args string, done func(moduleIndex uint32, ok bool))

	// UnloadModule unloads a previously loaded module by index.
	UnloadModule(moduleIndex uint32, done func(ok bool))

	Close() error
}
