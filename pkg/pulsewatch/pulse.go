package pulsewatch

import (
	"fmt"
	"net"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// paServer is the PulseAudio-backed AudioServer. Requests on the native
// protocol block, so each operation runs on its own goroutine and posts its
// completion back onto the reconciliation loop. Posts after the loop shuts
// down are dropped, so stale completions never touch torn-down state.
type paServer struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	post func(func()) bool

	handler EventHandler
}

func newPulseServer(logger *zap.SugaredLogger, post func(func()) bool) (AudioServer, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("pulsewatch"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set client name: %w", err)
	}

	s := &paServer{
		logger: logger.Named("pulse"),
		client: client,
		conn:   conn,
		post:   post,
	}

	s.logger.Debug("Connected to PulseAudio server")

	return s, nil
}

func (s *paServer) Start(handler EventHandler) error {
	s.handler = handler

	s.client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			s.handleSubscribeEvent(msg)
		}
	}

	// subscribe to sink and source add/remove/change notifications
	go func() {
		err := s.client.Request(&proto.Subscribe{
			Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskSource,
		}, nil)
		if err != nil {
			s.logger.Warnw("Failed to subscribe to PulseAudio events", "error", err)
		}

		s.post(func() { s.handler.OnSubscribed(err == nil) })
	}()

	return nil
}

func (s *paServer) handleSubscribeEvent(msg *proto.SubscribeEvent) {
	var kind *deviceKind

	switch msg.Event & proto.EventFacilityMask {
	case proto.EventSink:
		kind = sinkKind
	case proto.EventSource:
		kind = sourceKind
	default:
		return
	}

	var event DeviceEventType

	switch msg.Event.GetType() {
	case proto.EventNew:
		event = DeviceAdded
	case proto.EventRemove:
		event = DeviceRemoved
	case proto.EventChange:
		event = DeviceChanged
	default:
		return
	}

	index := msg.Index

	s.post(func() { s.handler.OnDeviceEvent(kind, event, index) })
}

func (s *paServer) QueryAll(kind *deviceKind, each func(DeviceInfo), done func(ok bool)) {
	go func() {
		infos, err := s.listDevices(kind)
		if err != nil {
			s.logger.Warnw("Failed to list devices", "kind", kind.name, "error", err)
		}

		s.post(func() {
			for _, info := range infos {
				each(info)
			}

			done(err == nil)
		})
	}()
}

func (s *paServer) QueryByIndex(kind *deviceKind, index uint32, each func(DeviceInfo), done func(ok bool)) {
	go func() {
		info, err := s.getDevice(kind, index)
		if err != nil {
			s.logger.Warnw("Failed to query device", "kind", kind.name, "index", index, "error", err)
		}

		s.post(func() {
			if err != nil {
				done(false)
				return
			}

			each(info)
			done(true)
		})
	}()
}

func (s *paServer) SetDefault(kind *deviceKind, name string, done func(ok bool)) {
	go func() {
		var err error

		if kind == sourceKind {
			err = s.client.Request(&proto.SetDefaultSource{SourceName: name}, nil)
		} else {
			err = s.client.Request(&proto.SetDefaultSink{SinkName: name}, nil)
		}

		if err != nil {
			s.logger.Warnw("Failed to set default device", "kind", kind.name, "name", name, "error", err)
		}

		s.post(func() { done(err == nil) })
	}()
}

func (s *paServer) LoadRemapModule(kind *deviceKind, args string, done func(moduleIndex uint32, ok bool)) {
	go func() {
		request := proto.LoadModule{
			Name: kind.moduleName,
			Args: args,
		}
		reply := proto.LoadModuleReply{}

		err := s.client.Request(&request, &reply)
		if err != nil {
			s.logger.Warnw("Failed to load module",
				"module", kind.moduleName,
				"args", args,
				"error", err)
		}

		moduleIndex := reply.ModuleIndex

		s.post(func() { done(moduleIndex, err == nil) })
	}()
}

func (s *paServer) UnloadModule(moduleIndex uint32, done func(ok bool)) {
	go func() {
		err := s.client.Request(&proto.UnloadModule{ModuleIndex: moduleIndex}, nil)
		if err != nil {
			s.logger.Warnw("Failed to unload module", "moduleIndex", moduleIndex, "error", err)
		}

		s.post(func() { done(err == nil) })
	}()
}

func (s *paServer) Close() error {
	if err := s.conn.Close(); err != nil {
		s.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	s.logger.Debug("Closed PulseAudio connection")

	return nil
}

func (s *paServer) listDevices(kind *deviceKind) ([]DeviceInfo, error) {
	if kind == sourceKind {
		request := proto.GetSourceInfoList{}
		reply := proto.GetSourceInfoListReply{}

		if err := s.client.Request(&request, &reply); err != nil {
			return nil, fmt.Errorf("get source info list: %w", err)
		}

		infos := make([]DeviceInfo, 0, len(reply))
		for _, info := range reply {
			infos = append(infos, sourceDeviceInfo(info))
		}

		return infos, nil
	}

	request := proto.GetSinkInfoList{}
	reply := proto.GetSinkInfoListReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		return nil, fmt.Errorf("get sink info list: %w", err)
	}

	infos := make([]DeviceInfo, 0, len(reply))
	for _, info := range reply {
		infos = append(infos, sinkDeviceInfo(info))
	}

	return infos, nil
}

func (s *paServer) getDevice(kind *deviceKind, index uint32) (DeviceInfo, error) {
	if kind == sourceKind {
		request := proto.GetSourceInfo{SourceIndex: index}
		reply := proto.GetSourceInfoReply{}

		if err := s.client.Request(&request, &reply); err != nil {
			return DeviceInfo{}, fmt.Errorf("get source info: %w", err)
		}

		return sourceDeviceInfo(&reply), nil
	}

	request := proto.GetSinkInfo{SinkIndex: index}
	reply := proto.GetSinkInfoReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		return DeviceInfo{}, fmt.Errorf("get sink info: %w", err)
	}

	return sinkDeviceInfo(&reply), nil
}

const descriptionProperty = "device.description"

func sinkDeviceInfo(info *proto.GetSinkInfoReply) DeviceInfo {
	properties := propListToMap(info.Properties)

	return DeviceInfo{
		Index:       info.SinkIndex,
		Name:        info.SinkName,
		Description: properties[descriptionProperty],
		Properties:  properties,
		OwnerModule: info.ModuleIndex,
	}
}

func sourceDeviceInfo(info *proto.GetSourceInfoReply) DeviceInfo {
	properties := propListToMap(info.Properties)

	return DeviceInfo{
		Index:       info.SourceIndex,
		Name:        info.SourceName,
		Description: properties[descriptionProperty],
		Properties:  properties,
		OwnerModule: info.ModuleIndex,
	}
}

func propListToMap(props proto.PropList) map[string]string {
	m := make(map[string]string, len(props))
	for key, value := range props {
		m[key] = value.String()
	}

	return m
}
