// Package pulsewatch implements a daemon that reconciles the PulseAudio
// device graph against user-defined rules: it classifies sinks and sources as
// they appear, promotes the highest-priority match to the system default, and
// keeps remap devices alive exactly while their master device is present.
package pulsewatch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/WaveshapeLabs/pulsewatch/pkg/pulsewatch/util"
)

// Pulsewatch is the main entity managing all subcomponents
type Pulsewatch struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	configMan  *ConfigManager
	loop       *dispatcher
	server     AudioServer
	reconciler *Reconciler

	version string
	verbose bool
}

func NewPulsewatch(logger *zap.SugaredLogger, verbose bool, configPath string) (*Pulsewatch, error) {
	logger = logger.Named("pulsewatch")

	notifier, err := NewDesktopNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create desktop notifier", "error", err)
		return nil, fmt.Errorf("create new desktop notifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Pulsewatch{
		logger:    logger,
		notifier:  notifier,
		configMan: config,
		verbose:   verbose,
	}

	logger.Debug("Created pulsewatch instance")

	return d, nil
}

// SetVersion causes pulsewatch to log a version string if called before Initialize
func (d *Pulsewatch) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether pulsewatch is running in verbose mode
func (d *Pulsewatch) Verbose() bool {
	return d.verbose
}

// Initialize sets up components and runs the reconciliation loop until the
// daemon is asked to shut down and all remap modules have been unloaded.
func (d *Pulsewatch) Initialize() error {
	defer d.recoverFromPanic()

	d.logger.Debug("Initializing")

	if d.version != "" {
		d.logger.Infow("Version info", "version", d.version)
	}

	if err := util.CreateMutex("pulsewatch"); err != nil {
		d.logger.Errorw("Failed to acquire instance lock", "error", err)
		return fmt.Errorf("acquire instance lock: %w", err)
	}

	// load and validate the rules once; they are fixed for the process lifetime
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	d.loop = newDispatcher(d.logger)

	server, err := newPulseServer(d.logger, d.loop.post)
	if err != nil {
		d.logger.Errorw("Failed to connect to PulseAudio", "error", err)
		return fmt.Errorf("connect to PulseAudio: %w", err)
	}

	d.server = server
	d.reconciler = NewReconciler(d.logger, &d.configMan.current, server, d.loop.close)

	d.setupInterruptHandler()
	d.run()

	return nil
}

func (d *Pulsewatch) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.Shutdown()
	}()
}

// Shutdown asks the reconciler to drain; the run loop exits once every
// outstanding unload has completed.
func (d *Pulsewatch) Shutdown() {
	d.loop.post(d.reconciler.BeginShutdown)
}

func (d *Pulsewatch) run() {
	d.logger.Info("Run loop starting - monitoring audio device changes")

	go d.configMan.WatchConfigFileChanges()

	if err := d.server.Start(d.reconciler); err != nil {
		d.logger.Warnw("Failed to start audio server event delivery", "error", err)
	}

	// blocks until the shutdown drain closes the loop
	d.loop.run()
	d.logger.Debug("Loop terminated, stopping")

	d.stop()
}

func (d *Pulsewatch) stop() {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	if err := d.server.Close(); err != nil {
		d.logger.Warnw("Failed to close audio server connection", "error", err)
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()
}
