package pulsewatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/WaveshapeLabs/pulsewatch/pkg/pulsewatch/util"
)

// RemapRule describes a derived device realized through a remap module.
// Optional fields left at their zero value are omitted from the module
// argument string.
type RemapRule struct {
	Master string `mapstructure:"master"`

	DeviceName       string            `mapstructure:"device_name"`
	DeviceProperties map[string]string `mapstructure:"device_properties"`

	Format   string `mapstructure:"format"`
	Rate     uint32 `mapstructure:"rate"`
	Channels uint32 `mapstructure:"channels"`

	ChannelMap       string `mapstructure:"channel_map"`
	MasterChannelMap string `mapstructure:"master_channel_map"`

	ResampleMethod string `mapstructure:"resample_method"`
	Remix          *bool  `mapstructure:"remix"`
}

// DeviceRule is one named rule from the configuration. Exactly one of Detect
// and Remap is set. A nil Priority means the rule is never eligible to become
// the default device.
type DeviceRule struct {
	Priority *uint32 `mapstructure:"priority"`

	Detect map[string]string `mapstructure:"detect"`
	Remap  *RemapRule        `mapstructure:"remap"`
}

// IsRemap reports whether the rule describes a derived (remap) device.
func (r *DeviceRule) IsRemap() bool {
	return r.Remap != nil
}

type Config struct {
	Sinks   map[string]*DeviceRule `mapstructure:"sinks"`
	Sources map[string]*DeviceRule `mapstructure:"sources"`
}

// rulesFor selects the rule table for a device kind.
func (c *Config) rulesFor(kind *deviceKind) map[string]*DeviceRule {
	if kind == sourceKind {
		return c.Sources
	}

	return c.Sinks
}

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	userConfig *viper.Viper
	filepath   string
	explicit   bool // the path came from the command line

	current Config
}

const (
	defaultConfigFilepath = "config.yaml"
	configType            = "yaml"

	configKeySinks   = "sinks"
	configKeySources = "sources"
)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier, filepath string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if filepath == "" {
		filepath = defaultConfigFilepath
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		stopWatcherChannel: make(chan bool),
		filepath:           filepath,
		explicit:           filepath != defaultConfigFilepath,
	}

	// PulseAudio property keys contain dots (device.api, device.bus); a
	// non-default key delimiter keeps viper from splitting them
	userConfig := viper.NewWithOptions(viper.KeyDelimiter("::"))
	userConfig.SetConfigFile(filepath)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKeySinks, map[string]interface{}{})
	userConfig.SetDefault(configKeySources, map[string]interface{}{})

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.filepath)

	// a missing default config just means there are no rules to reconcile
	// against; an explicitly requested file has to exist
	if !util.FileExists(cc.filepath) {
		if cc.explicit {
			cc.logger.Errorw("Config file not found", "path", cc.filepath)
			cc.notifier.Notify("Can't find configuration!",
				fmt.Sprintf("%s doesn't exist. Please check the -config flag.", cc.filepath))

			return fmt.Errorf("config file doesn't exist: %s", cc.filepath)
		}

		cc.logger.Warnw("Config file not found, starting with an empty rule set", "path", cc.filepath)

		return nil
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.filepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check pulsewatch's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	if err := cc.current.Validate(); err != nil {
		cc.logger.Errorw("Config validation failed", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())

		return fmt.Errorf("validate config: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"sinkRules", len(cc.current.Sinks),
		"sourceRules", len(cc.current.Sources))

	return nil
}

// WatchConfigFileChanges starts watching for configuration file changes.
// Rule sets are fixed for the process lifetime, so a change only produces a
// restart hint instead of a live reload.
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.filepath)

	const minTimeBetweenChangeHints = time.Millisecond * 500

	lastHint := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastHint.Add(minTimeBetweenChangeHints).Before(now) {
				cc.logger.Infow("Config file modified, restart pulsewatch to apply the new rules", "event", event)
				cc.notifier.Notify("Configuration changed",
					"Device rules are applied on startup. Restart pulsewatch to use the new configuration.")

				lastHint = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

// Validate statically checks the rule tables before the daemon runs: every
// rule must carry exactly one match clause, and remap master chains must be
// acyclic within each device kind.
func (c *Config) Validate() error {
	if err := validateRules(c.Sinks, "sinks"); err != nil {
		return err
	}

	return validateRules(c.Sources, "sources")
}

func validateRules(rules map[string]*DeviceRule, kindPlural string) error {
	for name, rule := range rules {
		if rule == nil || (rule.Detect == nil && rule.Remap == nil) {
			return fmt.Errorf("rule '%s' in %s needs either a detect or a remap clause", name, kindPlural)
		}

		if rule.Detect != nil && rule.Remap != nil {
			return fmt.Errorf("rule '%s' in %s has both a detect and a remap clause", name, kindPlural)
		}

		if rule.IsRemap() && rule.Remap.Master == "" {
			return fmt.Errorf("remap rule '%s' in %s is missing a master", name, kindPlural)
		}
	}

	return validateRemapReferences(rules, kindPlural)
}

// validateRemapReferences walks every remap rule's master chain and rejects
// cycles, reporting the full loop in traversal order. Referencing a name
// absent from the table is legal: such a rule is simply never satisfiable.
func validateRemapReferences(rules map[string]*DeviceRule, kindPlural string) error {
	for name, rule := range rules {
		if !rule.IsRemap() {
			continue
		}

		visited := map[string]bool{}
		current := name
		path := []string{current}

		for {
			if visited[current] {
				cycleStart := 0
				for i, n := range path {
					if n == current {
						cycleStart = i
						break
					}
				}

				return fmt.Errorf("circular remap reference in %s: %s",
					kindPlural, strings.Join(path[cycleStart:], " -> "))
			}
			visited[current] = true

			next, ok := rules[current]
			if !ok {
				break // referenced rule doesn't exist, not a cycle
			}

			if !next.IsRemap() {
				break // end of chain
			}

			current = next.Remap.Master
			path = append(path, current)
		}
	}

	return nil
}
