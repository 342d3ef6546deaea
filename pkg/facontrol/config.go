package facontrol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Settings is an immutable snapshot of the configuration, taken once per operation
type Settings struct {
	ClientName string
	Server     string

	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	EnumerateTimeout time.Duration

	MasterControl string

	Serve struct {
		Address      string
		PollInterval time.Duration
	}
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the optional configuration file
type CanonicalConfig struct {
	logger *zap.SugaredLogger

	lock     sync.RWMutex
	settings Settings

	stopWatcherChannel chan bool
	reloadConsumers    []chan bool

	userConfig *viper.Viper
}

const (
	userConfigName = "facontrol"
	userConfigPath = "."

	configType = "yaml"

	envPrefix = "FACONTROL"

	configKey_ClientName       = "client_name"
	configKey_Server           = "server"
	configKey_ConnectTimeout   = "connect_timeout"
	configKey_RequestTimeout   = "request_timeout"
	configKey_EnumerateTimeout = "enumerate_timeout"
	configKey_MasterControl    = "master_control"
	configKey_ServeAddress     = "serve.address"
	configKey_ServePoll        = "serve.poll_interval"

	default_ClientName       = "fa-control"
	default_ConnectTimeout   = time.Second
	default_RequestTimeout   = 750 * time.Millisecond
	default_EnumerateTimeout = 2 * time.Second
	default_ServeAddress     = "127.0.0.1:7373"
	default_ServePoll        = time.Second
)

const (
	// MasterControlDevice drives the default output device's endpoint volume
	MasterControlDevice = "device"

	// MasterControlSessions derives master state from the active sessions and applies changes to all of them
	MasterControlSessions = "sessions"

	// MasterControlDisabled forces per-application control; master operations fail as unavailable
	MasterControlDisabled = "disabled"
)

var masterControlModes = []string{MasterControlDevice, MasterControlSessions, MasterControlDisabled}

// NewConfig creates a config instance and sets up the viper instance backing it.
// An empty filepath searches for facontrol.yaml in the working directory
func NewConfig(logger *zap.SugaredLogger, filepath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	if filepath != "" {
		userConfig.SetConfigFile(filepath)
	} else {
		userConfig.SetConfigName(userConfigName)
		userConfig.AddConfigPath(userConfigPath)
	}
	userConfig.SetConfigType(configType)

	userConfig.SetEnvPrefix(envPrefix)
	userConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	userConfig.AutomaticEnv()

	userConfig.SetDefault(configKey_ClientName, default_ClientName)
	userConfig.SetDefault(configKey_Server, "")
	userConfig.SetDefault(configKey_ConnectTimeout, default_ConnectTimeout)
	userConfig.SetDefault(configKey_RequestTimeout, default_RequestTimeout)
	userConfig.SetDefault(configKey_EnumerateTimeout, default_EnumerateTimeout)
	userConfig.SetDefault(configKey_MasterControl, MasterControlDevice)
	userConfig.SetDefault(configKey_ServeAddress, default_ServeAddress)
	userConfig.SetDefault(configKey_ServePoll, default_ServePoll)

	cc.userConfig = userConfig

	// usable before Load, e.g. when no config file exists at all
	if err := cc.populateFromViper(); err != nil {
		return nil, fmt.Errorf("populate default config: %w", err)
	}

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads the config file from disk, if there is one, and validates it. A missing file isn't an error
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debug("Loading config")

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			return fmt.Errorf("read user config: %w", err)
		}

		cc.logger.Debugw("No config file found, using defaults", "reminder", "this is fine")
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Infow("Loaded config successfully", "path", cc.userConfig.ConfigFileUsed())
	cc.logger.Debugw("Config values",
		"clientName", current.ClientName,
		"server", current.Server,
		"connectTimeout", current.ConnectTimeout,
		"requestTimeout", current.RequestTimeout,
		"enumerateTimeout", current.EnumerateTimeout,
		"masterControl", current.MasterControl,
		"serveAddress", current.Serve.Address,
		"servePollInterval", current.Serve.PollInterval,
	)

	return nil
}

// Current returns a snapshot of the currently loaded settings
func (cc *CanonicalConfig) Current() Settings {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.settings
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.lock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.lock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	if cc.userConfig.ConfigFileUsed() == "" {
		cc.logger.Debug("No config file in use, not watching for changes")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.userConfig.ConfigFileUsed())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()

		// many editors will write to a file twice
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true

	cc.lock.Lock()
	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.lock.Unlock()

	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromViper() error {
	var settings Settings

	settings.ClientName = cc.userConfig.GetString(configKey_ClientName)
	settings.Server = cc.userConfig.GetString(configKey_Server)
	settings.ConnectTimeout = cc.userConfig.GetDuration(configKey_ConnectTimeout)
	settings.RequestTimeout = cc.userConfig.GetDuration(configKey_RequestTimeout)
	settings.EnumerateTimeout = cc.userConfig.GetDuration(configKey_EnumerateTimeout)
	settings.MasterControl = strings.ToLower(strings.TrimSpace(cc.userConfig.GetString(configKey_MasterControl)))
	settings.Serve.Address = cc.userConfig.GetString(configKey_ServeAddress)
	settings.Serve.PollInterval = cc.userConfig.GetDuration(configKey_ServePoll)

	if err := settings.validate(); err != nil {
		return err
	}

	cc.lock.Lock()
	cc.settings = settings
	cc.lock.Unlock()

	return nil
}

func (s Settings) validate() error {
	if !funk.ContainsString(masterControlModes, s.MasterControl) {
		return fmt.Errorf("invalid %s %q, expected one of %v", configKey_MasterControl, s.MasterControl, masterControlModes)
	}

	timeouts := map[string]time.Duration{
		configKey_ConnectTimeout:   s.ConnectTimeout,
		configKey_RequestTimeout:   s.RequestTimeout,
		configKey_EnumerateTimeout: s.EnumerateTimeout,
		configKey_ServePoll:        s.Serve.PollInterval,
	}

	for key, value := range timeouts {
		if value <= 0 {
			return fmt.Errorf("invalid %s %s, must be positive", key, value)
		}
	}

	if s.ClientName == "" {
		return fmt.Errorf("%s must not be empty", configKey_ClientName)
	}

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.lock.RLock()
	defer cc.lock.RUnlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload notification is already pending
		}
	}
}
