package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay server
type Config struct {
	// Server configuration. The relay binds to loopback only; clients are
	// not authenticated beyond that.
	Port int    `envconfig:"PORT" default:"9222"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`

	// Directory holding the persisted page-mapping file. Empty means the
	// user config dir (os.UserConfigDir()/devbrowser).
	DataDir string `envconfig:"DATA_DIR" default:""`

	// Per-agent-session tab policy
	MaxTabsPerSession  int `envconfig:"MAX_TABS_PER_SESSION" default:"5"`
	WarnTabsPerSession int `envconfig:"WARN_TABS_PER_SESSION" default:"3"`

	// Relay <-> extension round-trip timeout
	ExtensionTimeout time.Duration `envconfig:"EXTENSION_TIMEOUT" default:"30s"`

	// How long POST /pages waits for the Target.attachedToTarget event
	// after Target.createTarget returns
	AttachEventWait time.Duration `envconfig:"ATTACH_EVENT_WAIT" default:"5s"`

	// Grace before a detached page name is dropped (cross-origin
	// navigations detach and reattach with a fresh CDP session id)
	DetachGrace time.Duration `envconfig:"DETACH_GRACE" default:"500ms"`

	// Delay between the extension connecting and the recovery pass
	RecoveryDelay time.Duration `envconfig:"RECOVERY_DELAY" default:"500ms"`

	// Persisted entries older than this are dropped on load
	PageMaxAge time.Duration `envconfig:"PAGE_MAX_AGE" default:"168h"`

	// Coalescing window for persistence writes
	SaveDebounce time.Duration `envconfig:"SAVE_DEBOUNCE" default:"1s"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.MaxTabsPerSession <= 0 {
		return fmt.Errorf("MAX_TABS_PER_SESSION must be greater than 0")
	}
	if config.WarnTabsPerSession < 0 || config.WarnTabsPerSession > config.MaxTabsPerSession {
		return fmt.Errorf("WARN_TABS_PER_SESSION must be between 0 and MAX_TABS_PER_SESSION")
	}
	if config.ExtensionTimeout <= 0 {
		return fmt.Errorf("EXTENSION_TIMEOUT must be greater than 0")
	}
	if config.AttachEventWait <= 0 {
		return fmt.Errorf("ATTACH_EVENT_WAIT must be greater than 0")
	}
	if config.PageMaxAge <= 0 {
		return fmt.Errorf("PAGE_MAX_AGE must be greater than 0")
	}
	return nil
}
