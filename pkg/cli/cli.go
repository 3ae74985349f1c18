package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/config"
)

// DefaultReloadDebounce coalesces bursts of file events into one reload.
const DefaultReloadDebounce = 500 * time.Millisecond

type Config struct {
	// Application flags
	Debug bool

	// ConfigPath is the handler configuration file; empty defers to
	// config.Path. It is set from the persistent --config flag of the root
	// command.
	ConfigPath string
	// TopicsPath overrides topicsFile of the configuration.
	TopicsPath string
	// ListenAddress overrides server.listenAddress of the configuration.
	ListenAddress string

	// Reload flags
	Watch          bool
	ReloadDebounce string
}

// BindFlags registers the serve flags on fs. Defaults come from CSVAUDIT_*
// environment variables when set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.Debug, "debug", getEnvBool("CSVAUDIT_DEBUG", false), "Enable debug level logging")
	fs.StringVar(&c.TopicsPath, "topics", getEnvString("CSVAUDIT_TOPICS_PATH", ""),
		"Path to the topic catalog; overrides topicsFile of the configuration")
	fs.StringVar(&c.ListenAddress, "listen-address", getEnvString("CSVAUDIT_LISTEN_ADDRESS", ""),
		"The address the HTTP API binds to; overrides server.listenAddress of the configuration")
	fs.BoolVar(&c.Watch, "watch", getEnvBool("CSVAUDIT_WATCH", true),
		"Reconfigure the handler when the configuration or topic catalog changes")
	fs.StringVar(&c.ReloadDebounce, "reload-debounce", getEnvString("CSVAUDIT_RELOAD_DEBOUNCE", DefaultReloadDebounce.String()),
		"Quiet period after a file change before reloading (e.g., '500ms', '2s')")
}

func (c *Config) Print(log *zap.SugaredLogger) {
	log.Infow("CLI Configuration",
		"debug", c.Debug,
		"config_path", config.Path(c.ConfigPath),
		"topics_path", c.TopicsPath,
		"listen_address", c.ListenAddress,
		"watch", c.Watch,
		"reload_debounce", c.ReloadDebounce,
	)
}

// Apply overlays the flag overrides onto cfg.
func (c *Config) Apply(cfg *config.Config) {
	if c.TopicsPath != "" {
		cfg.TopicsFile = c.TopicsPath
	}
	if c.ListenAddress != "" {
		cfg.Server.ListenAddress = c.ListenAddress
	}
	if c.Debug {
		cfg.Server.Debug = true
	}
}

func ParseReloadDebounce(interval string, log *zap.SugaredLogger) time.Duration {
	debounce, err := parseDuration("reload-debounce", interval, DefaultReloadDebounce)
	if err != nil {
		log.Warn(err)
	}
	return debounce
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	duration := def
	if value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			duration = d
		} else {
			if err == nil {
				err = fmt.Errorf("must not be negative")
			}
			return def, fmt.Errorf("invalid %s %q; using default %s: %w", name, value, def.String(), err)
		}
	}

	return duration, nil
}

// getEnvString returns the value of an environment variable, or the provided default if not set.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvBool returns the value of an environment variable as a bool, or the provided default if not set.
// Valid true values are "true", "1", "yes" (case-insensitive).
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}
