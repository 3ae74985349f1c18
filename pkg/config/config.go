package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v2"

	"github.com/telekom/csvaudit/pkg/csvfmt"
	"github.com/telekom/csvaudit/pkg/tamper"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "CSVAUDIT_CONFIG_PATH"

const defaultConfigPath = "./config.yaml"

type RateLimit struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

type Server struct {
	ListenAddress  string    `yaml:"listenAddress"`
	Debug          bool      `yaml:"debug"`
	TrustedProxies []string  `yaml:"trustedProxies"` // IPs/CIDRS to trust for X-Forwarded-For headers
	RateLimit      RateLimit `yaml:"rateLimit"`
}

// Formatting controls how log rows are encoded. Each character option must
// be a single character. EndOfLineSymbols also accepts the names LF, CRLF
// and CR.
type Formatting struct {
	QuoteChar        string `yaml:"quoteChar"`
	DelimiterChar    string `yaml:"delimiterChar"`
	EndOfLineSymbols string `yaml:"endOfLineSymbols"`
}

// Security enables tamper-evident logs.
type Security struct {
	Enabled bool `yaml:"enabled"`
	// Filename is the keystore holding the key material. It is generated on first use.
	Filename string `yaml:"filename"`
	Password string `yaml:"password"`
	// SignatureInterval is how often a signature row is injected, e.g. "1 minute" or "30s".
	SignatureInterval string `yaml:"signatureInterval"`
}

// Buffering is recognized for compatibility but has no effect: every row is
// flushed as soon as it is written.
type Buffering struct {
	Enabled       bool   `yaml:"enabled"`
	AutoFlush     bool   `yaml:"autoFlush"`
	MaxSize       int    `yaml:"maxSize"`
	WriteInterval string `yaml:"writeInterval"`
}

// Handler is the configuration of the flat-file audit handler.
type Handler struct {
	LogDirectory string     `yaml:"logDirectory"`
	Formatting   Formatting `yaml:"formatting"`
	Security     Security   `yaml:"security"`
	Buffering    Buffering  `yaml:"buffering"`
}

// Telemetry configures OpenTelemetry tracing of audit operations.
type Telemetry struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp (default), stdout or none.
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	// SamplingRate defaults to 1.0.
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Handler   Handler   `yaml:"handler"`
	Telemetry Telemetry `yaml:"telemetry"`
	// TopicsFile is the topic catalog with the schema of every audit topic.
	TopicsFile string `yaml:"topicsFile"`
}

// Defaults returns a configuration with every optional setting filled in.
func Defaults() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.RateLimit.RequestsPerSecond == 0 {
		c.Server.RateLimit.RequestsPerSecond = 50
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 100
	}
	if c.TopicsFile == "" {
		c.TopicsFile = "./topics.yaml"
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1.0
	}
	c.Handler.applyDefaults()
}

func (h *Handler) applyDefaults() {
	if h.LogDirectory == "" {
		h.LogDirectory = "./audit"
	}
	pref := csvfmt.DefaultPreference()
	if h.Formatting.QuoteChar == "" {
		h.Formatting.QuoteChar = string(pref.QuoteChar)
	}
	if h.Formatting.DelimiterChar == "" {
		h.Formatting.DelimiterChar = string(pref.DelimiterChar)
	}
	if h.Formatting.EndOfLineSymbols == "" {
		h.Formatting.EndOfLineSymbols = pref.EndOfLine
	}
}

// Preference converts the formatting options into codec preferences.
func (f Formatting) Preference() (csvfmt.Preference, error) {
	quote, err := singleRune("quoteChar", f.QuoteChar)
	if err != nil {
		return csvfmt.Preference{}, err
	}
	delimiter, err := singleRune("delimiterChar", f.DelimiterChar)
	if err != nil {
		return csvfmt.Preference{}, err
	}
	eol := f.EndOfLineSymbols
	switch strings.ToUpper(eol) {
	case "LF":
		eol = "\n"
	case "CRLF":
		eol = "\r\n"
	case "CR":
		eol = "\r"
	}
	pref := csvfmt.Preference{QuoteChar: quote, DelimiterChar: delimiter, EndOfLine: eol}
	if err := pref.Validate(); err != nil {
		return csvfmt.Preference{}, err
	}
	return pref, nil
}

func singleRune(name, value string) (rune, error) {
	if utf8.RuneCountInString(value) != 1 {
		return 0, fmt.Errorf("%s must be a single character, got %q", name, value)
	}
	r, _ := utf8.DecodeRuneInString(value)
	return r, nil
}

// Interval parses and validates the signature interval.
func (s Security) Interval() (time.Duration, error) {
	if s.SignatureInterval == "" {
		return 0, fmt.Errorf("signatureInterval is required when security is enabled")
	}
	d, err := tamper.ParseInterval(s.SignatureInterval)
	if err != nil {
		return 0, err
	}
	if err := tamper.ValidateSigningInterval(d); err != nil {
		return 0, fmt.Errorf("signatureInterval %q: %w", s.SignatureInterval, err)
	}
	return d, nil
}

// Validate checks the handler options that do not touch the filesystem.
func (h Handler) Validate() error {
	if strings.TrimSpace(h.LogDirectory) == "" {
		return fmt.Errorf("logDirectory is required")
	}
	if _, err := h.Formatting.Preference(); err != nil {
		return fmt.Errorf("formatting: %w", err)
	}
	if h.Security.Enabled {
		if h.Security.Filename == "" {
			return fmt.Errorf("security: filename is required when security is enabled")
		}
		if h.Security.Password == "" {
			return fmt.Errorf("security: password is required when security is enabled")
		}
		if _, err := h.Security.Interval(); err != nil {
			return fmt.Errorf("security: %w", err)
		}
	}
	return nil
}

// WithDefaults returns a copy of h with unset formatting and directory options filled in.
func (h Handler) WithDefaults() Handler {
	h.applyDefaults()
	return h
}

// Load loads the configuration from a file path.
// If configPath is empty, the CSVAUDIT_CONFIG_PATH environment variable is
// consulted and then "./config.yaml".
func Load(configPath ...string) (Config, error) {
	var path string
	if len(configPath) > 0 {
		path = configPath[0]
	}
	path = Path(path)

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open csvaudit config file %s: %w", path, err)
	}

	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.applyDefaults()
	return config, nil
}

// Path returns the config file Load would read for configPath.
func Path(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return defaultConfigPath
}
