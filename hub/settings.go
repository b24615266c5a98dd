package hub

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed settings.schema.json
var configSchemaJson []byte

type BackpressureConfig struct {
	Enter                 ByteCount     `yaml:"enter"`
	Exit                  ByteCount     `yaml:"exit"`
	MaxBufferSize         ByteCount     `yaml:"maxBufferSize"`
	MaxBufferCheckTime    time.Duration `yaml:"maxBufferCheckTime"`
	OverflowCheckInterval time.Duration `yaml:"overflowCheckInterval"`
}

type SecurityConfig struct {
	// none or token
	Strategy           string         `yaml:"strategy"`
	Secret             string         `yaml:"secret"`
	TokenTTL           time.Duration  `yaml:"tokenTTL"`
	AllowReadonly      bool           `yaml:"allowReadonly"`
	AutoApproveDevices bool           `yaml:"autoApproveDevices"`
	DevicePermissions  Permission     `yaml:"devicePermissions"`
	Users              []UserSettings `yaml:"users"`
}

type HistoryConfig struct {
	// none, memory, file or postgres
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
	Dsn      string `yaml:"dsn"`
	// record live deltas into the provider
	Record bool `yaml:"record"`
}

// the server configuration file, `deltahub.yml`
type Config struct {
	Name              string                      `yaml:"name"`
	SelfContext       string                      `yaml:"self"`
	Listen            string                      `yaml:"listen"`
	MetadataFile      string                      `yaml:"metadataFile"`
	PingInterval      time.Duration               `yaml:"pingInterval"`
	PutTimeout        time.Duration               `yaml:"putTimeout"`
	CompletedTtl      time.Duration               `yaml:"completedRequestTtl"`
	MetaTtl           time.Duration               `yaml:"metaTtl"`
	Backpressure      BackpressureConfig          `yaml:"backpressure"`
	Security          SecurityConfig              `yaml:"security"`
	History           HistoryConfig               `yaml:"history"`
	SourcePriorities  map[string][]SourcePriority `yaml:"sourcePriorities"`
}

func DefaultConfig() *Config {
	hubSettings := DefaultHubSettings()
	transportSettings := DefaultTransportSettings()
	tokenSettings := DefaultTokenSecuritySettings()
	return &Config{
		Name:              hubSettings.Name,
		SelfContext:       hubSettings.SelfContext,
		Listen:            ":3000",
		PingInterval:      transportSettings.PingInterval,
		PutTimeout:        hubSettings.Put.Timeout,
		CompletedTtl:      hubSettings.Put.CompletedTtl,
		MetaTtl:           hubSettings.MetaSent.Ttl,
		Backpressure: BackpressureConfig{
			Enter:                 hubSettings.Backpressure.EnterBytes,
			Exit:                  hubSettings.Backpressure.ExitBytes,
			MaxBufferSize:         hubSettings.Backpressure.MaxBufferBytes,
			MaxBufferCheckTime:    hubSettings.Backpressure.MaxBufferDuration,
			OverflowCheckInterval: hubSettings.Backpressure.OverflowCheckInterval,
		},
		Security: SecurityConfig{
			Strategy:          "none",
			TokenTTL:          tokenSettings.TokenTTL,
			AllowReadonly:     tokenSettings.AllowReadonly,
			DevicePermissions: tokenSettings.DevicePermissions,
		},
		History: HistoryConfig{
			Provider: "none",
		},
	}
}

// reads a yaml config file over the defaults
// the file is validated against the settings schema before decoding
func LoadConfig(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(configBytes)
}

func ParseConfig(configBytes []byte) (*Config, error) {
	if err := ValidateConfig(configBytes); err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := config.check(); err != nil {
		return nil, err
	}
	return config, nil
}

func ValidateConfig(configBytes []byte) error {
	var document any
	if err := yaml.Unmarshal(configBytes, &document); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if document == nil {
		// empty file
		return nil
	}
	// the validator works on json values
	documentJson, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentJson))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	schema, err := compileConfigSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func compileConfigSchema() (*jsonschema.Schema, error) {
	schemaDocument, err := jsonschema.UnmarshalJSON(bytes.NewReader(configSchemaJson))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.schema.json", schemaDocument); err != nil {
		return nil, err
	}
	return compiler.Compile("settings.schema.json")
}

// environment variables override the file
// byte counts are integers; durations are go durations or integer milliseconds
func (self *Config) ApplyEnv(getenv func(string) string) error {
	self.Backpressure.Enter = int64Env(getenv, "BACKPRESSURE_ENTER", self.Backpressure.Enter)
	self.Backpressure.Exit = int64Env(getenv, "BACKPRESSURE_EXIT", self.Backpressure.Exit)
	self.Backpressure.MaxBufferSize = int64Env(getenv, "MAXSENDBUFFERSIZE", self.Backpressure.MaxBufferSize)
	self.Backpressure.MaxBufferCheckTime = durationEnv(getenv, "MAXSENDBUFFERCHECKTIME", self.Backpressure.MaxBufferCheckTime)
	self.Backpressure.OverflowCheckInterval = durationEnv(getenv, "OVERFLOW_CHECK_INTERVAL", self.Backpressure.OverflowCheckInterval)
	self.PingInterval = durationEnv(getenv, "PING_INTERVAL", self.PingInterval)
	self.PutTimeout = durationEnv(getenv, "PUT_TIMEOUT", self.PutTimeout)
	self.CompletedTtl = durationEnv(getenv, "COMPLETED_REQUEST_TTL", self.CompletedTtl)
	self.MetaTtl = durationEnv(getenv, "META_TTL", self.MetaTtl)
	self.Listen = stringEnv(getenv, "DELTAHUB_LISTEN", self.Listen)
	self.SelfContext = stringEnv(getenv, "DELTAHUB_SELF", self.SelfContext)
	self.Security.Secret = stringEnv(getenv, "DELTAHUB_SECRET", self.Security.Secret)
	self.History.Dsn = stringEnv(getenv, "DELTAHUB_HISTORY_DSN", self.History.Dsn)
	return self.check()
}

func (self *Config) check() error {
	if self.Backpressure.Enter <= self.Backpressure.Exit {
		return fmt.Errorf("backpressure enter (%d) must be greater than exit (%d)", self.Backpressure.Enter, self.Backpressure.Exit)
	}
	if self.Backpressure.OverflowCheckInterval <= 0 {
		return fmt.Errorf("overflow check interval must be positive")
	}
	if self.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}
	if self.Security.Strategy == "token" && self.Security.Secret == "" {
		return fmt.Errorf("token security requires a secret")
	}
	return nil
}

func (self *Config) HubSettings() *HubSettings {
	settings := DefaultHubSettings()
	settings.Name = self.Name
	settings.SelfContext = self.SelfContext
	settings.Put.Timeout = self.PutTimeout
	settings.Put.CompletedTtl = self.CompletedTtl
	settings.MetaSent.Ttl = self.MetaTtl
	settings.SourcePriorities = self.SourcePriorities
	settings.Backpressure = &BackpressureSettings{
		EnterBytes:            self.Backpressure.Enter,
		ExitBytes:             self.Backpressure.Exit,
		MaxBufferBytes:        self.Backpressure.MaxBufferSize,
		MaxBufferDuration:     self.Backpressure.MaxBufferCheckTime,
		OverflowCheckInterval: self.Backpressure.OverflowCheckInterval,
	}
	return settings
}

func (self *Config) ServerSettings() *ServerSettings {
	settings := DefaultServerSettings()
	settings.Transport.PingInterval = self.PingInterval
	settings.Transport.ReadTimeout = 3 * self.PingInterval
	return settings
}

func (self *Config) TokenSecuritySettings() *TokenSecuritySettings {
	settings := DefaultTokenSecuritySettings()
	settings.Secret = self.Security.Secret
	settings.TokenTTL = self.Security.TokenTTL
	settings.AllowReadonly = self.Security.AllowReadonly
	settings.AutoApproveDevices = self.Security.AutoApproveDevices
	settings.DevicePermissions = self.Security.DevicePermissions
	settings.Users = self.Security.Users
	return settings
}

// the configured security strategy
func (self *Config) NewSecurity() (SecurityStrategy, error) {
	switch self.Security.Strategy {
	case "", "none":
		return NewAllowAllSecurity(), nil
	case "token":
		return NewTokenSecurity(self.TokenSecuritySettings())
	default:
		return nil, fmt.Errorf("unknown security strategy %s", self.Security.Strategy)
	}
}

func stringEnv(getenv func(string) string, name string, fallback string) string {
	if raw := getenv(name); raw != "" {
		return raw
	}
	return fallback
}

func int64Env(getenv func(string) string, name string, fallback int64) int64 {
	raw := getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		glog.Warningf("[config]invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(getenv func(string) string, name string, fallback time.Duration) time.Duration {
	raw := getenv(name)
	if raw == "" {
		return fallback
	}
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(millis) * time.Millisecond
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		glog.Warningf("[config]invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}
