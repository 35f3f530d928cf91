package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// SupportedVersion is the only config schema version this build accepts.
	SupportedVersion = 1

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultStorageRoot is the default directory for run artifacts.
	DefaultStorageRoot = "./runs"

	// DefaultMinPassRate is the default fraction of measured runs that must
	// pass for the overall run status to be PASS.
	DefaultMinPassRate = 1.0

	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "MEASUROOR"
)

// Config is the root configuration for measuroor.
type Config struct {
	Version int               `yaml:"version" mapstructure:"version"`
	Global  GlobalConfig      `yaml:"global,omitempty" mapstructure:"global"`
	Project ProjectConfig     `yaml:"project" mapstructure:"project"`
	Build   BuildConfig       `yaml:"build" mapstructure:"build"`
	Test    TestConfig        `yaml:"test,omitempty" mapstructure:"test"`
	Env     map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	Targets map[string]Target `yaml:"targets" mapstructure:"targets"`
	Policy  PolicyConfig      `yaml:"policy,omitempty" mapstructure:"policy"`
	Storage StorageConfig     `yaml:"storage" mapstructure:"storage"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level,omitempty" mapstructure:"log_level"`
}

// ProjectConfig identifies the project under measurement.
type ProjectConfig struct {
	Name      string `yaml:"name,omitempty" mapstructure:"name"`
	Workspace string `yaml:"workspace" mapstructure:"workspace"`
}

// BuildConfig contains the configure and build command lists. Commands are
// opaque token sequences handed directly to the process runner.
type BuildConfig struct {
	ConfigureCmd []string `yaml:"configure_cmd" mapstructure:"configure_cmd"`
	BuildCmd     []string `yaml:"build_cmd" mapstructure:"build_cmd"`
}

// TestConfig contains the optional test stage settings.
type TestConfig struct {
	Enabled bool     `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Cmd     []string `yaml:"cmd,omitempty" mapstructure:"cmd"`
}

// Target defines a single runnable unit.
type Target struct {
	Description string       `yaml:"description,omitempty" mapstructure:"description"`
	Run         TargetRun    `yaml:"run" mapstructure:"run"`
	Parse       *ParseConfig `yaml:"parse,omitempty" mapstructure:"parse"`
	Success     *Success     `yaml:"success,omitempty" mapstructure:"success"`
}

// TargetRun defines how a target is launched. Exactly one of Cmd or ExeGlob
// must be set.
type TargetRun struct {
	Cmd        []string `yaml:"cmd,omitempty" mapstructure:"cmd"`
	ExeGlob    string   `yaml:"exe_glob,omitempty" mapstructure:"exe_glob"`
	Args       []string `yaml:"args,omitempty" mapstructure:"args"`
	Runs       int      `yaml:"runs,omitempty" mapstructure:"runs"`
	WarmupRuns int      `yaml:"warmup_runs,omitempty" mapstructure:"warmup_runs"`
}

// ParseConfig holds the metric extraction rules for a target.
type ParseConfig struct {
	Kind  string      `yaml:"kind" mapstructure:"kind"`
	Rules []ParseRule `yaml:"rules" mapstructure:"rules"`
}

// ParseRule is a single regex metric extraction rule.
type ParseRule struct {
	Name     string   `yaml:"name" mapstructure:"name"`
	Pattern  string   `yaml:"pattern" mapstructure:"pattern"`
	Type     string   `yaml:"type,omitempty" mapstructure:"type"`
	Units    string   `yaml:"units,omitempty" mapstructure:"units"`
	Better   string   `yaml:"better,omitempty" mapstructure:"better"`
	Required bool     `yaml:"required,omitempty" mapstructure:"required"`
	Enum     []string `yaml:"enum,omitempty" mapstructure:"enum"`
}

// Success defines the per-run pass criteria for a target.
type Success struct {
	ExitCode *int   `yaml:"exit_code,omitempty" mapstructure:"exit_code"`
	PassRule string `yaml:"pass_rule,omitempty" mapstructure:"pass_rule"`
}

// PolicyConfig reduces per-run outcomes into one overall run status.
type PolicyConfig struct {
	MinPassRate *float64 `yaml:"min_pass_rate,omitempty" mapstructure:"min_pass_rate"`
}

// StorageConfig locates the artifact root and the run index database.
type StorageConfig struct {
	Root string `yaml:"root,omitempty" mapstructure:"root"`
	DB   string `yaml:"db,omitempty" mapstructure:"db"`
}

// Load reads, interpolates, decodes and validates a configuration file.
// Environment variables prefixed with MEASUROOR_ override a fixed set of
// keys (e.g. MEASUROOR_GLOBAL_LOG_LEVEL, MEASUROOR_STORAGE_ROOT).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if raw == nil {
		return nil, fmt.Errorf("config file is empty: %s", path)
	}

	resolved, err := Interpolate(raw)
	if err != nil {
		return nil, fmt.Errorf("interpolating config: %w", err)
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(resolved); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overlays MEASUROOR_* environment variables onto the
// loaded configuration.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("global.log_level"); s != "" {
		c.Global.LogLevel = s
	}

	if s := v.GetString("storage.root"); s != "" {
		c.Storage.Root = s
	}

	if s := v.GetString("storage.db"); s != "" {
		c.Storage.DB = s
	}

	if s := v.GetString("policy.min_pass_rate"); s != "" {
		rate := v.GetFloat64("policy.min_pass_rate")
		c.Policy.MinPassRate = &rate
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Project.Workspace == "" {
		c.Project.Workspace = "."
	}

	if c.Storage.Root == "" {
		c.Storage.Root = DefaultStorageRoot
	}

	for id := range c.Targets {
		target := c.Targets[id]
		if target.Run.Runs == 0 {
			target.Run.Runs = 1
		}

		if target.Parse != nil {
			for i := range target.Parse.Rules {
				if target.Parse.Rules[i].Type == "" {
					target.Parse.Rules[i].Type = "string"
				}
			}
		}

		c.Targets[id] = target
	}
}

// validRuleTypes is the set of supported parse rule value types.
var validRuleTypes = map[string]struct{}{
	"float":  {},
	"int":    {},
	"enum":   {},
	"string": {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Version != SupportedVersion {
		return fmt.Errorf("unsupported config version %d (expected %d)", c.Version, SupportedVersion)
	}

	if strings.TrimSpace(c.Project.Workspace) == "" {
		return fmt.Errorf("project.workspace is required")
	}

	if err := requireCmdList("build.configure_cmd", c.Build.ConfigureCmd); err != nil {
		return err
	}

	if err := requireCmdList("build.build_cmd", c.Build.BuildCmd); err != nil {
		return err
	}

	if c.Test.Enabled {
		if err := requireCmdList("test.cmd", c.Test.Cmd); err != nil {
			return err
		}
	}

	if c.Policy.MinPassRate != nil {
		if rate := *c.Policy.MinPassRate; rate < 0 || rate > 1 {
			return fmt.Errorf("policy.min_pass_rate must be between 0.0 and 1.0, got %v", rate)
		}
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}

	for id, target := range c.Targets {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("target ids must be non-empty strings")
		}

		if err := validateTarget(id, &target); err != nil {
			return err
		}
	}

	return nil
}

// validateTarget checks a single target definition.
func validateTarget(id string, target *Target) error {
	hasCmd := len(target.Run.Cmd) > 0
	hasGlob := strings.TrimSpace(target.Run.ExeGlob) != ""

	if hasCmd == hasGlob {
		return fmt.Errorf("target %q: run must define exactly one of run.cmd or run.exe_glob", id)
	}

	if hasCmd {
		if len(target.Run.Args) > 0 {
			return fmt.Errorf("target %q: run.args is not allowed when run.cmd is used", id)
		}

		for _, token := range target.Run.Cmd {
			if strings.TrimSpace(token) == "" {
				return fmt.Errorf("target %q: run.cmd tokens must be non-empty", id)
			}
		}
	}

	if target.Run.Runs < 1 {
		return fmt.Errorf("target %q: run.runs must be >= 1", id)
	}

	if target.Run.WarmupRuns < 0 {
		return fmt.Errorf("target %q: run.warmup_runs must be >= 0", id)
	}

	ruleNames := make(map[string]struct{})

	if target.Parse != nil {
		if target.Parse.Kind != "regex" {
			return fmt.Errorf("target %q: unsupported parse.kind %q (expected \"regex\")", id, target.Parse.Kind)
		}

		if len(target.Parse.Rules) == 0 {
			return fmt.Errorf("target %q: parse.rules must be a non-empty list", id)
		}

		for i := range target.Parse.Rules {
			rule := &target.Parse.Rules[i]

			if err := validateParseRule(id, i, rule); err != nil {
				return err
			}

			if _, exists := ruleNames[rule.Name]; exists {
				return fmt.Errorf("target %q: duplicate parse rule name %q", id, rule.Name)
			}

			ruleNames[rule.Name] = struct{}{}
		}
	}

	if target.Success != nil {
		if target.Success.ExitCode != nil && *target.Success.ExitCode < 0 {
			return fmt.Errorf("target %q: success.exit_code must be >= 0", id)
		}

		if target.Success.PassRule != "" {
			if target.Parse == nil {
				return fmt.Errorf("target %q: success.pass_rule set but target has no parse section", id)
			}

			if _, ok := ruleNames[target.Success.PassRule]; !ok {
				return fmt.Errorf("target %q: success.pass_rule %q does not reference a defined parse rule",
					id, target.Success.PassRule)
			}
		}
	}

	return nil
}

// validateParseRule checks a single parse rule.
func validateParseRule(targetID string, index int, rule *ParseRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("target %q: parse.rules[%d].name is required", targetID, index)
	}

	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("target %q: parse rule %q has no pattern", targetID, rule.Name)
	}

	if _, err := regexp.Compile(rule.Pattern); err != nil {
		return fmt.Errorf("target %q: parse rule %q pattern: %w", targetID, rule.Name, err)
	}

	if _, ok := validRuleTypes[rule.Type]; !ok {
		return fmt.Errorf("target %q: parse rule %q has invalid type %q (expected float, int, enum or string)",
			targetID, rule.Name, rule.Type)
	}

	if rule.Better != "" && rule.Better != "higher" && rule.Better != "lower" {
		return fmt.Errorf("target %q: parse rule %q better must be \"higher\" or \"lower\", got %q",
			targetID, rule.Name, rule.Better)
	}

	if rule.Type == "enum" && len(rule.Enum) == 0 {
		return fmt.Errorf("target %q: parse rule %q is enum typed but has no enum values", targetID, rule.Name)
	}

	return nil
}

// requireCmdList validates that a command list is non-empty with non-empty
// tokens.
func requireCmdList(key string, cmd []string) error {
	if len(cmd) == 0 {
		return fmt.Errorf("%s must be a non-empty list of strings", key)
	}

	for _, token := range cmd {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("%s tokens must be non-empty", key)
		}
	}

	return nil
}

// ExpectedExitCode returns the exit code a target's measured runs must
// return to count as passing.
func (t *Target) ExpectedExitCode() int {
	if t.Success != nil && t.Success.ExitCode != nil {
		return *t.Success.ExitCode
	}

	return 0
}

// PassRule returns the configured pass rule name, or empty when unset.
func (t *Target) PassRule() string {
	if t.Success == nil {
		return ""
	}

	return t.Success.PassRule
}

// MinPassRate returns the configured minimum pass rate, defaulting to 1.0.
func (c *Config) MinPassRate() float64 {
	if c.Policy.MinPassRate == nil {
		return DefaultMinPassRate
	}

	return *c.Policy.MinPassRate
}

// ResolveWorkspace returns the absolute workspace directory. Relative
// workspaces are anchored at the config file's directory.
func (c *Config) ResolveWorkspace(configPath string) string {
	return resolveAgainstConfig(configPath, c.Project.Workspace)
}

// ResolveStorageRoot returns the absolute artifact storage root. Relative
// roots are anchored at the config file's directory.
func (c *Config) ResolveStorageRoot(configPath string) string {
	return resolveAgainstConfig(configPath, c.Storage.Root)
}

// ResolveDBPath returns the absolute run index path, or empty when the
// default under the storage root should be used.
func (c *Config) ResolveDBPath(configPath string) string {
	if strings.TrimSpace(c.Storage.DB) == "" {
		return ""
	}

	return resolveAgainstConfig(configPath, c.Storage.DB)
}

func resolveAgainstConfig(configPath, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}

	base, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		base = filepath.Dir(configPath)
	}

	return filepath.Clean(filepath.Join(base, target))
}

// TargetIDs returns the configured target ids in sorted order.
func (c *Config) TargetIDs() []string {
	ids := make([]string, 0, len(c.Targets))
	for id := range c.Targets {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
