// Package config loads and validates the pipeline's YAML (or JSON)
// configuration file: the external command lines (tool CLI, test runner,
// lint command), timeouts, sidecar directory names, allow-listed write
// directories, and concurrency caps that spec.md calls out-of-scope as "the
// pipeline config" of §6.
//
// Grounded on the teacher's internal/attractor/engine/config.go
// (RunConfigFile/LoadRunConfigFile): same strict-decode-then-defaults-then-
// validate shape, decodeYAMLStrict/decodeJSONStrict with
// KnownFields(true)/DisallowUnknownFields, and a schema-sanity pass before
// decoding using github.com/santhosh-tekuri/jsonschema/v5, in the manner
// internal/agent/tool_registry.go's compileSchema compiles an ad-hoc
// map[string]any schema (AddResource + Compile) rather than loading a file
// from disk.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// CommandSpec names an external command the pipeline invokes (the tool CLI,
// a test runner, a lint command), plus its timeout and an optional idle
// timeout. The idle timeout is parsed and returned by IdleTimeout, but no
// caller applies it: the supervisor runs no stall watchdog.
type CommandSpec struct {
	Command       string   `json:"command" yaml:"command"`
	Args          []string `json:"args,omitempty" yaml:"args,omitempty"`
	TimeoutMS     int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	IdleTimeoutMS int      `json:"idle_timeout_ms,omitempty" yaml:"idle_timeout_ms,omitempty"`
}

// Timeout returns the command's timeout as a time.Duration, defaulting to
// defaultMS if unset.
func (c CommandSpec) Timeout(defaultMS int) time.Duration {
	ms := c.TimeoutMS
	if ms <= 0 {
		ms = defaultMS
	}
	return time.Duration(ms) * time.Millisecond
}

// IdleTimeout returns the command's idle-stall timeout, or 0 if none is
// configured (no stall watchdog).
func (c CommandSpec) IdleTimeout() time.Duration {
	if c.IdleTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// SidecarConfig names the per-mode sidecar directory.
type SidecarConfig struct {
	HardeningDir string `json:"hardening_dir" yaml:"hardening_dir"`
	EnhanceDir   string `json:"enhance_dir" yaml:"enhance_dir"`
}

// ConcurrencyConfig bounds how many tool invocations may run at once.
type ConcurrencyConfig struct {
	ToolSlots int `json:"tool_slots" yaml:"tool_slots"`
	APISlots  int `json:"api_slots" yaml:"api_slots"`
}

// LimitsConfig bounds the phase chain's retry loops and the pipeline's
// append-only logs.
type LimitsConfig struct {
	MaxFixAttempts     int `json:"max_fix_attempts" yaml:"max_fix_attempts"`
	MaxLintFixAttempts int `json:"max_lint_fix_attempts" yaml:"max_lint_fix_attempts"`
	ErrorsCap          int `json:"errors_cap" yaml:"errors_cap"`
	QueriesCap         int `json:"queries_cap" yaml:"queries_cap"`
}

// TargetDiscoveryConfig selects which project files are tracked as targets.
type TargetDiscoveryConfig struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// SetupCommand is a one-shot command run once before the first workflow
// starts (e.g. installing test dependencies); a failure aborts startup.
type SetupCommand struct {
	Command   string   `json:"command" yaml:"command"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// File is the top-level pipeline configuration file shape.
type File struct {
	Version int `json:"version" yaml:"version"`

	Tool       CommandSpec `json:"tool" yaml:"tool"`
	TestRunner CommandSpec `json:"test_runner" yaml:"test_runner"`
	LintRunner CommandSpec `json:"lint_runner" yaml:"lint_runner"`
	Verify     CommandSpec `json:"verify,omitempty" yaml:"verify,omitempty"`

	Sidecar     SidecarConfig         `json:"sidecar,omitempty" yaml:"sidecar,omitempty"`
	Concurrency ConcurrencyConfig     `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Limits      LimitsConfig          `json:"limits,omitempty" yaml:"limits,omitempty"`
	Discovery   TargetDiscoveryConfig `json:"discovery,omitempty" yaml:"discovery,omitempty"`

	// AllowedWriteDirs are the project-relative directories the sidecar
	// store's safe_write may touch; anything else is a PathEscape.
	AllowedWriteDirs []string `json:"allowed_write_dirs" yaml:"allowed_write_dirs"`

	// TestMirrors maps a source directory prefix to its paired test
	// directory prefix, consumed by the sidecar store's derive_test_path.
	TestMirrors map[string]string `json:"test_mirrors,omitempty" yaml:"test_mirrors,omitempty"`

	// LockTTLSeconds bounds how long a LockManager grant may live before the
	// reaper reclaims it.
	LockTTLSeconds int `json:"lock_ttl_seconds,omitempty" yaml:"lock_ttl_seconds,omitempty"`

	Setup []SetupCommand `json:"setup,omitempty" yaml:"setup,omitempty"`
}

// Load reads, schema-validates, strict-decodes, defaults, and semantically
// validates the configuration file at path. JSON is used for a ".json"
// extension; YAML otherwise.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var generic any
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		if err := json.Unmarshal(b, &generic); err != nil {
			return nil, fmt.Errorf("config: parse %q for schema validation: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(b, &generic); err != nil {
			return nil, fmt.Errorf("config: parse %q for schema validation: %w", path, err)
		}
		generic = yamlToJSONCompatible(generic)
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, fmt.Errorf("config: %q failed schema validation: %w", path, err)
	}

	var cfg File
	if ext == ".json" {
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %q: %w", path, err)
		}
	} else {
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %q: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// yamlToJSONCompatible recursively converts map[string]interface{} keyed
// maps produced by yaml.v3 (which can emit map[string]interface{} already
// for string-keyed mappings, but nested maps under `any` sometimes surface
// as map[string]interface{} with non-string-friendly value types) into a
// form safe for jsonschema's validator, which expects plain JSON types.
func yamlToJSONCompatible(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = yamlToJSONCompatible(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = yamlToJSONCompatible(val)
		}
		return out
	default:
		return x
	}
}

func validateAgainstSchema(doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document for schema validation: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("re-decode document for schema validation: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("pipeline-config.json", bytes.NewReader([]byte(configSchemaJSON))); err != nil {
		return fmt.Errorf("load bundled schema: %w", err)
	}
	schema, err := compiler.Compile("pipeline-config.json")
	if err != nil {
		return fmt.Errorf("compile bundled schema: %w", err)
	}
	return schema.Validate(decoded)
}

func applyDefaults(cfg *File) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Sidecar.HardeningDir == "" {
		cfg.Sidecar.HardeningDir = ".harden"
	}
	if cfg.Sidecar.EnhanceDir == "" {
		cfg.Sidecar.EnhanceDir = ".enhance"
	}
	if cfg.Concurrency.ToolSlots <= 0 {
		cfg.Concurrency.ToolSlots = 2
	}
	if cfg.Concurrency.APISlots <= 0 {
		cfg.Concurrency.APISlots = 2
	}
	if cfg.Limits.MaxFixAttempts <= 0 {
		cfg.Limits.MaxFixAttempts = 2
	}
	if cfg.Limits.MaxLintFixAttempts <= 0 {
		cfg.Limits.MaxLintFixAttempts = 2
	}
	if cfg.Limits.ErrorsCap <= 0 {
		cfg.Limits.ErrorsCap = 500
	}
	if cfg.Limits.QueriesCap <= 0 {
		cfg.Limits.QueriesCap = 200
	}
	if len(cfg.Discovery.Include) == 0 {
		cfg.Discovery.Include = []string{"**/*"}
	}
	if len(cfg.Discovery.Exclude) == 0 {
		cfg.Discovery.Exclude = []string{
			"**/.git/**",
			"**/" + cfg.Sidecar.HardeningDir + "/**",
			"**/" + cfg.Sidecar.EnhanceDir + "/**",
			"**/node_modules/**",
		}
	}
	if cfg.LockTTLSeconds <= 0 {
		cfg.LockTTLSeconds = 1800
	}
	if cfg.TestMirrors == nil {
		cfg.TestMirrors = map[string]string{"app": "test"}
	}
}

func validateConfig(cfg *File) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Tool.Command) == "" {
		return fmt.Errorf("tool.command is required")
	}
	if strings.TrimSpace(cfg.TestRunner.Command) == "" {
		return fmt.Errorf("test_runner.command is required")
	}
	if strings.TrimSpace(cfg.LintRunner.Command) == "" {
		return fmt.Errorf("lint_runner.command is required")
	}
	if len(cfg.AllowedWriteDirs) == 0 {
		return fmt.Errorf("allowed_write_dirs must name at least one directory")
	}
	if cfg.Concurrency.ToolSlots < 1 {
		return fmt.Errorf("concurrency.tool_slots must be >= 1")
	}
	if cfg.Concurrency.APISlots < 1 {
		return fmt.Errorf("concurrency.api_slots must be >= 1")
	}
	if cfg.Limits.MaxFixAttempts < 0 || cfg.Limits.MaxLintFixAttempts < 0 {
		return fmt.Errorf("limits.max_fix_attempts and limits.max_lint_fix_attempts must be >= 0")
	}
	if cfg.LockTTLSeconds < 1 {
		return fmt.Errorf("lock_ttl_seconds must be >= 1")
	}
	for _, sc := range cfg.Setup {
		if strings.TrimSpace(sc.Command) == "" {
			return fmt.Errorf("setup commands must each name a non-empty command")
		}
	}
	return nil
}

// configSchemaJSON is the bundled JSON Schema the config file is validated
// against before strict decoding, catching typos (wrong nesting, a string
// where an object is required) with a clearer message than a strict-decode
// "unknown field" error would give for structural mistakes.
const configSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["tool", "test_runner", "lint_runner", "allowed_write_dirs"],
  "properties": {
    "version": {"type": "integer"},
    "tool": {"$ref": "#/definitions/command"},
    "test_runner": {"$ref": "#/definitions/command"},
    "lint_runner": {"$ref": "#/definitions/command"},
    "verify": {"$ref": "#/definitions/command"},
    "sidecar": {
      "type": "object",
      "properties": {
        "hardening_dir": {"type": "string"},
        "enhance_dir": {"type": "string"}
      }
    },
    "concurrency": {
      "type": "object",
      "properties": {
        "tool_slots": {"type": "integer"},
        "api_slots": {"type": "integer"}
      }
    },
    "limits": {
      "type": "object",
      "properties": {
        "max_fix_attempts": {"type": "integer"},
        "max_lint_fix_attempts": {"type": "integer"},
        "errors_cap": {"type": "integer"},
        "queries_cap": {"type": "integer"}
      }
    },
    "discovery": {
      "type": "object",
      "properties": {
        "include": {"type": "array", "items": {"type": "string"}},
        "exclude": {"type": "array", "items": {"type": "string"}}
      }
    },
    "allowed_write_dirs": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "test_mirrors": {"type": "object", "additionalProperties": {"type": "string"}},
    "lock_ttl_seconds": {"type": "integer"},
    "setup": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["command"],
        "properties": {
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "timeout_ms": {"type": "integer"}
        }
      }
    }
  },
  "definitions": {
    "command": {
      "type": "object",
      "required": ["command"],
      "properties": {
        "command": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}},
        "timeout_ms": {"type": "integer"},
        "idle_timeout_ms": {"type": "integer"}
      }
    }
  }
}`
