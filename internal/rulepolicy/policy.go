// Package rulepolicy loads the risk rule policy file: which rules run, at what
// priority and with which thresholds.
package rulepolicy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"possync/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Entry configures one rule.
type Entry struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Priority    int            `yaml:"priority" json:"priority"`
	Enabled     *bool          `yaml:"enabled" json:"enabled,omitempty"`
	Params      map[string]any `yaml:"params" json:"params,omitempty"`
}

// IsEnabled defaults to true when the key is absent.
func (e Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// FileConfig mirrors rules.yaml.
type FileConfig struct {
	Rules []Entry `yaml:"rules"`
}

// Policy is the validated, immutable rule configuration.
type Policy struct {
	Path     string
	LoadedAt time.Time
	Entries  []Entry
}

// Enabled returns the entries that should be instantiated, in file order.
func (p Policy) Enabled() []Entry {
	out := make([]Entry, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.IsEnabled() {
			out = append(out, e)
		}
	}
	return out
}

// Registry holds the policy loaded at startup. Edits to the file on disk are
// detected and validated but never applied: thresholds stay fixed for the
// life of the process.
type Registry struct {
	path    string
	v       *viper.Viper
	schemas map[string]*jsonschema.Schema

	mu            sync.RWMutex
	policy        Policy
	pendingReload bool
}

// Load reads path and validates every entry against schemas (rule id ->
// JSON Schema document for its params).
func Load(path string, schemas map[string]string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("rule policy requires path")
	}
	compiled, err := compileSchemas(schemas)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule policy failed: %w", err)
	}
	policy, err := parse(raw, compiled)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	policy.Path = path
	r := &Registry{path: path, schemas: compiled, policy: policy}
	logger.Infof("Rule policy loaded %d rules (%d enabled) from %s", len(policy.Entries), len(policy.Enabled()), filepath.Base(path))
	return r, nil
}

// Parse validates a policy document held in memory.
func Parse(raw []byte, schemas map[string]string) (Policy, error) {
	compiled, err := compileSchemas(schemas)
	if err != nil {
		return Policy{}, err
	}
	return parse(raw, compiled)
}

// Watch logs file edits. The loaded policy is not replaced.
func (r *Registry) Watch() {
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warnf("rule policy watch disabled: %v", err)
		return
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		raw, err := os.ReadFile(r.path)
		if err != nil {
			logger.Errorf("rule policy changed (%s) but unreadable: %v", evt.Op, err)
			return
		}
		if _, err := parse(raw, r.schemas); err != nil {
			logger.Errorf("rule policy changed (%s) and is invalid, keep running with loaded policy: %v", evt.Op, err)
			return
		}
		r.mu.Lock()
		r.pendingReload = true
		r.mu.Unlock()
		logger.Warnf("rule policy %s changed on disk, restart required to apply", filepath.Base(r.path))
	})
	v.WatchConfig()
	r.v = v
}

func (r *Registry) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.policy
	out.Entries = append([]Entry(nil), r.policy.Entries...)
	return out
}

// RestartRequired reports whether a valid edit was seen since startup.
func (r *Registry) RestartRequired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pendingReload
}

func parse(raw []byte, schemas map[string]*jsonschema.Schema) (Policy, error) {
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Policy{}, fmt.Errorf("parse rule policy failed: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for i := range cfg.Rules {
		e := &cfg.Rules[i]
		e.ID = strings.TrimSpace(e.ID)
		e.Description = strings.TrimSpace(e.Description)
		if e.ID == "" {
			return Policy{}, fmt.Errorf("rules[%d]: id 必填", i)
		}
		if seen[e.ID] {
			return Policy{}, fmt.Errorf("rules[%d]: duplicate id %s", i, e.ID)
		}
		seen[e.ID] = true
		if e.Priority < 0 {
			return Policy{}, fmt.Errorf("rule %s: priority 需 >=0", e.ID)
		}
		schema, ok := schemas[e.ID]
		if !ok {
			return Policy{}, fmt.Errorf("unknown rule: %s", e.ID)
		}
		params, err := normalizeParams(e.Params)
		if err != nil {
			return Policy{}, fmt.Errorf("rule %s: %w", e.ID, err)
		}
		if err := schema.Validate(params); err != nil {
			return Policy{}, fmt.Errorf("rule %s params: %w", e.ID, err)
		}
		e.Params = params
	}
	return Policy{LoadedAt: time.Now(), Entries: cfg.Rules}, nil
}

func compileSchemas(src map[string]string) (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(src))
	for id, doc := range src {
		compiler := jsonschema.NewCompiler()
		name := id + ".json"
		if err := compiler.AddResource(name, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("rule %s schema: %w", id, err)
		}
		s, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("rule %s schema: %w", id, err)
		}
		out[id] = s
	}
	return out, nil
}

// normalizeParams turns YAML-decoded params into the JSON value model the
// schema validator expects; numeric strings become numbers.
func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(sanitizeParams(params))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}
