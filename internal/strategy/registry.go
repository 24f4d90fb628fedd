// Package strategy manages trading profiles: per-profile order sizing, stop
// and trailing parameters, and the symbol set each profile watches. Profiles
// live in a YAML file that is hot-reloaded on change; a bad edit keeps the
// last good snapshot serving.
package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deltaflow/internal/logger"
	symbolpkg "deltaflow/internal/pkg/symbol"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultEntryTolerancePct = 0.1

// Profile holds the parameters one strategy trades with. TrailingActivationPct
// of zero disables the trailing stop for the profile.
type Profile struct {
	Name                   string   `yaml:"-" json:"-"`
	Disabled               bool     `yaml:"disabled" json:"disabled"`
	Symbols                []string `yaml:"symbols" json:"symbols"`
	OrderSizeUSD           float64  `yaml:"order_size_usd" json:"order_size_usd"`
	StopLossPct            float64  `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TrailingActivationPct  float64  `yaml:"trailing_activation_pct" json:"trailing_activation_pct"`
	TrailingDeltaPct       float64  `yaml:"trailing_delta_pct" json:"trailing_delta_pct"`
	MaxConcurrentPositions int      `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	EntryTolerancePct      float64  `yaml:"entry_tolerance_pct" json:"entry_tolerance_pct"`
}

func (p Profile) Enabled() bool { return !p.Disabled }

func (p Profile) TrailingEnabled() bool { return p.TrailingActivationPct > 0 }

// WatchesSymbol reports whether the profile trades the given symbol.
func (p Profile) WatchesSymbol(symbol string) bool {
	clean := symbolpkg.Normalize(symbol)
	for _, s := range p.Symbols {
		if s == clean {
			return true
		}
	}
	return false
}

type fileConfig struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Snapshot is one immutable view of the profile set.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]Profile
}

// ActiveProfiles returns enabled profiles sorted by name, so every cycle
// walks them in the same order.
func (s Snapshot) ActiveProfiles() []Profile {
	names := make([]string, 0, len(s.Profiles))
	for name, p := range s.Profiles {
		if p.Enabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]Profile, 0, len(names))
	for _, name := range names {
		out = append(out, s.Profiles[name])
	}
	return out
}

// Symbols is the sorted union of symbols across enabled profiles.
func (s Snapshot) Symbols() []string {
	uniq := make(map[string]struct{})
	for _, p := range s.Profiles {
		if !p.Enabled() {
			continue
		}
		for _, sym := range p.Symbols {
			uniq[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(uniq))
	for sym := range uniq {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// ChangeListener fires after the registry swaps in a new snapshot.
type ChangeListener func(Snapshot)

type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry loads the profile file and watches it for changes. A reload
// that fails validation logs the error and keeps the previous snapshot.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires a path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategy config: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("[strategy] reload failed, keeping previous profiles: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange registers a listener for snapshot swaps. Listeners run on their
// own goroutine and panics are contained.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Profile returns the named profile from the current snapshot.
func (r *Registry) Profile(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Profiles[strings.TrimSpace(name)]
	return p, ok
}

// Update replaces or adds one profile in memory and notifies listeners. The
// file stays authoritative: the next file reload overwrites API edits.
func (r *Registry) Update(name string, p Profile) (Profile, error) {
	norm, err := normalizeProfile(name, p)
	if err != nil {
		return Profile{}, err
	}
	if err := validateProfileSchema(norm); err != nil {
		return Profile{}, err
	}
	r.mu.Lock()
	profiles := make(map[string]Profile, len(r.snapshot.Profiles)+1)
	for k, v := range r.snapshot.Profiles {
		profiles[k] = v
	}
	profiles[norm.Name] = norm
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: profiles,
	}
	version := r.snapshot.Version
	r.mu.Unlock()
	r.notifyListeners()
	logger.Infof("[strategy] profile %s updated via api (snapshot v%d)", norm.Name, version)
	return norm, nil
}

func (r *Registry) reload() error {
	cfg, err := readStrategiesFile(r.path)
	if err != nil {
		return err
	}
	profiles := make(map[string]Profile, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		norm, err := normalizeProfile(name, p)
		if err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
		if err := validateProfileSchema(norm); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
		profiles[norm.Name] = norm
	}
	if len(profiles) == 0 {
		return fmt.Errorf("no strategy profiles defined in %s", r.path)
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: profiles,
	}
	r.mu.Unlock()
	logger.Infof("[strategy] loaded %d profiles from %s", len(profiles), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("strategy listener")
			cb(snap)
		}(fn)
	}
}

func normalizeProfile(name string, p Profile) (Profile, error) {
	p.Name = strings.TrimSpace(name)
	if p.Name == "" {
		return Profile{}, fmt.Errorf("profile name is required")
	}
	for _, s := range p.Symbols {
		if !symbolpkg.IsValid(s) {
			return Profile{}, fmt.Errorf("unrecognized symbol %q", s)
		}
	}
	p.Symbols = symbolpkg.NormalizeList(p.Symbols)
	if len(p.Symbols) == 0 {
		return Profile{}, fmt.Errorf("no valid symbols")
	}
	if p.TrailingActivationPct > 0 && p.TrailingDeltaPct <= 0 {
		return Profile{}, fmt.Errorf("trailing_delta_pct is required when trailing_activation_pct is set")
	}
	if p.EntryTolerancePct <= 0 {
		p.EntryTolerancePct = defaultEntryTolerancePct
	}
	if p.MaxConcurrentPositions <= 0 {
		p.MaxConcurrentPositions = 1
	}
	return p, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Profiles: make(map[string]Profile, len(src.Profiles)),
	}
	for name, p := range src.Profiles {
		dst.Profiles[name] = p
	}
	return dst
}

func safeRecover(tag string) {
	if rec := recover(); rec != nil {
		logger.Errorf("%s panic: %v", tag, rec)
	}
}

func readStrategiesFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read strategy config: %w", err)
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse strategy config: %w", err)
	}
	return cfg, nil
}

const profileSchemaJSON = `{
  "type": "object",
  "properties": {
    "disabled": {"type": "boolean"},
    "symbols": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "order_size_usd": {"type": "number", "exclusiveMinimum": 0},
    "stop_loss_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 50},
    "trailing_activation_pct": {"type": "number", "minimum": 0, "maximum": 100},
    "trailing_delta_pct": {"type": "number", "minimum": 0, "maximum": 50},
    "max_concurrent_positions": {"type": "integer", "minimum": 1, "maximum": 100},
    "entry_tolerance_pct": {"type": "number", "minimum": 0, "maximum": 5}
  },
  "additionalProperties": false
}`

var (
	schemaOnce       sync.Once
	profileSchema    *jsonschema.Schema
	schemaCompileErr error
)

func compiledProfileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("profile.json", strings.NewReader(profileSchemaJSON)); err != nil {
			schemaCompileErr = err
			return
		}
		profileSchema, schemaCompileErr = compiler.Compile("profile.json")
	})
	return profileSchema, schemaCompileErr
}

// validateProfileSchema checks the normalized profile's parameter ranges
// against the embedded JSON schema.
func validateProfileSchema(p Profile) error {
	schema, err := compiledProfileSchema()
	if err != nil {
		return fmt.Errorf("compile profile schema: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("profile parameters invalid: %w", err)
	}
	return nil
}
