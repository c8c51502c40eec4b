// Package registry loads and holds the versioned rulebook: rule definitions,
// point weights, level thresholds and confidence bands.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opensource-finance/clearance/internal/canonical"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/rules"
	"github.com/opensource-finance/clearance/internal/schema"
	"gopkg.in/yaml.v3"
)

//go:embed rulebook.yaml
var defaultRulebook []byte

// DefaultSource names the embedded rulebook in errors and snapshots.
const DefaultSource = "embedded:rulebook.yaml"

// Default confidence bands used when a rulebook omits them.
var defaultConfidence = domain.ConfidenceBands{High: 0.85, Medium: 0.6}

// Rulebook is the parsed configuration document with defaults applied.
type Rulebook struct {
	Version    string                 `yaml:"version" json:"version"`
	Thresholds domain.Thresholds      `yaml:"thresholds" json:"thresholds"`
	Confidence domain.ConfidenceBands `yaml:"confidence" json:"confidence"`
	Rules      []rules.Definition     `yaml:"rules" json:"rules"`
}

// rulebookFile is the on-disk form. Each confidence band is optional and
// defaults on its own.
type rulebookFile struct {
	Version    string            `yaml:"version"`
	Thresholds domain.Thresholds `yaml:"thresholds"`
	Confidence struct {
		High   *float64 `yaml:"high"`
		Medium *float64 `yaml:"medium"`
	} `yaml:"confidence"`
	Rules []rules.Definition `yaml:"rules"`
}

func (f rulebookFile) resolve() Rulebook {
	book := Rulebook{
		Version:    f.Version,
		Thresholds: f.Thresholds,
		Confidence: defaultConfidence,
		Rules:      f.Rules,
	}
	if f.Confidence.High != nil {
		book.Confidence.High = *f.Confidence.High
	}
	if f.Confidence.Medium != nil {
		book.Confidence.Medium = *f.Confidence.Medium
	}
	return book
}

// Registry is an immutable, validated rulebook with compiled rules.
// It is safe to share between any number of goroutines.
type Registry struct {
	source   string
	raw      []byte
	book     Rulebook
	version  *semver.Version
	compiled []*rules.Rule
	enabled  []*rules.Rule
	digest   string
}

// Default loads the embedded rulebook.
func Default() (*Registry, error) {
	return Load(DefaultSource, defaultRulebook)
}

// DefaultRulebook returns a copy of the embedded rulebook source.
func DefaultRulebook() []byte {
	return bytes.Clone(defaultRulebook)
}

// LoadFile loads a rulebook from path. An empty path selects the embedded default.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Source: path, Reason: "cannot read rulebook", Err: err}
	}
	return Load(path, data)
}

// Load parses and validates a rulebook. Every failure is a *domain.ConfigError.
func Load(source string, data []byte) (*Registry, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: "rulebook is not valid YAML", Err: err}
	}
	if err := schema.ValidateRulebook(doc); err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: "rulebook does not match schema", Err: err}
	}

	var file rulebookFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &domain.ConfigError{Source: source, Reason: "rulebook cannot be decoded", Err: err}
	}
	book := file.resolve()

	version, err := semver.StrictNewVersion(book.Version)
	if err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: fmt.Sprintf("version %q is not a semantic version", book.Version), Err: err}
	}

	if err := checkThresholds(book.Thresholds); err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: err.Error()}
	}
	if err := checkConfidence(book.Confidence); err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: err.Error()}
	}

	seen := make(map[string]bool, len(book.Rules))
	compiled := make([]*rules.Rule, 0, len(book.Rules))
	enabled := make([]*rules.Rule, 0, len(book.Rules))
	for _, def := range book.Rules {
		if seen[def.ID] {
			return nil, domain.ConfigErrorf(source, "duplicate rule_id %q", def.ID)
		}
		seen[def.ID] = true

		r, err := rules.Compile(def)
		if err != nil {
			return nil, &domain.ConfigError{Source: source, Reason: "invalid rule definition", Err: err}
		}
		compiled = append(compiled, r)
		if def.IsEnabled() {
			enabled = append(enabled, r)
		}
	}

	digest, err := canonical.Digest(book)
	if err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: "rulebook cannot be digested", Err: err}
	}

	return &Registry{
		source:   source,
		raw:      bytes.Clone(data),
		book:     book,
		version:  version,
		compiled: compiled,
		enabled:  enabled,
		digest:   digest,
	}, nil
}

func checkThresholds(t domain.Thresholds) error {
	if !(0 < t.Low && t.Low < t.Medium && t.Medium < t.High && t.High <= 100) {
		return fmt.Errorf("thresholds must satisfy 0 < low < medium < high <= 100, got %d/%d/%d", t.Low, t.Medium, t.High)
	}
	return nil
}

func checkConfidence(c domain.ConfidenceBands) error {
	if !(0 <= c.Medium && c.Medium <= c.High && c.High <= 1) {
		return fmt.Errorf("confidence bands must satisfy 0 <= medium <= high <= 1, got %v/%v", c.Medium, c.High)
	}
	return nil
}

// Rules returns the enabled rules in definition order.
func (r *Registry) Rules() []*rules.Rule {
	out := make([]*rules.Rule, len(r.enabled))
	copy(out, r.enabled)
	return out
}

// Definitions returns every rule definition, enabled or not, in order.
func (r *Registry) Definitions() []rules.Definition {
	out := make([]rules.Definition, len(r.compiled))
	for i, c := range r.compiled {
		out[i] = c.Definition
	}
	return out
}

// Version returns the rulebook's semantic version string.
func (r *Registry) Version() string { return r.version.Original() }

// SemVer returns the parsed version.
func (r *Registry) SemVer() *semver.Version { return r.version }

// Thresholds returns the level threshold table.
func (r *Registry) Thresholds() domain.Thresholds { return r.book.Thresholds }

// Confidence returns the confidence bands.
func (r *Registry) Confidence() domain.ConfidenceBands { return r.book.Confidence }

// Digest returns the SHA-256 of the canonical rulebook.
func (r *Registry) Digest() string { return r.digest }

// Source names where the rulebook was loaded from.
func (r *Registry) Source() string { return r.source }

// Snapshot returns a storable copy of the rulebook.
func (r *Registry) Snapshot(loadedAt time.Time) *domain.RulebookSnapshot {
	return &domain.RulebookSnapshot{
		Version:   r.Version(),
		Digest:    r.digest,
		Source:    bytes.Clone(r.raw),
		RuleCount: len(r.compiled),
		LoadedAt:  loadedAt.UTC(),
	}
}
