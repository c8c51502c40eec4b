// Package procedure holds the catalog of customs procedures and the document
// roles each one requires.
package procedure

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/schema"
	"gopkg.in/yaml.v3"
)

//go:embed procedures.yaml
var defaultCatalog []byte

// DefaultSource names the embedded catalog.
const DefaultSource = "embedded:procedures.yaml"

// Procedure is one customs process type.
type Procedure struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Required    []domain.Role `yaml:"required" json:"required"`
}

// Catalog is an immutable set of procedures.
type Catalog struct {
	source string
	order  []string
	byID   map[string]Procedure
}

// Default loads the embedded catalog.
func Default() (*Catalog, error) {
	return Load(DefaultSource, defaultCatalog)
}

// LoadFile loads a catalog from path. An empty path selects the embedded default.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Source: path, Reason: "cannot read procedure catalog", Err: err}
	}
	return Load(path, data)
}

// Load parses and validates a catalog. Every failure is a *domain.ConfigError.
func Load(source string, data []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: "procedure catalog is not valid YAML", Err: err}
	}
	if err := schema.ValidateProcedures(doc); err != nil {
		return nil, &domain.ConfigError{Source: source, Reason: "procedure catalog does not match schema", Err: err}
	}

	var file struct {
		Procedures []Procedure `yaml:"procedures"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &domain.ConfigError{Source: source, Reason: "procedure catalog cannot be decoded", Err: err}
	}

	c := &Catalog{source: source, byID: make(map[string]Procedure, len(file.Procedures))}
	for _, p := range file.Procedures {
		if _, dup := c.byID[p.ID]; dup {
			return nil, domain.ConfigErrorf(source, "duplicate procedure id %q", p.ID)
		}
		p.Required = canonicalRoles(p.Required)
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Source names where the catalog was loaded from.
func (c *Catalog) Source() string { return c.source }

// List returns every procedure in catalog order.
func (c *Catalog) List() []Procedure {
	out := make([]Procedure, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.copyOf(id))
	}
	return out
}

// Get returns one procedure.
func (c *Catalog) Get(id string) (Procedure, bool) {
	if _, ok := c.byID[id]; !ok {
		return Procedure{}, false
	}
	return c.copyOf(id), true
}

func (c *Catalog) copyOf(id string) Procedure {
	p := c.byID[id]
	p.Required = slices.Clone(p.Required)
	return p
}

// Resolve builds the requirements for one or more candidate procedures.
// No candidates yields unknown requirements, so missing-document checks stay
// silent. Several candidates yield the union of their required roles.
func (c *Catalog) Resolve(ids ...string) (domain.ProcedureRequirements, error) {
	if len(ids) == 0 {
		return domain.UnknownRequirements(), nil
	}

	var roles []domain.Role
	for _, id := range ids {
		p, ok := c.byID[id]
		if !ok {
			return domain.ProcedureRequirements{}, &domain.InputError{Field: "procedureId", Reason: fmt.Sprintf("unknown procedure %q", id)}
		}
		roles = append(roles, p.Required...)
	}

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return domain.ProcedureRequirements{
		ProcedureID: strings.Join(slices.Compact(sorted), "+"),
		Required:    canonicalRoles(roles),
		Known:       true,
	}, nil
}

func canonicalRoles(roles []domain.Role) []domain.Role {
	out := slices.Clone(roles)
	domain.SortRoles(out)
	out = slices.Compact(out)
	if out == nil {
		out = []domain.Role{}
	}
	return out
}
