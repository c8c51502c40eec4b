// Package schema validates configuration documents against embedded JSON Schemas.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	rulebookURL   = "https://clearance.schemas.local/rulebook.schema.json"
	proceduresURL = "https://clearance.schemas.local/procedures.schema.json"
)

var (
	//go:embed rulebook.schema.json
	rulebookSchema string

	//go:embed procedures.schema.json
	proceduresSchema string
)

var compiled = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(rulebookURL, bytes.NewReader([]byte(rulebookSchema))); err != nil {
		return nil, fmt.Errorf("rulebook schema load failed: %w", err)
	}
	if err := c.AddResource(proceduresURL, bytes.NewReader([]byte(proceduresSchema))); err != nil {
		return nil, fmt.Errorf("procedures schema load failed: %w", err)
	}

	out := make(map[string]*jsonschema.Schema, 2)
	for _, url := range []string{rulebookURL, proceduresURL} {
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema compile failed for %s: %w", url, err)
		}
		out[url] = s
	}
	return out, nil
})

// ValidateRulebook checks a decoded rulebook document.
func ValidateRulebook(doc any) error {
	return validate(rulebookURL, doc)
}

// ValidateProcedures checks a decoded procedure catalog document.
func ValidateProcedures(doc any) error {
	return validate(proceduresURL, doc)
}

// validate round-trips doc through JSON so that values decoded from YAML
// reach the validator as JSON types.
func validate(url string, doc any) error {
	schemas, err := compiled()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("document is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := schemas[url].Validate(v); err != nil {
		return err
	}
	return nil
}
