// Package manifest loads and validates the extension manifest: the
// declared and optional capabilities, the background entry point, and
// the content script match rules. The manifest is read once at startup;
// a manifest that fails validation aborts the run.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/extcore/internal/capability"
)

// ErrInvalid wraps any structural or semantic manifest failure.
var ErrInvalid = errors.New("invalid manifest")

// RunAt values for content scripts, in injection order.
const (
	RunAtDocumentStart = "document_start"
	RunAtDocumentEnd   = "document_end"
	RunAtDocumentIdle  = "document_idle"
)

var validRunAt = map[string]bool{
	RunAtDocumentStart: true,
	RunAtDocumentEnd:   true,
	RunAtDocumentIdle:  true,
}

// schemaJSON is the structural contract for manifest.json. Semantic
// checks (capability names, match pattern syntax) run after this.
const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "version"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)*$"},
		"description": {"type": "string"},
		"capabilities": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"uniqueItems": true
		},
		"optional_capabilities": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"uniqueItems": true
		},
		"background": {
			"type": "object",
			"required": ["entry"],
			"properties": {
				"entry": {"type": "string", "minLength": 1}
			}
		},
		"content_scripts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["matches"],
				"properties": {
					"matches": {
						"type": "array",
						"items": {"type": "string", "minLength": 1},
						"minItems": 1
					},
					"entry": {"type": "string"},
					"run_at": {"type": "string"}
				}
			}
		}
	}
}`

// ContentScript is one injection rule: which pages, which entry, when.
type ContentScript struct {
	Matches []string `json:"matches"`
	Entry   string   `json:"entry,omitempty"`
	RunAt   string   `json:"run_at,omitempty"`

	globs []glob.Glob
}

// Background names the background context entry point.
type Background struct {
	Entry string `json:"entry"`
}

// Manifest is the parsed, validated manifest.
type Manifest struct {
	Name                 string          `json:"name"`
	Version              string          `json:"version"`
	Description          string          `json:"description,omitempty"`
	Capabilities         []string        `json:"capabilities,omitempty"`
	OptionalCapabilities []string        `json:"optional_capabilities,omitempty"`
	Background           *Background     `json:"background,omitempty"`
	ContentScripts       []ContentScript `json:"content_scripts,omitempty"`
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		panic(fmt.Sprintf("unmarshal manifest schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add manifest schema resource: %v", err))
	}
	schema, err := c.Compile("manifest.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile manifest schema: %v", err))
	}
	return schema
}

// Load reads, validates, and compiles the manifest at path.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

// Parse validates raw manifest JSON and compiles its match patterns.
func Parse(raw []byte) (*Manifest, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	for _, name := range m.Capabilities {
		if err := capability.ValidateName(name); err != nil {
			return fmt.Errorf("%w: capabilities: %v", ErrInvalid, err)
		}
	}
	declared := make(map[string]bool, len(m.Capabilities))
	for _, name := range m.Capabilities {
		declared[name] = true
	}
	for _, name := range m.OptionalCapabilities {
		if err := capability.ValidateName(name); err != nil {
			return fmt.Errorf("%w: optional_capabilities: %v", ErrInvalid, err)
		}
		if declared[name] {
			return fmt.Errorf("%w: %q is both declared and optional", ErrInvalid, name)
		}
	}

	for i := range m.ContentScripts {
		cs := &m.ContentScripts[i]
		if cs.RunAt == "" {
			cs.RunAt = RunAtDocumentIdle
		}
		if !validRunAt[cs.RunAt] {
			return fmt.Errorf("%w: content_scripts[%d]: unknown run_at %q", ErrInvalid, i, cs.RunAt)
		}
		cs.globs = make([]glob.Glob, 0, len(cs.Matches))
		for _, pattern := range cs.Matches {
			g, err := glob.Compile(pattern)
			if err != nil {
				return fmt.Errorf("%w: content_scripts[%d]: bad match pattern %q: %v", ErrInvalid, i, pattern, err)
			}
			cs.globs = append(cs.globs, g)
		}
	}
	return nil
}

// MatchesURL reports whether any pattern in the script covers url.
func (cs *ContentScript) MatchesURL(url string) bool {
	for _, g := range cs.globs {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// ScriptsFor returns the content scripts whose match rules cover url,
// in manifest order.
func (m *Manifest) ScriptsFor(url string) []ContentScript {
	var out []ContentScript
	for _, cs := range m.ContentScripts {
		if cs.MatchesURL(url) {
			out = append(out, cs)
		}
	}
	return out
}
