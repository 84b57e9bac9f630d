// Package definition loads workflow definitions, entity workflow
// configurations and notification templates from YAML bundles, validates
// them, and serves them from a registry with atomic snapshot swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/approvals/model"
)

// Bundle is the content of one YAML definition file.
type Bundle struct {
	Module        string                       `yaml:"module"`
	Workflows     []model.WorkflowDefinition   `yaml:"workflows"`
	Bindings      []Binding                    `yaml:"bindings"`
	EntityConfigs []model.EntityWorkflowConfig `yaml:"entity_configs"`
	Templates     map[string]string            `yaml:"templates"`

	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// Binding activates a workflow code for an entity type.
type Binding struct {
	WorkflowCode string `yaml:"workflow_code"`
	EntityType   string `yaml:"entity_type"`
	Disabled     bool   `yaml:"disabled"`
}

// Loader scans directories for YAML bundle files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Bundle.
func (l *Loader) LoadAll(directories []string) ([]Bundle, error) {
	var bundles []Bundle

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			b, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			bundles = append(bundles, b)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return bundles, nil
}

// LoadFile loads and parses a single YAML bundle. Entity configurations
// without a module inherit the bundle's module.
func (l *Loader) LoadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return Bundle{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	b.SourceFile = path
	return b, nil
}

// Parse decodes a bundle from YAML bytes.
func Parse(data []byte) (Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bundle{}, err
	}
	for i := range b.EntityConfigs {
		if b.EntityConfigs[i].Module == "" {
			b.EntityConfigs[i].Module = b.Module
		}
	}
	b.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return b, nil
}
