package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/approvals/model"
)

// snapshot is an immutable view of all loaded bundles.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
	steps     map[string]model.EntityWorkflowStep
	configs   map[string]model.EntityWorkflowConfig
	templates map[string]string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of loaded bundles. Reads
// are lock-free; Replace swaps the whole snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given bundles.
func NewRegistry(bundles []Bundle) *Registry {
	r := &Registry{}
	r.Replace(bundles)
	return r
}

func stepKey(workflowCode, entityType string) string {
	return workflowCode + "|" + strings.ToLower(entityType)
}

// Replace atomically swaps the registry contents with a snapshot built from
// the given bundles. Later bundles win on duplicate keys; run the Validator
// first to reject duplicates.
func (r *Registry) Replace(bundles []Bundle) {
	s := &snapshot{
		workflows: make(map[string]model.WorkflowDefinition),
		steps:     make(map[string]model.EntityWorkflowStep),
		configs:   make(map[string]model.EntityWorkflowConfig),
		templates: make(map[string]string),
	}

	var checksumParts []string

	for _, b := range bundles {
		checksumParts = append(checksumParts, b.Checksum)
		for _, w := range b.Workflows {
			s.workflows[w.Code] = w
		}
		for _, c := range b.EntityConfigs {
			s.configs[c.Key()] = c
		}
		for name, body := range b.Templates {
			s.templates[name] = body
		}
	}

	for _, b := range bundles {
		for _, bind := range b.Bindings {
			if bind.Disabled {
				continue
			}
			def, ok := s.workflows[bind.WorkflowCode]
			if !ok {
				continue
			}
			s.steps[stepKey(bind.WorkflowCode, bind.EntityType)] = model.EntityWorkflowStep{
				ID:           bind.WorkflowCode + ":" + bind.EntityType,
				WorkflowCode: bind.WorkflowCode,
				EntityType:   bind.EntityType,
				IsActive:     true,
				Definition:   def,
			}
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Definition returns the workflow definition with the given code.
func (r *Registry) Definition(code string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[code]
	return w, ok
}

// ActiveStep returns the active binding for the workflow code and entity
// type, or a NOT_FOUND error.
func (r *Registry) ActiveStep(_ context.Context, workflowCode, entityType string) (*model.EntityWorkflowStep, error) {
	st, ok := r.current().steps[stepKey(workflowCode, entityType)]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active workflow %q for entity type %q", workflowCode, entityType))
	}
	return &st, nil
}

// EntityConfig returns the configuration for the (module, entity type) pair,
// or nil when none is registered.
func (r *Registry) EntityConfig(_ context.Context, module, entityType string) (*model.EntityWorkflowConfig, error) {
	c, ok := r.current().configs[model.ConfigKey(module, entityType)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Template returns the notification template body with the given name.
func (r *Registry) Template(name string) (string, bool) {
	t, ok := r.current().templates[name]
	return t, ok
}

// AllEntityConfigs returns every registered configuration sorted by key.
func (r *Registry) AllEntityConfigs() []model.EntityWorkflowConfig {
	s := r.current()
	out := make([]model.EntityWorkflowConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Count returns the number of workflow definitions loaded.
func (r *Registry) Count() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded bundles.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// ActiveSteps returns every active binding sorted by workflow code and
// entity type.
func (r *Registry) ActiveSteps() []model.EntityWorkflowStep {
	s := r.current()
	out := make([]model.EntityWorkflowStep, 0, len(s.steps))
	for _, st := range s.steps {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkflowCode != out[j].WorkflowCode {
			return out[i].WorkflowCode < out[j].WorkflowCode
		}
		return out[i].EntityType < out[j].EntityType
	})
	return out
}
