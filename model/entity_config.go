package model

import "strings"

// EntityWorkflowConfig declares, per (Module, EntityType), which persistence
// operations start an approval workflow and under what conditions.
type EntityWorkflowConfig struct {
	Module     string `yaml:"module"      json:"module"`
	EntityType string `yaml:"entity_type" json:"entity_type"`

	EnableOnCreate bool `yaml:"enable_on_create" json:"enable_on_create"`
	EnableOnUpdate bool `yaml:"enable_on_update" json:"enable_on_update"`
	EnableOnDelete bool `yaml:"enable_on_delete" json:"enable_on_delete"`

	CreateWorkflowCode string `yaml:"create_workflow_code" json:"create_workflow_code,omitempty"`
	UpdateWorkflowCode string `yaml:"update_workflow_code" json:"update_workflow_code,omitempty"`
	DeleteWorkflowCode string `yaml:"delete_workflow_code" json:"delete_workflow_code,omitempty"`

	CreateTriggerConditions []WorkflowCondition `yaml:"create_trigger_conditions" json:"create_trigger_conditions,omitempty"`
	UpdateTriggerConditions []WorkflowCondition `yaml:"update_trigger_conditions" json:"update_trigger_conditions,omitempty"`
	DeleteTriggerConditions []WorkflowCondition `yaml:"delete_trigger_conditions" json:"delete_trigger_conditions,omitempty"`

	ExcludeUsers []string `yaml:"exclude_users" json:"exclude_users,omitempty"`
	ExcludeRoles []string `yaml:"exclude_roles" json:"exclude_roles,omitempty"`

	SignificantFieldsForUpdate []string `yaml:"significant_fields_for_update" json:"significant_fields_for_update,omitempty"`
	AutoSubmitOnCreate         bool     `yaml:"auto_submit_on_create"         json:"auto_submit_on_create"`
	PreventDirectSaveOnCreate  bool     `yaml:"prevent_direct_save_on_create" json:"prevent_direct_save_on_create"`
}

// Key returns the cache key for the configuration's (module, entity type).
func (c *EntityWorkflowConfig) Key() string {
	return ConfigKey(c.Module, c.EntityType)
}

// ConfigKey builds the lookup key for a (module, entity type) pair.
func ConfigKey(module, entityType string) string {
	return strings.ToLower(module) + ":" + strings.ToLower(entityType)
}

// Enabled reports whether the operation is configured to start a workflow.
func (c *EntityWorkflowConfig) Enabled(op Operation) bool {
	switch op {
	case OperationCreate:
		return c.EnableOnCreate
	case OperationUpdate:
		return c.EnableOnUpdate
	case OperationDelete:
		return c.EnableOnDelete
	}
	return false
}

// WorkflowCodeFor returns the workflow code configured for the operation.
func (c *EntityWorkflowConfig) WorkflowCodeFor(op Operation) string {
	switch op {
	case OperationCreate:
		return c.CreateWorkflowCode
	case OperationUpdate:
		return c.UpdateWorkflowCode
	case OperationDelete:
		return c.DeleteWorkflowCode
	}
	return ""
}

// TriggerConditionsFor returns the trigger conditions for the operation.
func (c *EntityWorkflowConfig) TriggerConditionsFor(op Operation) []WorkflowCondition {
	switch op {
	case OperationCreate:
		return c.CreateTriggerConditions
	case OperationUpdate:
		return c.UpdateTriggerConditions
	case OperationDelete:
		return c.DeleteTriggerConditions
	}
	return nil
}

// ExcludesUser reports whether the user ID is exempt, ignoring case.
func (c *EntityWorkflowConfig) ExcludesUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range c.ExcludeUsers {
		if strings.EqualFold(u, userID) {
			return true
		}
	}
	return false
}

// ExcludesAnyRole reports whether any of the roles is exempt, ignoring case.
func (c *EntityWorkflowConfig) ExcludesAnyRole(roles []string) bool {
	for _, excluded := range c.ExcludeRoles {
		for _, r := range roles {
			if strings.EqualFold(excluded, r) {
				return true
			}
		}
	}
	return false
}
