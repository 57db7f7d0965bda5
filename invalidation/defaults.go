package invalidation

import (
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation/condition"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// DefaultRules returns the rules for the manufacturing tables.
func DefaultRules() []Rule {
	entity := func(name string) Target { return Target{Kind: EntityTarget, Pattern: name} }

	return []Rule{
		{
			ID:          "projects-write",
			Description: "Any project write refreshes project lists and details",
			Trigger:     Trigger{Table: "projects", Operation: change.Any},
			Targets:     []Target{entity("projects")},
			Strategy:    Immediate,
			Priority:    High,
		},
		{
			ID:          "projects-stage-moved",
			Description: "Moving a project to another stage changes its sub-stage rows",
			Trigger: Trigger{
				Table:      "projects",
				Operation:  change.Update,
				Conditions: []condition.Condition{condition.New("current_stage_id", "changed", nil)},
			},
			Targets:  []Target{entity("project_sub_stages")},
			Strategy: Immediate,
			Priority: High,
		},
		{
			ID:          "sub-stages-write",
			Description: "Sub-stage progress",
			Trigger:     Trigger{Table: "project_sub_stages", Operation: change.Any},
			Targets:     []Target{entity("project_sub_stages")},
			Strategy:    Immediate,
			Priority:    Medium,
		},
		{
			ID:          "contacts-write",
			Description: "Customer and supplier directory",
			Trigger:     Trigger{Table: "contacts", Operation: change.Any},
			Targets:     []Target{entity("contacts")},
			Strategy:    Immediate,
			Priority:    Medium,
		},
		{
			ID:          "contacts-renamed",
			Description: "Project lists embed the customer company name",
			Trigger: Trigger{
				Table:      "contacts",
				Operation:  change.Update,
				Conditions: []condition.Condition{condition.New("company_name", "neq", "old.company_name")},
			},
			Targets:  []Target{entity("projects")},
			Strategy: Debounced,
			Priority: Low,
		},
		{
			ID:       "documents-write",
			Trigger:  Trigger{Table: "documents", Operation: change.Any},
			Targets:  []Target{entity("documents")},
			Strategy: Immediate,
			Priority: Medium,
		},
		{
			ID:       "reviews-write",
			Trigger:  Trigger{Table: "reviews", Operation: change.Any},
			Targets:  []Target{entity("reviews")},
			Strategy: Immediate,
			Priority: Medium,
		},
		{
			ID:          "reviews-decided",
			Description: "A review decision changes the project's review summary",
			Trigger: Trigger{
				Table:      "reviews",
				Operation:  change.Update,
				Conditions: []condition.Condition{condition.New("status", "neq", "old.status")},
			},
			Targets:  []Target{entity("projects")},
			Strategy: Debounced,
			Priority: Medium,
		},
		{
			ID:       "supplier-rfqs-write",
			Trigger:  Trigger{Table: "supplier_rfqs", Operation: change.Any},
			Targets:  []Target{entity("supplier_rfqs")},
			Strategy: Immediate,
			Priority: Medium,
		},
		{
			ID:          "activity-log-insert",
			Description: "Activity feeds tolerate a short delay and receive bursts",
			Trigger:     Trigger{Table: "activity_log", Operation: change.Insert},
			Targets:     []Target{entity("activity_log")},
			Strategy:    Debounced,
			Priority:    Low,
		},
		{
			ID:          "workflow-stages-write",
			Description: "Stage definitions are referenced by every project view",
			Trigger:     Trigger{Table: "workflow_stages", Operation: change.Any},
			Targets:     []Target{{Kind: WholeCache}},
			Strategy:    Immediate,
			Priority:    High,
		},
	}
}
