package planner

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

const planSchema = `{
	"type": "object",
	"required": ["goal", "phases"],
	"properties": {
		"goal": {"type": "string", "minLength": 1},
		"phases": {
			"type": "array",
			"minItems": 1,
			"maxItems": 20,
			"items": {
				"type": "object",
				"required": ["id", "title", "capabilities"],
				"properties": {
					"id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,63}$"},
					"title": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"capabilities": {"type": "array", "items": {"type": "string"}, "uniqueItems": true}
				}
			}
		}
	}
}`

var compiledPlanSchema = jsonschema.MustCompileString("plan.json", planSchema)

// Validate checks plan shape and semantics: schema conformance, unique
// phase ids, registered capabilities and a current phase that exists.
func (p *Planner) Validate(plan *models.Plan) error {
	if plan == nil {
		return errs.New(errs.PlanValidationError, "no plan")
	}
	c := plan.Clone()
	for i := range c.Phases {
		if c.Phases[i].Capabilities == nil {
			c.Phases[i].Capabilities = []string{}
		}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return errs.Wrap(errs.PlanValidationError, err, "plan is not encodable")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errs.Wrap(errs.PlanValidationError, err, "plan is not decodable")
	}
	if err := compiledPlanSchema.Validate(doc); err != nil {
		return errs.Wrap(errs.PlanValidationError, err, "plan does not match schema")
	}

	seen := make(map[string]bool, len(plan.Phases))
	for _, ph := range plan.Phases {
		if seen[ph.ID] {
			return errs.New(errs.PlanValidationError, "duplicate phase id %q", ph.ID)
		}
		seen[ph.ID] = true
		if p.registry == nil {
			continue
		}
		for _, c := range ph.Capabilities {
			if _, ok := p.registry.Lookup(c); !ok {
				return errs.New(errs.PlanValidationError, "phase %q uses unknown tool %q", ph.ID, c)
			}
		}
	}
	if plan.CurrentPhaseID != "" && !seen[plan.CurrentPhaseID] {
		return errs.New(errs.PlanValidationError, "current phase %q is not in the plan", plan.CurrentPhaseID)
	}
	return nil
}
