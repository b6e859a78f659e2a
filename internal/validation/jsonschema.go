package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weftflow/weft/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for Workflow validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weftflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["position", "type", "alias", "config"],
      "properties": {
        "position": { "type": "integer", "minimum": 1 },
        "type": {
          "type": "string",
          "enum": ["browser", "reasoning", "transform", "iterate", "route", "handle"]
        },
        "alias": {
          "type": "string",
          "pattern": "^[a-z][a-z0-9_]*$"
        },
        "description": { "type": "string" },
        "config": { "type": "object", "minProperties": 1 },
        "store_variable": { "type": "string" },
        "store_to_record": { "type": "boolean" },
        "as": { "type": "string" },
        "create_records": { "$ref": "#/$defs/create_records" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "create_records": {
      "type": "object",
      "required": ["record_type"],
      "properties": {
        "record_type": { "type": "string", "minLength": 1 },
        "id_pattern": { "type": "string" },
        "mode": {
          "type": "string",
          "enum": ["create", "update", "upsert"]
        },
        "items_path": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks workflow definitions before they reach the engine.
// It is safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator creates a Validator with the workflow schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://weftflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://weftflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{workflowSchema: wfSchema}, nil
}

// ValidateWorkflow validates a workflow against the JSON Schema, then runs
// the structural checks the schema cannot express: unique aliases and
// positions, known body references, single ownership.
func (v *Validator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toWeftError(err)
	}

	return validateStructure(wf)
}

func validateStructure(wf *schema.Workflow) error {
	byAlias := make(map[string]*schema.NodeDefinition, len(wf.Nodes))
	positions := make(map[int]string, len(wf.Nodes))
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if _, dup := byAlias[node.Alias]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node alias %q", node.Alias)
		}
		byAlias[node.Alias] = node
		if other, dup := positions[node.Position]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"nodes %q and %q share position %d", other, node.Alias, node.Position)
		}
		positions[node.Position] = node.Alias
	}

	owned := map[string]string{}
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if !node.Type.IsControlFlow() {
			continue
		}
		members, err := bodyAliases(node)
		if err != nil {
			return err
		}
		for _, alias := range members {
			if alias == node.Alias {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"node %q cannot reference itself", node.Alias).WithNode(node.Alias, node.Position)
			}
			if _, known := byAlias[alias]; !known {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"node %q references unknown alias %q", node.Alias, alias).
					WithNode(node.Alias, node.Position)
			}
			if owner, taken := owned[alias]; taken && owner != node.Alias {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"alias %q owned by both %q and %q", alias, owner, node.Alias)
			}
			owned[alias] = node.Alias
		}
	}
	return nil
}

func bodyAliases(node *schema.NodeDefinition) ([]string, error) {
	var aliases []string
	fail := func(err error) ([]string, error) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid %s config: %s", node.Type, err.Error()).
			WithNode(node.Alias, node.Position).WithCause(err)
	}
	switch node.Type {
	case schema.NodeTypeIterate:
		var cfg schema.IterateConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail(err)
		}
		if len(cfg.Body) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "iterate node has an empty body").
				WithNode(node.Alias, node.Position)
		}
		if cfg.Over == nil && cfg.OverRecords == "" {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"iterate node needs either over or over_records").
				WithNode(node.Alias, node.Position)
		}
		aliases = cfg.Body
	case schema.NodeTypeRoute:
		var cfg schema.RouteConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail(err)
		}
		if len(cfg.Paths) == 0 && len(cfg.Branches) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"route node needs either paths or branches").
				WithNode(node.Alias, node.Position)
		}
		for _, members := range cfg.Paths {
			aliases = append(aliases, members...)
		}
		for _, branch := range cfg.Branches {
			if branch.When == "" {
				return nil, schema.NewError(schema.ErrCodeValidation,
					"route branch has an empty condition").
					WithNode(node.Alias, node.Position)
			}
			aliases = append(aliases, branch.Nodes...)
		}
		aliases = append(aliases, cfg.Default...)
	case schema.NodeTypeHandle:
		var cfg schema.HandleConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail(err)
		}
		if len(cfg.Try) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "handle node has an empty try body").
				WithNode(node.Alias, node.Position)
		}
		aliases = append(aliases, cfg.Try...)
		aliases = append(aliases, cfg.Catch...)
		aliases = append(aliases, cfg.Finally...)
	}
	return aliases, nil
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number as required by the jsonschema library.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toWeftError converts a jsonschema.ValidationError into a WeftError with
// one message per leaf violation.
func toWeftError(err error) *schema.WeftError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
