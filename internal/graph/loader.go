package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// submissionSchema structurally validates a submission document before any
// descriptor is decoded. Cycle and owner checks happen afterwards in Add.
const submissionSchema = `{
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"tasks": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "owner"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"subject": {"type": "string"},
					"owner": {"type": "string", "minLength": 1},
					"blocked_by": {
						"type": "array",
						"items": {
							"oneOf": [
								{"type": "string", "minLength": 1},
								{
									"type": "object",
									"required": ["id"],
									"properties": {
										"id": {"type": "string", "minLength": 1},
										"optional": {"type": "boolean"}
									}
								}
							]
						}
					},
					"max_attempts": {"type": "integer", "minimum": 1},
					"deadline_seconds": {"type": "integer", "minimum": 1}
				}
			}
		}
	}
}`

var compiledSubmissionSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal submission schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("submission.json", doc); err != nil {
		panic(fmt.Sprintf("add submission schema: %v", err))
	}
	s, err := c.Compile("submission.json")
	if err != nil {
		panic(fmt.Sprintf("compile submission schema: %v", err))
	}
	return s
}

// Descriptor is one task in a submission document. Workers submit the same
// shape when registering children mid-run.
type Descriptor struct {
	ID              string `yaml:"id" json:"id"`
	Subject         string `yaml:"subject" json:"subject"`
	Owner           string `yaml:"owner" json:"owner"`
	BlockedBy       []Dep  `yaml:"-" json:"blocked_by,omitempty"`
	MaxAttempts     int    `yaml:"max_attempts" json:"max_attempts,omitempty"`
	DeadlineSeconds int    `yaml:"deadline_seconds" json:"deadline_seconds,omitempty"`

	// RawBlockedBy accepts both the shorthand string form and the full
	// {id, optional} form in YAML.
	RawBlockedBy []yaml.Node `yaml:"blocked_by"`
}

// Task converts the descriptor into a fresh Pending task.
func (d Descriptor) Task() *Task {
	return &Task{
		ID:              d.ID,
		Subject:         d.Subject,
		Owner:           d.Owner,
		Status:          StatusPending,
		BlockedBy:       append([]Dep(nil), d.BlockedBy...),
		MaxAttempts:     d.MaxAttempts,
		DeadlineSeconds: d.DeadlineSeconds,
	}
}

type submissionDoc struct {
	Tasks []Descriptor `yaml:"tasks"`
}

// ParseSubmission validates a YAML submission document against the schema
// and returns its descriptors. Validation failures surface synchronously as
// *ValidationError; nothing enters the graph.
func ParseSubmission(data []byte) ([]Descriptor, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, invalidf(nil, "parse submission: %v", err)
	}
	// Round-trip through JSON so the schema library sees json-shaped values.
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return nil, invalidf(nil, "encode submission: %v", err)
	}
	doc2, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, invalidf(nil, "decode submission: %v", err)
	}
	if err := compiledSubmissionSchema.Validate(doc2); err != nil {
		return nil, invalidf(nil, "schema: %v", err)
	}

	var doc submissionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalidf(nil, "decode submission: %v", err)
	}
	for i := range doc.Tasks {
		deps, err := decodeDeps(doc.Tasks[i].RawBlockedBy)
		if err != nil {
			return nil, invalidf([]string{doc.Tasks[i].ID}, "%v", err)
		}
		doc.Tasks[i].BlockedBy = deps
		doc.Tasks[i].RawBlockedBy = nil
	}
	return doc.Tasks, nil
}

func decodeDeps(nodes []yaml.Node) ([]Dep, error) {
	var deps []Dep
	for _, n := range nodes {
		switch n.Kind {
		case yaml.ScalarNode:
			var id string
			if err := n.Decode(&id); err != nil {
				return nil, fmt.Errorf("decode dependency: %w", err)
			}
			deps = append(deps, Dep{ID: id})
		case yaml.MappingNode:
			var d Dep
			if err := n.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode dependency: %w", err)
			}
			deps = append(deps, d)
		default:
			return nil, fmt.Errorf("dependency must be a string or {id, optional} mapping")
		}
	}
	return deps, nil
}

// LoadSubmissionFile reads and parses a submission document from disk.
func LoadSubmissionFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submission %s: %w", path, err)
	}
	return ParseSubmission(data)
}
