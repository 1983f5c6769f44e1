package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/offq/internal/op"
)

// Schemas maps a resource type (the first segment of a resource tag, so
// "notes/7" is type "notes") to a compiled JSON Schema.
type Schemas map[string]*jsonschema.Schema

// CompileSchemas compiles raw JSON Schema documents keyed by resource type.
func CompileSchemas(docs map[string][]byte) (Schemas, error) {
	c := jsonschema.NewCompiler()

	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	locations := make(map[string]string, len(docs))
	for _, name := range names {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(docs[name]))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		loc := "offq://schemas/" + name + ".json"
		if err := c.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		locations[name] = loc
	}

	out := make(Schemas, len(docs))
	for _, name := range names {
		sch, err := c.Compile(locations[name])
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

// LoadSchemaFiles reads and compiles schema files keyed by resource type.
func LoadSchemaFiles(paths map[string]string) (Schemas, error) {
	docs := make(map[string][]byte, len(paths))
	for name, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		docs[name] = data
	}
	return CompileSchemas(docs)
}

// ResourceType returns the first path segment of a resource tag.
func ResourceType(resource string) string {
	resource = strings.Trim(resource, "/")
	if i := strings.IndexByte(resource, '/'); i >= 0 {
		return resource[:i]
	}
	return resource
}

// Validating checks create and update payloads against per-resource
// schemas before delegating. A payload that fails validation is a terminal
// failure and the remote is never contacted. Resources without a schema
// pass through.
type Validating struct {
	next    Submitter
	schemas Schemas
}

// NewValidating wraps next.
func NewValidating(next Submitter, schemas Schemas) *Validating {
	return &Validating{next: next, schemas: schemas}
}

// Validate checks o against its schema without submitting.
func (v *Validating) Validate(o op.Operation) error {
	if o.Kind == op.KindDelete {
		return nil
	}
	sch, ok := v.schemas[ResourceType(o.Resource)]
	if !ok {
		return nil
	}
	payload := o.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}

// Submit validates, then delegates.
func (v *Validating) Submit(ctx context.Context, o op.Operation) op.Outcome {
	if err := v.Validate(o); err != nil {
		return op.TerminalOutcome(op.ClassValidation, err.Error())
	}
	return v.next.Submit(ctx, o)
}
