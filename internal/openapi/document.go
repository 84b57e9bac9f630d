// Package openapi loads the embedded OpenAPI document of the approvals API
// and validates signal request bodies against its schemas.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/approvals/model"
)

//go:embed approvals.yaml
var spec []byte

// Operation is an indexed operation of the document.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	RequestBody  *openapi3.RequestBody
}

// Document is the parsed API description, indexed by operationId.
type Document struct {
	doc        *openapi3.T
	operations map[string]Operation
}

// Load parses and validates the embedded document.
func Load() (*Document, error) {
	return Parse(spec)
}

// Parse parses and validates an OpenAPI document.
func Parse(data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	d := &Document{doc: doc, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}
			d.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				RequestBody:  body,
			}
		}
	}
	return d, nil
}

// Operation returns the operation with the given operationId.
func (d *Document) Operation(operationID string) (Operation, bool) {
	op, ok := d.operations[operationID]
	return op, ok
}

// OperationIDs returns every indexed operationId, sorted.
func (d *Document) OperationIDs() []string {
	ids := make([]string, 0, len(d.operations))
	for id := range d.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBody checks a JSON request body against the operation's schema.
// An empty body is accepted when the request body is optional. Violations
// are returned as a VALIDATION_ERROR envelope.
func (d *Document) ValidateBody(operationID string, raw []byte) error {
	op, ok := d.operations[operationID]
	if !ok {
		return fmt.Errorf("openapi: unknown operation %q", operationID)
	}
	if op.RequestBody == nil {
		return nil
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		if op.RequestBody.Required {
			return model.NewValidationError([]model.FieldError{{Field: "body", Code: "required", Message: "request body is required"}})
		}
		return nil
	}

	media := op.RequestBody.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	err := media.Schema.Value.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return model.NewValidationError(fieldErrors(err))
}

func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		if field == "" {
			field = "body"
		}
		return []model.FieldError{{Field: field, Code: se.SchemaField, Message: se.Reason}}
	}
	return []model.FieldError{{Field: "body", Code: "invalid", Message: err.Error()}}
}

// Handler serves the raw document.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(spec)
	}
}
