package openapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/approvals/model"
)

func loadDocument(t *testing.T) *Document {
	t.Helper()
	d, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return d
}

func TestLoad_indexesOperations(t *testing.T) {
	d := loadDocument(t)

	ids := d.OperationIDs()
	want := []string{"approve", "listHistory", "reject"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("OperationIDs() = %v, want %v", ids, want)
	}

	op, ok := d.Operation("approve")
	if !ok {
		t.Fatal("approve not found")
	}
	if op.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", op.Method)
	}
	if op.PathTemplate != "/v1/workflows/{entityType}/{entityId}/approve" {
		t.Errorf("PathTemplate = %q", op.PathTemplate)
	}
	if op.RequestBody == nil {
		t.Error("approve should declare a request body")
	}
}

func TestParse_invalidDocument(t *testing.T) {
	if _, err := Parse([]byte("openapi: 3.0.3\ninfo: {}\n")); err == nil {
		t.Error("expected error for document without title and paths")
	}
	if _, err := Parse([]byte("{not yaml")); err == nil {
		t.Error("expected error for unparsable document")
	}
}

func TestValidateBody(t *testing.T) {
	d := loadDocument(t)

	tests := []struct {
		name      string
		operation string
		body      string
		wantCode  string
		wantField string
	}{
		{name: "empty approve", operation: "approve", body: ""},
		{name: "valid approve", operation: "approve", body: `{"comments":"fine","step_code":"MANAGER"}`},
		{name: "valid reject", operation: "reject", body: `{"reason":"duplicate","return_to_originator":true}`},
		{name: "unknown fields allowed", operation: "approve", body: `{"extra":1}`},
		{name: "wrong type", operation: "approve", body: `{"comments":42}`, wantCode: model.ErrValidationError, wantField: "comments"},
		{name: "wrong boolean", operation: "reject", body: `{"return_to_originator":"yes"}`, wantCode: model.ErrValidationError, wantField: "return_to_originator"},
		{name: "too long", operation: "reject", body: `{"reason":"` + strings.Repeat("x", 1001) + `"}`, wantCode: model.ErrValidationError, wantField: "reason"},
		{name: "not an object", operation: "approve", body: `[1,2]`, wantCode: model.ErrValidationError, wantField: "body"},
		{name: "malformed", operation: "approve", body: `{`, wantCode: model.ErrBadRequest},
		{name: "no body schema", operation: "listHistory", body: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.ValidateBody(tt.operation, []byte(tt.body))
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("ValidateBody() error = %v", err)
				}
				return
			}
			if code := model.CodeOf(err); code != tt.wantCode {
				t.Fatalf("code = %q, want %q (err=%v)", code, tt.wantCode, err)
			}
			if tt.wantField == "" {
				return
			}
			env := err.(*model.ErrorEnvelope)
			found := false
			for _, fe := range env.Details {
				if fe.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("details = %+v, want field %q", env.Details, tt.wantField)
			}
		})
	}
}

func TestValidateBody_unknownOperation(t *testing.T) {
	d := loadDocument(t)
	if err := d.ValidateBody("deleteEverything", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler()(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "operationId: approve") {
		t.Error("document body not served")
	}
}
