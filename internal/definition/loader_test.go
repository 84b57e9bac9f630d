package definition

import (
	"testing"

	"github.com/pitabwire/approvals/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	b, err := l.LoadFile("testdata/finance/invoices.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if b.Module != "Finance" {
		t.Errorf("Module = %q, want Finance", b.Module)
	}
	if len(b.Workflows) != 1 {
		t.Fatalf("Workflows = %d, want 1", len(b.Workflows))
	}
	wf := b.Workflows[0]
	if wf.Code != "WF-INVOICE" || wf.Version != 2 {
		t.Errorf("Workflow = %s v%d, want WF-INVOICE v2", wf.Code, wf.Version)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(wf.Steps))
	}
	if wf.Steps[0].OnApproval == nil || wf.Steps[0].OnApproval.NextStepCode != "IT" {
		t.Errorf("Steps[0].OnApproval = %+v, want next IT", wf.Steps[0].OnApproval)
	}
	if !wf.Steps[1].OnApproval.CompleteWorkflow {
		t.Error("Steps[1].OnApproval.CompleteWorkflow = false, want true")
	}
	if !wf.Notifications.SendEmailNotifications {
		t.Error("SendEmailNotifications = false, want true")
	}

	if len(b.EntityConfigs) != 1 {
		t.Fatalf("EntityConfigs = %d, want 1", len(b.EntityConfigs))
	}
	cfg := b.EntityConfigs[0]
	if cfg.Module != "Finance" {
		t.Errorf("EntityConfig.Module = %q, want inherited Finance", cfg.Module)
	}
	conds := cfg.TriggerConditionsFor(model.OperationCreate)
	if len(conds) != 1 || conds[0].Operator != model.OpGreaterThan {
		t.Fatalf("create conditions = %+v", conds)
	}
	if v, ok := conds[0].Value.(int); !ok || v != 1000 {
		t.Errorf("condition value = %#v, want int 1000", conds[0].Value)
	}

	if b.Templates["approval-requested"] == "" {
		t.Error("template approval-requested missing")
	}
	if b.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if b.SourceFile != "testdata/finance/invoices.yaml" {
		t.Errorf("SourceFile = %q", b.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	bundles, err := l.LoadAll([]string{"testdata/finance"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(bundles) != 1 {
		t.Fatalf("LoadAll() = %d bundles, want 1", len(bundles))
	}
}

func TestLoader_LoadAll_missing_directory(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/does-not-exist"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestParse_checksumIsStable(t *testing.T) {
	data := []byte("workflows: []\n")
	a, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b, _ := Parse(data)
	if a.Checksum != b.Checksum {
		t.Errorf("checksums differ: %s vs %s", a.Checksum, b.Checksum)
	}
}
