package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/app"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/notification"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/uow"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// Invoice is the entity type the finance fixtures bind workflows to.
type Invoice struct {
	model.WorkflowState
	model.Fields
	model.EventRecorder

	ID         string
	Tenant     string
	CreatedBy  string
	ModifiedBy string
}

func (i *Invoice) EntityType() string        { return "Invoice" }
func (i *Invoice) EntityID() string          { return i.ID }
func (i *Invoice) TenantID() string          { return i.Tenant }
func (i *Invoice) SetTenantID(tenant string) { i.Tenant = tenant }
func (i *Invoice) Module() string            { return "Finance" }

func (i *Invoice) StampCreated(by string, _ time.Time)  { i.CreatedBy = by }
func (i *Invoice) StampModified(by string, _ time.Time) { i.ModifiedBy = by }

// NewInvoice returns an invoice for the given amount.
func NewInvoice(id string, amount float64) *Invoice {
	return &Invoice{ID: id, Fields: model.Fields{"amount": amount, "vendorId": "v-100"}}
}

// TestHarness runs the approval engine behind an httptest server with
// in-memory stores and a JWKS-backed token issuer.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	App       *app.App
	Config    *config.Config
	Invoices  *workflow.MemoryRepository
	Published *notification.MemoryPublisher
	Registry  *prometheus.Registry

	mu      sync.Mutex
	deleted map[string]bool
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	handlerTimeout time.Duration
	configure      []func(*config.Config)
}

// WithDefinitions replaces the definition directories.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithConfig applies fn to the configuration before the engine is built.
func WithConfig(fn func(*config.Config)) HarnessOption {
	return func(c *harnessConfig) {
		c.configure = append(c.configure, fn)
	}
}

// NewTestHarness builds and starts the engine. Everything is torn down by
// t.Cleanup.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{filepath.Join(testdataDir(), "definitions")},
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	issuer := newTokenIssuer(t)

	cfg := config.Defaults()
	cfg.Definitions.Directories = hc.definitionDirs
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Identity.Algorithms = []string{"RS256"}
	cfg.Retry.Interval = 20 * time.Millisecond
	cfg.Retry.BackoffInitial = time.Millisecond
	cfg.Retry.BackoffMax = 5 * time.Millisecond
	cfg.Retry.MaxAttempts = 1
	for _, fn := range hc.configure {
		fn(cfg)
	}
	// The secret env var must not leak into the JWKS-only setup.
	t.Setenv(cfg.Identity.SecretEnv, "")

	registry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(registry)
	ctx, cancel := context.WithCancel(context.Background())

	engine, err := app.New(ctx, cfg, metrics, zap.NewNop())
	if err != nil {
		cancel()
		t.Fatalf("build engine: %v", err)
	}

	invoices := workflow.NewMemoryRepository()
	engine.Repositories.Register("Invoice", invoices)

	authenticate, err := engine.Authenticator()
	if err != nil {
		cancel()
		engine.Close()
		t.Fatalf("build authenticator: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()

	srv := httptest.NewServer(engine.Handler(authenticate))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		engine.Close()
	})

	published, _ := engine.Publisher.(*notification.MemoryPublisher)

	return &TestHarness{
		t:         t,
		server:    srv,
		issuer:    issuer,
		App:       engine,
		Config:    cfg,
		Invoices:  invoices,
		Published: published,
		Registry:  registry,
		deleted:   make(map[string]bool),
	}
}

// repoUnit is a unit of work over the harness invoice repository.
type repoUnit struct {
	h       *TestHarness
	entries []*uow.Entry
}

func (u *repoUnit) Pending() []*uow.Entry { return u.entries }

func (u *repoUnit) Commit(context.Context) (int64, error) {
	var rows int64
	for _, e := range u.entries {
		inv := e.Entity.(*Invoice)
		switch e.State {
		case uow.Added, uow.Modified:
			u.h.Invoices.Put(inv.Tenant, inv)
		case uow.Deleted:
			u.h.mu.Lock()
			u.h.deleted[inv.Tenant+"/"+inv.ID] = true
			u.h.mu.Unlock()
		default:
			continue
		}
		rows++
	}
	return rows, nil
}

// Save runs inv through the persistence hook as the caller in claims.
func (h *TestHarness) Save(claims TestClaims, inv *Invoice, state uow.EntryState) (int64, error) {
	h.t.Helper()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: claims.SubjectID,
		TenantID:  claims.TenantID,
		Email:     claims.Email,
		Roles:     claims.Roles,
	})
	entry := &uow.Entry{Entity: inv, State: state}
	if state != uow.Added {
		entry.OriginalStatus = inv.Workflow().CurrentStatus()
	}
	return h.App.Hook.SaveChanges(ctx, &repoUnit{h: h, entries: []*uow.Entry{entry}})
}

// Deleted reports whether a save removed the invoice.
func (h *TestHarness) Deleted(tenantID, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleted[tenantID+"/"+id]
}

// WaitForEvents polls the publisher until at least n events of the type
// were published.
func (h *TestHarness) WaitForEvents(eventType string, n int) []model.Event {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		events := h.Published.OfType(eventType)
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("got %d %s events, want %d", len(events), eventType, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// BaseURL returns the test server URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates an expired JWT with the given claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GET performs a GET request against the test server.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs a POST request with extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// Approve posts an approval for the invoice.
func (h *TestHarness) Approve(id, token string, body map[string]any) *http.Response {
	h.t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	return h.POST("/v1/workflows/Invoice/"+id+"/approve", body, token)
}

// Reject posts a rejection for the invoice.
func (h *TestHarness) Reject(id, token string, body map[string]any) *http.Response {
	h.t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	return h.POST("/v1/workflows/Invoice/"+id+"/reject", body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON decodes and closes the response body.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus fails the test when the status differs, printing the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		h.AssertStatus(t, resp, expected)
		return
	}
	h.ParseJSON(resp, target)
}

// errorCode extracts the error envelope code from a response.
func (h *TestHarness) errorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// ClerkClaims submits invoices.
func ClerkClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-clerk",
		TenantID:  "acme-corp",
		Email:     "clerk@acme.example.com",
		Roles:     []string{"ap-clerk"},
	}
}

// ManagerClaims approves the MANAGER step.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  "acme-corp",
		Email:     "manager@acme.example.com",
		Roles:     []string{"finance-manager"},
	}
}

// DirectorClaims approves the optional DIRECTOR step.
func DirectorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-director",
		TenantID:  "acme-corp",
		Email:     "director@acme.example.com",
		Roles:     []string{"director"},
	}
}

// FinanceClaims approves the FINANCE step as subject.
func FinanceClaims(subject string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		TenantID:  "acme-corp",
		Email:     subject + "@acme.example.com",
		Roles:     []string{"finance-approver"},
	}
}

// ControllerClaims approves invoice voids.
func ControllerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-controller",
		TenantID:  "acme-corp",
		Email:     "controller@acme.example.com",
		Roles:     []string{"controller"},
	}
}

// OtherTenantClaims is a manager in a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-globex",
		TenantID:  "globex",
		Email:     "manager@globex.example.com",
		Roles:     []string{"finance-manager"},
	}
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
