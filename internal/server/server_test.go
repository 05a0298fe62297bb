package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"govline/internal/broker"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/migrate"
	"govline/internal/repo"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	b := broker.New(e.Repo, cfg, []byte("broker-test-secret"), broker.CallerFunc(
		func(ctx context.Context, in broker.CallInput) ([]byte, error) {
			return []byte(`{"ok":true}`), nil
		}))
	b.Logger = log.New(io.Discard, "", 0)
	handler, err := New(Config{
		Engine:   e,
		Broker:   b,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, EnableDevLogin: true, Logger: log.New(io.Discard, "", 0)},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

// asGroup mints a short-lived token the same way the dev login endpoint does.
func asGroup(t *testing.T, group string) map[string]string {
	t.Helper()
	token, err := signDevToken(testJWTSecret, group, "main")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeErr(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := asGroup(t, "dev-team")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":          "Harden session storage",
		"task_type":      "SECURITY",
		"gate":           "Security",
		"assigned_group": "dev-team",
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.State != "INBOX" || created.Version != 0 {
		t.Fatalf("expected INBOX v0, got %s v%d", created.State, created.Version)
	}
	taskID := created.ID

	for _, to := range []string{"TRIAGED", "READY", "DOING"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{
			"to": to,
		}, dev)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", to, res.StatusCode, string(body))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{
		"to": "REVIEW",
	}, dev)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without summary, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "missing_review_summary" {
		t.Fatalf("expected missing_review_summary, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{
		"to":     "REVIEW",
		"reason": "rotated the signing keys and added regression coverage",
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition to REVIEW: %d %s", res.StatusCode, string(data))
	}
	var reviewed TaskResponse
	_ = json.Unmarshal(data, &reviewed)
	if reviewed.Version != 4 {
		t.Fatalf("expected version 4 after four transitions, got %d", reviewed.Version)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{
		"to": "APPROVAL",
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition to APPROVAL: %d %s", res.StatusCode, string(data))
	}

	// The gate has not signed off yet.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{
		"to": "DONE",
	}, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before approval, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "approvals_missing" {
		t.Fatalf("expected approvals_missing, got %s", env.Error.Code)
	}

	// dev-team is not the Security approver group.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/approve", map[string]any{
		"gate_type": "Security",
	}, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong approver, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "wrong_approver" {
		t.Fatalf("expected wrong_approver, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/approve", map[string]any{
		"gate_type": "Security",
		"notes":     "key rotation verified",
	}, asGroup(t, "security"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approval ApprovalResponse
	_ = json.Unmarshal(data, &approval)
	if approval.ApprovedBy != "security" {
		t.Fatalf("expected approved_by security, got %s", approval.ApprovedBy)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{
		"to":               "DONE",
		"expected_version": 1,
	}, dev)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on stale version, got %d %s", res.StatusCode, string(data))
	}
	env := decodeErr(t, data)
	if env.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %s", env.Error.Code)
	}
	if retryable, _ := env.Error.Details["retryable"].(bool); !retryable {
		t.Fatalf("expected retryable detail on version_conflict: %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{
		"to": "DONE",
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition to DONE: %d %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.State != "DONE" {
		t.Fatalf("expected DONE, got %s", done.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+taskID+"/activities", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activities: %d %s", res.StatusCode, string(data))
	}
	var acts []ActivityResponse
	if err := json.Unmarshal(data, &acts); err != nil {
		t.Fatalf("unmarshal activities: %v", err)
	}
	if len(acts) == 0 {
		t.Fatalf("expected activity rows for the lifecycle")
	}
}

func TestBackwardTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := asGroup(t, "dev-team")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":          "Write release notes",
		"task_type":      "DOC",
		"assigned_group": "dev-team",
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/transition", map[string]any{
		"to": "TRIAGED",
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/transition", map[string]any{
		"to": "INBOX",
	}, dev)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 going backward, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", env.Error.Code)
	}
}

func TestWorkerReportEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ops := asGroup(t, "ops-team")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":          "Rotate access keys",
		"task_type":      "OPS",
		"assigned_group": "ops-team",
	}, ops)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	for _, to := range []string{"TRIAGED", "READY", "DOING"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/transition", map[string]any{
			"to": to,
		}, ops)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", to, res.StatusCode, string(body))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/report", map[string]any{
		"summary": "",
	}, ops)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty summary, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/report", map[string]any{
		"summary": "keys rotated on all hosts, monitors green",
	}, ops)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(data))
	}
	var reported TaskResponse
	_ = json.Unmarshal(data, &reported)
	if reported.State != "REVIEW" {
		t.Fatalf("expected REVIEW after report, got %s", reported.State)
	}

	// record-only report leaves the row alone
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/report", map[string]any{
		"summary": "addendum: staging keys rotated too",
		"advance": false,
	}, ops)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record-only report: %d %s", res.StatusCode, string(data))
	}
	var after TaskResponse
	_ = json.Unmarshal(data, &after)
	if after.State != "REVIEW" || after.Version != reported.Version {
		t.Fatalf("record-only report changed the row: %+v", after)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/report", map[string]any{
		"summary": "outsider report",
	}, asGroup(t, "dev-team"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-assigned group, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %s", env.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", env.Error.Code)
	}

	// The legacy group header is off unless explicitly enabled.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"X-Group": "dev-team",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for legacy header, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need credentials, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	rawKey := "gk_" + uuid.New().String()
	err := srv.engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      uuid.New().String(),
		Group:   "ops-team",
		Name:    "ci runner",
		KeyHash: repo.HashAPIKey(rawKey),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.Group != "ops-team" || who.Privileged || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": "gk_unknown",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestDevLoginFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"group": "dev-team",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.Group != "dev-team" || who.Privileged || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"group": "strangers",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown group, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "group_not_allowed" {
		t.Fatalf("expected group_not_allowed, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"group": "main",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login main: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me as main: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &who)
	if !who.Privileged {
		t.Fatalf("expected the privileged actor to be privileged: %+v", who)
	}
}

func TestProductEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := asGroup(t, "dev-team")
	main := asGroup(t, "main")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/products", map[string]any{
		"id":   "billing",
		"name": "Billing",
	}, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-privileged create, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/products", map[string]any{
		"id":   "billing",
		"name": "Billing",
	}, main)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create product: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/products/billing", map[string]any{
		"status": "killed",
	}, main)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("kill product: %d %s", res.StatusCode, string(data))
	}
	var killed ProductResponse
	_ = json.Unmarshal(data, &killed)
	if killed.Status != "killed" {
		t.Fatalf("expected killed, got %s", killed.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":      "Late fix",
		"task_type":  "BUG",
		"product_id": "billing",
	}, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for killed product, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "product_killed" {
		t.Fatalf("expected product_killed, got %s", env.Error.Code)
	}
}

func TestBrokerCallOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := asGroup(t, "dev-team")
	main := asGroup(t, "main")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/broker/call", map[string]any{
		"provider": "github",
		"action":   "read",
		"params":   map[string]any{"repo": "core"},
	}, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without a grant, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "capability_denied" {
		t.Fatalf("expected capability_denied, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities", map[string]any{
		"group":    "dev-team",
		"provider": "github",
		"level":    "L1",
	}, main)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/broker/call", map[string]any{
		"provider": "github",
		"action":   "read",
		"params":   map[string]any{"repo": "core"},
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("broker call: %d %s", res.StatusCode, string(data))
	}
	var call BrokerCallResponse
	if err := json.Unmarshal(data, &call); err != nil {
		t.Fatalf("unmarshal call: %v", err)
	}
	if call.Call.Status != "executed" {
		t.Fatalf("expected executed, got %s", call.Call.Status)
	}
	if ok, _ := call.Response["ok"].(bool); !ok {
		t.Fatalf("expected provider response to pass through: %v", call.Response)
	}
	if len(call.Call.ParamsHMAC) != 64 || strings.Contains(call.Call.ParamsHMAC, "core") {
		t.Fatalf("params must be stored as a digest: %q", call.Call.ParamsHMAC)
	}

	// Only privileged callers may act on behalf of another group.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/broker/call", map[string]any{
		"group":    "ops-team",
		"provider": "github",
		"action":   "read",
	}, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for impersonation, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/broker/calls?status=denied", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list calls: %d %s", res.StatusCode, string(data))
	}
	var calls []ExtCallResponse
	if err := json.Unmarshal(data, &calls); err != nil {
		t.Fatalf("unmarshal calls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected one denied row, got %d", len(calls))
	}
}

func TestCapabilityResolveScopedToCaller(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := asGroup(t, "dev-team")
	main := asGroup(t, "main")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities", map[string]any{
		"group":    "dev-team",
		"provider": "github",
		"level":    "L2",
	}, main)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities/resolve?provider=github", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve self: %d %s", res.StatusCode, string(data))
	}
	var level EffectiveLevelResponse
	_ = json.Unmarshal(data, &level)
	if level.EffectiveLevel != "L2" {
		t.Fatalf("expected L2, got %s", level.EffectiveLevel)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities/resolve?provider=github&group=ops-team", nil, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-group resolve, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/capabilities/resolve?provider=github&group=dev-team", nil, main)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("privileged resolve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &level)
	if level.Group != "dev-team" || level.EffectiveLevel != "L2" {
		t.Fatalf("unexpected resolve result: %+v", level)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := asGroup(t, "dev-team")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":     "Inventory the queue",
		"task_type": "OPS",
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status struct {
		TaskCounts    map[string]int `json:"task_counts"`
		PolicyVersion int            `json:"policy_version"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.TaskCounts["INBOX"] != 1 {
		t.Fatalf("expected one INBOX task, got %v", status.TaskCounts)
	}
	if status.PolicyVersion != 1 {
		t.Fatalf("expected policy version 1, got %d", status.PolicyVersion)
	}
}
