package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"overseer/internal/app"
	"overseer/internal/config"
	"overseer/internal/db"
	"overseer/internal/domain"
	"overseer/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL      string
	Services *app.Services
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-pipeline")
	svc, err := app.Build(conn, cfg, workspace)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	svc.Kill.Exit = func(int) {}
	svc.SetClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	handler, err := New(Config{Services: svc, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
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
		URL:      "http://" + ln.Addr().String(),
		Services: svc,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string, permissions []string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Permissions:      permissions,
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
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

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions", nil, bearer("not-a-token"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestHITLApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	operator := signToken(t, "operator", operatorPermissions)
	viewer := signToken(t, "viewer", nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", CreateSessionRequest{
		TaskID:    "t1",
		SourceRef: "tickets/OVS-1",
	}, bearer(operator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session %d: %s", res.StatusCode, string(data))
	}

	if _, err := srv.Services.Engine.UpdatePhase(ctx, "t1", "design", "orchestrator"); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Services.Engine.PauseForHITL(ctx, "t1", domain.CheckpointDesignApproval, nil, "orchestrator"); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/hitl", nil, bearer(viewer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list hitl %d: %s", res.StatusCode, string(data))
	}
	var pending []HITLItem
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal hitl: %v", err)
	}
	if len(pending) != 1 || pending[0].TaskID != "t1" || pending[0].Checkpoint != domain.CheckpointDesignApproval {
		t.Fatalf("pending = %+v", pending)
	}

	// a token without the permission cannot resolve the checkpoint
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions/t1/approve", ResolveRequest{Comment: "lgtm"}, bearer(viewer))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("approve without permission %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions/t1/approve", ResolveRequest{Comment: "lgtm"}, bearer(operator))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve %d: %s", res.StatusCode, string(data))
	}
	var approved SessionResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if approved.Status != domain.StatusApproved {
		t.Fatalf("status = %s", approved.Status)
	}

	// second approve hits the state machine
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions/t1/approve", ResolveRequest{}, bearer(operator))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double approve %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	raw := "ovs-test-key-0123456789"
	if _, err := srv.Services.Engine.CreateAPIKey(ctx, "robot", "ci", raw); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key list %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key: %d", res.StatusCode)
	}
}

func TestDocumentChangeAndVerify(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	operator := signToken(t, "operator", nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/changes", ApplyChangeRequest{
		FilePath: "docs/notes.md",
		Content:  "release notes draft",
		Reason:   "initial draft",
	}, bearer(operator))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply change %d: %s", res.StatusCode, string(data))
	}
	var entry ChangelogEntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Result != domain.ChangeSuccess || entry.Grade != "MUTABLE" {
		t.Fatalf("entry = %+v", entry)
	}

	// forbidden content is blocked but still chained
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/changes", ApplyChangeRequest{
		FilePath: "docs/notes.md",
		Content:  "cleanup: rm -rf /srv/data",
	}, bearer(operator))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blocked change %d: %s", res.StatusCode, string(data))
	}
	var blocked ChangelogEntryResponse
	if err := json.Unmarshal(data, &blocked); err != nil {
		t.Fatalf("unmarshal blocked: %v", err)
	}
	if blocked.Result != domain.ChangeBlocked {
		t.Fatalf("blocked entry = %+v", blocked)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/changelog/verify", nil, bearer(operator))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify %d: %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if !verify.Valid || verify.Entries != 2 {
		t.Fatalf("verify = %+v", verify)
	}
}

func TestKillSwitchRecovery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	operator := signToken(t, "operator", operatorPermissions)
	viewer := signToken(t, "viewer", nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/killswitch", nil, bearer(viewer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var ks KillSwitchResponse
	_ = json.Unmarshal(data, &ks)
	if ks.Halted {
		t.Fatalf("halted on a fresh workspace")
	}

	if err := srv.Services.Kill.Halt(ctx, "operator drill", domain.SeverityCritical); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/killswitch", nil, bearer(viewer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status after halt %d: %s", res.StatusCode, string(data))
	}
	ks = KillSwitchResponse{}
	_ = json.Unmarshal(data, &ks)
	if !ks.Halted || ks.Active == nil || ks.Active.Reason != "operator drill" {
		t.Fatalf("killswitch = %+v", ks)
	}

	// writes are refused while halted
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/changes", ApplyChangeRequest{
		FilePath: "docs/notes.md",
		Content:  "draft",
	}, bearer(viewer))
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("write while halted %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/killswitch/recover", RecoverRequest{Note: "drill over"}, bearer(viewer))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("recover without permission %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/killswitch/recover", RecoverRequest{Note: "drill over"}, bearer(operator))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recover %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/killswitch", nil, bearer(viewer))
	ks = KillSwitchResponse{}
	_ = json.Unmarshal(data, &ks)
	if res.StatusCode != http.StatusOK || ks.Halted {
		t.Fatalf("still halted after recovery: %d %s", res.StatusCode, string(data))
	}
}
