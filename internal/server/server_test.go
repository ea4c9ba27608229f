package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"responder/internal/config"
	"responder/internal/db"
	"responder/internal/engine"
	"responder/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
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
	cfg := config.Default("test-org")
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	if _, ok := headers["X-Actor-Id"]; !ok && headers["Authorization"] == "" && headers["X-Api-Key"] == "" {
		req.Header.Set("X-Actor-Id", "tester")
	}
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

func createIncident(t *testing.T, srv *testServer, body map[string]any) IncidentResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/incidents", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident status %d: %s", res.StatusCode, string(data))
	}
	var inc IncidentResponse
	if err := json.Unmarshal(data, &inc); err != nil {
		t.Fatalf("unmarshal incident: %v", err)
	}
	return inc
}

func TestIncidentLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inc := createIncident(t, srv, map[string]any{
		"type":     "malware",
		"severity": "medium",
		"title":    "Cryptominer on CI runner",
	})
	if inc.Status != "detected" || inc.ReportedBy != "tester" {
		t.Fatalf("created incident = %+v", inc)
	}

	statusRes, statusBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/incidents/"+inc.ID+"/status", map[string]any{
		"status":  "contained",
		"details": "runner drained",
	}, nil)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("status update %d: %s", statusRes.StatusCode, string(statusBody))
	}
	var updated IncidentResponse
	if err := json.Unmarshal(statusBody, &updated); err != nil {
		t.Fatalf("unmarshal updated: %v", err)
	}
	if updated.Status != "contained" || updated.ContainedAt == nil {
		t.Fatalf("updated incident = %+v", updated)
	}

	evRes, evBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents/"+inc.ID+"/evidence", map[string]any{
		"type":        "file",
		"description": "miner binary",
		"location":    "s3://forensics/miner.bin",
	}, nil)
	if evRes.StatusCode != http.StatusCreated {
		t.Fatalf("add evidence %d: %s", evRes.StatusCode, string(evBody))
	}
	var ev EvidenceResponse
	if err := json.Unmarshal(evBody, &ev); err != nil {
		t.Fatalf("unmarshal evidence: %v", err)
	}
	if ev.CollectedBy != "tester" {
		t.Fatalf("collected_by = %q", ev.CollectedBy)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents/"+inc.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get incident %d: %s", getRes.StatusCode, string(getBody))
	}
	var fetched IncidentResponse
	if err := json.Unmarshal(getBody, &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if len(fetched.Evidence) != 1 || len(fetched.Timeline) < 3 {
		t.Fatalf("fetched incident timeline=%d evidence=%d", len(fetched.Timeline), len(fetched.Evidence))
	}

	reportRes, reportBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents/"+inc.ID+"/report", nil, nil)
	if reportRes.StatusCode != http.StatusOK {
		t.Fatalf("report %d: %s", reportRes.StatusCode, string(reportBody))
	}
	var report ReportResponse
	if err := json.Unmarshal(reportBody, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.ContainmentTime == nil {
		t.Fatalf("report missing containment time: %s", string(reportBody))
	}
	if report.EvidenceCount != 1 {
		t.Fatalf("evidence count = %d", report.EvidenceCount)
	}
}

func TestExecutePlaybookEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inc := createIncident(t, srv, map[string]any{
		"type":     "ddos",
		"severity": "high",
		"title":    "UDP amplification against api",
	})

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents/"+inc.ID+"/playbook", map[string]any{
		"playbook_id": "pb-ddos-high",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("execute playbook %d: %s", res.StatusCode, string(body))
	}

	actionsRes, actionsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents/"+inc.ID+"/actions", nil, nil)
	if actionsRes.StatusCode != http.StatusOK {
		t.Fatalf("list actions %d: %s", actionsRes.StatusCode, string(actionsBody))
	}
	var actions []ActionItemResponse
	if err := json.Unmarshal(actionsBody, &actions); err != nil {
		t.Fatalf("unmarshal actions: %v", err)
	}
	if len(actions) != 1 || actions[0].AssignedTo != "network-ops" {
		t.Fatalf("actions = %+v", actions)
	}

	updRes, updBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/actions/"+actions[0].ID, map[string]any{
		"status": "completed",
	}, nil)
	if updRes.StatusCode != http.StatusOK {
		t.Fatalf("update action %d: %s", updRes.StatusCode, string(updBody))
	}
	var updated ActionItemResponse
	if err := json.Unmarshal(updBody, &updated); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if updated.Status != "completed" || updated.CompletedAt == nil {
		t.Fatalf("updated action = %+v", updated)
	}
}

func TestRecommendationsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inc := createIncident(t, srv, map[string]any{
		"type":     "account_compromise",
		"severity": "high",
		"title":    "OAuth token replay",
	})

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents/"+inc.ID+"/recommendations", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recommendations %d: %s", res.StatusCode, string(body))
	}
	var recs RecommendationsResponse
	if err := json.Unmarshal(body, &recs); err != nil {
		t.Fatalf("unmarshal recommendations: %v", err)
	}
	if recs.IncidentID != inc.ID || len(recs.Recommendations) == 0 {
		t.Fatalf("recommendations = %+v", recs)
	}
	// high severity demotes immediate items to short term
	if len(recs.Immediate) != 0 {
		t.Fatalf("immediate bucket populated for high severity: %v", recs.Immediate)
	}
	if len(recs.ShortTerm) == 0 {
		t.Fatalf("short term bucket empty")
	}
}

func TestPlaybookCatalogEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/playbooks?type=ddos&severity=high", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list playbooks %d: %s", res.StatusCode, string(body))
	}
	var list []PlaybookResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal playbooks: %v", err)
	}
	if len(list) != 1 || list[0].ID != "pb-ddos-high" {
		t.Fatalf("playbooks = %+v", list)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/playbooks/pb-data-breach-critical", nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get playbook %d: %s", getRes.StatusCode, string(getBody))
	}

	missRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/playbooks/pb-nope", nil, nil)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("missing playbook status = %d", missRes.StatusCode)
	}
}

func TestIncidentListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		createIncident(t, srv, map[string]any{
			"type":     "other",
			"severity": "low",
			"title":    "probe",
		})
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", res.StatusCode, string(body))
	}
	var page paginatedIncidents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = items:%d cursor:%q", len(page.Items), page.NextCursor)
	}

	res2, body2 := doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("second page %d: %s", res2.StatusCode, string(body2))
	}
	var page2 paginatedIncidents
	if err := json.Unmarshal(body2, &page2); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(page2.Items) != 1 || page2.NextCursor != "" {
		t.Fatalf("second page = items:%d cursor:%q", len(page2.Items), page2.NextCursor)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/incidents", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestDevLoginAndBearer(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"security-lead"},
	}, map[string]string{"X-Actor-Id": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("empty token")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me %d: %s", meRes.StatusCode, string(meBody))
	}
	var me map[string]any
	if err := json.Unmarshal(meBody, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me["actor_id"] != "alice" || me["source"] != "jwt" {
		t.Fatalf("me = %v", me)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/incidents/INC-missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestValidationRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/incidents", map[string]any{
		"type":     "malware",
		"severity": "catastrophic",
		"title":    "bad severity",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", res.StatusCode, string(body))
	}

	emptyRes, emptyBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/incidents", nil, nil)
	if emptyRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d: %s", emptyRes.StatusCode, string(emptyBody))
	}
}

func TestEventLogEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inc := createIncident(t, srv, map[string]any{
		"type":     "other",
		"severity": "low",
		"title":    "audit trail check",
	})
	_, _ = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/incidents/"+inc.ID+"/status", map[string]any{
		"status": "triaged",
	}, nil)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?incident_id="+inc.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(body))
	}
	var page struct {
		Items []EventResponse `json:"items"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("events = %d, want 2", len(page.Items))
	}
	if page.Items[0].Type != "incident.status_updated" {
		t.Fatalf("newest event type = %q", page.Items[0].Type)
	}
}
