package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"bidreach/internal/config"
	"bidreach/internal/db"
	"bidreach/internal/domain"
	"bidreach/internal/engine"
	"bidreach/internal/migrate"
	"bidreach/internal/repo"
	"bidreach/internal/transport"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Now    time.Time
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type recordingTransport struct {
	sent []transport.Message
}

func (r *recordingTransport) Send(ctx context.Context, m transport.Message) (string, error) {
	r.sent = append(r.sent, m)
	return fmt.Sprintf("ref-%d", len(r.sent)), nil
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Discovery.Static = []config.StaticContractor{{
		Name:      "Acme Plumbing",
		Address:   "100 Congress Ave, Austin, TX 78701",
		ZipCode:   "78701",
		Phone:     "(512) 555-0101",
		Email:     "bids@acmeplumbing.com",
		Relevance: 4.5,
	}}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv := &testServer{Now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	e.Now = func() time.Time { return srv.Now }
	rec := &recordingTransport{}
	e.Transports = map[domain.Channel]transport.Transport{
		domain.ChannelEmail: rec,
		domain.ChannelSMS:   rec,
		domain.ChannelVoice: rec,
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpSrv := &http.Server{Handler: handler}
	go httpSrv.Serve(ln)
	srv.URL = "http://" + ln.Addr().String()
	srv.Engine = e
	srv.client = &http.Client{}
	srv.close = func() {
		httpSrv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
	t.Cleanup(srv.Close)
	return srv
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

func doForm(t *testing.T, client *http.Client, target string, form url.Values) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
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

func submitBidRequest(t *testing.T, srv *testServer, projectID string) BidRequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/bid-request", map[string]any{
		"project_id":      projectID,
		"zip_code":        "78701",
		"project_type":    "plumbing",
		"project_details": "Replace water heater",
		"bid_link":        "https://bids.example.com/" + projectID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bid request status %d: %s", res.StatusCode, string(data))
	}
	var out BidRequestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return out
}

func TestHealthOpen(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body %v", body)
	}
}

func TestBidRequestWebhook(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	out := submitBidRequest(t, srv, "proj-1")
	if out.ProjectID != "proj-1" {
		t.Fatalf("project id %q", out.ProjectID)
	}
	if out.ContractorsFound != 1 || len(out.Campaigns) != 1 {
		t.Fatalf("expected one campaign, got %+v", out)
	}
	if out.Campaigns[0].State != domain.CampaignPending {
		t.Fatalf("campaign state %q", out.Campaigns[0].State)
	}
	if out.Message != "" {
		t.Fatalf("fresh submit should carry no message, got %q", out.Message)
	}

	again := submitBidRequest(t, srv, "proj-1")
	if len(again.Campaigns) != 1 || again.Campaigns[0].CampaignID != out.Campaigns[0].CampaignID {
		t.Fatalf("resubmit must return the same campaign: %+v", again)
	}
	if again.Message == "" {
		t.Fatal("resubmit should note the request was already accepted")
	}
}

func TestBidRequestValidationEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/bid-request", map[string]any{
		"project_id":      "proj-bad",
		"project_type":    "plumbing",
		"project_details": "missing zip",
		"bid_link":        "https://bids.example.com/proj-bad",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Code != "bad_request" {
		t.Fatalf("envelope code %q: %s", envelope.Code, string(data))
	}
	if !strings.Contains(envelope.Message, "zip_code") {
		t.Fatalf("message should name the missing field: %s", envelope.Message)
	}
}

func TestEmptyBodyRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/bid-request", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status %d", res.StatusCode)
	}
}

func TestOutreachStatus(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	submitBidRequest(t, srv, "proj-2")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/outreach/status/proj-2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Campaigns != 1 || status.Complete {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.States[domain.CampaignPending] != 1 {
		t.Fatalf("states %v", status.States)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/outreach/status/no-such-project", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Code != "not_found" {
		t.Fatalf("envelope code %q", envelope.Code)
	}
}

func TestInboundUnknownReferenceIgnored(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/inbound/sms", map[string]any{
		"provider_ref": "SM-neverseen",
		"from":         "+15125550199",
		"body":         "yes please",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var out engine.InboundResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Status != engine.InboundIgnored {
		t.Fatalf("expected ignored, got %+v", out)
	}
}

func TestInboundInvalidChannel(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhook/inbound/fax", map[string]any{
		"provider_ref": "FX-1",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestInboundFormEncodedReply(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	out := submitBidRequest(t, srv, "proj-3")
	campaignID := out.Campaigns[0].CampaignID

	ctx := context.Background()
	if _, err := srv.Engine.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	attempts, err := srv.Engine.Repo.ListAttempts(ctx, campaignID)
	if err != nil || len(attempts) == 0 {
		t.Fatalf("attempts after dispatch: %v %d", err, len(attempts))
	}
	ref := attempts[0].ProviderRef
	if ref == nil {
		t.Fatal("attempt missing provider ref")
	}

	// Twilio-style callback for the first attempt's channel.
	form := url.Values{}
	form.Set("MessageSid", *ref)
	form.Set("From", "bids@acmeplumbing.com")
	form.Set("Body", "Sounds good, send the details")
	res, data := doForm(t, srv.Client(), srv.URL+"/webhook/inbound/email", form)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var result engine.InboundResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Status != engine.InboundRecorded || result.CampaignState != domain.CampaignResponded {
		t.Fatalf("unexpected result %+v", result)
	}

	c, err := srv.Engine.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.State != domain.CampaignResponded {
		t.Fatalf("campaign state %q", c.State)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	out := submitBidRequest(t, srv, "proj-4")
	campaignID := out.Campaigns[0].CampaignID

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contractors?zip=78701", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contractors status %d: %s", res.StatusCode, string(data))
	}
	var contractors []ContractorResponse
	if err := json.Unmarshal(data, &contractors); err != nil {
		t.Fatalf("unmarshal contractors: %v", err)
	}
	if len(contractors) != 1 || contractors[0].Name != "Acme Plumbing" {
		t.Fatalf("contractors %+v", contractors)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/campaigns?project_id=proj-4", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("campaigns status %d: %s", res.StatusCode, string(data))
	}
	var campaigns []CampaignResponse
	if err := json.Unmarshal(data, &campaigns); err != nil {
		t.Fatalf("unmarshal campaigns: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].ID != campaignID {
		t.Fatalf("campaigns %+v", campaigns)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/campaigns/"+campaignID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("campaign detail status %d: %s", res.StatusCode, string(data))
	}
	var detail CampaignResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.ContractorName != "Acme Plumbing" {
		t.Fatalf("detail contractor name %q", detail.ContractorName)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?project_id=proj-4", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("expected events for the project")
	}
	seen := map[string]bool{}
	for _, evt := range page.Items {
		seen[evt.Type] = true
	}
	if !seen["campaign.created"] || !seen["bid_request.accepted"] {
		t.Fatalf("missing lifecycle events: %v", seen)
	}
}

func TestEventPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	submitBidRequest(t, srv, "proj-5")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?project_id=proj-5&limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one item and a cursor, got %+v", page)
	}
	first := page.Items[0].ID

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?project_id=proj-5&limit=1&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID >= first {
		t.Fatalf("second page should continue past the cursor: %+v", page)
	}
}

func TestOperatorAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/campaigns", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bare request status %d", res.StatusCode)
	}

	ctx := context.Background()
	if err := srv.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:      "key-1",
		ActorID: "ops",
		Name:    "test key",
		KeyHash: repo.HashAPIKey("super-secret-key"),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/campaigns", nil, map[string]string{"X-Api-Key": "super-secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "dev"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/campaigns", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/campaigns", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestWebhooksOpenWithAuthConfigured(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	out := submitBidRequest(t, srv, "proj-6")
	if len(out.Campaigns) != 1 {
		t.Fatalf("campaigns %+v", out.Campaigns)
	}
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/outreach/status/proj-6", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint should stay open, got %d", res.StatusCode)
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc.Paths["/webhook/bid-request"]; !ok {
		t.Fatalf("bid request webhook missing from spec: %v", doc.Paths)
	}
}
