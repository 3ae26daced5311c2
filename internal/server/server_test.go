package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/engine"
	"atelier/internal/migrate"
	"atelier/internal/outbox"
	ateliersdk "atelier/sdk/go"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
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

func asUser(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

func createMeetingViaAPI(t *testing.T, srv *testServer, creator string, participants ...string) MeetingResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/meetings", map[string]any{
		"subject":      "Facade workshop",
		"location":     "Studio 1",
		"starts_at":    "2026-09-10T09:00:00Z",
		"ends_at":      "2026-09-10T11:00:00Z",
		"participants": participants,
	}, asUser(creator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create meeting status %d: %s", res.StatusCode, string(data))
	}
	var m MeetingResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal meeting: %v", err)
	}
	return m
}

func TestMeetingLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createMeetingViaAPI(t, srv, "ada", "bo", "cy")
	if m.Status != "pending" {
		t.Fatalf("status = %s, want pending", m.Status)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/meetings/"+m.ID+"/decision", map[string]any{
		"decision": "accepted",
	}, asUser("bo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", res.StatusCode, string(data))
	}
	var afterFirst MeetingResponse
	if err := json.Unmarshal(data, &afterFirst); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if afterFirst.Status != "pending" {
		t.Fatalf("status after one accept = %s, want pending", afterFirst.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/meetings/"+m.ID+"/decision", map[string]any{
		"decision": "accepted",
	}, asUser("cy"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", res.StatusCode, string(data))
	}
	var confirmed MeetingResponse
	if err := json.Unmarshal(data, &confirmed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if confirmed.Status != "confirmed" {
		t.Fatalf("status = %s, want confirmed", confirmed.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/meetings/"+m.ID, nil, asUser("ada"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var details MeetingDetailsResponse
	if err := json.Unmarshal(data, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	systemCount := 0
	for _, msg := range details.Messages {
		if msg.Kind == "system" {
			systemCount++
		}
	}
	if systemCount != 2 {
		t.Fatalf("system messages = %d, want scheduling + confirmation", systemCount)
	}
}

func TestDeleteByNonCreatorForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createMeetingViaAPI(t, srv, "ada", "bo")

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/meetings/"+m.ID, nil, asUser("bo"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Code != "forbidden" {
		t.Fatalf("code = %s, want forbidden", envelope.Code)
	}

	// Meeting is untouched.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/meetings/"+m.ID, nil, asUser("ada"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get after forbidden delete status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/meetings/"+m.ID, nil, asUser("ada"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("creator delete status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/meetings", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "ada",
		"admin":   true,
	}, nil)
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

	headers := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if me.UserID != "ada" || !me.Admin || me.Source != "jwt" {
		t.Fatalf("whoami = %+v", me)
	}

	// Admin-only events listing works with the token.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}

	// Non-admins are rejected.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, asUser("bo"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("events as non-admin status %d: %s", res.StatusCode, string(data))
	}
}

func TestListMeetingsScoping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createMeetingViaAPI(t, srv, "ada", "bo")
	createMeetingViaAPI(t, srv, "cy", "di")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/meetings", nil, asUser("bo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedMeetings
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("items = %d, want only invited meeting", len(page.Items))
	}
}

func TestPostMessageValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createMeetingViaAPI(t, srv, "ada", "bo")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/meetings/"+m.ID+"/messages", map[string]any{
		"content": "   ",
	}, asUser("bo"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank message status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/meetings/"+m.ID+"/messages", map[string]any{
		"content": "Bringing the updated drawings.",
	}, asUser("bo"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("message status %d: %s", res.StatusCode, string(data))
	}
	var msg MessageResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Kind != "text" || msg.AuthorID == nil || *msg.AuthorID != "bo" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestDecisionOnMissingMeeting(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/meetings/nope/decision", map[string]any{
		"decision": "accepted",
	}, asUser("bo"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestOfflineReplayThroughAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	m := createMeetingViaAPI(t, srv, "ada", "bo")

	// Decisions queued while disconnected.
	store, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer store.Close()
	if _, err := store.Enqueue(ctx, outbox.ActionAccept, m.ID, "bo"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	client := ateliersdk.New(srv.URL)
	if _, err := client.DevLogin(ctx, "bo", false); err != nil {
		t.Fatalf("dev login: %v", err)
	}
	res, err := store.ReplayAll(ctx, client)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Succeeded) != 1 || len(res.Failed) != 0 {
		t.Fatalf("replay result = %+v", res)
	}
	n, err := store.Pending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("pending = %d err=%v, want drained queue", n, err)
	}

	// The replayed decision went through the same confirmation logic as a
	// live one.
	details, err := client.GetMeeting(ctx, m.ID)
	if err != nil {
		t.Fatalf("get meeting: %v", err)
	}
	if details.Meeting.Status != "confirmed" {
		t.Fatalf("status = %s, want confirmed after replay", details.Meeting.Status)
	}
}

func TestReplayRejectsForeignActions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	m := createMeetingViaAPI(t, srv, "ada", "bo", "cy")

	// The queue holds an action recorded under another account; replaying
	// with bo's credentials must not touch cy's participant row.
	store, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer store.Close()
	if _, err := store.Enqueue(ctx, outbox.ActionAccept, m.ID, "bo"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, outbox.ActionReject, m.ID, "cy"); err != nil {
		t.Fatalf("enqueue foreign: %v", err)
	}

	client := ateliersdk.New(srv.URL)
	if _, err := client.DevLogin(ctx, "bo", false); err != nil {
		t.Fatalf("dev login: %v", err)
	}
	res, err := store.ReplayAll(ctx, client)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Succeeded) != 1 || len(res.Failed) != 1 {
		t.Fatalf("replay result = %+v, want bo's action only", res)
	}
	n, err := store.Pending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("pending = %d err=%v, want cy's action kept", n, err)
	}

	details, err := client.GetMeeting(ctx, m.ID)
	if err != nil {
		t.Fatalf("get meeting: %v", err)
	}
	if details.Meeting.Status != "pending" {
		t.Fatalf("status = %s, want pending while cy is undecided", details.Meeting.Status)
	}
	for _, p := range details.Participants {
		if p.UserID == "cy" && p.Status != "waiting" {
			t.Fatalf("cy status = %s, want waiting", p.Status)
		}
		if p.UserID == "bo" && p.Status != "accepted" {
			t.Fatalf("bo status = %s, want accepted", p.Status)
		}
	}
}

func TestChannelRegistration(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/channels", map[string]any{
		"token": "push-token-1",
	}, asUser("bo"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/channels/push-token-1", nil, asUser("bo"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("remove status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/channels/push-token-1", nil, asUser("bo"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat remove status %d: %s", res.StatusCode, string(data))
	}
}
