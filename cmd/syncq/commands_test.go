package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/kalambet/syncq/internal/api"
	"github.com/kalambet/syncq/internal/syncer"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useTestClient points the commands' API client at ts for the duration of the test.
func useTestClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

var ctx = context.Background()

func TestEnqueueOperation(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /operations": `{"id":"op-123","status":"pending"}`,
	})

	req, err := buildEnqueueRequest("create note", "POST", "/notes", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, err := enqueueOperation(ctx, ts.client(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "op-123" {
		t.Errorf("id = %q, want op-123", id)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/operations" {
		t.Errorf("request = %s %s, want POST /operations", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["action"] != "create note" {
		t.Errorf("body.action = %v, want create note", body["action"])
	}
	if body["endpoint"] != "/notes" {
		t.Errorf("body.endpoint = %v, want /notes", body["endpoint"])
	}
	inner, ok := body["body"].(map[string]any)
	if !ok || inner["text"] != "hi" {
		t.Errorf("body.body = %v, want {text: hi}", body["body"])
	}
}

func TestBuildEnqueueRequest_NoBody(t *testing.T) {
	req, err := buildEnqueueRequest("delete note", "DELETE", "/notes/1", "  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Body != nil {
		t.Errorf("body = %s, want nil", req.Body)
	}

	data, _ := json.Marshal(req)
	if strings.Contains(string(data), `"body"`) {
		t.Errorf("marshalled request should omit body, got %s", data)
	}
}

func TestBuildEnqueueRequest_InvalidJSON(t *testing.T) {
	_, err := buildEnqueueRequest("x", "POST", "/notes", `{not json`)
	if err == nil {
		t.Fatal("expected error for invalid JSON body")
	}
}

func TestEnqueueCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"enqueue"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "accepts 2 arg(s)") {
		t.Errorf("error = %q, want it to mention the argument count", err.Error())
	}
}

func TestEnqueueCommand_ServerRejects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error":{"message":"method must be one of POST, PUT, PATCH, DELETE","type":"invalid_request_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	_, err := enqueueOperation(ctx, client, api.EnqueueRequest{Action: "a", Endpoint: "/x", Method: "GET"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "method must be one of") {
		t.Errorf("error = %q, want status and server message", err.Error())
	}
}

func TestListOperations(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /operations": `[
			{"id":"aaaaaaaa-1111","action":"create note","endpoint":"/notes","method":"POST","created_at":"2026-01-01T00:00:00Z","retry_count":0,"status":"pending"},
			{"id":"bbbbbbbb-2222","action":"delete note","endpoint":"/notes/1","method":"DELETE","created_at":"2026-01-01T00:00:01Z","retry_count":2,"status":"pending","last_error":"HTTP 500: boom"}
		]`,
	})

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	if err := listOperations(ctx, ts.client(), &out, 10, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ts.requests[0].Path != "/operations?limit=10&offset=5" {
		t.Errorf("path = %q, want paging params", ts.requests[0].Path)
	}

	got := out.String()
	for _, want := range []string{"aaaaaaaa", "create note", "bbbbbbbb", "(retries: 2)", "HTTP 500: boom"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "aaaaaaaa") > strings.Index(got, "bbbbbbbb") {
		t.Errorf("operations out of order:\n%s", got)
	}
}

func TestListOperations_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /operations": `[]`,
	})

	var out bytes.Buffer
	if err := listOperations(ctx, ts.client(), &out, 50, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "Queue is empty") {
		t.Errorf("output = %q, want empty-queue message", out.String())
	}
}

func TestRunSync(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync": `{"processed":2,"successful":1,"failed":1,"results":[
			{"id":"op-1","success":true,"response":{"ok":true}},
			{"id":"op-2","success":false,"error":"HTTP 503: unavailable"}
		]}`,
	})

	res, err := runSync(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Processed != 2 || res.Successful != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 2/1/1", res)
	}
	if len(res.Items) != 2 || res.Items[1].Error != "HTTP 503: unavailable" {
		t.Errorf("items = %+v", res.Items)
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	reportSync(&out, res)
	if !strings.Contains(out.String(), "op-1  delivered") {
		t.Errorf("output missing delivered line:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "op-2  HTTP 503: unavailable") {
		t.Errorf("output missing failure line:\n%s", out.String())
	}
}

func TestReportSync_NothingProcessed(t *testing.T) {
	var out bytes.Buffer
	reportSync(&out, syncer.Result{})
	if out.Len() != 0 {
		t.Errorf("expected no per-item output, got %q", out.String())
	}
}

func TestClearCommand_RequiresConfirm(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /operations": `{"cleared":3}`,
	})
	useTestClient(t, ts)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"clear"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 0 {
		t.Fatalf("clear without --confirm sent %d request(s)", len(ts.requests))
	}

	t.Cleanup(func() { clearCmd.Flags().Set("confirm", "false") })
	rootCmd.SetArgs([]string{"clear", "--confirm"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != "DELETE" || ts.requests[0].Path != "/operations" {
		t.Errorf("requests = %+v, want one DELETE /operations", ts.requests)
	}
}

func TestOpsRetryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /operations/op-9/retry": `{"id":"op-9","status":"pending"}`,
	})
	useTestClient(t, ts)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ops", "retry", "op-9"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/operations/op-9/retry" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestOpsRemoveCommand_Conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"operation is being delivered","type":"conflict"}}`))
	}))
	defer ts.Close()

	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}, nil
	}
	defer func() { newAPIClient = old }()
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ops", "remove", "op-1"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for conflict")
	}
	if !strings.Contains(err.Error(), "409") {
		t.Errorf("error = %q, want it to mention 409", err.Error())
	}
}

func TestSetConnectivity(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /connectivity": `{"online":false}`,
	})
	useTestClient(t, ts)

	if err := setConnectivity(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]bool
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if online, ok := body["online"]; !ok || online {
		t.Errorf("body = %v, want online=false", body)
	}
}

func TestFetchQueueStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /queue": `{"total":4,"eligible":3,"pending":2,"processing":1,"failed":1,"syncing":false,"online":true}`,
	})

	st, err := fetchQueueStatus(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Total != 4 || st.Eligible != 3 || st.Failed != 1 || !st.Online {
		t.Errorf("status = %+v", st)
	}
	if st.LastSyncAt != nil {
		t.Errorf("last sync = %v, want nil", st.LastSyncAt)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "test message"); got != "test message" {
		t.Errorf("result = %q, want %q", got, "test message")
	}

	noColor = false
	if got := colorize(colorGreen, "test message"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("bad gateway"))
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil || !strings.Contains(err.Error(), "502: bad gateway") {
		t.Errorf("error = %v, want raw body", err)
	}
}

func TestConfigSet_CompletesKeys(t *testing.T) {
	keys, directive := configSetCmd.ValidArgsFunction(configSetCmd, nil, "")
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("directive = %v, want NoFileComp", directive)
	}
	found := false
	for _, k := range keys {
		if k == "sync.remote_token" {
			t.Error("secret key offered for completion")
		}
		if k == "sync.base_url" {
			found = true
		}
	}
	if !found {
		t.Errorf("completions = %v, want sync.base_url", keys)
	}

	if more, _ := configSetCmd.ValidArgsFunction(configSetCmd, []string{"sync.base_url"}, ""); len(more) != 0 {
		t.Errorf("value position completions = %v, want none", more)
	}
}
