package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/syncq/internal/connectivity"
	"github.com/kalambet/syncq/internal/notify"
	"github.com/kalambet/syncq/internal/storage"
	"github.com/kalambet/syncq/internal/syncer"
	"github.com/kalambet/syncq/internal/transport"
)

const testToken = "test-token"

func newTestDeps(t *testing.T, remote http.HandlerFunc) AppDeps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if remote == nil {
		remote = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"ok":true}`))
		}
	}
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)

	events := notify.New()
	obs := connectivity.New("", 0, events)
	client := transport.New(srv.URL, time.Second, nil)

	return AppDeps{
		Store:        store,
		Syncer:       syncer.New(store, client, obs, events, syncer.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		Connectivity: obs,
		Events:       events,
		Token:        testToken,
	}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth_NoAuth(t *testing.T) {
	h := NewAppHandler(newTestDeps(t, nil))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestBearerAuth(t *testing.T) {
	h := NewAppHandler(newTestDeps(t, nil))

	for _, header := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/queue", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Authorization %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestEnqueue(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	var changed int
	deps.Events.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.QueueChanged {
			changed++
		}
	})

	rec := doRequest(t, h, http.MethodPost, "/operations",
		`{"action":"rename item","endpoint":"/items/1","method":"patch","body":{"name":"new"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[map[string]string](t, rec)
	if resp["id"] == "" || resp["status"] != "pending" {
		t.Errorf("response = %v", resp)
	}

	op, err := deps.Store.Get(resp["id"])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.Method != "PATCH" || string(op.Body) != `{"name":"new"}` {
		t.Errorf("stored op = %s %s", op.Method, op.Body)
	}
	if changed != 1 {
		t.Errorf("queue_changed published %d times, want 1", changed)
	}
}

func TestEnqueue_NullBody(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodPost, "/operations",
		`{"action":"delete","endpoint":"/items/1","method":"DELETE","body":null}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	id := decodeBody[map[string]string](t, rec)["id"]
	op, _ := deps.Store.Get(id)
	if op.Body != nil {
		t.Errorf("body = %s, want none", op.Body)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	h := NewAppHandler(newTestDeps(t, nil))

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{not json`},
		{"missing action", `{"endpoint":"/x","method":"POST"}`},
		{"bad method", `{"action":"a","endpoint":"/x","method":"GET"}`},
		{"bad endpoint", `{"action":"a","endpoint":"x","method":"POST"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/operations", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			resp := decodeBody[map[string]map[string]string](t, rec)
			if resp["error"]["type"] != "invalid_request_error" {
				t.Errorf("error envelope = %v", resp)
			}
		})
	}
}

func TestListGetRemove(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	first, _ := deps.Store.Enqueue("one", "/a", "POST", nil)
	second, _ := deps.Store.Enqueue("two", "/b", "POST", nil)

	rec := doRequest(t, h, http.MethodGet, "/operations?limit=10", "")
	ops := decodeBody[[]storage.Operation](t, rec)
	if len(ops) != 2 || ops[0].ID != first || ops[1].ID != second {
		t.Fatalf("list = %+v", ops)
	}

	rec = doRequest(t, h, http.MethodGet, "/operations?limit=1&offset=1", "")
	if ops := decodeBody[[]storage.Operation](t, rec); len(ops) != 1 || ops[0].ID != second {
		t.Errorf("paged list = %+v", ops)
	}

	rec = doRequest(t, h, http.MethodGet, "/operations/"+first, "")
	if got := decodeBody[storage.Operation](t, rec); got.Action != "one" {
		t.Errorf("get = %+v", got)
	}

	rec = doRequest(t, h, http.MethodDelete, "/operations/"+first, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/operations/"+first, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
	rec = doRequest(t, h, http.MethodDelete, "/operations/"+first, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}

func TestRemove_ProcessingConflict(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	id, _ := deps.Store.Enqueue("busy", "/a", "POST", nil)
	if err := deps.Store.MarkProcessing(id); err != nil {
		t.Fatal(err)
	}

	if rec := doRequest(t, h, http.MethodDelete, "/operations/"+id, ""); rec.Code != http.StatusConflict {
		t.Errorf("delete processing = %d, want 409", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/operations/"+id+"/retry", ""); rec.Code != http.StatusConflict {
		t.Errorf("retry processing = %d, want 409", rec.Code)
	}
}

func TestRetryFailed(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	a, _ := deps.Store.Enqueue("a", "/a", "POST", nil)
	b, _ := deps.Store.Enqueue("b", "/b", "POST", nil)
	deps.Store.MarkFailed(a, "HTTP 500: boom")
	deps.Store.MarkFailed(b, "HTTP 500: boom")

	rec := doRequest(t, h, http.MethodPost, "/operations/"+a+"/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry one = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/operations/retry-failed", "")
	if got := decodeBody[map[string]int](t, rec); got["reset"] != 1 {
		t.Errorf("reset = %v, want 1", got)
	}

	if rec := doRequest(t, h, http.MethodPost, "/operations/missing/retry", ""); rec.Code != http.StatusNotFound {
		t.Errorf("retry missing = %d, want 404", rec.Code)
	}
}

func TestClear(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)
	deps.Store.Enqueue("a", "/a", "POST", nil)
	deps.Store.Enqueue("b", "/b", "PUT", nil)

	rec := doRequest(t, h, http.MethodDelete, "/operations", "")
	if got := decodeBody[map[string]int](t, rec); got["cleared"] != 2 {
		t.Errorf("cleared = %v", got)
	}
	if n, _ := deps.Store.Count(); n != 0 {
		t.Errorf("count = %d after clear", n)
	}
}

func TestQueueStatusAndSync(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	deps.Store.Enqueue("a", "/a", "POST", map[string]string{"k": "v"})
	deps.Store.Enqueue("b", "/b", "DELETE", nil)

	st := decodeBody[QueueStatus](t, doRequest(t, h, http.MethodGet, "/queue", ""))
	if st.Pending != 2 || st.Eligible != 2 || !st.Online || st.Syncing || st.LastSyncAt != nil {
		t.Errorf("status before sync = %+v", st)
	}

	rec := doRequest(t, h, http.MethodPost, "/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync = %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[syncer.Result](t, rec)
	if res.Processed != 2 || res.Successful != 2 || len(res.Items) != 2 {
		t.Errorf("sync result = %+v", res)
	}

	st = decodeBody[QueueStatus](t, doRequest(t, h, http.MethodGet, "/queue", ""))
	if st.Total != 0 || st.LastSyncAt == nil {
		t.Errorf("status after sync = %+v", st)
	}
}

func TestSync_RemoteFailure(t *testing.T) {
	deps := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	})
	h := NewAppHandler(deps)
	id, _ := deps.Store.Enqueue("a", "/a", "POST", nil)

	res := decodeBody[syncer.Result](t, doRequest(t, h, http.MethodPost, "/sync", ""))
	if res.Failed != 1 || res.Items[0].Error != "HTTP 422: nope" {
		t.Errorf("result = %+v", res)
	}

	op, _ := deps.Store.Get(id)
	if op.Status != storage.StatusPending || op.RetryCount != 1 || op.LastError != "HTTP 422: nope" {
		t.Errorf("op after failure = %+v", op)
	}
}

func TestSetConnectivity(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewAppHandler(deps)
	deps.Store.Enqueue("a", "/a", "POST", nil)

	rec := doRequest(t, h, http.MethodPut, "/connectivity", `{"online":false}`)
	if got := decodeBody[map[string]bool](t, rec); got["online"] {
		t.Errorf("online = %v, want false", got)
	}

	res := decodeBody[syncer.Result](t, doRequest(t, h, http.MethodPost, "/sync", ""))
	if res.Processed != 0 {
		t.Errorf("offline sync processed %d", res.Processed)
	}
	if n, _ := deps.Store.Count(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	if rec := doRequest(t, h, http.MethodPut, "/connectivity", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing online = %d, want 400", rec.Code)
	}
}
