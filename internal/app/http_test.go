package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"redline/api/internal/config"
	"redline/api/internal/crdt"
	"redline/api/internal/relay"
	"redline/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore) (*httptest.Server, string) {
	t.Helper()
	service := &Service{
		cfg:    config.Config{TokenSecret: "test-secret", AccessTTL: time.Hour},
		store:  fs,
		search: &fakeSearcher{},
	}
	registry := relay.NewRegistry(service, service, nil, relay.Options{})
	service.SetRegistry(registry)
	t.Cleanup(registry.Shutdown)

	server := httptest.NewServer(NewHTTPServer(service, registry, "*").Handler())
	t.Cleanup(server.Close)

	session, err := service.Login(context.Background(), "Avery", "case-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return server, session.Token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthAndReady(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: status %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready: status %d body %v", resp.StatusCode, body)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/drafts", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestLoginAndSessionCheck(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/session/login", "", map[string]any{
		"name": "Dana", "caseId": "case-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("no token in %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/session", token, nil)
	if resp.StatusCode != http.StatusOK || body["authenticated"] != true {
		t.Fatalf("session check: status %d body %v", resp.StatusCode, body)
	}
}

func TestPutStateRejectsBadBase64(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{getDraftFn: draftInCase("case-1")})

	resp, body := doJSON(t, http.MethodPut, server.URL+"/api/drafts/drf_1/state", token, map[string]any{
		"state": "not!!base64",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestPutStateRejectsMalformedReplica(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{getDraftFn: draftInCase("case-1")})

	garbage := base64.StdEncoding.EncodeToString([]byte("definitely not a replica"))
	resp, body := doJSON(t, http.MethodPut, server.URL+"/api/drafts/drf_1/state", token, map[string]any{
		"state": garbage,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "MALFORMED_STATE" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestStateRoundTripThroughAPI(t *testing.T) {
	var saved []byte
	fs := &fakeStore{
		getDraftFn: draftInCase("case-1"),
		saveReplicaFn: func(_ context.Context, _ string, blob []byte) error {
			saved = blob
			return nil
		},
		loadReplicaFn: func(context.Context, string) ([]byte, error) {
			return saved, nil
		},
	}
	server, token := newTestServer(t, fs)

	doc := crdt.NewDoc()
	doc.InsertAt("Avery", 0, "uploaded content")
	blob, err := doc.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	resp, body := doJSON(t, http.MethodPut, server.URL+"/api/drafts/drf_1/state", token, map[string]any{
		"state": base64.StdEncoding.EncodeToString(blob),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put state: status %d body %v", resp.StatusCode, body)
	}
	if body["plainText"] != "uploaded content" {
		t.Fatalf("plainText %v", body["plainText"])
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/drafts/drf_1/state", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get state: status %d", resp.StatusCode)
	}
	returned, err := base64.StdEncoding.DecodeString(body["state"].(string))
	if err != nil {
		t.Fatalf("state not base64: %v", err)
	}
	restored, err := crdt.OpenState(returned)
	if err != nil {
		t.Fatalf("returned state does not open: %v", err)
	}
	if restored.PlainText() != "uploaded content" {
		t.Fatalf("round trip text %q", restored.PlainText())
	}
}

func TestDraftFromAnotherCaseIsNotFound(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{getDraftFn: draftInCase("case-other")})

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/drafts/drf_1", token, nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestVersionConflictMapsToConflict(t *testing.T) {
	fs := &fakeStore{
		getDraftFn: draftInCase("case-1"),
		insertSnapshotFn: func(context.Context, store.Snapshot) error {
			return store.ErrVersionExists
		},
	}
	server, token := newTestServer(t, fs)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/drafts/drf_1/versions", token, map[string]any{
		"changeDescription": "draft pass",
	})
	if resp.StatusCode != http.StatusConflict || body["code"] != "CONFLICT" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestDiffEndpointValidatesQuery(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{getDraftFn: draftInCase("case-1")})

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/drafts/drf_1/versions/diff?from=abc&to=2", token, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("non-integer from: status %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/drafts/drf_1/versions/diff?from=3&to=2", token, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("reversed range: status %d body %v", resp.StatusCode, body)
	}
}

func TestThreadLifecycleOverHTTP(t *testing.T) {
	threads := map[string]store.CommentThread{}
	fs := &fakeStore{
		getDraftFn: draftInCase("case-1"),
		insertThreadFn: func(_ context.Context, item store.CommentThread) error {
			threads[item.ID] = item
			return nil
		},
		getThreadFn: func(_ context.Context, _, threadID string) (store.CommentThread, error) {
			return threads[threadID], nil
		},
		setResolvedFn: func(_ context.Context, _, threadID string, resolved bool) (bool, error) {
			thread, ok := threads[threadID]
			if !ok {
				return false, nil
			}
			thread.Resolved = resolved
			threads[threadID] = thread
			return true, nil
		},
	}
	server, token := newTestServer(t, fs)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/drafts/drf_1/threads", token, map[string]any{
		"selectionStart": 0,
		"selectionEnd":   5,
		"content":        "first note",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create thread: status %d body %v", resp.StatusCode, body)
	}
	threadID, _ := body["id"].(string)
	if threadID == "" {
		t.Fatalf("no thread id in %v", body)
	}
	if body["textSnippet"] != "hello" {
		t.Fatalf("snippet %v", body["textSnippet"])
	}

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/drafts/drf_1/threads/"+threadID+"/resolve", token, nil)
	if resp.StatusCode != http.StatusOK || body["resolved"] != true {
		t.Fatalf("resolve: status %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/drafts/drf_1/threads/"+threadID+"/unresolve", token, nil)
	if resp.StatusCode != http.StatusOK || body["resolved"] != false {
		t.Fatalf("unresolve: status %d body %v", resp.StatusCode, body)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{})

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/nope", token, nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}
