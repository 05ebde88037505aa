package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/roamhq/roamsync/internal/store"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*store.Store, *httptest.Server) {
	t.Helper()
	st := store.New(store.Options{})
	t.Cleanup(st.Close)
	server := httptest.NewServer(NewServer(st, nil, cfg))
	t.Cleanup(server.Close)
	return st, server
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealthNeedsNoToken(t *testing.T) {
	_, server := newTestServer(t, ServerConfig{APIToken: "secret"})
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health check failed: %d", resp.StatusCode)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	_, server := newTestServer(t, ServerConfig{APIToken: "secret"})

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/records", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/records", "wrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/records", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestCreateRecordValidatesPayload(t *testing.T) {
	st, server := newTestServer(t, ServerConfig{})

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/records",
		"", `{"title":"Evening Roam","author":"ranger","roamId":"E1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create failed: %d %s", resp.StatusCode, body)
	}
	var created store.Record
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode created record: %v", err)
	}
	if created.ID == "" || created.Status != store.StatusPending || created.RoamID != "E1" {
		t.Fatalf("unexpected created record: %+v", created)
	}
	if _, err := st.GetRecord(created.ID); err != nil {
		t.Fatalf("record not in store: %v", err)
	}

	// Engine-owned fields and missing title are rejected before the store.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/records", "", `{"author":"ranger"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing title, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/records", "", `{"title":"x","author":"y","status":"posted"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for engine-owned field, got %d", resp.StatusCode)
	}
}

func TestListRecordsFiltersByStatus(t *testing.T) {
	st, server := newTestServer(t, ServerConfig{})
	if _, err := st.CreateRecord(store.Record{Title: "A", Author: "r"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.CreateRecord(store.Record{Title: "B", Author: "r", Status: store.StatusPosted}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/records?status=posted", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list failed: %d", resp.StatusCode)
	}
	var listing struct {
		Items []store.Record `json:"items"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].Title != "B" {
		t.Fatalf("unexpected listing: %+v", listing.Items)
	}
}

func TestRequestUpdateFlagsRecord(t *testing.T) {
	st, server := newTestServer(t, ServerConfig{})
	rec, err := st.CreateRecord(store.Record{Title: "Evening Roam", Author: "ranger"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/records/"+rec.ID+"/update",
		"", `{"additionalInfo":"gate moved"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("update request failed: %d %s", resp.StatusCode, body)
	}

	got, _ := st.GetRecord(rec.ID)
	if !got.UpdateRequested || got.AdditionalInfo != "gate moved" {
		t.Fatalf("flag or patch not applied: %+v", got)
	}
}

func TestDeleteRecordIsSoftAndTerminal(t *testing.T) {
	st, server := newTestServer(t, ServerConfig{})
	rec, _ := st.CreateRecord(store.Record{Title: "Evening Roam", Author: "ranger"})

	resp, _ := doJSON(t, http.MethodDelete, server.URL+"/v1/records/"+rec.ID, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete failed: %d", resp.StatusCode)
	}

	// Deleting again is a no-op, not an error.
	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/v1/records/"+rec.ID, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected idempotent delete, got %d", resp.StatusCode)
	}

	// Content updates on a deleted record do conflict.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/records/"+rec.ID+"/update", "", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 updating deleted record, got %d", resp.StatusCode)
	}

	got, _ := st.GetRecord(rec.ID)
	if got.Status != store.StatusDeleted || got.DeletedAt == "" {
		t.Fatalf("record not soft-deleted: %+v", got)
	}
}

func TestRecordRoutesReturnNotFound(t *testing.T) {
	_, server := newTestServer(t, ServerConfig{})

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/records/nope", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown record, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/unknown", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", resp.StatusCode)
	}
}

func TestRosterEndpointServesSnapshot(t *testing.T) {
	st, server := newTestServer(t, ServerConfig{})
	if _, err := st.PutRosterEvent(store.RosterEvent{ID: "E1", Title: "Evening Roam", Signups: []string{"U1"}}); err != nil {
		t.Fatalf("seed roster: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/roster", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("roster fetch failed: %d", resp.StatusCode)
	}
	var roster store.Roster
	if err := json.Unmarshal(body, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	ev, ok := roster.Event("E1")
	if !ok || len(ev.Signups) != 1 {
		t.Fatalf("unexpected roster: %+v", roster)
	}
}

func TestSweepWithoutEngineIsUnavailable(t *testing.T) {
	_, server := newTestServer(t, ServerConfig{})
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/sweep", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without engine, got %d", resp.StatusCode)
	}
}
