package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExecuteGetWithQuery(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"entities": []any{}})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "secret-token")
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Execute(context.Background(), "list_entities",
		map[string]any{"limit": 5, "offset": 0})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/entities" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "limit=5&offset=0" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if _, ok := out["entities"]; !ok {
		t.Errorf("out = %v", out)
	}
}

func TestExecutePathParamsAndBody(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"status": "completed"})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	_, err := c.Execute(context.Background(), "complete_task",
		map[string]any{"task_id": "t-42", "note": "done"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/tasks/t-42/complete" || gotMethod != http.MethodPost {
		t.Errorf("%s %s", gotMethod, gotPath)
	}
	if gotBody["note"] != "done" {
		t.Errorf("body = %v", gotBody)
	}
	if _, leaked := gotBody["task_id"]; leaked {
		t.Error("path parameter leaked into body")
	}
}

func TestExecuteMissingPathParam(t *testing.T) {
	c, _ := NewClient("http://localhost:9", "")
	if _, err := c.Execute(context.Background(), "get_task", map[string]any{}); err == nil {
		t.Fatal("missing task_id accepted")
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	c, _ := NewClient("http://localhost:9", "")
	_, err := c.Execute(context.Background(), "no_such_command", nil)
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v", err)
	}
	if Supported("no_such_command") || !Supported("list_tasks") {
		t.Error("Supported misreports")
	}
}

func TestExecuteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "task not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	_, err := c.Execute(context.Background(), "get_task", map[string]any{"task_id": "nope"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("status = %d", apiErr.Status)
	}
}

func TestExecuteWrapsNonObjectResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]any{"a", "b"})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	out, err := c.Execute(context.Background(), "list_tasks", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out["result"].([]any); !ok {
		t.Errorf("out = %v", out)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("not-a-url", ""); err == nil {
		t.Error("relative url accepted")
	}
	if _, err := NewClient("http://api.example.com/v1", ""); err != nil {
		t.Errorf("valid url rejected: %v", err)
	}
}
