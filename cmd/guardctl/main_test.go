package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"amount=5", "smartAccount=0xabc", "flags={\"a\":true}"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if params["amount"] != float64(5) {
		t.Fatalf("numeric values decode as JSON, got %#v", params["amount"])
	}
	if params["smartAccount"] != "0xabc" {
		t.Fatalf("non-JSON values stay strings, got %#v", params["smartAccount"])
	}
	if _, ok := params["flags"].(map[string]any); !ok {
		t.Fatalf("object values decode as JSON, got %#v", params["flags"])
	}
	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}

func TestRunSubmitAndGet(t *testing.T) {
	var gotAuth string
	var submitted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/executions":
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"job-9","status":"pending"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/executions/job-9":
			_, _ = w.Write([]byte(`{"job":{"id":"job-9","status":"succeeded","result":{"decision":"ALLOW"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), []string{
		"--server", srv.URL, "--token", "t0k",
		"submit", "--user", "0x1111111111111111111111111111111111111111", "--installation", "inst-1", "--param", "amount=7",
	}, &out)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotAuth != "Bearer t0k" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if submitted["installationId"] != "inst-1" {
		t.Fatalf("unexpected submission %+v", submitted)
	}
	if !strings.Contains(out.String(), "job-9") {
		t.Fatalf("unexpected output %s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"--server", srv.URL, "get", "job-9"}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out.String(), "ALLOW") {
		t.Fatalf("unexpected output %s", out.String())
	}
}

func TestRunPoliciesReadsFile(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "policies.json")
	if err := os.WriteFile(path, []byte(`[{"type":"max-amount","enabled":true,"config":{"maxAmount":"10"}}]`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	err := run(context.Background(), []string{"--server", srv.URL, "policies", "--user", "0x1", "--installation", "i", "--file", path}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	policies, _ := body["policies"].([]any)
	if len(policies) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"frobnicate"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error")
	}
	if err := run(context.Background(), nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without command")
	}
}
