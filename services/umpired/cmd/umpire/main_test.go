package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

const (
	activeConfig    = `{"bundles":[{"id":"initial","resources":{"hwid":"hwid.gz##11111111"}}],"rulesets":[{"bundle_id":"initial","active":true}]}`
	candidateConfig = `{"bundles":[{"id":"initial","resources":{"hwid":"hwid.gz##22222222"}}],"rulesets":[{"bundle_id":"initial","active":true}]}`
)

// fakeDaemon serves just enough of the admin API for the deploy command and
// records the order of the calls it sees.
func fakeDaemon(t *testing.T, candidate string, calls *[]string, deployBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/admin/v1/resources/"):
			*calls = append(*calls, "resource")
			fmt.Fprint(w, candidate)
		case r.Method == http.MethodGet && r.URL.Path == "/admin/v1/config":
			*calls = append(*calls, "config")
			fmt.Fprint(w, activeConfig)
		case r.Method == http.MethodPost && r.URL.Path == "/admin/v1/deploy":
			*calls = append(*calls, "deploy")
			if err := json.NewDecoder(r.Body).Decode(deployBody); err != nil {
				t.Errorf("decode deploy body: %v", err)
			}
			fmt.Fprint(w, `{"config_id":"umpire.json##33333333","diff":[],"service_errors":[]}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDeployFetchesDiffBeforePosting(t *testing.T) {
	var calls []string
	deployBody := map[string]any{}
	srv := fakeDaemon(t, candidateConfig, &calls, &deployBody)

	cmd := newRootCommand()
	cmd.SetArgs([]string{"deploy", "umpire.json##22222222", "--server", srv.URL, "--yes"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// The candidate and the active config are fetched and diffed before the
	// deploy request goes out.
	want := []string{"resource", "config", "deploy"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if got := deployBody["resource_id"]; got != "umpire.json##22222222" {
		t.Errorf("resource_id = %v", got)
	}
}

func TestDeployRejectsInvalidCandidate(t *testing.T) {
	var calls []string
	deployBody := map[string]any{}
	bad := `{"bundles":[{"id":"initial","resources":{"warp_drive":"x##11111111"}}],"rulesets":[]}`
	srv := fakeDaemon(t, bad, &calls, &deployBody)

	cmd := newRootCommand()
	cmd.SetArgs([]string{"deploy", "umpire.json##22222222", "--server", srv.URL, "--yes"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown payload role") {
		t.Fatalf("err = %v, want validation failure", err)
	}
	for _, call := range calls {
		if call == "deploy" {
			t.Error("invalid candidate was still deployed")
		}
	}
}
