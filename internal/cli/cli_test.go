package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// run executes the root command against a fresh MESHD_HOME. Flag variables
// are package globals, so they are reset first.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MESHD_HOME", t.TempDir())

	configPath, configWrite = "", false
	serveHost, servePort = "", 0
	routeSession, routeRegions, routeReplicas, routeJSON = "", nil, 0, false
	nodesTier = ""
	lookupN = 1
	for _, c := range append([]*cobra.Command{rootCmd}, rootCmd.Commands()...) {
		c.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	}

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// dataLines returns the non-header lines of tabwriter output.
func dataLines(out string) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return nil
	}
	return lines[1:]
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "config")
	if err != nil {
		t.Fatalf("config error: %v", err)
	}
	for _, want := range []string{"[mesh]", `health_check_interval = "5s"`, "[[mesh.tiers]]", "[placement]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommand_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshd.yml")
	if err := os.WriteFile(path, []byte("api:\n  port: 9999\n"), 0600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "config", "--config", path)
	if err != nil {
		t.Fatalf("config error: %v", err)
	}
	if !strings.Contains(out, "port = 9999") {
		t.Errorf("output should carry the file's port:\n%s", out)
	}
}

func TestConfigCommand_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshd.yml")
	if err := os.WriteFile(path, []byte("mesh:\n  seed: 42\n"), 0600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "config", "--config", path, "--write")
	if err != nil {
		t.Fatalf("config --write error: %v", err)
	}

	saved := filepath.Join(os.Getenv("MESHD_HOME"), "config.toml")
	if !strings.Contains(out, "wrote "+saved) {
		t.Errorf("output = %q, want the saved path", out)
	}
	b, err := os.ReadFile(saved)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if !strings.Contains(string(b), "seed = 42") {
		t.Errorf("saved config missing the file's seed:\n%s", b)
	}
}

func TestNodesCommand(t *testing.T) {
	out, err := run(t, "nodes")
	if err != nil {
		t.Fatalf("nodes error: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("missing header:\n%s", out)
	}
	if got := len(dataLines(out)); got != 10 {
		t.Errorf("rows = %d, want 10:\n%s", got, out)
	}

	out, err = run(t, "nodes", "--tier", "backbone")
	if err != nil {
		t.Fatalf("nodes --tier error: %v", err)
	}
	rows := dataLines(out)
	if len(rows) != 2 {
		t.Fatalf("backbone rows = %d, want 2:\n%s", len(rows), out)
	}
	for _, r := range rows {
		if !strings.Contains(r, "backbone") || !strings.Contains(r, "closed") {
			t.Errorf("row = %q", r)
		}
	}

	if _, err := run(t, "nodes", "--tier", "core"); err == nil {
		t.Error("unknown tier should fail")
	}
}

func TestLookupCommand(t *testing.T) {
	out, err := run(t, "lookup", "abc", "-n", "3")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if !strings.HasPrefix(out, `key "abc" hashes to `) {
		t.Errorf("missing hash line:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 { // hash line, header, 3 owners
		t.Errorf("lines = %d, want 5:\n%s", len(lines), out)
	}

	if _, err := run(t, "lookup"); err == nil {
		t.Error("missing key should fail")
	}
	if _, err := run(t, "lookup", "abc", "-n", "0"); err == nil {
		t.Error("zero owners should fail")
	}
}

func TestRouteCommand_JSON(t *testing.T) {
	out, err := run(t, "route", "--session", "abc", "--region", "us-east-1", "--replicas", "2", "--json")
	if err != nil {
		t.Fatalf("route error: %v", err)
	}
	var decision struct {
		SessionID string `json:"sessionId"`
		Primary   *struct {
			ID string `json:"id"`
		} `json:"primary"`
		Replicas []struct {
			ID string `json:"id"`
		} `json:"replicas"`
	}
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if decision.SessionID != "abc" || decision.Primary == nil {
		t.Fatalf("decision = %+v", decision)
	}
	if len(decision.Replicas) != 1 {
		t.Errorf("replicas = %d, want 1", len(decision.Replicas))
	}
}

func TestRouteCommand_Table(t *testing.T) {
	out, err := run(t, "route", "--session", "abc")
	if err != nil {
		t.Fatalf("route error: %v", err)
	}
	rows := dataLines(out)
	if len(rows) != 3 { // primary + 2 replicas at the default factor, no geo targets
		t.Errorf("rows = %d, want 3:\n%s", len(rows), out)
	}
	if len(rows) > 0 && !strings.HasPrefix(rows[0], "primary") {
		t.Errorf("first row = %q", rows[0])
	}
}

func TestRouteCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing session", []string{"route"}},
		{"unknown region", []string{"route", "--session", "abc", "--region", "mars-1"}},
		{"negative replicas", []string{"route", "--session", "abc", "--replicas", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
