package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/haivivi/charcore/pkg/operation/backends"
)

func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	var outBuf, errBuf bytes.Buffer
	rootCmd.SetOut(&outBuf)
	rootCmd.SetErr(&errBuf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		exitCode = 1
		if stderr == "" {
			stderr = err.Error()
		}
	}
	resetFlags(rootCmd)
	return
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersion(t *testing.T) {
	stdout, _, code := runCmd(t, "version")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "charcore") {
		t.Fatalf("expected 'charcore', got: %s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	stdout, _, code := runCmd(t, "version", "--format", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, `"version"`) {
		t.Fatalf("expected JSON, got: %s", stdout)
	}
}

func TestCapabilities(t *testing.T) {
	stdout, stderr, code := runCmd(t, "capabilities")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{"TYPE", "t2t", "echo", "moderation"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("table lacks %q:\n%s", want, stdout)
		}
	}

	stdout, _, code = runCmd(t, "capabilities", "-o", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var caps []map[string]any
	if err := json.Unmarshal([]byte(stdout), &caps); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if len(caps) != len(backends.Capabilities(nil, nil)) {
		t.Fatalf("capabilities = %d entries", len(caps))
	}
}

func TestConfigShow(t *testing.T) {
	path := writeConfig(t, "prompt:\n  character: a cat\noperations:\n  t2t: echo\n")

	stdout, stderr, code := runCmd(t, "config", "show", "-c", path, "--query", ".prompt.character")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "a cat" {
		t.Fatalf("query output = %q", stdout)
	}

	stdout, _, code = runCmd(t, "config", "show", "-c", path, "--query", ".prompt.history_length", "-o", "json")
	if code != 0 || strings.TrimSpace(stdout) != "50" {
		t.Fatalf("defaults not merged: exit %d, %q", code, stdout)
	}

	stdout, _, code = runCmd(t, "config", "show", "-c", path)
	if code != 0 || !strings.Contains(stdout, "t2t: echo") {
		t.Fatalf("show = exit %d:\n%s", code, stdout)
	}

	_, _, code = runCmd(t, "config", "show", "-c", path, "--query", ".[")
	if code == 0 {
		t.Fatal("invalid query accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	good := writeConfig(t, "operations:\n  filters: [clean]\n")
	stdout, stderr, code := runCmd(t, "config", "validate", good)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "is valid") {
		t.Fatalf("stdout = %q", stdout)
	}

	bad := writeConfig(t, "operations:\n  bogus: 1\n")
	if _, _, code := runCmd(t, "config", "validate", bad); code == 0 {
		t.Fatal("unknown field accepted")
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(backends.Metadata{
			Type: "filter", ID: "upper", Compatibility: true,
			Run: backends.RunCmd{Unix: "./upper"},
		})
	}))
	defer srv.Close()

	stdout, stderr, code := runCmd(t, "probe", srv.URL)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{"type: filter", "id: upper", "unix: ./upper"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("probe output lacks %q:\n%s", want, stdout)
		}
	}
}

func TestOutputFormats(t *testing.T) {
	stdout, _, code := runCmd(t, "version", "--format", "yaml")
	if code != 0 || !strings.Contains(stdout, "version: ") || !strings.Contains(stdout, "arch: ") {
		t.Fatalf("version yaml = exit %d:\n%s", code, stdout)
	}

	for _, args := range [][]string{
		{"capabilities", "-o", "xml"},
		{"version", "--format", "table"},
		{"config", "show", "-o", "table"},
		{"probe", "http://127.0.0.1:1", "-o", "raw"},
	} {
		_, stderr, code := runCmd(t, args...)
		if code == 0 || !strings.Contains(stderr, "unsupported output format") {
			t.Fatalf("%v = exit %d, stderr %q", args, code, stderr)
		}
	}
}
