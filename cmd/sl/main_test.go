package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/zulandar/stageline/internal/config"
	"github.com/zulandar/stageline/internal/pipeline"
)

// writeConfig writes a sqlite config into a temp dir and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stageline.yaml")
	data := fmt.Sprintf("database:\n  path: %s\nworker:\n  lock_dir: %s\n",
		filepath.Join(dir, "sl.db"), filepath.Join(dir, "locks"))
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes sl with args against the config at cfgPath.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "sl dev") {
		t.Errorf("expected output to contain 'sl dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"sl 1.0.0", "commit: abc123", "built: 2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"serve", "worker", "db", "job", "project", "notifications", "token", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help should list %q, got: %s", sub, out)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing default falls back", func(t *testing.T) {
		t.Chdir(t.TempDir())
		g := &globals{v: viper.New()}
		g.v.Set("config", defaultConfigPath)

		cfg, err := g.loadConfig()
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Database.Driver != "sqlite" || cfg.Workspace != "default" {
			t.Errorf("config = %+v, want defaults", cfg.Database)
		}
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		g := &globals{v: viper.New()}
		g.v.Set("config", filepath.Join(t.TempDir(), "nope.yaml"))
		if _, err := g.loadConfig(); err == nil {
			t.Fatal("expected error for missing explicit config")
		}
	})

	t.Run("secrets from environment", func(t *testing.T) {
		t.Setenv("STAGELINE_GEMINI_API_KEY", "gem-key")
		t.Setenv("STAGELINE_AUTH_SECRET", "s3cret")
		g := &globals{v: viper.New()}
		g.v.SetEnvPrefix("STAGELINE")
		g.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		g.v.AutomaticEnv()
		g.v.Set("config", writeConfig(t))

		cfg, err := g.loadConfig()
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Executors.Gemini.APIKey != "gem-key" {
			t.Errorf("gemini key = %q, want gem-key", cfg.Executors.Gemini.APIKey)
		}
		if cfg.Server.AuthSecret != "s3cret" {
			t.Errorf("auth secret = %q, want s3cret", cfg.Server.AuthSecret)
		}
	})
}

func TestLogger(t *testing.T) {
	tests := []struct {
		format, level string
		wantErr       bool
	}{
		{"text", "info", false},
		{"json", "debug", false},
		{"JSON", "WARN", false},
		{"yaml", "info", true},
		{"text", "loud", true},
	}
	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.level, func(t *testing.T) {
			g := &globals{v: viper.New()}
			g.v.Set("log-format", tt.format)
			g.v.Set("log-level", tt.level)
			_, err := g.logger(new(bytes.Buffer))
			if (err != nil) != tt.wantErr {
				t.Errorf("logger err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDBInit(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := run(t, cfgPath, "db", "init")
	if err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	want := fmt.Sprintf("Workspace \"default\" ready with %d columns", len(pipeline.Default().Stages))
	if !strings.Contains(out, want) {
		t.Errorf("expected %q in output, got: %s", want, out)
	}
	if !strings.Contains(out, "initialized successfully") {
		t.Errorf("expected success message, got: %s", out)
	}

	// Running it again is harmless.
	if out, err := run(t, cfgPath, "db", "init"); err != nil {
		t.Fatalf("second db init: %v\n%s", err, out)
	}
}

func TestDBReset_Aborted(t *testing.T) {
	cfgPath := writeConfig(t)
	if _, err := run(t, cfgPath, "db", "init"); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetIn(strings.NewReader("no\n"))
	cmd.SetArgs([]string{"--config", cfgPath, "db", "reset"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(buf.String(), "Aborted.") {
		t.Errorf("expected abort, got: %s", buf.String())
	}
}

func TestDBReset_ClearsProjects(t *testing.T) {
	cfgPath := writeConfig(t)
	if out, err := run(t, cfgPath, "project", "create", "Import", "wizard"); err != nil {
		t.Fatalf("project create: %v\n%s", err, out)
	}
	if out, err := run(t, cfgPath, "db", "reset", "--yes"); err != nil {
		t.Fatalf("db reset: %v\n%s", err, out)
	}
	out, err := run(t, cfgPath, "project", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Nothing to show.") {
		t.Errorf("expected no projects after reset, got: %s", out)
	}
}

type listedProject struct {
	ID    string
	Name  string
	Stage string
}

func TestProjectLifecycle(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := run(t, cfgPath, "project", "create", "Import", "wizard", "--priority", "1")
	if err != nil {
		t.Fatalf("project create: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"Import wizard" in stage inbox`) {
		t.Errorf("unexpected create output: %s", out)
	}

	out, err = run(t, cfgPath, "--json", "project", "list")
	if err != nil {
		t.Fatalf("project list: %v", err)
	}
	var projects []listedProject
	if err := json.Unmarshal([]byte(out), &projects); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(projects) != 1 || projects[0].Name != "Import wizard" {
		t.Fatalf("projects = %+v, want one Import wizard", projects)
	}
	id := projects[0].ID

	out, err = run(t, cfgPath, "--actor", "dana", "project", "transition", id, "discovery")
	if err != nil {
		t.Fatalf("transition: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Moved inbox -> discovery") {
		t.Errorf("unexpected transition output: %s", out)
	}

	// The prd stage needs a research document first.
	out, err = run(t, cfgPath, "project", "transition", id, "prd")
	if err == nil {
		t.Fatalf("expected blocked transition, got: %s", out)
	}
	if !strings.Contains(out, "missing:research") {
		t.Errorf("expected blocking reason in output, got: %s", out)
	}

	out, err = run(t, cfgPath, "project", "history", id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "dana") || !strings.Contains(out, "discovery") {
		t.Errorf("history should show the discovery entry by dana, got: %s", out)
	}
}

func TestProjectTable(t *testing.T) {
	cfgPath := writeConfig(t)
	if _, err := run(t, cfgPath, "project", "create", "Billing"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, cfgPath, "project", "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"NAME", "STAGE", "Billing", "inbox"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in table, got: %s", want, out)
		}
	}
}

func TestJobCommands(t *testing.T) {
	cfgPath := writeConfig(t)

	if _, err := run(t, cfgPath, "job", "create", "--type", "paint_fence"); err == nil {
		t.Error("expected error for unknown job type")
	}
	if _, err := run(t, cfgPath, "job", "create", "--type", "generate_prd", "--input", "{not json"); err == nil {
		t.Error("expected error for malformed input")
	}

	out, err := run(t, cfgPath, "job", "create", "--type", string(pipeline.JobDeployPreview), "--input", `{"branch":"main"}`)
	if err != nil {
		t.Fatalf("job create: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Created job") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = run(t, cfgPath, "--json", "job", "list", "--status", "pending")
	if err != nil {
		t.Fatalf("job list: %v", err)
	}
	var jobs []struct {
		ID     string
		Type   string
		Input  map[string]any
		Status string
	}
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(jobs) != 1 || jobs[0].Input["branch"] != "main" {
		t.Fatalf("jobs = %+v, want the deploy job", jobs)
	}

	// Only failed jobs can be retried.
	if _, err := run(t, cfgPath, "job", "retry", jobs[0].ID); err == nil {
		t.Error("expected error retrying a pending job")
	}
	if _, err := run(t, cfgPath, "job", "show", "no-such-job"); err == nil {
		t.Error("expected error for missing job")
	}
}

func TestWorkerOnce(t *testing.T) {
	cfgPath := writeConfig(t)
	if _, err := run(t, cfgPath, "job", "create", "--type", string(pipeline.JobDeployPreview)); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, cfgPath, "worker", "--once")
	if err != nil {
		t.Fatalf("worker --once: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Processed 1 job(s)") {
		t.Errorf("unexpected output: %s", out)
	}

	// Without an executor the attempt fails and the job is deferred for retry.
	out, err = run(t, cfgPath, "--json", "job", "list")
	if err != nil {
		t.Fatal(err)
	}
	var jobs []struct {
		Status  string
		Attempt int
		Error   string
	}
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want one", jobs)
	}
	if jobs[0].Attempt != 1 || !strings.Contains(jobs[0].Error, "no executor registered") {
		t.Errorf("job = %+v, want one failed attempt without executor", jobs[0])
	}
	if jobs[0].Status != "pending" {
		t.Errorf("status = %s, want pending until attempts run out", jobs[0].Status)
	}
}

func TestWorkerLock_SingleInstance(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.LockDir = t.TempDir()

	lock, err := acquireWorkerLock(cfg)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer lock.Unlock()

	if _, err := acquireWorkerLock(cfg); err == nil {
		t.Fatal("expected second lock to fail")
	}
}

func TestNotificationsRead_Args(t *testing.T) {
	cfgPath := writeConfig(t)
	if _, err := run(t, cfgPath, "notifications", "read"); err == nil {
		t.Error("expected error without id or --all")
	}
	if _, err := run(t, cfgPath, "notifications", "read", "abc", "--all"); err == nil {
		t.Error("expected error with both id and --all")
	}
	out, err := run(t, cfgPath, "notifications", "read", "--all")
	if err != nil {
		t.Fatalf("read --all: %v", err)
	}
	if !strings.Contains(out, "Marked 0 notification(s) read") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestTokenCmd(t *testing.T) {
	cfgPath := writeConfig(t)

	if _, err := run(t, cfgPath, "token"); err == nil {
		t.Error("expected error without an auth secret")
	}

	t.Setenv("STAGELINE_AUTH_SECRET", "s3cret")
	out, err := run(t, cfgPath, "token", "--subject", "dana", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Errorf("token = %q, want a three-part JWT", out)
	}
}
