package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lightdash/metricqueryd/internal/apierror"
)

func writeRegistry(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "environments.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBasicEnvironment(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "proj_a"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeRegistry(t, dir, `
environments:
  - project_id: proj_a
    name: Project A
    project_dir: proj_a
    tokens:
      - secret-token
`)

	reg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg, err := reg.Get("proj_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Name != "Project A" {
		t.Errorf("got name %q", cfg.Name)
	}
	if cfg.ProfilesDir != cfg.ProjectDir {
		t.Errorf("profiles_dir should default to project_dir")
	}
	want := filepath.Join(cfg.ProjectDir, "target", "semantic_manifest.json")
	if cfg.SemanticManifestPath != want {
		t.Errorf("got manifest path %q, want %q", cfg.SemanticManifestPath, want)
	}
}

func TestLoadFieldAliases(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "proj_b"), 0o755)
	path := writeRegistry(t, dir, `
environments:
  - projectId: proj_b
    project_dir: proj_b
    repo: https://example.com/repo.git
    branch: main
    tokens: solo-token
`)

	reg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg, err := reg.Get("proj_b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.RepoURL != "https://example.com/repo.git" {
		t.Errorf("got repo_url %q", cfg.RepoURL)
	}
	if cfg.DefaultRef != "main" {
		t.Errorf("got default_ref %q", cfg.DefaultRef)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0] != "solo-token" {
		t.Errorf("expected scalar token coerced to list, got %v", cfg.Tokens)
	}
}

func TestGetMissingProjectReturnsEnvironmentNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, `environments: []`)

	reg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = reg.Get("nope")
	apiErr := apierror.As(err)
	if apiErr.Code != apierror.CodeEnvironmentMissing {
		t.Errorf("got code %s, want ENVIRONMENT_NOT_FOUND", apiErr.Code)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/environments.yml", "")
	apiErr := apierror.As(err)
	if apiErr.Code != apierror.CodeConfigNotFound {
		t.Errorf("got code %s, want CONFIG_NOT_FOUND", apiErr.Code)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, `{{{not yaml`)

	_, err := Load(path, "")
	apiErr := apierror.As(err)
	if apiErr.Code != apierror.CodeConfigInvalid {
		t.Errorf("got code %s, want CONFIG_INVALID", apiErr.Code)
	}
}

func TestAuthorize(t *testing.T) {
	cfg := Config{Tokens: []string{"a", "b"}}
	if !cfg.Authorize("a") {
		t.Error("expected a to be authorized")
	}
	if cfg.Authorize("c") {
		t.Error("expected c to be unauthorized")
	}
	if cfg.Authorize("") {
		t.Error("empty token must never authorize")
	}
}

func TestBaseDirOverride(t *testing.T) {
	dir := t.TempDir()
	projectsDir := filepath.Join(dir, "projects")
	os.MkdirAll(filepath.Join(projectsDir, "proj_c"), 0o755)

	cfgDir := filepath.Join(dir, "config")
	os.MkdirAll(cfgDir, 0o755)
	path := writeRegistry(t, cfgDir, `
environments:
  - project_id: proj_c
    project_dir: proj_c
`)

	reg, err := Load(path, projectsDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg, err := reg.Get("proj_c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := filepath.Join(projectsDir, "proj_c")
	if cfg.ProjectDir != want {
		t.Errorf("got project_dir %q, want %q", cfg.ProjectDir, want)
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "proj_a"), 0o755)
	path := writeRegistry(t, dir, `
environments:
  - project_id: proj_a
    project_dir: proj_a
`)

	reg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeRegistry(t, dir, `
environments:
  - project_id: proj_a
    project_dir: proj_a
    name: renamed
`)

	if err := reg.Reload(path, ""); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	cfg, err := reg.Get("proj_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Name != "renamed" {
		t.Errorf("expected reload to pick up renamed value, got %q", cfg.Name)
	}
}
