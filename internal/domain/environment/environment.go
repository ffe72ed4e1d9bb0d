// Package environment resolves per-project semantic layer configuration
// (git workspace, dbt profile, manifest path, auth tokens) from a YAML
// registry file, and authorizes incoming requests against it.
package environment

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lightdash/metricqueryd/internal/apierror"
)

// Config describes one project's semantic layer environment.
type Config struct {
	ProjectID            string
	Name                 string
	ProjectDir           string
	ProfilesDir          string
	SemanticManifestPath string
	RepoURL              string
	DefaultRef           string
	Tokens               []string
	// AdapterType names the warehouse adapter ("postgres", "snowflake",
	// …), the discriminator the SQL Normalizer and Engine Provider
	// dispatch on. Resolved from the project's dbt profile in practice;
	// carried here directly since this service doesn't parse profiles.yml.
	AdapterType string
	// DatabaseName is the warehouse credentials' database name, used by
	// the SQL Normalizer's targeted three-part-identifier rewrite.
	DatabaseName string
	// WarehouseDSN, when set, is the DSN the Postgres adapter connects
	// with to execute engine-assembled SQL against the project's
	// warehouse. Empty means queries run against a no-op adapter.
	WarehouseDSN string
}

// Authorize reports whether token is a member of this environment's
// allowed token list. Comparison is constant-time per token to avoid
// leaking match position through timing.
func (c Config) Authorize(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range c.Tokens {
		if subtle.ConstantTimeCompare([]byte(allowed), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// Registry holds the loaded environment configs, keyed by project ID.
// Zero value is not usable; construct with Load.
type Registry struct {
	mu   sync.RWMutex
	envs map[string]Config
}

// Get returns the Config for projectID, or an ENVIRONMENT_NOT_FOUND
// apierror.Error if no such project is registered.
func (r *Registry) Get(projectID string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.envs[projectID]
	if !ok {
		return Config{}, apierror.Newf(apierror.CodeEnvironmentMissing, "projectId=%s not found", projectID)
	}
	if env.ProjectDir == "" {
		return Config{}, apierror.Newf(apierror.CodeConfigInvalid, "projectId=%s has no project_dir configured", projectID)
	}
	return env, nil
}

// Reload re-reads the registry from path and swaps in the new set,
// atomically. An error leaves the previous registry contents untouched.
func (r *Registry) Reload(path, baseDirOverride string) error {
	envs, err := loadConfigFile(path, baseDirOverride)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.envs = envs
	r.mu.Unlock()
	return nil
}

// Load reads and parses the environment registry YAML file at path.
// baseDirOverride, when non-empty, takes precedence over path's own
// directory when resolving relative project/profile/manifest paths.
func Load(path, baseDirOverride string) (*Registry, error) {
	envs, err := loadConfigFile(path, baseDirOverride)
	if err != nil {
		return nil, err
	}
	return &Registry{envs: envs}, nil
}

type rawEnvironment struct {
	ProjectID            string    `yaml:"project_id"`
	ProjectIDAlt         string    `yaml:"projectId"`
	ID                   string    `yaml:"id"`
	Name                 string    `yaml:"name"`
	ProjectDir           string    `yaml:"project_dir"`
	ProfilesDir          string    `yaml:"profiles_dir"`
	SemanticManifestPath string    `yaml:"semantic_manifest_path"`
	Repo                 string    `yaml:"repo"`
	RepoURL              string    `yaml:"repo_url"`
	Git                  string    `yaml:"git"`
	DefaultRef           string    `yaml:"default_ref"`
	Branch               string    `yaml:"branch"`
	DefaultRefAlt        string    `yaml:"defaultRef"`
	Tokens               yaml.Node `yaml:"tokens"`
	AdapterType          string    `yaml:"adapter_type"`
	AdapterTypeAlt       string    `yaml:"adapterType"`
	Database             string    `yaml:"database"`
	DBName               string    `yaml:"dbname"`
	WarehouseDSN         string    `yaml:"warehouse_dsn"`
	DSN                  string    `yaml:"dsn"`
}

type rawFile struct {
	Environments []rawEnvironment `yaml:"environments"`
}

func loadConfigFile(path, baseDirOverride string) (map[string]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierror.Newf(apierror.CodeConfigNotFound, "environment registry file not found: %s", path)
		}
		return nil, apierror.Newf(apierror.CodeConfigInvalid, "cannot read environment registry file: %s", path)
	}

	var parsed rawFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, apierror.New(apierror.CodeConfigInvalid, "environment registry file parse failed").
			WithDetails(map[string]any{"error": err.Error()})
	}

	baseDir := resolveBaseDir(filepath.Dir(path), baseDirOverride)

	envs := make(map[string]Config, len(parsed.Environments))
	for _, raw := range parsed.Environments {
		projectID := firstNonEmpty(raw.ProjectID, raw.ProjectIDAlt, raw.ID)
		if projectID == "" {
			continue
		}
		projectDir := resolvePath(baseDir, raw.ProjectDir)
		if projectDir == "" {
			continue
		}
		profilesDir := resolvePath(baseDir, raw.ProfilesDir)
		if profilesDir == "" {
			profilesDir = projectDir
		}
		manifestPath := resolvePath(baseDir, raw.SemanticManifestPath)
		if manifestPath == "" {
			manifestPath = defaultManifestPath(projectDir)
		}

		envs[projectID] = Config{
			ProjectID:            projectID,
			Name:                 raw.Name,
			ProjectDir:           projectDir,
			ProfilesDir:          profilesDir,
			SemanticManifestPath: manifestPath,
			RepoURL:              firstNonEmpty(raw.Repo, raw.RepoURL, raw.Git),
			DefaultRef:           firstNonEmpty(raw.DefaultRef, raw.Branch, raw.DefaultRefAlt),
			Tokens:               decodeTokens(raw.Tokens),
			AdapterType:          firstNonEmpty(raw.AdapterType, raw.AdapterTypeAlt),
			DatabaseName:         firstNonEmpty(raw.Database, raw.DBName),
			WarehouseDSN:         firstNonEmpty(raw.WarehouseDSN, raw.DSN),
		}
	}
	return envs, nil
}

// decodeTokens accepts either a scalar string or a sequence of strings
// for the tokens field; a scalar is coerced to a one-element list.
func decodeTokens(node yaml.Node) []string {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err == nil && s != "" {
			return []string{s}
		}
		return nil
	case yaml.SequenceNode:
		var tokens []string
		if err := node.Decode(&tokens); err == nil {
			return tokens
		}
		return nil
	default:
		return nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolvePath(baseDir, raw string) string {
	if raw == "" {
		return ""
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	abs, err := filepath.Abs(filepath.Join(baseDir, raw))
	if err != nil {
		return filepath.Join(baseDir, raw)
	}
	return abs
}

func resolveBaseDir(configDir, override string) string {
	if override == "" {
		return configDir
	}
	if filepath.IsAbs(override) {
		return override
	}
	abs, err := filepath.Abs(filepath.Join(configDir, override))
	if err != nil {
		return filepath.Join(configDir, override)
	}
	return abs
}

func defaultManifestPath(projectDir string) string {
	return filepath.Join(projectDir, "target", "semantic_manifest.json")
}

// String implements fmt.Stringer for debug logging.
func (c Config) String() string {
	return fmt.Sprintf("Config{ProjectID:%s, ProjectDir:%s}", c.ProjectID, c.ProjectDir)
}
