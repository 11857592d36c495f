package config

import (
	"os"
	"strings"
)

// Environment switches honored by the run coordinator.
const (
	// EnvCacheDir overrides the default cache directory (~/.cache/luban).
	EnvCacheDir = "LUBAN_CACHE_DIR"
	// EnvDisableCache disables result caching entirely when set to a
	// truthy value; every run gets a fresh working directory.
	EnvDisableCache = "LUBAN_DISABLE_CACHE"
)

// CacheDisabled reports whether result caching is disabled via environment.
func CacheDisabled() bool {
	v := strings.ToLower(os.Getenv(EnvDisableCache))
	return v == "true" || v == "1"
}

// ResolveEnvVar resolves a value that may reference an environment
// variable via the "os.environ/VAR_NAME" indirection used in job config
// files, so API keys never have to appear in the file itself.
// Returns the resolved value or the original string if no env var
// pattern found.
func ResolveEnvVar(value string) string {
	if envKey, ok := strings.CutPrefix(value, "os.environ/"); ok {
		if v, found := os.LookupEnv(envKey); found {
			return v
		}
		return ""
	}
	return value
}

// ResolveEnvVarPtr resolves a pointer string value.
func ResolveEnvVarPtr(value *string) *string {
	if value == nil {
		return nil
	}
	resolved := ResolveEnvVar(*value)
	return &resolved
}
