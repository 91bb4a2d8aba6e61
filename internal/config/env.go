package config

import (
	"fmt"
	"net/textproto"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// applyEnvOverrides layers environment variables over the file configuration.
// Keys follow the nested envconfig tags under EnvPrefix, so storage.postgres_url
// becomes TOKENVAULT_STORAGE_POSTGRES_URL. Unset variables leave the file value alone.
func (c *Config) applyEnvOverrides() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("apply env overrides: %w", err)
	}

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	c.Notify.Headers = mergeHeaderEnv(c.Notify.Headers, "NOTIFY_HEADER_")
	return nil
}

// mergeHeaderEnv loads headers from prefixed variables.
// NOTIFY_HEADER_X_API_KEY=abc becomes "X-Api-Key: abc".
func mergeHeaderEnv(headers map[string]string, prefix string) map[string]string {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if name == "" {
			continue
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		headers[headerName] = parts[1]
	}
	return headers
}

func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}
