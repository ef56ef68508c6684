// Package credential resolves the access tokens gated model downloads and
// licensed registries require. Resolution order: the launch request's own
// environment, the process environment, then an optional dotenv fallback file.
package credential

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// DefaultFallbackFile is the conventional dotenv location consulted when a
// credential is in neither the launch request nor the process environment.
func DefaultFallbackFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "modelctl", "credentials.env")
}

type Resolver struct {
	// FallbackFile is an optional dotenv file consulted when a credential is
	// absent from the environment (e.g. ~/.config/modelctl/credentials.env).
	FallbackFile string

	fallback map[string]string
	loaded   bool
}

// MissingError reports which required credentials could not be located.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return "missing required credentials: " + join(e.Names)
}

func join(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// Resolve returns the values for the required credential names. An empty value
// counts as missing: the downstream pull is certain to fail on it anyway.
func (r *Resolver) Resolve(names []string, specEnv map[string]string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if err := r.loadFallback(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		if v, ok := specEnv[name]; ok && v != "" {
			out[name] = v
			continue
		}
		if v := os.Getenv(name); v != "" {
			out[name] = v
			continue
		}
		if v, ok := r.fallback[name]; ok && v != "" {
			out[name] = v
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return nil, &MissingError{Names: missing}
	}
	return out, nil
}

func (r *Resolver) loadFallback() error {
	if r.loaded || r.FallbackFile == "" {
		r.loaded = true
		return nil
	}
	r.loaded = true
	if _, err := os.Stat(r.FallbackFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "stat credential file")
	}
	vars, err := godotenv.Read(r.FallbackFile)
	if err != nil {
		return errors.Wrap(err, "parse credential file")
	}
	r.fallback = vars
	return nil
}
