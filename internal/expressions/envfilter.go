package expressions

import (
	"path/filepath"
	"strings"
)

// DefaultSecretSuffixes mark credential-shaped variable names. Matching is
// case-insensitive and needs no separator, so PGPASSWORD is hidden.
var DefaultSecretSuffixes = []string{
	"SECRET", "SECRETS", "TOKEN", "TOKENS", "PASSWORD", "PASSWD",
	"APIKEY", "CREDENTIAL", "CREDENTIALS",
}

// DefaultShortSuffixes only match as a whole word: the name equals the suffix
// or a separator precedes it. MONKEY stays visible, SSH_KEY does not.
var DefaultShortSuffixes = []string{"KEY", "KEYS", "PASS", "AUTH"}

// DefaultDenyList holds name patterns that are never exposed even without a secret suffix.
var DefaultDenyList = []string{
	"AWS_*", "AZURE_*", "GCP_*", "GOOGLE_APPLICATION_*",
	"DATABASE_URL", "*_DSN", "SSH_AUTH_SOCK", "NPM_CONFIG_*",
}

// EnvFilter decides which process environment variables templates may read.
// When AllowList is non-empty it replaces the deny rules entirely: only names
// matching an allow pattern pass. Patterns use filepath.Match syntax.
type EnvFilter struct {
	AllowList     []string
	DenyList      []string
	Suffixes      []string
	ShortSuffixes []string
}

// NewEnvFilter returns a filter with the default suffixes plus the given deny
// patterns, or an allow-list filter when allow is non-empty.
func NewEnvFilter(allow, deny []string) EnvFilter {
	if len(deny) == 0 {
		deny = DefaultDenyList
	}
	return EnvFilter{
		AllowList:     allow,
		DenyList:      deny,
		Suffixes:      DefaultSecretSuffixes,
		ShortSuffixes: DefaultShortSuffixes,
	}
}

// Allowed reports whether a variable name may be exposed.
func (f EnvFilter) Allowed(name string) bool {
	if name == "" {
		return false
	}
	if len(f.AllowList) > 0 {
		return matchAny(f.AllowList, name)
	}
	upper := strings.ToUpper(name)
	for _, suffix := range f.Suffixes {
		if strings.HasSuffix(upper, suffix) {
			return false
		}
	}
	for _, suffix := range f.ShortSuffixes {
		if upper == suffix {
			return false
		}
		if strings.HasSuffix(upper, suffix) && isSeparator(upper[len(upper)-len(suffix)-1]) {
			return false
		}
	}
	return !matchAny(f.DenyList, name)
}

// Snapshot filters KEY=VALUE pairs into a map. It is a pure function of its input.
func (f EnvFilter) Snapshot(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !f.Allowed(name) {
			continue
		}
		out[name] = value
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		matched, err := filepath.Match(p, name)
		if err != nil {
			// Invalid patterns match nothing.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func isSeparator(b byte) bool {
	return b == '_' || b == '-' || b == '.'
}
