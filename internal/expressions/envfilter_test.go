package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvFilter_DefaultRules(t *testing.T) {
	f := NewEnvFilter(nil, nil)

	for _, name := range []string{"HOME", "PATH", "CI", "REGION", "MONKEY", "KEYBOARD_LAYOUT", "BYPASS", "OAUTH_ENABLED"} {
		assert.True(t, f.Allowed(name), name)
	}
	for _, name := range []string{
		"GITHUB_TOKEN", "OPENAI_API_KEY", "db_password", "APP_SECRET", "TOKEN",
		"AWS_REGION", "DATABASE_URL", "PG_DSN", "SERVICE_CREDENTIALS", "",
		"PGPASSWORD", "GITHUBTOKEN", "OPENAIAPIKEY", "MYSECRET", "mysql_pwd_passwd",
		"SSH_KEY", "KEY", "BASIC_AUTH", "smtp-pass",
	} {
		assert.False(t, f.Allowed(name), name)
	}
}

func TestEnvFilter_CustomDenyList(t *testing.T) {
	f := NewEnvFilter(nil, []string{"INTERNAL_*"})
	assert.False(t, f.Allowed("INTERNAL_HOST"))
	assert.False(t, f.Allowed("API_TOKEN"))
	// custom deny-list replaces the default patterns
	assert.True(t, f.Allowed("AWS_REGION"))
}

func TestEnvFilter_AllowList(t *testing.T) {
	f := NewEnvFilter([]string{"GITHUB_TOKEN", "CI_*"}, nil)
	assert.True(t, f.Allowed("GITHUB_TOKEN"))
	assert.True(t, f.Allowed("CI_COMMIT"))
	assert.False(t, f.Allowed("HOME"))
}

func TestEnvFilter_Snapshot(t *testing.T) {
	f := NewEnvFilter(nil, nil)
	snap := f.Snapshot([]string{"A=1", "B_TOKEN=x", "MALFORMED", "C=a=b"})
	assert.Equal(t, map[string]string{"A": "1", "C": "a=b"}, snap)
}
