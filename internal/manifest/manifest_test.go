package manifest

import (
	"testing"

	"devrig/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestJSON() string {
	return `{
		"id": "acme-tasks",
		"name": "Acme Tasks",
		"version": "1.2.3",
		"description": "Syncs tasks from Acme.",
		"permissions": {"network": ["api.acme.com"], "secrets": ["apiKey"], "ai": true},
		"capabilities": {
			"dataSources": [{"id": "tasks", "name": "Tasks", "entryPoint": "sync.js"}]
		}
	}`
}

func TestParseAndValidate_Valid(t *testing.T) {
	m, warnings, err := ParseAndValidate([]byte(validManifestJSON()))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "acme-tasks", m.ID)
	assert.True(t, m.Permissions.AI)
}

func TestValidate_RejectsBadID(t *testing.T) {
	_, err := Validate(&Manifest{ID: "Bad_ID", Name: "x", Version: "1.0.0", Description: "d"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestValidate_RejectsBadSemver(t *testing.T) {
	_, err := Validate(&Manifest{ID: "ok-id", Name: "x", Version: "v1", Description: "d"})
	require.Error(t, err)
}

func TestValidate_RejectsEmptyDeclaredNetwork(t *testing.T) {
	m := &Manifest{ID: "ok-id", Name: "x", Version: "1.0.0", Description: "d", Permissions: Permissions{Network: []string{}}}
	_, err := Validate(m)
	require.Error(t, err)
}

func TestValidate_WarnsOnBareWildcard(t *testing.T) {
	m := &Manifest{ID: "ok-id", Name: "x", Version: "1.0.0", Description: "d", Permissions: Permissions{Network: []string{"*"}}}
	warnings, err := Validate(m)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "permissions.network", warnings[0].Field)
}

func TestValidate_RejectsTooManySecrets(t *testing.T) {
	secrets := make([]string, 21)
	for i := range secrets {
		secrets[i] = "k"
	}
	m := &Manifest{ID: "ok-id", Name: "x", Version: "1.0.0", Description: "d", Permissions: Permissions{Secrets: secrets}}
	_, err := Validate(m)
	require.Error(t, err)
}

func TestValidate_FilesystemRoots(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"__PLUGIN_DATA__", true},
		{"__PLUGIN_DATA__/cache", true},
		{"/tmp", true},
		{"/tmp/scratch", true},
		{"/etc/passwd", false},
	}
	for _, c := range cases {
		m := &Manifest{ID: "ok-id", Name: "x", Version: "1.0.0", Description: "d", Permissions: Permissions{Filesystem: []string{c.path}}}
		_, err := Validate(m)
		if c.ok {
			assert.NoError(t, err, c.path)
		} else {
			assert.Error(t, err, c.path)
		}
	}
}

func TestValidate_CapabilityUnknownEnum(t *testing.T) {
	m := &Manifest{
		ID: "ok-id", Name: "x", Version: "1.0.0", Description: "d",
		Capabilities: Capabilities{
			AIPipelines: []AIPipeline{{ID: "p1", Name: "P", EntryPoint: "p.js", Trigger: "onWhenever"}},
		},
	}
	_, err := Validate(m)
	require.Error(t, err)
}

func TestValidate_DataSourceSyncIntervalRange(t *testing.T) {
	tooLow := 1
	m := &Manifest{
		ID: "ok-id", Name: "x", Version: "1.0.0", Description: "d",
		Capabilities: Capabilities{
			DataSources: []DataSource{{ID: "ds", Name: "DS", EntryPoint: "s.js", SyncInterval: &tooLow}},
		},
	}
	_, err := Validate(m)
	require.Error(t, err)
}

func TestMatchesNetworkAllowlist(t *testing.T) {
	allowlist := []string{"api.acme.com", "*.example.com"}
	assert.True(t, MatchesNetworkAllowlist(allowlist, "https://api.acme.com/v1/tasks"))
	assert.True(t, MatchesNetworkAllowlist(allowlist, "https://sub.example.com/x"))
	assert.True(t, MatchesNetworkAllowlist(allowlist, "https://example.com/x"))
	assert.False(t, MatchesNetworkAllowlist(allowlist, "https://evil.com/x"))
	assert.False(t, MatchesNetworkAllowlist(nil, "https://api.acme.com"))
	assert.False(t, MatchesNetworkAllowlist(allowlist, "not a url :://"))
}

func TestMatchesPathAllowlist(t *testing.T) {
	allowlist := []string{"__PLUGIN_DATA__", "/srv/shared/", "/srv/logs*"}
	assert.False(t, MatchesPathAllowlist(allowlist, "__PLUGIN_DATA__"), "sentinel never matches directly")
	assert.True(t, MatchesPathAllowlist(allowlist, "/srv/shared/file.txt"))
	assert.True(t, MatchesPathAllowlist(allowlist, "/srv/logs-2024.txt"))
	assert.False(t, MatchesPathAllowlist(allowlist, "/srv/other/file.txt"))
}

func TestHasSecretAndAllowsAI(t *testing.T) {
	assert.True(t, HasSecret([]string{"apiKey", "token"}, "apiKey"))
	assert.False(t, HasSecret([]string{"apiKey"}, "token"))
	assert.True(t, AllowsAI(Permissions{AI: true}))
	assert.False(t, AllowsAI(Permissions{}))
}
