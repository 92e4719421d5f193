package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8*time.Second, cfg.Session.ConnectWait)
	assert.Equal(t, 750*time.Millisecond, cfg.Session.PersistDebounce)
	assert.Equal(t, time.Second, cfg.Session.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.Session.ReconnectMax)
	assert.Equal(t, 6, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.Site.Timeout)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_LICENSE_TOKEN", "s3cret")
	path := writeConfig(t, `
server:
  address: ":9090"
license:
  base_url: "https://licenses.example.com"
  token: "${TEST_LICENSE_TOKEN}"
session:
  connect_wait: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "s3cret", cfg.License.Token)
	assert.Equal(t, 2*time.Second, cfg.Session.ConnectWait)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "license.base_url is required")

	cfg.License.BaseURL = "http://licenses"
	cfg.Database.Driver = "oracle"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `database.driver "oracle"`)
}

func TestEncryptionKey(t *testing.T) {
	d := DatabaseConfig{}
	key, err := d.EncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	d.AuthEncryptionKey = strings.Repeat("ab", 32)
	key, err = d.EncryptionKey()
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, byte(0xab), key[0])

	d.AuthEncryptionKey = "short"
	_, err = d.EncryptionKey()
	assert.Error(t, err)
}
