package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zibra/filter"
	"zibra/loadbalance"
)

func TestServerDefaults(t *testing.T) {
	conf, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, DefaultServer.Listen, conf.Listen)
	assert.Equal(t, 10*time.Second, conf.ErrorDelay.Std())
	assert.True(t, conf.GetFunctions)
}

func TestServerEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen": ["tcp://0.0.0.0:9000"],
		"error_delay": "2s",
		"security": {"compress": true}
	}`), 0o644))
	t.Setenv("ZIBRA_SERVER_ERROR_DELAY", "500ms")
	t.Setenv("ZIBRA_SERVER_CROSS_DOMAIN", "https://a.example,https://b.example")

	conf, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://0.0.0.0:9000"}, conf.Listen)
	assert.Equal(t, 500*time.Millisecond, conf.ErrorDelay.Std())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, conf.CrossDomain)
	assert.True(t, conf.Security.Compress)

	opts, err := conf.Options(logrus.NewEntry(logrus.New()), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"error_delay": 5}`), 0o644))
	_, err := LoadServer(path)
	assert.Error(t, err)

	t.Setenv("ZIBRA_CLIENT_TIMEOUT", "soon")
	_, err = LoadClient("")
	assert.Error(t, err)
}

func TestClientEnv(t *testing.T) {
	t.Setenv("ZIBRA_CLIENT_URIS", "tcp://a:1,tcp://b:2")
	t.Setenv("ZIBRA_CLIENT_RETRY", "3")
	t.Setenv("ZIBRA_CLIENT_BALANCER", "roundrobin")
	t.Setenv("ZIBRA_CLIENT_FULL_DUPLEX", "true")
	t.Setenv("ZIBRA_CLIENT_POLL_TIMEOUT", "4m")

	conf, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://a:1", "tcp://b:2"}, conf.URIs)
	assert.Equal(t, 3, conf.Retry)
	assert.True(t, conf.FullDuplex)
	assert.Equal(t, 4*time.Minute, conf.PollTimeout.Std())

	opts, err := conf.Options(logrus.NewEntry(logrus.New()), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	conf.Balancer = "nearest"
	_, err = conf.Options(logrus.NewEntry(logrus.New()), nil)
	assert.Error(t, err)
}

func TestSecurityFilters(t *testing.T) {
	filters, err := Security{Compress: true, SecretKey: "0123456789abcdef0123456789abcdef"}.Filters()
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.IsType(t, &filter.SecretBox{}, filters[1])

	_, err = Security{SecretKey: "short"}.Filters()
	assert.Error(t, err)
}

func TestParseBalancer(t *testing.T) {
	b, err := ParseBalancer("weighted")
	require.NoError(t, err)
	assert.Equal(t, loadbalance.WeightedRandomBalancer{}, b)
}

func TestNoRegistryWithoutEndpoints(t *testing.T) {
	reg, err := Etcd{}.Registry()
	require.NoError(t, err)
	assert.Nil(t, reg)
}
