package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9000
  metrics_port: 9100
  log_level: debug
trust_proxy: true
trusted_cidrs:
  - 10.0.0.0/8
queue_dir: /tmp/herald-queue
backends:
  ceph:
    protocol: s3
  ovh:
    protocol: swift
buckets:
  photos:
    backend: ceph
    endpoint: https://ceph.example.org
    region: eu-west-1
    access_key_id: AK1
    secret_access_key: SK1
    bucket: photos-prod
    replicas:
      - name: ovh-backup
        backend: ovh
        auth_url: https://auth.example.org/v3
        region: GRA
        container: photos-backup
        username: herald
        password: pw
        project_name: proj
  archive:
    backend: ovh
    auth_url: https://auth.example.org/v3
    region: GRA
    container: archive
    username: herald
    password: pw
    project_name: proj
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 9100, cfg.Server.MetricsPort)
	assert.True(t, cfg.TrustProxy)
	require.Len(t, cfg.TrustedNets(), 1)

	photos := cfg.Buckets["photos"]
	assert.Equal(t, "ceph", photos.Backend)
	assert.Equal(t, "photos-prod", photos.Bucket)
	require.Len(t, photos.Replicas, 1)
	assert.Equal(t, "ovh-backup", photos.Replicas[0].Name)
	assert.Equal(t, "photos-backup", photos.Replicas[0].Container)
}

func TestParse_UnknownFieldAborts(t *testing.T) {
	_, err := Parse(strings.NewReader("server:\n  prot: 9000\n"))
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse(strings.NewReader(sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults applied", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, "info", cfg.Server.LogLevel)
		assert.NotEmpty(t, cfg.QueueDir)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		cfg := base()
		cfg.Backends["bad"] = BackendDef{Protocol: "ftp"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("bucket references unknown backend", func(t *testing.T) {
		cfg := base()
		b := cfg.Buckets["photos"]
		b.Backend = "missing"
		cfg.Buckets["photos"] = b
		assert.Error(t, cfg.Validate())
	})

	t.Run("s3 bucket missing credentials", func(t *testing.T) {
		cfg := base()
		b := cfg.Buckets["photos"]
		b.SecretAccessKey = ""
		cfg.Buckets["photos"] = b
		assert.Error(t, cfg.Validate())
	})

	t.Run("swift bucket missing container", func(t *testing.T) {
		cfg := base()
		b := cfg.Buckets["archive"]
		b.Container = ""
		cfg.Buckets["archive"] = b
		assert.Error(t, cfg.Validate())
	})

	t.Run("duplicate replica names", func(t *testing.T) {
		cfg := base()
		b := cfg.Buckets["photos"]
		b.Replicas = append(b.Replicas, b.Replicas[0])
		cfg.Buckets["photos"] = b
		assert.Error(t, cfg.Validate())
	})

	t.Run("invalid cidr", func(t *testing.T) {
		cfg := base()
		cfg.TrustedCIDRs = []string{"not-a-cidr"}
		assert.Error(t, cfg.Validate())
	})
}

func TestSwiftConfigFingerprint(t *testing.T) {
	a := &SwiftConfig{AuthURL: "https://auth/v3", Region: "GRA", ProjectName: "p", Username: "u"}
	b := &SwiftConfig{AuthURL: "https://auth/v3", Region: "GRA", ProjectName: "p", Username: "u", Password: "different"}
	c := &SwiftConfig{AuthURL: "https://auth/v3", Region: "SBG", ProjectName: "p", Username: "u"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
