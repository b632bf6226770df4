package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/herald/internal/config"
)

const registryYAML = `
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
    force_path_style: true
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
    username: swift-user
    password: swift-pass
    project_name: proj
`

func buildRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(registryYAML))
	require.NoError(t, err)
	reg, err := Build(cfg)
	require.NoError(t, err)
	return reg
}

func TestBuild_CoercesByProtocol(t *testing.T) {
	reg := buildRegistry(t)

	photos, ok := reg.Lookup("photos")
	require.True(t, ok)
	assert.Equal(t, BackendS3, photos.Type)
	require.NotNil(t, photos.S3)
	assert.Equal(t, "photos-prod", photos.S3.Bucket)
	assert.True(t, photos.S3.ForcePathStyle)
	assert.True(t, photos.HasReplicas())

	archive, ok := reg.Lookup("archive")
	require.True(t, ok)
	assert.Equal(t, BackendSwift, archive.Type)
	require.NotNil(t, archive.Swift)
	assert.Equal(t, "archive", archive.Swift.Container)
	assert.False(t, archive.HasReplicas())
}

func TestBuild_Replicas(t *testing.T) {
	reg := buildRegistry(t)

	photos, _ := reg.Lookup("photos")
	require.Len(t, photos.Replicas, 1)
	rep := photos.Replicas[0]
	assert.Equal(t, "ovh-backup", rep.Name)
	assert.Equal(t, BackendSwift, rep.Type)
	assert.Equal(t, "photos-backup", rep.Swift.Container)
}

func TestForReplica(t *testing.T) {
	reg := buildRegistry(t)

	photos, _ := reg.Lookup("photos")
	view := photos.ForReplica(photos.Replicas[0])

	assert.Equal(t, "photos", view.Name)
	assert.Equal(t, BackendSwift, view.Type)
	assert.True(t, view.IsReplica)
	assert.False(t, view.HasReplicas())
}

func TestCredentials(t *testing.T) {
	reg := buildRegistry(t)

	photos, _ := reg.Lookup("photos")
	c := photos.Credentials()
	assert.Equal(t, "AK1", c.AccessKeyID)
	assert.Equal(t, "SK1", c.SecretAccessKey)

	// Swift buckets authenticate clients with username/password.
	archive, _ := reg.Lookup("archive")
	c = archive.Credentials()
	assert.Equal(t, "swift-user", c.AccessKeyID)
	assert.Equal(t, "swift-pass", c.SecretAccessKey)
}

func TestNamesAndAllCredentials(t *testing.T) {
	reg := buildRegistry(t)

	assert.Equal(t, []string{"archive", "photos"}, reg.Names())

	creds := reg.AllCredentials()
	keys := make([]string, len(creds))
	for i, c := range creds {
		keys[i] = c.AccessKeyID
	}
	assert.ElementsMatch(t, []string{"AK1", "swift-user"}, keys)
}

func TestLookup_Unknown(t *testing.T) {
	reg := buildRegistry(t)
	_, ok := reg.Lookup("missing")
	assert.False(t, ok)
}
