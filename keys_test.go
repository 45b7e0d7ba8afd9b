package oauth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	assert := assert.New(t)

	kp, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(kp.Kid, 16)
	assert.NotEmpty(kp.Jkt)

	again, err := NewKeyPair(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(kp.Kid, again.Kid)
	assert.Equal(kp.Jkt, again.Jkt)

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(kp.Kid, other.Kid)
	assert.NotEqual(kp.Jkt, other.Jkt)
}

func TestPublicJwkHasNoPrivateMembers(t *testing.T) {
	assert := assert.New(t)

	kp, err := GenerateKey()
	require.NoError(t, err)

	pub, err := kp.PublicJwk()
	require.NoError(t, err)

	b, err := json.Marshal(pub)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))

	assert.NotContains(m, "d")
	assert.Equal("EC", m["kty"])
	assert.Equal("P-256", m["crv"])
	assert.Equal(kp.Kid, m["kid"])
	assert.Equal("ES256", m["alg"])
	assert.Equal("sig", m["use"])
}

func TestCreateJwksResponseObject(t *testing.T) {
	assert := assert.New(t)

	kp, err := GenerateKey()
	require.NoError(t, err)

	jwks, err := CreateJwksResponseObject(kp)
	require.NoError(t, err)
	assert.Len(jwks.Keys, 1)

	b, err := json.Marshal(jwks)
	require.NoError(t, err)
	assert.Contains(string(b), `"keys":[`)
	assert.NotContains(string(b), `"d":`)
}

func TestLoadOrGenerateKey(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "keys", "client.pem")

	kp, err := LoadOrGenerateKey(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(os.FileMode(0o700), dirInfo.Mode().Perm())

	loaded, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.Equal(kp.Kid, loaded.Kid)
	assert.Equal(kp.Jkt, loaded.Jkt)
}

func TestLoadKeyCorrupt(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "client.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrGenerateKey(path)

	var kle *KeyLoadError
	assert.True(errors.As(err, &kle))
	assert.Equal(path, kle.Path)

	// a corrupt key is never silently replaced
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal("not a key", string(b))
}

func TestLoadKeyInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.pem")

	kp, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, SaveKey(path, kp))
	require.NoError(t, os.Chmod(path, 0o644))

	_, err = LoadKey(path)

	var kle *KeyLoadError
	assert.ErrorAs(t, err, &kle)
}
