package oauth

import (
	"testing"

	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePkce(t *testing.T) {
	assert := assert.New(t)

	p, err := GeneratePkce()
	require.NoError(t, err)

	assert.Len(p.Verifier, 43)
	assert.Equal(CodeChallengeMethodS256, p.Method)
	assert.Equal(helpers.GenerateCodeChallenge(p.Verifier), p.Challenge)
	assert.NotContains(p.Challenge, "=")

	other, err := GeneratePkce()
	require.NoError(t, err)
	assert.NotEqual(p.Verifier, other.Verifier)
}
