package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJwtSignAndValidate(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")

	signed, err := JwtSign(JwtCustomClaim{Username: "owner@lounge", TenantId: "tenant-1"})
	require.NoError(t, err)

	token, err := JwtValidate(signed)
	require.NoError(t, err)
	require.True(t, token.Valid)
	claims, ok := token.Claims.(*JwtCustomClaim)
	require.True(t, ok)
	assert.Equal(t, "owner@lounge", claims.Username)

	t.Setenv("API_SECRET", "rotated")
	_, err = JwtValidate(signed)
	assert.Error(t, err)
}

func TestJwtValidate_NoSecret(t *testing.T) {
	t.Setenv("API_SECRET", "")
	_, err := JwtValidate("anything")
	assert.Error(t, err)
}
