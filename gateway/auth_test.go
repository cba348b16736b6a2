// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticatorRoundTrip(t *testing.T) {
	auth := NewAuthenticator("secret")

	token, err := auth.IssueToken("alice", "analyst", time.Hour)
	require.NoError(t, err)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "analyst", claims.Role)
}

func TestAuthenticatorRejectsWrongSecret(t *testing.T) {
	token, err := NewAuthenticator("secret-a").IssueToken("alice", "analyst", time.Hour)
	require.NoError(t, err)

	_, err = NewAuthenticator("secret-b").Validate(token)
	assert.Error(t, err)
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	auth := NewAuthenticator("secret")
	token, err := auth.IssueToken("alice", "analyst", -time.Minute)
	require.NoError(t, err)

	_, err = auth.Validate(token)
	assert.Error(t, err)
}

func TestAuthenticatorRejectsGarbage(t *testing.T) {
	_, err := NewAuthenticator("secret").Validate("not.a.token")
	assert.Error(t, err)
}
