package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityStringRoundTrip(t *testing.T) {
	cases := []Capability{
		{Kind: CapSystemInfo},
		{Kind: CapReadState, Param: "bank"},
		{Kind: CapCrypto, Param: "sign"},
		{Kind: CapNetwork, Param: "http", Sub: "example.com"},
	}
	for _, c := range cases {
		parsed, err := ParseCapability(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}

func TestParseCapabilityRejectsEmpty(t *testing.T) {
	_, err := ParseCapability("")
	assert.Error(t, err)

	_, err = ParseCapability(":bank")
	assert.Error(t, err)
}

func TestGrantExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, Grant{}.Expired(now), "grants without expiry never expire")
	assert.True(t, Grant{ExpiresAt: &past}.Expired(now))
	assert.False(t, Grant{ExpiresAt: &future}.Expired(now))
}
