package services

import (
	"context"
	"testing"

	"github.com/malwarebo/inboxflow/cache"
	"github.com/malwarebo/inboxflow/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayConfigResolver_SaveAndResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resolver := CreateGatewayConfigResolver(cache.CreateTenantConfigCache(nil, h.configs), h.encryption)

	_, err := resolver.Resolve(ctx, "t1")
	assert.True(t, IsConfigMissing(err))

	settings := GatewaySettings{
		Credentials: providers.PaymobCredentials{APIKey: "key_v1", IntegrationIDCard: "101", IframeID: "777"},
		HMACSecret:  "hmac_v1",
	}
	require.NoError(t, resolver.Save(ctx, "t1", settings))

	stored, err := h.configs.GetByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.NotEqual(t, "key_v1", stored.APIKeyEncrypted, "secrets are stored encrypted")

	got, err := resolver.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, settings, *got)

	settings.Credentials.APIKey = "key_v2"
	settings.HMACSecret = "hmac_v2"
	require.NoError(t, resolver.Save(ctx, "t1", settings))

	got, err = resolver.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "key_v2", got.Credentials.APIKey)
	assert.Equal(t, "hmac_v2", got.HMACSecret)

	assert.Error(t, resolver.Save(ctx, "t1", GatewaySettings{HMACSecret: "x"}))
}
