package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantTypeValid(t *testing.T) {
	assert.True(t, TenantCustomer.Valid())
	assert.True(t, TenantStore.Valid())
	assert.True(t, TenantAdmin.Valid())
	assert.False(t, TenantType("").Valid())
	assert.False(t, TenantType("customer").Valid(), "tenant tags are case sensitive")
}

func TestIdentityActive(t *testing.T) {
	assert.True(t, Identity{Status: StatusActive}.Active())
	assert.False(t, Identity{Status: StatusSuspended}.Active())
	assert.False(t, Identity{Status: StatusDeleted}.Active())
	assert.False(t, Identity{Status: StatusActive, Unverified: true}.Active(),
		"unverified identities never count as active")
}
