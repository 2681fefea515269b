// Package identity defines the tenant model and the interfaces through which
// the gateway reaches the external identity and data layer. Consumers and
// merchant operators live in disjoint tables with disjoint schemas, so there
// is no polymorphic lookup: the tenant type tag selects the store.
package identity

import (
	"context"
	"time"
)

// TenantType categorizes a connected client and selects the identity table,
// the baseline room set, and the notification catalog that apply to it.
type TenantType string

const (
	TenantCustomer TenantType = "CUSTOMER"
	TenantStore    TenantType = "STORE"
	TenantAdmin    TenantType = "ADMIN"
)

// Valid reports whether t is one of the known tenant types.
func (t TenantType) Valid() bool {
	switch t {
	case TenantCustomer, TenantStore, TenantAdmin:
		return true
	}
	return false
}

// Status of an identity row in the external store.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Identity is an immutable snapshot of a resolved identity, cached on the
// connection for its lifetime. It is never re-fetched per message.
//
// The Tenant tag is carried through the whole pipeline; code must dispatch on
// it explicitly rather than probing fields.
type Identity struct {
	ID     string
	Tenant TenantType
	Status Status
	Role   string

	// StoreID is set for STORE tenants only: the store this operator acts for.
	StoreID string

	// Unverified marks identities extracted from an expired token during a
	// refresh-flavored handshake. They exist for UX continuity only and must
	// never be granted a connection.
	Unverified bool
}

// Active reports whether the identity may hold a connection.
func (i Identity) Active() bool {
	return i.Status == StatusActive && !i.Unverified
}

// Customer is a consumer-side identity row.
type Customer struct {
	ID        string
	Name      string
	Status    Status
	Language  string
	CreatedAt time.Time
}

// MerchantAccount is a merchant-operator identity row. Operators belong to
// exactly one store.
type MerchantAccount struct {
	ID        string
	Name      string
	StoreID   string
	Role      string // owner, manager, staff
	Status    Status
	CreatedAt time.Time
}

// CustomerStore resolves consumer identities. Implemented by the API layer's
// data access code; the gateway only sees this interface.
type CustomerStore interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

// MerchantStore resolves merchant-operator identities.
type MerchantStore interface {
	GetMerchantAccount(ctx context.Context, id string) (*MerchantAccount, error)
}

// ChatMembershipStore answers room-authorization questions against the
// external data layer; calls must honor the context deadline.
type ChatMembershipStore interface {
	// IsParticipant reports whether the identity is a verified participant
	// of the chat room.
	IsParticipant(ctx context.Context, chatRoomID string, id Identity) (bool, error)

	// ChatStoreID resolves the store a chat conversation references, used to
	// scope presence interest to rooms actually watching that store.
	ChatStoreID(ctx context.Context, chatRoomID string) (string, error)
}
