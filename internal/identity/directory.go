package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a directory record does not exist.
var ErrNotFound = errors.New("identity record not found")

const (
	customerKeyPrefix    = "directory:customer:"
	merchantKeyPrefix    = "directory:merchant:"
	chatMembersKeyPrefix = "directory:chat:members:"
	chatStoreKeyPrefix   = "directory:chat:store:"
)

// RedisDirectory resolves identities and chat membership from the Redis
// projection the API layer maintains. Customer and merchant records are JSON
// documents; chat membership is a set of participant ids plus the store the
// conversation references.
//
// All reads honor the context deadline so the verifier's fail-closed timeout
// applies end to end.
type RedisDirectory struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisDirectory creates a directory over an established Redis client.
func NewRedisDirectory(client *redis.Client, logger zerolog.Logger) *RedisDirectory {
	return &RedisDirectory{
		client: client,
		logger: logger.With().Str("component", "identity_directory").Logger(),
	}
}

// GetCustomer implements CustomerStore.
func (d *RedisDirectory) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	data, err := d.client.Get(ctx, customerKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: customer %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("customer lookup failed: %w", err)
	}
	var c Customer
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed customer record %s: %w", id, err)
	}
	return &c, nil
}

// GetMerchantAccount implements MerchantStore.
func (d *RedisDirectory) GetMerchantAccount(ctx context.Context, id string) (*MerchantAccount, error) {
	data, err := d.client.Get(ctx, merchantKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: merchant %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("merchant lookup failed: %w", err)
	}
	var m MerchantAccount
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed merchant record %s: %w", id, err)
	}
	return &m, nil
}

// IsParticipant implements ChatMembershipStore. The resource id is a bare
// conversation or order id, never a prefixed room name; order conversations
// reuse the order id in the members projection. Admin identities may join
// any conversation for support access.
func (d *RedisDirectory) IsParticipant(ctx context.Context, chatRoomID string, id Identity) (bool, error) {
	if id.Tenant == TenantAdmin {
		return true, nil
	}
	member, err := d.client.SIsMember(ctx, chatMembersKeyPrefix+chatRoomID, id.ID).Result()
	if err != nil {
		return false, fmt.Errorf("chat membership lookup failed: %w", err)
	}
	return member, nil
}

// ChatStoreID implements ChatMembershipStore. An empty id with no error
// means the conversation references no store.
func (d *RedisDirectory) ChatStoreID(ctx context.Context, chatRoomID string) (string, error) {
	storeID, err := d.client.Get(ctx, chatStoreKeyPrefix+chatRoomID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("chat store lookup failed: %w", err)
	}
	return storeID, nil
}
