// Package rooms implements the topic-room multiplexing primitive: named
// logical channels whose lifecycle is driven purely by membership.
package rooms

import (
	"fmt"
	"strings"
)

// Room name scopes. A room name is always "<scope>:<id>".
const (
	ScopeUser  = "user"
	ScopeStore = "store"
	ScopeOrder = "order"
	ScopeChat  = "chat"
	ScopeRole  = "role"
)

// UserRoom returns the baseline room for an identity.
func UserRoom(id string) string { return ScopeUser + ":" + id }

// StoreRoom returns the room all operators of one store share.
func StoreRoom(id string) string { return ScopeStore + ":" + id }

// OrderRoom returns the room scoped to a single order.
func OrderRoom(id string) string { return ScopeOrder + ":" + id }

// ChatRoom returns the room for a chat conversation.
func ChatRoom(id string) string { return ScopeChat + ":" + id }

// RoleRoom returns a role-scoped room such as "role:admin".
func RoleRoom(role string) string { return ScopeRole + ":" + role }

// SplitName parses "<scope>:<id>" into its parts.
func SplitName(room string) (scope, id string, err error) {
	scope, id, ok := strings.Cut(room, ":")
	if !ok || scope == "" || id == "" {
		return "", "", fmt.Errorf("malformed room name %q", room)
	}
	return scope, id, nil
}
