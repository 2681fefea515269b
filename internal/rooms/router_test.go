package rooms_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickserve/realtime/internal/identity"
	"github.com/quickserve/realtime/internal/rooms"
)

// --- Fakes ---

type fakeMember struct {
	id string

	mu       sync.Mutex
	received [][]byte
	reject   bool
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false
	}
	m.received = append(m.received, data)
	return true
}

func (m *fakeMember) messages(t *testing.T) []rooms.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rooms.Envelope, 0, len(m.received))
	for _, raw := range m.received {
		var env rooms.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

type fakeMirror struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMirror) MirrorRoom(room, event string, payload json.RawMessage) {
	f.mu.Lock()
	f.calls = append(f.calls, room+"/"+event)
	f.mu.Unlock()
}

type fakeAuthz struct {
	participants map[string][]string // chat room id -> allowed identity ids
	storeIDs     map[string]string
	failWith     error
}

func (f *fakeAuthz) IsParticipant(_ context.Context, chatRoomID string, id identity.Identity) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	for _, allowed := range f.participants[chatRoomID] {
		if allowed == id.ID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAuthz) ChatStoreID(_ context.Context, chatRoomID string) (string, error) {
	return f.storeIDs[chatRoomID], nil
}

func newRouter(authz identity.ChatMembershipStore) *rooms.Router {
	return rooms.NewRouter(nil, authz, zerolog.Nop())
}

// --- Tests ---

func TestJoinAndBroadcast(t *testing.T) {
	rt := newRouter(nil)
	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}

	rt.Join(a, "user:1")
	rt.Join(b, "user:1")
	rt.Broadcast("user:1", "hello", map[string]string{"k": "v"})

	for _, m := range []*fakeMember{a, b} {
		msgs := m.messages(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0].Event)
		assert.Equal(t, "user:1", msgs[0].Room)
		assert.JSONEq(t, `{"k":"v"}`, string(msgs[0].Data))
	}
}

func TestBroadcastToEmptyRoomIsNoop(t *testing.T) {
	rt := newRouter(nil)
	rt.Broadcast("user:nobody", "hello", "x")
	assert.Equal(t, 0, rt.RoomCount())
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	rt := newRouter(nil)
	sender := &fakeMember{id: "sender"}
	other := &fakeMember{id: "other"}

	rt.Join(sender, "chat:42")
	rt.Join(other, "chat:42")
	rt.BroadcastExcept(sender, "chat:42", "chat:message", map[string]string{"body": "hi"})

	assert.Empty(t, sender.messages(t))
	require.Len(t, other.messages(t), 1)
}

func TestDoubleJoinIsIdempotent(t *testing.T) {
	rt := newRouter(nil)
	a := &fakeMember{id: "a"}

	rt.Join(a, "user:1")
	rt.Join(a, "user:1")
	rt.Broadcast("user:1", "ev", "x")

	assert.Len(t, a.messages(t), 1)
	assert.Equal(t, []string{"a"}, rt.Members("user:1"))
}

func TestLeaveRemovesEmptyRoom(t *testing.T) {
	rt := newRouter(nil)
	a := &fakeMember{id: "a"}

	rt.Join(a, "order:9")
	require.Equal(t, 1, rt.RoomCount())

	rt.Leave(a, "order:9")
	assert.Equal(t, 0, rt.RoomCount())
	assert.Empty(t, rt.RoomsOf("a"))
}

func TestLeaveAllCleansEveryRoom(t *testing.T) {
	rt := newRouter(nil)
	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}

	rt.Join(a, "user:1")
	rt.Join(a, "chat:5")
	rt.Join(b, "chat:5")

	rt.LeaveAll(a)

	assert.Empty(t, rt.RoomsOf("a"))
	assert.Equal(t, []string{"b"}, rt.Members("chat:5"))
	assert.Equal(t, 1, rt.RoomCount())

	// Departed members hear nothing.
	rt.Broadcast("chat:5", "ev", "x")
	assert.Empty(t, a.messages(t))
	assert.Len(t, b.messages(t), 1)
}

func TestJoinAuthorizedChatParticipant(t *testing.T) {
	authz := &fakeAuthz{participants: map[string][]string{"42": {"cust-1"}}}
	rt := newRouter(authz)
	m := &fakeMember{id: "conn-1"}
	id := identity.Identity{ID: "cust-1", Tenant: identity.TenantCustomer, Status: identity.StatusActive}

	err := rt.JoinAuthorized(context.Background(), m, id, "chat:42")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-1"}, rt.Members("chat:42"))
}

func TestJoinAuthorizedOrderParticipant(t *testing.T) {
	// Membership is keyed by the bare order id, matching the chat scope
	// convention, never by the prefixed room name.
	authz := &fakeAuthz{participants: map[string][]string{"9": {"cust-1"}}}
	rt := newRouter(authz)
	id := identity.Identity{ID: "cust-1", Tenant: identity.TenantCustomer, Status: identity.StatusActive}

	err := rt.JoinAuthorized(context.Background(), &fakeMember{id: "conn-1"}, id, "order:9")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-1"}, rt.Members("order:9"))

	stranger := identity.Identity{ID: "cust-2", Tenant: identity.TenantCustomer, Status: identity.StatusActive}
	err = rt.JoinAuthorized(context.Background(), &fakeMember{id: "conn-2"}, stranger, "order:9")
	assert.ErrorIs(t, err, rooms.ErrAccessDenied)
}

func TestJoinAuthorizedDeniedLeavesNoMembership(t *testing.T) {
	authz := &fakeAuthz{participants: map[string][]string{"42": {"someone-else"}}}
	rt := newRouter(authz)
	m := &fakeMember{id: "conn-1"}
	id := identity.Identity{ID: "cust-1", Tenant: identity.TenantCustomer, Status: identity.StatusActive}

	err := rt.JoinAuthorized(context.Background(), m, id, "chat:42")
	require.ErrorIs(t, err, rooms.ErrAccessDenied)
	assert.Equal(t, 0, rt.RoomCount())
	assert.Empty(t, rt.RoomsOf("conn-1"))
}

func TestJoinAuthorizedLookupFailureDenies(t *testing.T) {
	authz := &fakeAuthz{failWith: errors.New("directory down")}
	rt := newRouter(authz)
	m := &fakeMember{id: "conn-1"}
	id := identity.Identity{ID: "cust-1", Tenant: identity.TenantCustomer, Status: identity.StatusActive}

	err := rt.JoinAuthorized(context.Background(), m, id, "chat:42")
	require.ErrorIs(t, err, rooms.ErrAccessDenied)
	assert.Equal(t, 0, rt.RoomCount())
}

func TestJoinAuthorizedRejectsReservedScopes(t *testing.T) {
	rt := newRouter(&fakeAuthz{})
	m := &fakeMember{id: "conn-1"}
	id := identity.Identity{ID: "cust-1", Tenant: identity.TenantCustomer, Status: identity.StatusActive}

	for _, name := range []string{"user:other", "store:7", "role:admin", "garbage"} {
		err := rt.JoinAuthorized(context.Background(), m, id, name)
		assert.ErrorIs(t, err, rooms.ErrAccessDenied, name)
	}
	assert.Equal(t, 0, rt.RoomCount())
}

func TestBroadcastMirrorsLocalOrigin(t *testing.T) {
	mirror := &fakeMirror{}
	rt := rooms.NewRouter(mirror, nil, zerolog.Nop())
	a := &fakeMember{id: "a"}

	rt.Join(a, "store:7")
	rt.Broadcast("store:7", "store:NEW_ORDER", "payload")

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	require.Equal(t, []string{"store:7/store:NEW_ORDER"}, mirror.calls)
}

func TestDeliverLocalDoesNotMirror(t *testing.T) {
	mirror := &fakeMirror{}
	rt := rooms.NewRouter(mirror, nil, zerolog.Nop())
	a := &fakeMember{id: "a"}

	rt.Join(a, "store:7")
	rt.DeliverLocal("store:7", "store:NEW_ORDER", json.RawMessage(`{"n":1}`))

	require.Len(t, a.messages(t), 1)
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Empty(t, mirror.calls)
}

func TestSlowMemberDoesNotBlockOthers(t *testing.T) {
	rt := newRouter(nil)
	slow := &fakeMember{id: "slow", reject: true}
	fast := &fakeMember{id: "fast"}

	rt.Join(slow, "user:1")
	rt.Join(fast, "user:1")
	rt.Broadcast("user:1", "ev", "x")

	assert.Empty(t, slow.messages(t))
	assert.Len(t, fast.messages(t), 1)
}

func TestRoomsMatching(t *testing.T) {
	rt := newRouter(nil)
	a := &fakeMember{id: "a"}
	rt.Join(a, "chat:1")
	rt.Join(a, "user:1")

	chats := rt.RoomsMatching(func(name string) bool {
		scope, _, err := rooms.SplitName(name)
		return err == nil && scope == rooms.ScopeChat
	})
	assert.Equal(t, []string{"chat:1"}, chats)
}
