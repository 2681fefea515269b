package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickserve/realtime/internal/auth"
	"github.com/quickserve/realtime/internal/config"
	"github.com/quickserve/realtime/internal/identity"
	"github.com/quickserve/realtime/internal/notify"
	"github.com/quickserve/realtime/internal/presence"
	"github.com/quickserve/realtime/internal/rooms"
)

type fakeAuthz struct {
	participants map[string][]string
	storeIDs     map[string]string
}

func (f *fakeAuthz) IsParticipant(_ context.Context, chatRoomID string, id identity.Identity) (bool, error) {
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

func testConfig() *config.Config {
	return &config.Config{
		Addr:               ":0",
		Environment:        "development",
		MaxConnections:     100,
		HeartbeatTimeout:   30 * time.Second,
		SweepInterval:      15 * time.Second,
		RateLimitThreshold: 100,
		RateLimitWindow:    time.Minute,
		LookupTimeout:      time.Second,
		LogLevel:           "error",
		LogFormat:          "json",
	}
}

func newTestGateway(authz identity.ChatMembershipStore) (*Gateway, *rooms.Router, *presence.Service) {
	logger := zerolog.Nop()
	router := rooms.NewRouter(nil, authz, logger)
	store := presence.NewStore(nil, time.Minute, logger)
	presenceSvc := presence.NewService(30*time.Second, store, router, nil, logger)
	consumer := notify.NewConsumerManager(router, nil, logger)

	g := New(Options{
		Config:   testConfig(),
		Logger:   logger,
		Router:   router,
		Presence: presenceSvc,
		Consumer: consumer,
		Authz:    authz,
	})
	return g, router, presenceSvc
}

func customerConn(id string) *Conn {
	return newConn("conn-"+id, nil, identity.Identity{
		ID:     id,
		Tenant: identity.TenantCustomer,
		Status: identity.StatusActive,
	}, "ios")
}

func storeConn(id, storeID string) *Conn {
	return newConn("conn-"+id, nil, identity.Identity{
		ID:      id,
		Tenant:  identity.TenantStore,
		Status:  identity.StatusActive,
		StoreID: storeID,
		Role:    "manager",
	}, "android")
}

// nextMessage drains one enqueued server message from a connection.
func nextMessage(t *testing.T, c *Conn) serverMessage {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		return serverMessage{Event: msg.Event, Data: msg.Data}
	case <-time.After(time.Second):
		t.Fatal("no message enqueued")
		return serverMessage{}
	}
}

func errorCode(t *testing.T, msg serverMessage) string {
	t.Helper()
	require.Equal(t, "error", msg.Event)
	var ev errorEvent
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &ev))
	return ev.Code
}

func TestDispatchUnknownEvent(t *testing.T) {
	g, _, _ := newTestGateway(&fakeAuthz{})
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`{"event":"make:coffee","data":{}}`))

	assert.Equal(t, CodeUnknownEvent, errorCode(t, nextMessage(t, c)))
}

func TestDispatchMalformedEnvelope(t *testing.T) {
	g, _, _ := newTestGateway(&fakeAuthz{})
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`not json`))

	assert.Equal(t, CodeInvalidPayload, errorCode(t, nextMessage(t, c)))
}

func TestCustomerCannotPushOrderStatus(t *testing.T) {
	g, _, _ := newTestGateway(&fakeAuthz{})
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`{"event":"order:status","data":{"orderId":"o-1","status":"ready"}}`))

	assert.Equal(t, CodeUnknownEvent, errorCode(t, nextMessage(t, c)))
}

func TestChatJoinRegistersPresenceInterest(t *testing.T) {
	authz := &fakeAuthz{
		participants: map[string][]string{"42": {"cust-1"}},
		storeIDs:     map[string]string{"42": "store-7"},
	}
	g, router, presenceSvc := newTestGateway(authz)
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`{"event":"room:join","data":{"room":"chat:42"}}`))

	msg := nextMessage(t, c)
	assert.Equal(t, "room:joined", msg.Event)
	assert.Contains(t, router.RoomsOf(c.id), "chat:42")
	assert.Equal(t, []string{"chat:42"}, presenceSvc.InterestedRooms("store-7"))
}

func TestChatJoinDeniedLeavesNoState(t *testing.T) {
	authz := &fakeAuthz{participants: map[string][]string{"42": {"someone-else"}}}
	g, router, presenceSvc := newTestGateway(authz)
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`{"event":"room:join","data":{"room":"chat:42"}}`))

	assert.Equal(t, CodeAccessDenied, errorCode(t, nextMessage(t, c)))
	assert.Empty(t, router.RoomsOf(c.id))
	assert.Empty(t, presenceSvc.InterestedRooms("store-7"))
}

func TestRoomLeaveReleasesInterest(t *testing.T) {
	authz := &fakeAuthz{
		participants: map[string][]string{"42": {"cust-1"}},
		storeIDs:     map[string]string{"42": "store-7"},
	}
	g, router, presenceSvc := newTestGateway(authz)
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`{"event":"room:join","data":{"room":"chat:42"}}`))
	nextMessage(t, c)
	g.dispatch(c, []byte(`{"event":"room:leave","data":{"room":"chat:42"}}`))

	msg := nextMessage(t, c)
	assert.Equal(t, "room:left", msg.Event)
	assert.Empty(t, router.RoomsOf(c.id))
	assert.Empty(t, presenceSvc.InterestedRooms("store-7"))
}

func TestHeartbeatSpoofRejected(t *testing.T) {
	g, _, presenceSvc := newTestGateway(&fakeAuthz{})
	c := storeConn("op-1", "store-7")
	presenceSvc.Connected(context.Background(), "store-7")

	g.dispatch(c, []byte(`{"event":"heartbeat","data":{"targetId":"store-9"}}`))

	assert.Equal(t, CodeAccessDenied, errorCode(t, nextMessage(t, c)))
}

func TestHeartbeatOwnStoreAcked(t *testing.T) {
	g, _, presenceSvc := newTestGateway(&fakeAuthz{})
	c := storeConn("op-1", "store-7")
	presenceSvc.Connected(context.Background(), "store-7")
	before := c.LastHeartbeat()

	g.dispatch(c, []byte(`{"event":"heartbeat","data":{"targetId":"store-7"}}`))

	msg := nextMessage(t, c)
	assert.Equal(t, "heartbeat:ack", msg.Event)
	assert.False(t, c.LastHeartbeat().Before(before))
	assert.True(t, presenceSvc.GetPresence(context.Background(), "store-7").IsOnline)
}

func TestCustomerHeartbeatNeedsNoTarget(t *testing.T) {
	g, _, _ := newTestGateway(&fakeAuthz{})
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`{"event":"heartbeat","data":{}}`))

	assert.Equal(t, "heartbeat:ack", nextMessage(t, c).Event)
}

func TestChatMessageRequiresMembership(t *testing.T) {
	g, _, _ := newTestGateway(&fakeAuthz{})
	c := customerConn("cust-1")

	g.dispatch(c, []byte(`{"event":"chat:message","data":{"room":"chat:42","body":"hi"}}`))

	assert.Equal(t, CodeAccessDenied, errorCode(t, nextMessage(t, c)))
}

func TestChatMessageFansOutToOthers(t *testing.T) {
	authz := &fakeAuthz{participants: map[string][]string{"42": {"cust-1", "op-1"}}}
	g, _, _ := newTestGateway(authz)
	sender := customerConn("cust-1")
	receiver := storeConn("op-1", "store-7")

	g.dispatch(sender, []byte(`{"event":"room:join","data":{"room":"chat:42"}}`))
	nextMessage(t, sender)
	g.dispatch(receiver, []byte(`{"event":"room:join","data":{"room":"chat:42"}}`))
	nextMessage(t, receiver)

	g.dispatch(sender, []byte(`{"event":"chat:message","data":{"room":"chat:42","body":"ready soon?"}}`))

	select {
	case raw := <-receiver.send:
		var env rooms.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, EventChatMessage, env.Event)
		var body chatBroadcast
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, "cust-1", body.SenderID)
		assert.Equal(t, "ready soon?", body.Body)
	case <-time.After(time.Second):
		t.Fatal("receiver got no chat message")
	}

	select {
	case raw := <-sender.send:
		t.Fatalf("sender must not receive its own message, got %s", raw)
	default:
	}
}

func TestOrderStatusNotifiesCustomerAndOrderRoom(t *testing.T) {
	g, router, _ := newTestGateway(&fakeAuthz{})
	merchant := storeConn("op-1", "store-7")
	customer := customerConn("cust-1")
	watcher := customerConn("cust-2")

	router.Join(customer, rooms.UserRoom("cust-1"))
	router.Join(watcher, rooms.OrderRoom("o-1"))

	g.dispatch(merchant, []byte(`{"event":"order:status","data":{"orderId":"o-1","customerId":"cust-1","status":"ready"}}`))

	// The customer hears the catalog notification on their user room.
	var env rooms.Envelope
	select {
	case raw := <-customer.send:
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, "mobile:ORDER_READY", env.Event)
	case <-time.After(time.Second):
		t.Fatal("customer got no notification")
	}

	// The order room hears the raw transition.
	select {
	case raw := <-watcher.send:
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, EventOrderStatus, env.Event)
	case <-time.After(time.Second):
		t.Fatal("order room got no transition")
	}
}

func TestBaselineRoomsByTenant(t *testing.T) {
	g, router, _ := newTestGateway(&fakeAuthz{})

	cust := customerConn("cust-1")
	assert.ElementsMatch(t, []string{"user:cust-1"}, g.joinBaselineRooms(cust))

	op := storeConn("op-1", "store-7")
	assert.ElementsMatch(t, []string{"user:op-1", "store:store-7", "role:staff"}, g.joinBaselineRooms(op))

	admin := newConn("conn-adm", nil, identity.Identity{
		ID: "adm-1", Tenant: identity.TenantAdmin, Status: identity.StatusActive, Role: "admin",
	}, "web")
	assert.ElementsMatch(t, []string{"user:adm-1", "role:admin"}, g.joinBaselineRooms(admin))

	assert.Contains(t, router.RoomsOf("conn-adm"), "role:admin")
}

func TestDisconnectCleansUpSynchronously(t *testing.T) {
	authz := &fakeAuthz{
		participants: map[string][]string{"42": {"cust-1"}},
		storeIDs:     map[string]string{"42": "store-7"},
	}
	g, router, presenceSvc := newTestGateway(authz)
	c := customerConn("cust-1")

	g.connsMu.Lock()
	g.conns[c.id] = c
	g.connsMu.Unlock()

	g.joinBaselineRooms(c)
	g.dispatch(c, []byte(`{"event":"room:join","data":{"room":"chat:42"}}`))
	nextMessage(t, c)

	g.disconnect(c, "test")

	assert.Empty(t, router.RoomsOf(c.id))
	assert.Empty(t, presenceSvc.InterestedRooms("store-7"))
	g.connsMu.RLock()
	_, present := g.conns[c.id]
	g.connsMu.RUnlock()
	assert.False(t, present)

	// Idempotent: a second disconnect is a no-op.
	g.disconnect(c, "test")
}

func TestSlowClientClosedAfterStrikes(t *testing.T) {
	c := customerConn("cust-1")

	// Fill the outbound buffer completely.
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.Send([]byte("x")))
	}

	for i := 0; i < slowClientStrikes; i++ {
		assert.False(t, c.Send([]byte("overflow")))
	}
	assert.False(t, c.Send([]byte("after close")), "closed connection accepts nothing")
}

func TestSlowClientCloseDoesNotStallBroadcast(t *testing.T) {
	_, router, _ := newTestGateway(&fakeAuthz{})

	// A pipe with no reader models a stalled peer: any inline network write
	// in the broadcast path would block forever.
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newConn("conn-stalled", server, identity.Identity{
		ID:     "cust-1",
		Tenant: identity.TenantCustomer,
		Status: identity.StatusActive,
	}, "ios")
	router.Join(c, "order:9")

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.Send([]byte("x")))
	}

	finished := make(chan struct{})
	go func() {
		for i := 0; i < slowClientStrikes; i++ {
			router.Broadcast("order:9", "order:update", map[string]int{"seq": i})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast stalled while force-closing a connection with a full buffer")
	}

	select {
	case <-c.done:
	default:
		t.Fatal("stalled connection was not signaled closed")
	}
	assert.False(t, c.Send([]byte("after close")))
}

func TestDuplicateChatJoinHoldsSingleInterest(t *testing.T) {
	authz := &fakeAuthz{
		participants: map[string][]string{"42": {"cust-1"}},
		storeIDs:     map[string]string{"42": "store-7"},
	}
	g, _, presenceSvc := newTestGateway(authz)
	c := customerConn("cust-1")

	g.connsMu.Lock()
	g.conns[c.id] = c
	g.connsMu.Unlock()

	join := []byte(`{"event":"room:join","data":{"room":"chat:42"}}`)
	g.dispatch(c, join)
	nextMessage(t, c)
	g.dispatch(c, join)
	nextMessage(t, c)

	g.disconnect(c, "client_closed")
	assert.Empty(t, presenceSvc.InterestedRooms("store-7"),
		"a repeated join must not leave a dangling interest reference")
}

func signExpiredToken(t *testing.T, secret, issuer, subject, audience string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestRefreshRejectionEchoesUnverifiedIdentity(t *testing.T) {
	g, _, _ := newTestGateway(&fakeAuthz{})
	g.verifier = auth.NewVerifier(auth.VerifierConfig{
		Secret: "test-secret",
		Issuer: "quickserve-api",
		Leeway: time.Second,
	}, nil, nil, nil, zerolog.Nop())

	token := signExpiredToken(t, "test-secret", "quickserve-api", "cust-77", "customer")

	id, continuityID, err := g.authenticate(context.Background(), token, nil, identity.TenantCustomer, true)
	require.Error(t, err)
	assert.Empty(t, id.ID, "no identity is granted on an expired token")
	assert.Equal(t, "cust-77", continuityID)

	// Without the refresh flavor the rejection stays anonymous.
	_, continuityID, err = g.authenticate(context.Background(), token, nil, identity.TenantCustomer, false)
	require.Error(t, err)
	assert.Empty(t, continuityID)
}
