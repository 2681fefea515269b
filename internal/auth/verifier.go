package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/quickserve/realtime/internal/identity"
)

// Claims carried by a signed bearer token.
type Claims struct {
	Role    string `json:"role,omitempty"`
	StoreID string `json:"storeId,omitempty"`
	jwt.RegisteredClaims
}

// audienceFor maps a declared tenant-type hint to the token audience scoped
// to that population.
func audienceFor(tenant identity.TenantType) string {
	switch tenant {
	case identity.TenantCustomer:
		return "customer"
	case identity.TenantStore:
		return "merchant"
	case identity.TenantAdmin:
		return "admin"
	}
	return ""
}

// VerifierConfig holds token verification parameters.
type VerifierConfig struct {
	Secret        string
	Issuer        string
	Leeway        time.Duration
	LookupTimeout time.Duration
}

// Verifier validates bearer tokens and resolves the identity behind them.
//
// Customers and merchant operators live in disjoint identity tables, so the
// declared tenant-type hint selects both the expected audience and the store
// used for resolution. The verifier is stateless apart from the blacklist.
type Verifier struct {
	secret        []byte
	issuer        string
	leeway        time.Duration
	lookupTimeout time.Duration

	customers identity.CustomerStore
	merchants identity.MerchantStore
	blacklist *Blacklist
	logger    zerolog.Logger
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg VerifierConfig, customers identity.CustomerStore, merchants identity.MerchantStore, blacklist *Blacklist, logger zerolog.Logger) *Verifier {
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 4 * time.Second
	}
	return &Verifier{
		secret:        []byte(cfg.Secret),
		issuer:        cfg.Issuer,
		leeway:        cfg.Leeway,
		lookupTimeout: cfg.LookupTimeout,
		customers:     customers,
		merchants:     merchants,
		blacklist:     blacklist,
		logger:        logger.With().Str("component", "token_verifier").Logger(),
	}
}

// Verify validates signature, issuer, tenant-scoped audience and expiry, then
// resolves the identity from the table selected by the tenant hint.
//
// Identity resolution calls into the external data layer under a bounded
// timeout; on timeout the attempt fails closed with ErrIdentityLookupTimeout.
func (v *Verifier) Verify(ctx context.Context, tokenString string, tenant identity.TenantType) (identity.Identity, error) {
	if !tenant.Valid() {
		return identity.Identity{}, fmt.Errorf("%w: unknown tenant type %q", ErrTokenInvalid, tenant)
	}

	if v.blacklist != nil && v.blacklist.IsRevoked(ctx, tokenString) {
		return identity.Identity{}, ErrTokenRevoked
	}

	claims, err := v.parse(tokenString, tenant)
	if err != nil {
		return identity.Identity{}, err
	}

	return v.resolve(ctx, claims, tenant)
}

func (v *Verifier) parse(tokenString string, tenant identity.TenantType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(audienceFor(tenant)),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

func (v *Verifier) resolve(ctx context.Context, claims *Claims, tenant identity.TenantType) (identity.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	switch tenant {
	case identity.TenantStore:
		account, err := v.merchants.GetMerchantAccount(ctx, claims.Subject)
		if err != nil {
			return identity.Identity{}, v.lookupErr(err, claims.Subject)
		}
		if account.Status != identity.StatusActive {
			return identity.Identity{}, ErrIdentityInactive
		}
		return identity.Identity{
			ID:      account.ID,
			Tenant:  identity.TenantStore,
			Status:  account.Status,
			Role:    account.Role,
			StoreID: account.StoreID,
		}, nil

	default: // CUSTOMER and ADMIN both resolve against the customer table
		customer, err := v.customers.GetCustomer(ctx, claims.Subject)
		if err != nil {
			return identity.Identity{}, v.lookupErr(err, claims.Subject)
		}
		if customer.Status != identity.StatusActive {
			return identity.Identity{}, ErrIdentityInactive
		}
		role := claims.Role
		if role == "" {
			role = "customer"
		}
		return identity.Identity{
			ID:     customer.ID,
			Tenant: tenant,
			Status: customer.Status,
			Role:   role,
		}, nil
	}
}

func (v *Verifier) lookupErr(err error, subject string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		v.logger.Warn().Str("subject", subject).Msg("Identity lookup timed out, failing closed")
		return ErrIdentityLookupTimeout
	}
	return fmt.Errorf("%w: %v", ErrIdentityNotFound, err)
}

// DecodeUnverified extracts the identity claims from a token WITHOUT
// verifying the signature or expiry. Used only for refresh-flavored
// handshakes so the client keeps UX continuity with an expired token. The
// returned identity is flagged Unverified and must never be granted a
// connection or any protected operation.
func (v *Verifier) DecodeUnverified(tokenString string, tenant identity.TenantType) (identity.Identity, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return identity.Identity{}, ErrTokenInvalid
	}
	return identity.Identity{
		ID:         claims.Subject,
		Tenant:     tenant,
		Role:       claims.Role,
		StoreID:    claims.StoreID,
		Unverified: true,
	}, nil
}

// ExtractToken pulls the bearer token from the upgrade request: the "token"
// query parameter first (the usual WebSocket path), then the Authorization
// header. An optional "Bearer " scheme prefix is tolerated in both.
func ExtractToken(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return strings.TrimPrefix(token, "Bearer "), nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("no token in query or authorization header")
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), nil
}
