package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang-jwt/jwt/v5/request"
	"github.com/programme-lv/submfeed/httpjson"
	"github.com/programme-lv/submfeed/logger"
	"github.com/programme-lv/submfeed/srvcerror"
)

const (
	ScopeStream  = "stream"
	ScopeJudge   = "judge"
	ScopeRefresh = "refresh"
)

type JwtClaims struct {
	Username string   `json:"username,omitempty"`
	UUID     string   `json:"uuid,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

func (c *JwtClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

type ClaimsKeyType string

var CtxJwtClaimsKey ClaimsKeyType = "jwtClaims"

// TokenPair is what the refresh endpoint hands out.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Issuer mints and validates HS256 tokens for stream consumers and the judge.
type Issuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(key []byte, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		key:        key,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (i *Issuer) generate(username, uuid string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	expirationTime := i.now().Add(ttl)
	claims := &JwtClaims{
		Username: username,
		UUID:     uuid,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(i.now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expirationTime, nil
}

// IssuePair mints an access token with the given scopes and a refresh token
// that can later be exchanged for a new pair with the same scopes.
func (i *Issuer) IssuePair(username, uuid string, scopes ...string) (TokenPair, error) {
	access, exp, err := i.generate(username, uuid, scopes, i.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refreshScopes := append([]string{ScopeRefresh}, scopes...)
	refresh, _, err := i.generate(username, uuid, refreshScopes, i.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// Refresh exchanges a valid refresh token for a fresh token pair.
func (i *Issuer) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := i.Validate(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if !claims.HasScope(ScopeRefresh) {
		return TokenPair{}, errors.New("not a refresh token")
	}
	scopes := slices.DeleteFunc(slices.Clone(claims.Scopes), func(s string) bool {
		return s == ScopeRefresh
	})
	return i.IssuePair(claims.Username, claims.UUID, scopes...)
}

func (i *Issuer) Validate(tokenStr string) (*JwtClaims, error) {
	claims := &JwtClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, errors.New("invalid token signature")
		}
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// RequireScope rejects requests without a valid bearer token carrying scope
// and stores the claims in the request context.
func (i *Issuer) RequireScope(scope string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			token, err := request.BearerExtractor{}.ExtractToken(r)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}

			claims, err := i.Validate(token)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			if scope != "" && !claims.HasScope(scope) {
				httpjson.WriteErrorJson(w, "token lacks required scope", http.StatusForbidden, srvcerror.ErrCodeForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), CtxJwtClaimsKey, claims)
			ctx = logger.WithUser(ctx, claims.Username, claims.UUID)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(hfn)
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	httpjson.WriteErrorJson(w, err.Error(), http.StatusUnauthorized, srvcerror.ErrCodeUnauthorized)
}

func ClaimsFromContext(ctx context.Context) *JwtClaims {
	claims, _ := ctx.Value(CtxJwtClaimsKey).(*JwtClaims)
	return claims
}

// ExpiryOf reads the exp claim without verifying the signature. Clients use
// it to know when their access token lapses.
func ExpiryOf(tokenStr string) (time.Time, bool) {
	claims := &JwtClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
