/**
 * @description
 * This file contains custom middleware for the HTTP router: shared-secret auth
 * for the scheduler trigger endpoints, access-token auth for user-facing pledge
 * routes, and a per-user token bucket.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For access token validation.
 * - golang.org/x/time/rate: For per-user rate limiting.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	userIDKey        contextKey = "userID"
	walletAddressKey contextKey = "walletAddress"

	CronSecretHeader = "X-Cron-Secret"
)

func secretsEqual(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// TriggerAuthMiddleware guards the scheduler trigger endpoints. POST requests
// carry the shared secret in X-Cron-Secret; GET requests carry a bearer token
// matching the cron secret or, failing that, the shared secret.
func TriggerAuthMiddleware(jobSecret, cronSecret string) func(http.Handler) http.Handler {
	jobSecret = strings.TrimSpace(jobSecret)
	cronSecret = strings.TrimSpace(cronSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorized := false
			switch r.Method {
			case http.MethodPost:
				authorized = secretsEqual(strings.TrimSpace(r.Header.Get(CronSecretHeader)), jobSecret)
			case http.MethodGet:
				token, ok := bearerToken(r)
				authorized = ok && (secretsEqual(token, cronSecret) || secretsEqual(token, jobSecret))
			}

			if !authorized {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

type supabaseClaims struct {
	UserMetadata struct {
		WalletAddress string `json:"wallet_address"`
	} `json:"user_metadata"`
	jwt.RegisteredClaims
}

// SupabaseAuthMiddleware validates HS256 access tokens issued by the hosted auth
// provider and stores the subject and linked wallet address in the context.
func SupabaseAuthMiddleware(secret, audience string) func(http.Handler) http.Handler {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if aud := strings.TrimSpace(audience); aud != "" {
		options = append(options, jwt.WithAudience(aud))
	}
	parser := jwt.NewParser(options...)
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			if len(key) == 0 {
				writeError(w, http.StatusInternalServerError, "Authentication is not configured")
				return
			}

			claims := &supabaseClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token subject")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, walletAddressKey, strings.TrimSpace(claims.UserMetadata.WalletAddress))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID retrieves the authenticated user id from the request context.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// GetWalletAddress retrieves the wallet address linked to the access token, if any.
func GetWalletAddress(ctx context.Context) string {
	wallet, _ := ctx.Value(walletAddressKey).(string)
	return wallet
}

// UserRateLimiter keeps one token bucket per authenticated user.
type UserRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	visitors  map[uuid.UUID]*visitor
	lastPrune time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserRateLimiter allows perMinute requests per user per minute. A
// non-positive perMinute disables limiting.
func NewUserRateLimiter(perMinute int) *UserRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &UserRateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		visitors: make(map[uuid.UUID]*visitor),
	}
}

func (rl *UserRateLimiter) getVisitor(userID uuid.UUID, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastPrune) > time.Minute {
		for id, v := range rl.visitors {
			if now.Sub(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, id)
			}
		}
		rl.lastPrune = now
	}

	v, exists := rl.visitors[userID]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[userID] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware enforces the limit. It must run after SupabaseAuthMiddleware.
func (rl *UserRateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		reservation := rl.getVisitor(userID, now).ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); !reservation.OK() || delay > 0 {
			reservation.CancelAt(now)
			retryAfter := int(math.Ceil(delay.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, fmt.Sprintf("Too many requests. Retry in %d seconds.", retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}
