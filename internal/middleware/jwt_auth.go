package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/pkg/logger"
)

// Roles understood by the admin API. Viewers may read routing state,
// operators may also change it.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// JWTAuthConfig contains JWT authentication configuration. Tokens are HS256
// signed with SecretKey.
type JWTAuthConfig struct {
	Enabled     bool
	SecretKey   string
	Issuer      string
	Audience    string
	TokenExpiry time.Duration
	ClockSkew   time.Duration
	// PublicPaths are served without a token. A trailing * matches a prefix.
	PublicPaths []string
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant role. Operators are also viewers.
func (c *JWTClaims) HasRole(role string) bool {
	if slices.Contains(c.Roles, role) {
		return true
	}
	return role == RoleViewer && slices.Contains(c.Roles, RoleOperator)
}

// Claims returns the claims JWTAuth validated for the request
func Claims(ctx context.Context) (*JWTClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*JWTClaims)
	return claims, ok
}

// JWTAuthMiddleware authenticates admin API requests
type JWTAuthMiddleware struct {
	config JWTAuthConfig
	logger *logger.Logger
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config JWTAuthConfig, log *logger.Logger) (*JWTAuthMiddleware, error) {
	if config.Enabled && config.SecretKey == "" {
		return nil, fmt.Errorf("jwt auth requires a secret key")
	}
	if log == nil {
		log = logger.Discard()
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}

	jm := &JWTAuthMiddleware{
		config: config,
		logger: log.MiddlewareLogger("jwt_auth"),
		// Time based claims are checked by validateToken with clock skew.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		now: time.Now,
	}

	jm.logger.WithFields(logrus.Fields{
		"enabled":      config.Enabled,
		"public_paths": len(config.PublicPaths),
		"token_expiry": config.TokenExpiry,
	}).Info("JWT authentication middleware initialized")

	return jm, nil
}

// IssueToken signs a token for subject carrying roles
func (jm *JWTAuthMiddleware) IssueToken(subject string, roles ...string) (string, error) {
	now := jm.now()
	claims := JWTClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    jm.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(jm.config.TokenExpiry)),
		},
	}
	if jm.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{jm.config.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jm.config.SecretKey))
}

// JWTAuth returns the JWT authentication middleware. Reads need the viewer
// role and every other method needs the operator role.
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !jm.config.Enabled || jm.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				jm.logger.WithFields(logrus.Fields{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				writeJWTError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.logger.WithFields(logrus.Fields{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				writeJWTError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			required := RoleOperator
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				required = RoleViewer
			}
			if !claims.HasRole(required) {
				jm.logger.WithFields(logrus.Fields{
					"subject":       claims.Subject,
					"roles":         claims.Roles,
					"required_role": required,
					"path":          r.URL.Path,
				}).Warn("Insufficient roles for access")
				writeJWTError(w, "Insufficient permissions", http.StatusForbidden)
				return
			}

			jm.logger.WithFields(logrus.Fields{
				"subject": claims.Subject,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("JWT authentication successful")

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func (jm *JWTAuthMiddleware) isPublic(path string) bool {
	for _, pattern := range jm.config.PublicPaths {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if pattern == path {
			return true
		}
	}
	return false
}

// extractToken extracts the bearer token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// validateToken validates and parses the JWT token
func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jm.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(jm.config.SecretKey), nil
	})
	if err != nil {
		return nil, err
	}

	now := jm.now()
	if !claims.VerifyExpiresAt(now.Add(-jm.config.ClockSkew), true) {
		return nil, fmt.Errorf("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(jm.config.ClockSkew), false) {
		return nil, fmt.Errorf("token not yet valid")
	}
	if jm.config.Issuer != "" && !claims.VerifyIssuer(jm.config.Issuer, true) {
		return nil, fmt.Errorf("invalid issuer")
	}
	if jm.config.Audience != "" && !claims.VerifyAudience(jm.config.Audience, true) {
		return nil, fmt.Errorf("invalid audience")
	}
	return claims, nil
}

// writeJWTError writes a JWT error response
func writeJWTError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "authentication_failed",
		"message": message,
		"status":  statusCode,
	})
}
