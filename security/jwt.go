/*
Package security provides cryptographic and secret-management utilities.

This file implements the bearer-token service the action execution engine
uses to authenticate API callers and to scope every request to exactly one
tenant. Tokens are signed with HMAC SHA-256 (HS256) via `lestrrat-go/jwx`,
and carry the tenant ID as the JWT's "sub" claim: there is no separate user
identity in this system, a token authenticates a tenant, full stop.

Usage Example:

	package main

	import (
		"fmt"
		"time"
		"github.com/evalgo/actiondrive/security"
	)

	func main() {
		jwtService := security.NewJWTService("supersecretkey")

		// Issue a token scoped to a tenant, valid for 24 hours.
		tokenStr, err := jwtService.GenerateToken("acme-corp", 24*time.Hour)
		if err != nil {
			panic(err)
		}
		fmt.Println("Generated token:", tokenStr)

		// Validate the token and recover the tenant it authenticates.
		token, err := jwtService.ValidateToken(tokenStr)
		if err != nil {
			panic(err)
		}
		tenantID, _ := security.ExtractTenantID(token)
		fmt.Println("Tenant:", tenantID)
	}
*/

package security

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTService issues and validates tenant-scoped bearer tokens using the
// HMAC SHA-256 (HS256) signing algorithm.
type JWTService struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTService initializes and returns a new JWTService instance.
//
// The secret parameter is the signing key used for both token generation
// and validation. It should be a sufficiently random and securely stored string.
//
// Example:
//
//	j := security.NewJWTService("my-super-secret-key")
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// NewJWTServiceWithIssuer creates a JWT service with issuer and audience validation.
// This provides enhanced security by validating the token's issuer and audience claims.
//
// Parameters:
//   - secret: The signing key for HMAC SHA-256
//   - issuer: The expected issuer claim (iss) - typically the engine deployment's identifier
//   - audience: The expected audience claim (aud) - typically the API's identifier
//
// Example:
//
//	j := security.NewJWTServiceWithIssuer(
//	    "my-super-secret-key",
//	    "https://actiondrive.example.com",
//	    "https://api.example.com",
//	)
func NewJWTServiceWithIssuer(secret, issuer, audience string) *JWTService {
	return &JWTService{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// GenerateToken creates a new signed JWT scoped to tenantID.
//
// Parameters:
//   - tenantID: The tenant this token authenticates (stored as the "sub" claim).
//   - expiration: Token validity duration (e.g. 24 * time.Hour).
//
// The generated token includes the following standard claims:
//   - "sub": The authenticated tenant ID
//   - "iat": Issued-at timestamp
//   - "exp": Expiration timestamp
//   - "iss": Issuer (if configured)
//   - "aud": Audience (if configured)
//
// Returns:
//   - The signed JWT string.
//   - An error if token building or signing fails.
//
// Example:
//
//	token, err := jwtService.GenerateToken("acme-corp", 24*time.Hour)
func (j *JWTService) GenerateToken(tenantID string, expiration time.Duration) (string, error) {
	now := time.Now()

	builder := jwxjwt.NewBuilder().
		Subject(tenantID).
		IssuedAt(now).
		Expiration(now.Add(expiration))

	if j.issuer != "" {
		builder = builder.Issuer(j.issuer)
	}
	if j.audience != "" {
		builder = builder.Audience([]string{j.audience})
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwxjwt.Sign(token, jwxjwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// GenerateTokenWithClaims creates a tenant-scoped JWT carrying additional
// operator-supplied claims, such as a role or scope restricting what the
// bearer may do within the tenant.
//
// Parameters:
//   - tenantID: The tenant this token authenticates (stored as the "sub" claim)
//   - expiration: Token validity duration
//   - customClaims: Additional claims to include in the token (e.g. "role", "scope")
//
// Returns:
//   - The signed JWT string
//   - An error if token building or signing fails
//
// Example:
//
//	claims := map[string]interface{}{
//	    "role":  "operator",
//	    "scope": "quota:write",
//	}
//	token, err := jwtService.GenerateTokenWithClaims("acme-corp", time.Hour, claims)
func (j *JWTService) GenerateTokenWithClaims(tenantID string, expiration time.Duration, customClaims map[string]interface{}) (string, error) {
	now := time.Now()

	builder := jwxjwt.NewBuilder().
		Subject(tenantID).
		IssuedAt(now).
		Expiration(now.Add(expiration))

	if j.issuer != "" {
		builder = builder.Issuer(j.issuer)
	}
	if j.audience != "" {
		builder = builder.Audience([]string{j.audience})
	}

	for key, value := range customClaims {
		builder = builder.Claim(key, value)
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwxjwt.Sign(token, jwxjwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken verifies and parses a JWT string using the configured secret key.
//
// The token's signature and expiration are validated automatically.
// If issuer and audience are configured, they are also validated.
// If validation succeeds, it returns a `jwt.Token` instance that allows
// access to claims such as the authenticated tenant (via ExtractTenantID),
// expiration, and issued-at time.
//
// Parameters:
//   - tokenString: The signed JWT string to validate.
//
// Returns:
//   - jwt.Token: The parsed and validated token.
//   - error: Non-nil if the token is invalid, expired, or improperly signed.
//
// Example:
//
//	token, err := jwtService.ValidateToken(tokenStr)
//	if err != nil {
//		log.Println("Invalid token:", err)
//	} else {
//		tenantID, _ := security.ExtractTenantID(token)
//	}
func (j *JWTService) ValidateToken(tokenString string) (jwxjwt.Token, error) {
	parseOptions := []jwxjwt.ParseOption{
		jwxjwt.WithKey(jwa.HS256, j.secret),
	}

	if j.issuer != "" {
		parseOptions = append(parseOptions, jwxjwt.WithIssuer(j.issuer))
	}
	if j.audience != "" {
		parseOptions = append(parseOptions, jwxjwt.WithAudience(j.audience))
	}

	token, err := jwxjwt.Parse([]byte(tokenString), parseOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	return token, nil
}

// ValidateTokenWithOptions validates a JWT with custom validation options.
// This provides fine-grained control over token validation.
//
// Parameters:
//   - tokenString: The signed JWT string to validate
//   - options: Custom validation options (issuer, audience, clock skew, etc.)
//
// Returns:
//   - jwt.Token: The parsed and validated token
//   - error: Non-nil if validation fails
//
// Example:
//
//	token, err := jwtService.ValidateTokenWithOptions(tokenStr,
//	    jwxjwt.WithIssuer("https://actiondrive.example.com"),
//	    jwxjwt.WithAudience("https://api.example.com"),
//	    jwxjwt.WithAcceptableSkew(30*time.Second),
//	)
func (j *JWTService) ValidateTokenWithOptions(tokenString string, options ...jwxjwt.ParseOption) (jwxjwt.Token, error) {
	allOptions := []jwxjwt.ParseOption{jwxjwt.WithKey(jwa.HS256, j.secret)}
	allOptions = append(allOptions, options...)

	token, err := jwxjwt.Parse([]byte(tokenString), allOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	return token, nil
}

// ExtractTenantID returns the tenant ID a validated token authenticates,
// i.e. its "sub" claim. It errors if the subject is empty, since a token
// with no tenant cannot authorize any tenant-scoped operation.
func ExtractTenantID(token jwxjwt.Token) (string, error) {
	tenantID := token.Subject()
	if tenantID == "" {
		return "", fmt.Errorf("token has no subject claim")
	}
	return tenantID, nil
}

// RequireTenantMatch returns echo middleware, installed after echojwt, that
// rejects a request when the tenant ID bound to the caller's bearer token
// (the JWT's "sub" claim, parsed by echojwt into the context under key
// "user") does not match the :tenant path parameter. Without this check a
// valid token for one tenant could be replayed against another tenant's
// path, since echojwt alone only verifies the signature and expiry.
func RequireTenantMatch() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pathTenant := c.Param("tenant")

			raw, ok := c.Get("user").(*jwt.Token)
			if !ok || raw == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}
			claims, ok := raw.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "malformed token claims"})
			}
			sub, _ := claims["sub"].(string)
			if sub == "" || sub != pathTenant {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "token does not authorize this tenant"})
			}

			return next(c)
		}
	}
}
