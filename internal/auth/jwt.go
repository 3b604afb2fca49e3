package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TenantContext key for storing tenant ID in context
type contextKey string

const TenantIDKey contextKey = "tenant_id"

// Claims are the token claims relayhook reads.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// ParsePublicKey accepts PKCS1 and PKIX encoded RSA public keys.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return publicKey, nil
	}
	// Try parsing as PKIX
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	publicKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return publicKey, nil
}

// ParsePrivateKey accepts PKCS1 and PKCS8 encoded RSA private keys.
func ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// NewJWTValidator creates a new JWT validator
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	publicKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewJWTValidatorFromKey(publicKey, issuer, audience), nil
}

func NewJWTValidatorFromKey(publicKey *rsa.PublicKey, issuer, audience string) *JWTValidator {
	return &JWTValidator{publicKey: publicKey, issuer: issuer, audience: audience}
}

// ValidateToken validates a JWT token and returns the tenant ID
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	// Extract tenant ID
	if claims.TenantID == "" {
		return "", fmt.Errorf("missing or invalid tenant_id claim")
	}
	return claims.TenantID, nil
}

func bearer(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", errors.New("invalid authorization header format")
	}
	return token, nil
}

// GinMiddleware rejects requests without a valid bearer token and stores
// the tenant in both the gin and request contexts.
func (v *JWTValidator) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearer(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		tenantID, err := v.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token: " + err.Error()})
			return
		}
		SetTenant(c, tenantID)
		c.Next()
	}
}

// SetTenant records the authenticated tenant on c.
func SetTenant(c *gin.Context, tenantID string) {
	c.Set(string(TenantIDKey), tenantID)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), TenantIDKey, tenantID))
}

// GRPCInterceptor returns a gRPC unary interceptor that validates JWT tokens
func (v *JWTValidator) GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// Skip auth for health checks
		if strings.Contains(info.FullMethod, "Health") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		tokenString, err := bearer(header)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "%v", err)
		}

		tenantID, err := v.ValidateToken(tokenString)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}

		ctx = context.WithValue(ctx, TenantIDKey, tenantID)
		return handler(ctx, req)
	}
}

// GetTenantIDFromContext extracts tenant ID from context
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}

// TokenIssuer mints tokens the validator accepts. Used for development
// tooling; production tokens come from the product's identity service.
type TokenIssuer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
	keyID      string
}

func NewTokenIssuer(privateKey *rsa.PrivateKey, issuer, audience, keyID string) *TokenIssuer {
	return &TokenIssuer{privateKey: privateKey, issuer: issuer, audience: audience, keyID: keyID}
}

// Issue signs an RS256 token for tenantID valid for ttl.
func (i *TokenIssuer) Issue(tenantID string, ttl time.Duration) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant_id is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	if i.keyID != "" {
		token.Header["kid"] = i.keyID
	}
	return token.SignedString(i.privateKey)
}
