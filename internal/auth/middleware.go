package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	ClaimsKey           = "claims"
	UserIDKey           = "user_id"
)

type AuthMiddleware struct {
	jwtManager *JWTManager
	logger     *zap.Logger
}

func NewAuthMiddleware(jwtManager *JWTManager, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager: jwtManager,
		logger:     logger,
	}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			am.logger.Warn("Authentication required but no token provided",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := am.jwtManager.ValidateToken(token)
		if err != nil {
			am.logger.Warn("Invalid token provided",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// RequireRole must run after RequireAuth
func (am *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		if !claims.HasAnyRole(roles) {
			am.logger.Warn("Insufficient permissions",
				zap.String("user_id", claims.UserID),
				zap.Strings("user_roles", claims.Roles),
				zap.Strings("required_roles", roles))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}

		c.Next()
	}
}

func (am *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return am.RequireRole(RoleAdmin)
}

// RequireOperator admits operators and admins
func (am *AuthMiddleware) RequireOperator() gin.HandlerFunc {
	return am.RequireRole(RoleOperator, RoleAdmin)
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(AuthorizationHeader)
	if !strings.HasPrefix(authHeader, BearerPrefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, BearerPrefix)
}

func setClaims(c *gin.Context, claims *Claims) {
	c.Set(ClaimsKey, claims)
	c.Set(UserIDKey, claims.UserID)
}

func GetClaims(c *gin.Context) *Claims {
	claims, exists := c.Get(ClaimsKey)
	if !exists {
		return nil
	}

	claimsTyped, ok := claims.(*Claims)
	if !ok {
		return nil
	}
	return claimsTyped
}

func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
