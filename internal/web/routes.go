package web

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lbndev/sonarqube/internal/identity"
	"go.uber.org/zap"
)

// MountAuthRoutes registers /auth/nonce, /auth/google, /auth/logout, and /me.
// The Google route validates the provider token, maps it to an asserted
// identity, and hands it to the registrar.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, registrar *identity.Registrar, validator GoogleTokenValidator, nonces NonceStore, logger *zap.Logger) {
	if registrar == nil {
		panic("registrar is required")
	}
	if validator == nil {
		panic("google token validator is required")
	}
	if nonces == nil {
		panic("nonce store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/auth/nonce", func(contextGin *gin.Context) {
		token, issueErr := nonces.Issue(contextGin)
		if issueErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"nonce": token})
	})

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound struct {
			GoogleIDToken string `json:"google_id_token"`
			Nonce         string `json:"nonce"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}

		if strings.TrimSpace(inbound.Nonce) != "" {
			if consumeErr := nonces.Consume(contextGin, inbound.Nonce); consumeErr != nil {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
				return
			}
		}

		payload, validateErr := validator.Validate(contextGin, inbound.GoogleIDToken, configuration.GoogleWebClientID)
		if validateErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
			return
		}
		issuerValue, okIssuer := payload.Claims["iss"].(string)
		if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_issuer"})
			return
		}
		googleSub, _ := payload.Claims["sub"].(string)
		userEmail, _ := payload.Claims["email"].(string)
		emailVerified, _ := payload.Claims["email_verified"].(bool)
		userDisplayName, _ := payload.Claims["name"].(string)

		if googleSub == "" || userEmail == "" || !emailVerified {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
			return
		}

		asserted := identity.AssertedIdentity{
			Login:         userEmail,
			Name:          userDisplayName,
			Email:         userEmail,
			ProviderLogin: googleSub,
			Groups:        groupsFromClaims(payload.Claims),
			SyncGroups:    configuration.SyncGroups,
		}
		provider := identity.Provider{Key: "google", AllowsSignUp: configuration.AllowSignUp}
		source := identity.Source{Method: "oauth", Provider: provider.Key}

		user, authErr := registrar.Authenticate(contextGin, asserted, provider, source)
		if authErr != nil {
			if policyErr, isPolicy := identity.AsAuthenticationError(authErr); isPolicy {
				logger.Warn("authentication rejected",
					zap.String("code", "web.auth.policy_rejection"),
					zap.String("kind", string(policyErr.Kind)),
					zap.String("login", policyErr.Login),
					zap.String("reason", policyErr.Message))
				contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   string(policyErr.Kind),
					"message": policyErr.PublicMessage,
				})
				return
			}
			logger.Error("authentication failed",
				zap.String("code", "web.auth.infrastructure"),
				zap.Error(authErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		sessionToken, sessionExpiresAt, mintErr := MintSessionJWT(user, configuration.Issuer, configuration.SigningKey, configuration.SessionTTL)
		if mintErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		writeSessionCookie(contextGin, configuration, sessionToken, sessionExpiresAt)

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":    user.ID,
			"login":      user.Login,
			"user_email": user.Email,
			"display":    user.Name,
			"provider":   user.ExternalProviderKey,
		})
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		clearCookie(contextGin, configuration.SessionCookieName, configuration.CookieDomain, configuration.SameSiteMode)
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/me", func(contextGin *gin.Context) {
		claims, parseErr := parseSessionCookie(contextGin, configuration)
		if parseErr != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		expiresAt := time.Time{}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":    claims.Subject,
			"login":      claims.Login,
			"user_email": claims.UserEmail,
			"display":    claims.UserDisplayName,
			"provider":   claims.ExternalProvider,
			"expires":    expiresAt,
		})
	})
}

// groupsFromClaims reads the optional "groups" claim as a set of names.
func groupsFromClaims(claims map[string]interface{}) map[string]struct{} {
	rawGroups, present := claims["groups"].([]interface{})
	if !present {
		return nil
	}
	groups := make(map[string]struct{}, len(rawGroups))
	for _, rawGroup := range rawGroups {
		if name, isString := rawGroup.(string); isString && name != "" {
			groups[name] = struct{}{}
		}
	}
	return groups
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
