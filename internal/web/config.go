package web

import (
	"net/http"
	"time"
)

// ServerConfig configures the transport layer: cookies, token signing, and the
// provider sign-up and group-sync policies applied to incoming identities.
type ServerConfig struct {
	GoogleWebClientID string
	SigningKey        []byte
	Issuer            string
	CookieDomain      string
	SessionCookieName string
	SessionTTL        time.Duration
	NonceTTL          time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	AllowSignUp       bool
	SyncGroups        bool
}
