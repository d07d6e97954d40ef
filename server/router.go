package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/authorize", a.handleAuthorize)
	r.Get("/callback/{idp}", a.handleCallback)

	r.Get("/login", a.handleLoginPage)
	r.Post("/login", a.handleLogin)
	r.Post("/register", a.handleRegister)
	r.Post("/logout", a.handleLogout)

	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)
	r.Post("/introspect", a.handleIntrospect)
	r.Post("/revoke", a.handleRevoke)

	r.Get("/healthz", a.handleHealth)
	r.Get("/api/billing", a.handleBilling)

	return r
}
