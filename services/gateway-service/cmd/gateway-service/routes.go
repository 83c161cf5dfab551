package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/md-rashed-zaman/notifywise/libs/auth"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// upstreams are the backends the gateway fronts.
type upstreams struct {
	Auth         *url.URL
	Scheduling   *url.URL
	Notification *url.URL
}

func newProxy(target *url.URL) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(target)
	p.Transport = otelhttp.NewTransport(http.DefaultTransport)
	return p
}

// registerRoutes mounts the proxies. authLimit guards the credential
// endpoints; everything under /api/v1 except public booking, the auth API
// and the provider webhook requires a valid access token.
func registerRoutes(mux *http.ServeMux, up upstreams, signer *auth.Signer, authLimit httpx.Middleware) {
	authProxy := newProxy(up.Auth)
	schedulingProxy := newProxy(up.Scheduling)
	notificationProxy := newProxy(up.Notification)

	registerProxy(mux, "/api/v1/auth/login", authLimit(authProxy))
	registerProxy(mux, "/api/v1/auth/register", authLimit(authProxy))
	registerProxy(mux, "/api/v1/auth", authProxy)

	registerProxy(mux, "/api/v1/public", stripIdentity(schedulingProxy))
	registerProxy(mux, "/api/v1/appointments", requireAuth(schedulingProxy, signer))
	registerProxy(mux, "/api/v1/clients", requireAuth(schedulingProxy, signer))
	registerProxy(mux, "/api/v1/business", requireAuth(requireRole(schedulingProxy, "owner", "admin"), signer))

	registerProxy(mux, "/api/v1/messages", requireAuth(notificationProxy, signer))
	// The provider authenticates with its shared secret header.
	registerProxy(mux, "/api/v1/webhooks/whatsapp", stripIdentity(notificationProxy))

	mux.HandleFunc("/openapi", func(w http.ResponseWriter, _ *http.Request) {
		data, err := openAPISpec.ReadFile("assets/openapi.yaml")
		if err != nil {
			http.Error(w, "openapi not available", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
}

func registerProxy(mux *http.ServeMux, prefix string, handler http.Handler) {
	if !strings.HasSuffix(prefix, "/") {
		mux.Handle(prefix, handler)
		mux.Handle(prefix+"/", handler)
		return
	}
	mux.Handle(prefix, handler)
}

var identityHeaders = []string{"X-User-Id", httpx.BusinessIDHeader, "X-Role"}

// stripIdentity removes identity headers a caller may have forged.
func stripIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range identityHeaders {
			r.Header.Del(h)
		}
		next.ServeHTTP(w, r)
	})
}

func requireAuth(next http.Handler, signer *auth.Signer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range identityHeaders {
			r.Header.Del(h)
		}
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}
		claims, err := signer.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		r.Header.Set("X-User-Id", claims.Sub)
		r.Header.Set(httpx.BusinessIDHeader, claims.BusinessID)
		r.Header.Set("X-Role", claims.Role)
		next.ServeHTTP(w, r)
	})
}

func requireRole(next http.Handler, roles ...string) http.Handler {
	allowed := map[string]struct{}{}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Role")
		if _, ok := allowed[role]; !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxCredentialBody bounds how much of a login body is buffered for keying.
const maxCredentialBody = 64 << 10

// credentialKey keys auth rate limits by client IP plus the email in the
// JSON body. The body is restored for the proxy.
func credentialKey(r *http.Request) string {
	ip := httpx.ClientIP(r)
	if r.Body == nil {
		return "auth:" + ip
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialBody))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return "auth:" + ip
	}
	var body struct {
		Email string `json:"email"`
	}
	_ = json.Unmarshal(raw, &body)
	email := strings.ToLower(strings.TrimSpace(body.Email))
	return "auth:" + ip + ":" + email
}
