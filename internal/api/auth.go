package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"pricesync/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	permReadQueue       = "read:queue"
	permWriteQueue      = "write:queue"
	clientKeyUnknown    = "unknown"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

type clientContextKey struct{}

// ClientFromContext returns the authenticated API client name, if any.
func ClientFromContext(ctx context.Context) string {
	name, _ := ctx.Value(clientContextKey{}).(string)
	return name
}

// authenticator checks operator API keys and permissions. Shared by HTTP and gRPC.
type authenticator struct {
	cfg     config.APIConfig
	clients []config.APIClientKey
	limiter *rateLimiter
}

func newAuthenticator(cfg config.APIConfig) *authenticator {
	return &authenticator{
		cfg:     cfg,
		clients: cfg.Auth.APIKeys,
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *authenticator) header() string {
	h := strings.ToLower(strings.TrimSpace(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

// authenticate resolves the client for apiKey and checks it holds required.
func (a *authenticator) authenticate(apiKey, required string) (*config.APIClientKey, error) {
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	var match *config.APIClientKey
	for i := range a.clients {
		if subtle.ConstantTimeCompare([]byte(a.clients[i].Key), []byte(apiKey)) == 1 {
			match = &a.clients[i]
		}
	}
	if match == nil {
		return nil, errInvalidAPIKey
	}
	if !hasPermission(match, required) {
		return nil, errPermissionDenied
	}
	return match, nil
}

func hasPermission(client *config.APIClientKey, required string) bool {
	if required == "" {
		return true
	}
	// If permissions list is empty, treat as allow-all.
	if len(client.Permissions) == 0 {
		return true
	}
	for _, p := range client.Permissions {
		p = strings.TrimSpace(p)
		if p == required || (required == permReadQueue && p == permWriteQueue) {
			return true
		}
	}
	return false
}

// HTTPAuth provides API-key auth and per-key rate limiting for the operator endpoints.
type HTTPAuth struct {
	*authenticator
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{authenticator: newAuthenticator(cfg)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if a.cfg.Auth.Enabled {
			client, err := a.authenticate(strings.TrimSpace(r.Header.Get(a.header())), requiredPermissionHTTP(r))
			if err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
			ctx = context.WithValue(ctx, clientContextKey{}, client.Name)
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requiredPermissionHTTP(r *http.Request) string {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return permReadQueue
	}
	return permWriteQueue
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.header())); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// AuthInterceptor applies the same API keys to the gRPC admin service.
type AuthInterceptor struct {
	*authenticator
}

func NewAuthInterceptor(cfg config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{authenticator: newAuthenticator(cfg)}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		apiKey := first(md.Get(a.header()))

		if a.cfg.Auth.Enabled {
			client, err := a.authenticate(apiKey, requiredPermission(info.FullMethod))
			switch {
			case errors.Is(err, errPermissionDenied):
				return nil, status.Error(codes.PermissionDenied, err.Error())
			case err != nil:
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
			ctx = context.WithValue(ctx, clientContextKey{}, client.Name)
		}

		key := apiKey
		if key == "" {
			key = peerAddr(ctx)
		}
		if !a.limiter.allow(key) {
			return nil, status.Error(codes.ResourceExhausted, errRateLimited.Error())
		}

		return handler(ctx, req)
	}
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case adminMethod(methodStats), adminMethod(methodGetJob):
		return permReadQueue
	default:
		return permWriteQueue
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
