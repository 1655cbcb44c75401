package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/auth"
	"github.com/ovaphlow/hexagram/access-core-go/internal/binding"
	"github.com/ovaphlow/hexagram/access-core-go/internal/device"
	deventity "github.com/ovaphlow/hexagram/access-core-go/internal/device/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/divination"
	"github.com/ovaphlow/hexagram/access-core-go/internal/httpapi"
	"github.com/ovaphlow/hexagram/access-core-go/internal/permission"
	permentity "github.com/ovaphlow/hexagram/access-core-go/internal/permission/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/session"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer-when-downgrade")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Services bundles the domain services the routes are wired against.
type Services struct {
	Permissions *permission.Service
	Devices     *device.Service
	Bindings    *binding.Service
	Divinations *divination.Service
	Sessions    *session.Service
	Verifier    *auth.Verifier
}

// AdmissionGate implements the inbound control flow for authenticated
// routes: permission get_or_create, ban check, then device admission from
// the transport signals when the request presents any. Denied admissions
// stop the request here.
func AdmissionGate(svcs Services, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.Identity(r.Context())
			p, err := svcs.Permissions.GetOrCreate(r.Context(), identity)
			if err != nil {
				httpapi.WriteError(w, err)
				return
			}
			if p.Role == permentity.RoleBanned {
				httpapi.WriteJSON(w, http.StatusForbidden, httpapi.ErrorBody{Error: "banned"})
				return
			}
			if err := svcs.Permissions.TouchLogin(r.Context(), identity, r.RemoteAddr); err != nil {
				logger.Debugw("touch login failed", "identity", identity, "err", err)
			}

			if ua := r.UserAgent(); ua != "" {
				sig := deventity.Signals{UserAgent: ua, Address: r.RemoteAddr, Extra: r.Header.Get("X-Device-Extra")}
				d, err := svcs.Devices.Admit(r.Context(), identity, sig)
				if err != nil {
					httpapi.WriteError(w, err)
					return
				}
				if !d.Allowed {
					httpapi.WriteJSON(w, http.StatusForbidden, d)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAdmin routes only identities whose permission record says admin.
func requireAdmin(perms *permission.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := perms.GetOrCreate(r.Context(), auth.Identity(r.Context()))
			if err != nil {
				httpapi.WriteError(w, err)
				return
			}
			if p.Role != permentity.RoleAdmin {
				httpapi.WriteJSON(w, http.StatusForbidden, httpapi.ErrorBody{Error: "admin_only"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(logger *zap.SugaredLogger, svcs Services) http.Handler {
	mux := http.NewServeMux()

	permHandler := permission.NewHandler(svcs.Permissions, logger)
	devHandler := device.NewHandler(svcs.Devices, logger)
	bindHandler := binding.NewHandler(svcs.Bindings, logger)
	divHandler := divination.NewHandler(svcs.Divinations, logger)
	sessHandler := session.NewHandler(svcs.Sessions, logger)

	mux.HandleFunc("GET /hexagram-access-core/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// anonymous channel: binding offers carry no identity
	mux.HandleFunc("POST /hexagram-access-core/bindings", bindHandler.Create)

	authed := func(h http.HandlerFunc) http.Handler {
		return svcs.Verifier.Middleware(AdmissionGate(svcs, logger)(h))
	}
	mux.Handle("GET /hexagram-access-core/permission", authed(permHandler.Check))
	mux.Handle("POST /hexagram-access-core/devices/admit", svcs.Verifier.Middleware(http.HandlerFunc(devHandler.Admit)))
	mux.Handle("GET /hexagram-access-core/devices", authed(devHandler.List))
	mux.Handle("POST /hexagram-access-core/devices/deactivate", authed(devHandler.Deactivate))
	mux.Handle("POST /hexagram-access-core/bindings/claim", authed(bindHandler.Claim))
	mux.Handle("GET /hexagram-access-core/eligibility", authed(divHandler.Eligibility))
	mux.Handle("POST /hexagram-access-core/divination", authed(divHandler.Perform))
	mux.Handle("POST /hexagram-access-core/session/transition", authed(sessHandler.Transition))

	mux.Handle("POST /hexagram-access-core/admin/grant-role",
		svcs.Verifier.Middleware(requireAdmin(svcs.Permissions)(http.HandlerFunc(permHandler.GrantRole))))

	return LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
}
