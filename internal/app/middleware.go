package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"portal/api/internal/auth"
	"portal/api/internal/rbac"
	"portal/api/internal/store"
)

type requestIDKey struct{}

type actorKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info().
				Str("request_id", requestIDFrom(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int64("duration_ms", time.Since(started).Milliseconds()).
				Msg("request")
		})
	}
}

func recoverer(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error().Interface("panic", rec).Str("request_id", requestIDFrom(r.Context())).Msg("panic")
					writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// identity resolves the bearer token into the acting user. Requests without a token act
// as an anonymous client; a token that does not verify or names an unknown role is rejected.
func (s *HTTPServer) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), store.Actor{Role: rbac.RoleClient})))
			return
		}
		claims, err := auth.ParseToken(s.opts.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		// an empty role is an anonymous client; a role we do not know is a bad token
		if claims.Role != "" && !rbac.Valid(claims.Role) {
			s.log.Warn().Str("request_id", requestIDFrom(r.Context())).Str("role", claims.Role).Msg("token carries unknown role")
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		actor := store.Actor{
			Email:     claims.Email,
			FirstName: claims.FirstName,
			Role:      rbac.Normalize(claims.Role),
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func withActor(ctx context.Context, actor store.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) store.Actor {
	actor, ok := ctx.Value(actorKey{}).(store.Actor)
	if !ok {
		return store.Actor{Role: rbac.RoleClient}
	}
	return actor
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
