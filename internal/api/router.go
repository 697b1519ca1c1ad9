package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/termscope/internal/hub"
	"github.com/user/termscope/internal/store"
	"github.com/user/termscope/internal/supervisor"
)

type handler struct {
	sup      *supervisor.Supervisor
	sessions *store.SessionRepo // nil when persistence is disabled
	errors   *store.ErrorRepo
	hub      *hub.Hub
}

// NewRouter builds the JSON API. st and hubInst may be nil; the affected
// endpoints degrade rather than fail at startup.
func NewRouter(sup *supervisor.Supervisor, st *store.Store, hubInst *hub.Hub, token string) http.Handler {
	h := &handler{
		sup: sup,
		hub: hubInst,
	}
	if st != nil {
		h.sessions = store.NewSessionRepo(st.SQL())
		h.errors = store.NewErrorRepo(st.SQL())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)

	mux.HandleFunc("POST /api/sessions", h.openSession)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.closeSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", h.sendInput)
	mux.HandleFunc("POST /api/sessions/{id}/resize", h.resizeSession)
	mux.HandleFunc("GET /api/sessions/{id}/screen", h.getScreen)
	mux.HandleFunc("POST /api/sessions/{id}/selection", h.setSelection)
	mux.HandleFunc("GET /api/sessions/{id}/history", h.getHistory)
	mux.HandleFunc("GET /api/sessions/{id}/errors", h.getErrors)

	return authMiddleware(token)(corsMiddleware(mux))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
