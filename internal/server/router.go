package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/diewo77/esign/httpx"
	"github.com/diewo77/esign/internal/handlers"
	"github.com/diewo77/esign/internal/services"
)

// New constructs the root http.Handler with all routes and middlewares
// applied. The sender surface expects X-User-ID from the auth layer in
// front; the /sign surface is reached through secure links only.
func New(db *gorm.DB, wf *services.Workflow, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	//revive:disable:unused-parameter simple handlers intentionally ignore *http.Request
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Exec("SELECT 1").Error; err != nil {
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	//revive:enable:unused-parameter

	sh := handlers.NewSigningHandler(wf)
	mux.HandleFunc("/sign", methods(map[string]http.HandlerFunc{
		http.MethodGet: sh.Access,
	}))
	mux.HandleFunc("/sign/otp", methods(map[string]http.HandlerFunc{
		http.MethodPost: sh.RequestOTP,
	}))
	mux.HandleFunc("/sign/submit", methods(map[string]http.HandlerFunc{
		http.MethodPost: sh.Submit,
	}))
	mux.HandleFunc("/sign/signature", methods(map[string]http.HandlerFunc{
		http.MethodPost: sh.SaveSignature,
	}))
	mux.HandleFunc("/sign/download", methods(map[string]http.HandlerFunc{
		http.MethodGet: sh.Download,
	}))

	rh := handlers.NewRequestsHandler(wf)
	mux.HandleFunc("/requests", methods(map[string]http.HandlerFunc{
		http.MethodGet:  rh.Show,
		http.MethodPost: rh.Create,
	}))
	mux.HandleFunc("/requests/initiate", methods(map[string]http.HandlerFunc{
		http.MethodPost: rh.Initiate,
	}))
	mux.HandleFunc("/requests/cancel", methods(map[string]http.HandlerFunc{
		http.MethodPost: rh.Cancel,
	}))
	mux.HandleFunc("/requests/activate", methods(map[string]http.HandlerFunc{
		http.MethodPost: rh.Activate,
	}))
	mux.HandleFunc("/requests/audit", methods(map[string]http.HandlerFunc{
		http.MethodGet: rh.Audit,
	}))
	mux.HandleFunc("/requests/signatory", methods(map[string]http.HandlerFunc{
		http.MethodPatch: rh.PatchSignatory,
		http.MethodPost:  rh.PatchSignatory,
	}))

	dh := handlers.NewDocumentsHandler(wf)
	mux.HandleFunc("/documents", methods(map[string]http.HandlerFunc{
		http.MethodPost: dh.Upload,
	}))
	mux.HandleFunc("/documents/delete", methods(map[string]http.HandlerFunc{
		http.MethodPost: dh.Delete,
	}))

	return withRecover(withLogging(mux, log), log)
}

func methods(routes map[string]http.HandlerFunc) http.HandlerFunc {
	allow := ""
	for m := range routes {
		if allow != "" {
			allow += ","
		}
		allow += m
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := routes[r.Method]; ok {
			h(w, r)
			return
		}
		w.Header().Set("Allow", allow)
		httpx.JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
	}
}

func withLogging(next http.Handler, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func withRecover(next http.Handler, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
