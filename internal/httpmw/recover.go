package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/pkgfetch/internal/log"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a 500. onPanic, when
// set, runs after logging (the panic counter in main).
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// let the server abort the connection as it normally would
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %s", fmt.Sprint(v))
				}
				logger.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
