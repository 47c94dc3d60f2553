// Package www holds the small amount of HTTP plumbing shared by handlers:
// panic-protected routes and JSON responses.
package www

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// RunProtected runs handler inside a panic handler that recognizes HTTPError,
// and sends the appropriate JSON error response if a panic does occur.
func RunProtected(log *zap.Logger, w http.ResponseWriter, r *http.Request, handler func()) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		path := zap.String("path", r.URL.Path)
		switch e := rec.(type) {
		case HTTPError:
			log.Info("failed request", path, zap.Int("code", e.Code), zap.String("message", e.Message))
			SendError(w, e.Message, e.Code)
		case *HTTPError:
			log.Info("failed request", path, zap.Int("code", e.Code), zap.String("message", e.Message))
			SendError(w, e.Message, e.Code)
		case runtime.Error:
			log.Error("runtime panic", path, zap.Error(e), zap.ByteString("stack", debug.Stack()))
			SendError(w, "internal error", http.StatusInternalServerError)
		case error:
			log.Error("panic", path, zap.Error(e))
			SendError(w, "internal error", http.StatusInternalServerError)
		default:
			log.Error("unrecognized panic", path, zap.Any("value", rec))
			SendError(w, "internal error", http.StatusInternalServerError)
		}
	}()

	handler()
}

// Handle adds a protected route to router.
func Handle(log *zap.Logger, router *httprouter.Router, method, path string, handle httprouter.Handle) {
	wrapper := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		RunProtected(log, w, r, func() { handle(w, r, p) })
	}
	router.Handle(method, path, wrapper)
}

type errorBody struct {
	Error string `json:"error"`
}

// SendError writes {"error": message} with the given status.
func SendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorBody{Error: message})
}

// SendJSON encodes obj to JSON, and sends it as an application/json response.
func SendJSON(w http.ResponseWriter, obj any) {
	b, err := json.Marshal(obj)
	Check(err)
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// QueryInt returns the named query value as an int, or def if it is missing.
// A value that is present but not an integer is a bad request.
func QueryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		PanicBadRequestf("%v must be an integer", key)
	}
	return i
}
