package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

type httpHandler struct {
	checker Checker
}

// SetupHttpMux registers the health probe endpoint on mux.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", &httpHandler{checker: checker})
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.WithError(err).Warn("health check failed")
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		log.WithError(err).Error("failed to write health check response")
	}
}
