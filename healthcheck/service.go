package healthcheck

import (
	"encoding/json"
	"net/http"
)

// SessionCounter reports the number of in-flight launch sessions.
type SessionCounter interface {
	Count() int
}

func New(sessions SessionCounter) *Service {
	return &Service{sessions: sessions}
}

type Service struct {
	sessions SessionCounter
}

func (s Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealthCheck)
}

func (s Service) handleHealthCheck(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"status":   "up",
		"sessions": s.sessions.Count(),
	})
}
