package main

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"zibra/server"
)

type health struct {
	Status    string `json:"status"`
	Functions int    `json:"functions"`
}

func newRouter(s *server.Server) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/rpc", s.HTTPHandler()).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	r.Handle("/ws", s.WebSocketHandler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health{Status: "ok", Functions: len(s.Functions())})
	}).Methods(http.MethodGet)
	return r
}
