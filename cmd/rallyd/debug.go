package main

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/net/trace"

	"github.com/skshohagmiah/rally/internal/metrics"
	"github.com/skshohagmiah/rally/internal/server"
)

func debugRouter(srv *server.Server, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.HandleFunc("/debug/requests", trace.Traces)
	r.HandleFunc("/debug/events", trace.Events)
	r.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(srv.Stats())
	})
	r.HandleFunc("/debug/lobbies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(srv.LobbyIdentifiers())
	})
	return r
}

func serveDebug(addr string, srv *server.Server, m *metrics.Metrics) {
	glog.Infof("[rallyd] debug server on %s", addr)
	if err := http.ListenAndServe(addr, debugRouter(srv, m)); err != nil {
		glog.Errorf("[rallyd] debug server: %v", err)
	}
}
