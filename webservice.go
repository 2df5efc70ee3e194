package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-webrtc-send-receive/controllers"
	"github.com/go-webrtc-send-receive/webrtc"
	"github.com/gorilla/mux"
)

const shutdownTimeout = 5 * time.Second

func NewServer(addr string, manager *webrtc.Manager) Server {
	server := Server{
		Addr:    addr,
		Manager: manager,
	}
	server.Initialize()

	return server
}

type Server struct {
	Addr    string
	Router  *mux.Router
	Manager *webrtc.Manager
}

func (server *Server) Initialize() {
	server.initializeRouters()
}

func (server *Server) initializeRouters() {
	debugController := controllers.DebugController{
		Manager: server.Manager,
	}

	// No /api subrouter: its shared prefix matcher turns 405s into 404s.
	server.Router = mux.NewRouter()
	server.Router.HandleFunc("/api/agents", debugController.ListAgents).Methods("GET")
	server.Router.HandleFunc("/api/agents/{id}", debugController.GetAgent).Methods("GET")
	server.Router.HandleFunc("/api/dumps", debugController.ListDumps).Methods("GET")
	server.Router.HandleFunc("/api/dumps", debugController.CreateDumps).Methods("POST")
	server.Router.HandleFunc("/api/dumps/{name}", debugController.GetDump).Methods("GET")
}

// Start serves until ctx is done.
func (server *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.Addr,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("debug server shutdown: %v", err)
		}
	}()

	log.Printf("debug API listening on %s", server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
