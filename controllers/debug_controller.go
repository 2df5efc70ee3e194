package controllers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-webrtc-send-receive/diag"
	"github.com/go-webrtc-send-receive/webrtc"
	"github.com/gorilla/mux"
)

// DebugController exposes the transport agents and their graph dumps.
type DebugController struct {
	Manager *webrtc.Manager
}

func (debugController *DebugController) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := debugController.Manager.Agents()
	infos := make([]webrtc.AgentInfo, 0, len(agents))
	for _, agent := range agents {
		infos = append(infos, agent.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (debugController *DebugController) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := debugController.Manager.Agent(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no such agent"))
		return
	}
	writeJSON(w, http.StatusOK, agent.Info())
}

func (debugController *DebugController) ListDumps(w http.ResponseWriter, r *http.Request) {
	dumper := debugController.Manager.Dumper()
	if dumper == nil {
		writeJSON(w, http.StatusOK, []diag.Dump{})
		return
	}
	writeJSON(w, http.StatusOK, dumper.Dumps())
}

// GetDump serves the latest rendering of a dump as Graphviz source.
func (debugController *DebugController) GetDump(w http.ResponseWriter, r *http.Request) {
	dumper := debugController.Manager.Dumper()
	if dumper == nil {
		writeError(w, http.StatusNotFound, errors.New("dumps disabled"))
		return
	}
	content, ok := dumper.Get(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no such dump"))
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if _, err := w.Write(content); err != nil {
		log.Printf("write dump: %v", err)
	}
}

// CreateDumps dumps every agent now, named <prefix>-<agent name>.
func (debugController *DebugController) CreateDumps(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "api"
	}
	dumps, err := debugController.Manager.DumpAgents(prefix)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, diag.ErrInvalidName) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, dumps)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
