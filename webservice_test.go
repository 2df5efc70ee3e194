package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-webrtc-send-receive/diag"
	"github.com/go-webrtc-send-receive/webrtc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (Server, *webrtc.Manager) {
	manager := webrtc.NewManager(webrtc.ManagerConfig{Dumper: diag.NewDumper(diag.DumperConfig{})})
	t.Cleanup(func() { assert.NoError(t, manager.Close()) })
	return NewServer("127.0.0.1:0", manager), manager
}

func serve(server Server, method, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	server.Router.ServeHTTP(recorder, httptest.NewRequest(method, target, nil))
	return recorder
}

func TestAgentsEndpoints(t *testing.T) {
	server, manager := newTestServer(t)
	agent := manager.NewTransportAgent("recv", false)
	require.NoError(t, agent.AddLocalAddress("127.0.0.1"))

	response := serve(server, http.MethodGet, "/api/agents")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, "application/json", response.Header().Get("Content-Type"))

	var agents []webrtc.AgentInfo
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "recv", agents[0].Name)
	assert.False(t, agents[0].Controlling)
	assert.Equal(t, []string{"127.0.0.1"}, agents[0].LocalAddresses)

	response = serve(server, http.MethodGet, "/api/agents/"+agent.ID())
	require.Equal(t, http.StatusOK, response.Code)

	response = serve(server, http.MethodGet, "/api/agents/missing")
	assert.Equal(t, http.StatusNotFound, response.Code)
}

func TestDumpsEndpoints(t *testing.T) {
	server, manager := newTestServer(t)
	manager.NewTransportAgent("send", true)

	response := serve(server, http.MethodGet, "/api/dumps")
	require.Equal(t, http.StatusOK, response.Code)
	assert.JSONEq(t, "[]", response.Body.String())

	response = serve(server, http.MethodPost, "/api/dumps?prefix=manual")
	require.Equal(t, http.StatusCreated, response.Code)
	var dumps []diag.Dump
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &dumps))
	require.Len(t, dumps, 1)
	assert.Equal(t, "manual-send", dumps[0].Name)

	response = serve(server, http.MethodGet, "/api/dumps/manual-send")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, "text/vnd.graphviz", response.Header().Get("Content-Type"))
	assert.Contains(t, response.Body.String(), "digraph")

	response = serve(server, http.MethodGet, "/api/dumps/nothing")
	assert.Equal(t, http.StatusNotFound, response.Code)

	response = serve(server, http.MethodPost, "/api/dumps?prefix=a/b")
	assert.Equal(t, http.StatusBadRequest, response.Code)

	response = serve(server, http.MethodDelete, "/api/dumps")
	assert.Equal(t, http.StatusMethodNotAllowed, response.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	for _, target := range []string{"/api/agents", "/api/agents/some-id", "/api/dumps", "/api/dumps/some-dump"} {
		response := serve(server, http.MethodDelete, target)
		assert.Equal(t, http.StatusMethodNotAllowed, response.Code, target)
	}

	response := serve(server, http.MethodGet, "/api/unknown")
	assert.Equal(t, http.StatusNotFound, response.Code)
}
