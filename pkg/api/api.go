package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/coordinator"
	"github.com/orch-os/adapter-swarm/pkg/protocol"
	"github.com/orch-os/adapter-swarm/pkg/swarm"
)

// API is the host-facing collaborator boundary: every operation returns a
// success/error envelope so the host UI can render failures without crashing.
type API struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
	server *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func NewAPI(coord *coordinator.Coordinator, logger *zap.Logger, port int) *API {
	api := &API{
		coord:  coord,
		logger: logger,
	}

	router := mux.NewRouter()
	api.setupRoutes(router)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

func (api *API) setupRoutes(router *mux.Router) {
	// Health check
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")

	// Room membership
	router.HandleFunc("/room", api.CreateRoom).Methods("POST")
	router.HandleFunc("/room", api.GetRoom).Methods("GET")
	router.HandleFunc("/room/join", api.JoinRoom).Methods("POST")
	router.HandleFunc("/room/leave", api.LeaveRoom).Methods("POST")

	// Adapter sharing
	router.HandleFunc("/adapters", api.ListAdapters).Methods("GET")
	router.HandleFunc("/adapters/request", api.RequestAdapter).Methods("POST")
	router.HandleFunc("/adapters/{name}/share", api.ShareAdapter).Methods("POST")
	router.HandleFunc("/adapters/{name}/exists", api.CheckAdapterExists).Methods("GET")
	router.HandleFunc("/adapters/{topic}", api.UnshareAdapter).Methods("DELETE")

	// Network status
	router.HandleFunc("/network/status", api.GetNetworkStatus).Methods("GET")
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Create room handler
func (api *API) CreateRoom(w http.ResponseWriter, r *http.Request) {
	info, err := api.coord.CreateRoom(r.Context())
	if err != nil {
		api.sendError(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    roomPayload(info),
	})
}

// Join room handler
func (api *API) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	info, err := api.coord.JoinRoom(r.Context(), req.Topic)
	if err != nil {
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    roomPayload(info),
	})
}

// Leave room handler
func (api *API) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	if err := api.coord.LeaveRoom(); err != nil {
		api.sendError(w, "Failed to leave room", http.StatusInternalServerError)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "Room left",
	})
}

// Current room handler
func (api *API) GetRoom(w http.ResponseWriter, r *http.Request) {
	info, ok := api.coord.CurrentRoom()
	if !ok {
		api.sendError(w, "No active room", http.StatusNotFound)
		return
	}

	payload := roomPayload(info)
	payload["peer_count"] = api.coord.PeerCount()
	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    payload,
	})
}

// List advertised adapters handler
func (api *API) ListAdapters(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    api.coord.Registry().Adapters(),
	})
}

// Share adapter handler
func (api *API) ShareAdapter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	desc, err := api.coord.ShareAdapter(r.Context(), name)
	if err != nil {
		var notFound *protocol.NotFoundError
		if errors.As(err, &notFound) {
			api.sendError(w, fmt.Sprintf("Adapter not found: %s", name), http.StatusNotFound)
			return
		}
		api.logger.Error("Failed to share adapter", zap.String("name", name), zap.Error(err))
		api.sendError(w, "Failed to share adapter", http.StatusInternalServerError)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    desc,
	})
}

// Check adapter exists handler
func (api *API) CheckAdapterExists(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]bool{
			"exists": api.coord.CheckAdapterExists(r.Context(), name),
		},
	})
}

// Unshare adapter handler
func (api *API) UnshareAdapter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	topic := vars["topic"]

	api.coord.UnshareAdapter(r.Context(), topic)

	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "Adapter unshared",
	})
}

// Request adapter handler
func (api *API) RequestAdapter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic    string `json:"topic"`
		FromPeer string `json:"from_peer,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Topic == "" {
		api.sendError(w, "Missing adapter topic", http.StatusBadRequest)
		return
	}

	if err := api.coord.RequestAdapter(r.Context(), req.Topic, req.FromPeer); err != nil {
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "Adapter requested",
	})
}

// Network status handler
func (api *API) GetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	host := api.coord.Swarm().Host()
	data := map[string]interface{}{
		"state":      api.coord.Swarm().State().String(),
		"peer_count": api.coord.PeerCount(),
	}
	if host != nil {
		data["node_id"] = host.ID().String()
		data["addresses"] = host.Addrs()
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    data,
	})
}

// Helper functions
func (api *API) sendResponse(w http.ResponseWriter, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (api *API) sendError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

func roomPayload(info swarm.RoomInfo) map[string]interface{} {
	return map[string]interface{}{
		"topic":          info.Topic.String(),
		"code":           info.Code,
		"classification": string(info.Classification),
	}
}
