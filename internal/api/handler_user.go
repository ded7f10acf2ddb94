package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ryanbastic/go-cosync/internal/storage"
	"github.com/ryanbastic/go-cosync/internal/users"
)

type UserResponse struct {
	Name  string `json:"name" doc:"Normalized user name"`
	Color string `json:"color" doc:"Display color derived from the name" example:"#3a7bd5"`
}

type ListUsersOutput struct {
	Body struct {
		Users []UserResponse `json:"users" doc:"Users that have registered with this document"`
	}
}

// PeerCounter reports live relay connections.
type PeerCounter interface {
	Peers() int
}

type InfoOutput struct {
	Body struct {
		Document string `json:"document" doc:"Relayed document name"`
		Peers    int    `json:"peers" doc:"Open relay connections on this replica"`
	}
}

type UserHandler struct {
	store    storage.ChangeStore
	peers    PeerCounter
	document string
	logger   *slog.Logger
}

func NewUserHandler(store storage.ChangeStore, peers PeerCounter, document string, logger *slog.Logger) *UserHandler {
	return &UserHandler{store: store, peers: peers, document: document, logger: logger}
}

func registerUserRoutes(api huma.API, h *UserHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/v1/users",
		Summary:     "List registered users",
		Tags:        []string{"users"},
	}, h.ListUsers)

	huma.Register(api, huma.Operation{
		OperationID: "get-info",
		Method:      http.MethodGet,
		Path:        "/v1/info",
		Summary:     "Relay information",
		Tags:        []string{"relay"},
	}, h.Info)
}

func (h *UserHandler) ListUsers(ctx context.Context, _ *struct{}) (*ListUsersOutput, error) {
	names, err := h.store.Users(ctx)
	if err != nil {
		h.logger.Error("failed to list users", "error", err)
		return nil, huma.Error500InternalServerError("failed to list users")
	}
	out := &ListUsersOutput{}
	out.Body.Users = make([]UserResponse, len(names))
	for i, name := range names {
		out.Body.Users[i] = UserResponse{Name: name, Color: users.ColorFor(name).Hex()}
	}
	return out, nil
}

func (h *UserHandler) Info(_ context.Context, _ *struct{}) (*InfoOutput, error) {
	out := &InfoOutput{}
	out.Body.Document = h.document
	if h.peers != nil {
		out.Body.Peers = h.peers.Peers()
	}
	return out, nil
}
