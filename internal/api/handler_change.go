package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/storage"
)

// --- Huma Input/Output types ---

type ChangeResponse struct {
	ID      uuid.UUID `json:"id" doc:"Change id"`
	Owner   string    `json:"owner" doc:"User that made the change"`
	Stamp   time.Time `json:"stamp" doc:"Creation time"`
	Action  string    `json:"action" doc:"Action flags, comma separated" example:"Add, Temporary"`
	Type    string    `json:"type" doc:"Change definition name"`
	Payload string    `json:"payload,omitempty" doc:"Type-specific payload"`
}

type ListChangesInput struct {
	Cursor string `query:"cursor" doc:"Opaque cursor from a previous page"`
	Limit  int    `query:"limit" doc:"Maximum number of changes to return" minimum:"1" maximum:"1000" default:"100"`
}

type ChangePage struct {
	Changes    []ChangeResponse `json:"changes" doc:"Stored changes in write order"`
	NextCursor string           `json:"next_cursor,omitempty" doc:"Cursor for the next page"`
	HasMore    bool             `json:"has_more" doc:"Whether another page may exist"`
}

type ListChangesOutput struct {
	Body ChangePage
}

type GetChangeInput struct {
	ID string `path:"id" doc:"Change id" format:"uuid"`
}

type GetChangeOutput struct {
	Body ChangeResponse
}

// --- Handler ---

type ChangeHandler struct {
	store  storage.ChangeStore
	logger *slog.Logger
}

func NewChangeHandler(store storage.ChangeStore, logger *slog.Logger) *ChangeHandler {
	return &ChangeHandler{store: store, logger: logger}
}

func registerChangeRoutes(api huma.API, h *ChangeHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/v1/changes",
		Summary:     "List stored changes",
		Tags:        []string{"changes"},
	}, h.ListChanges)

	huma.Register(api, huma.Operation{
		OperationID: "get-change",
		Method:      http.MethodGet,
		Path:        "/v1/changes/{id}",
		Summary:     "Get one stored change",
		Tags:        []string{"changes"},
	}, h.GetChange)
}

func (h *ChangeHandler) ListChanges(ctx context.Context, input *ListChangesInput) (*ListChangesOutput, error) {
	if _, err := storage.DecodeCursor(input.Cursor); err != nil {
		return nil, huma.Error400BadRequest("invalid cursor")
	}
	page, err := h.store.List(ctx, input.Cursor, input.Limit)
	if err != nil {
		h.logger.Error("failed to list changes", "error", err)
		return nil, huma.Error500InternalServerError("failed to list changes")
	}

	resp := ChangePage{
		Changes:    make([]ChangeResponse, len(page.Changes)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for i, c := range page.Changes {
		resp.Changes[i] = changeToResponse(c)
	}
	return &ListChangesOutput{Body: resp}, nil
}

func (h *ChangeHandler) GetChange(ctx context.Context, input *GetChangeInput) (*GetChangeOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid id")
	}
	c, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrChangeNotFound) {
			return nil, huma.Error404NotFound("change not found")
		}
		h.logger.Error("failed to get change", "change_id", id, "error", err)
		return nil, huma.Error500InternalServerError("failed to get change")
	}
	return &GetChangeOutput{Body: changeToResponse(c)}, nil
}

func changeToResponse(c change.Change) ChangeResponse {
	return ChangeResponse{
		ID:      c.ID,
		Owner:   c.Owner,
		Stamp:   c.Stamp,
		Action:  c.Action.String(),
		Type:    c.Type,
		Payload: c.Payload,
	}
}
