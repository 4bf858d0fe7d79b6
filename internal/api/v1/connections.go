package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type GetBoardConnectionsInput struct {
	BoardID string `path:"boardID" minLength:"1" doc:"Board ID"`
}

type BoardConnections struct {
	BoardID           string `json:"board_id"`
	BoardConnections  int    `json:"board_connections"`
	ActiveConnections int    `json:"active_connections"`
}

type GetBoardConnectionsOutput struct {
	Body *BoardConnections
}

func RegisterConnectionRoutes(api huma.API, stats ConnectionStats) {
	huma.Register(api, huma.Operation{
		OperationID: "get-board-connections",
		Method:      http.MethodGet,
		Path:        "/boards/{boardID}/connections",
		Summary:     "Live WebSocket peers on a board",
		Tags:        []string{"Boards"},
	}, func(_ context.Context, input *GetBoardConnectionsInput) (*GetBoardConnectionsOutput, error) {
		return &GetBoardConnectionsOutput{Body: &BoardConnections{
			BoardID:           input.BoardID,
			BoardConnections:  stats.BoardConnections(input.BoardID),
			ActiveConnections: stats.ActiveConnections(),
		}}, nil
	})
}
