package distrib

import (
	"context"
	"strings"

	"github.com/dreamware/overseer/internal/cluster"
)

// Transport sends one update request to a core.
type Transport interface {
	Request(ctx context.Context, coreURL string, req *UpdateRequest) (*UpdateResponse, error)
}

// HTTPTransport POSTs JSON to <core url>/update. Non-2xx replies come back
// as *cluster.StatusError.
type HTTPTransport struct{}

func (HTTPTransport) Request(ctx context.Context, coreURL string, req *UpdateRequest) (*UpdateResponse, error) {
	var resp UpdateResponse
	if err := cluster.PostJSON(ctx, strings.TrimRight(coreURL, "/")+"/update", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
