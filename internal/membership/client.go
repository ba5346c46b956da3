package membership

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Join registers self with the coordinator at coordURL, retrying on
// failure to tolerate coordinator startup delays, and returns the peer
// list the coordinator held at registration time.
func Join(ctx context.Context, coordURL string, self NodeInfo) ([]NodeInfo, error) {
	var resp RegisterResponse
	var lastErr error
	for attempt := 1; attempt <= 10; attempt++ {
		lastErr = PostJSON(ctx, coordURL+"/membership/register", RegisterRequest{Node: self}, &resp)
		if lastErr == nil {
			log.WithField("coordinator", coordURL).Info("membership: joined mesh")
			return resp.Peers, nil
		}
		log.WithError(lastErr).WithField("attempt", attempt).Warn("membership: join retry")
		select {
		case <-time.After(400 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("membership: failed to join via %s: %w", coordURL, lastErr)
}

// Peers fetches the coordinator's current view of the mesh.
func Peers(ctx context.Context, coordURL string) ([]NodeInfo, error) {
	var resp struct {
		Nodes []NodeInfo `json:"nodes"`
	}
	if err := GetJSON(ctx, coordURL+"/membership/nodes", &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}
