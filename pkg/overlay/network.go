package overlay

import (
	"context"

	"github.com/baderanaas/unada/pkg/metrics"
	"go.uber.org/zap"
)

const minConnections = 3

// maintainNetwork keeps the local record fresh and prunes the neighbor table.
func (n *Node) maintainNetwork() {
	ticker := n.opts.Clock.Ticker(n.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.refresh(n.ctx)
		}
	}
}

func (n *Node) refresh(ctx context.Context) {
	if err := n.UpdateOverlay(ctx); err != nil {
		n.logger.Warn("failed to refresh peer record", zap.Error(err))
		n.setStatus(StatusError)
	} else if n.Status() != StatusOK {
		n.setStatus(StatusOK)
	}
	for _, id := range n.table.EvictStale(n.opts.StaleAfter) {
		n.logger.Debug("evicted stale neighbor", zap.String("peer", id))
	}
	metrics.Neighbors.Set(float64(n.table.Len()))
	n.ensureConnectivity()
	if err := n.savePeerCache(); err != nil {
		n.logger.Warn("failed to save peer cache", zap.Error(err))
	}
}

// ensureConnectivity announces presence and flags an isolated node.
func (n *Node) ensureConnectivity() {
	if connected := n.Connected(); connected < minConnections {
		n.logger.Debug("low connectivity, announcing presence", zap.Int("connected", connected))
	}
	n.announcePresence()
}
