package instrumentd

import (
	"errors"
	"io"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/supervisor"
	"pkt.systems/instrumentd/internal/svcfields"
)

// demux is the single reader of the worker's outbound channel. It pops the
// pending entry for each correlated response and hands the response to the
// waiting sender; responses with no waiter (late, stale, or garbage) are
// logged and dropped so they can never reach the wrong caller.
func (b *Broker) demux(w supervisor.Transport, done chan struct{}) {
	defer close(done)
	logger := svcfields.WithSubsystem(b.logger, "broker.demux")
	for {
		resp, err := w.ReadResponse()
		if err != nil {
			var perr *api.ProtocolError
			if errors.As(err, &perr) {
				b.metrics.malformed.Inc()
				logger.Warn("dropping malformed response", "detail", perr.Detail)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				logger.Debug("outbound channel closed")
			} else {
				logger.Warn("outbound channel read failed", "error", err)
			}
			return
		}
		if resp.Correlated() {
			if ch := b.pending.remove(resp.ID); ch != nil {
				ch <- resp
				continue
			}
			// Most likely a response arriving after its sender timed out.
			b.metrics.dropped.Inc()
			logger.Debug("no waiter for response", "id", resp.ID, "status", resp.Status)
			continue
		}
		if b.pending.deliverUncorrelated(resp) {
			continue
		}
		b.metrics.dropped.Inc()
		logger.Warn("dropping uncorrelated response", "status", resp.Status)
	}
}
