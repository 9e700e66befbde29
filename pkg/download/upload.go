package download

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/baderanaas/unada/pkg/digest"
	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/wire"
	"go.uber.org/zap"
)

var errUploadBusy = errors.New("provider busy")

func (m *Manager) handleRequest(ctx context.Context, from wire.PeerInfo, msg wire.Message) {
	req := msg.(wire.DownloadRequest)
	ref, ok, err := m.store.FindByID(req.ContentID)
	if err != nil {
		m.logger.Warn("content lookup failed", zap.Int64("content", req.ContentID), zap.Error(err))
	}
	if err != nil || !ok {
		m.transport.SendMessage(ctx, from, wire.DownloadReply{SessionID: req.SessionID})
		return
	}

	if !m.transport.SendMessage(ctx, from, wire.DownloadReply{SessionID: req.SessionID, Found: true, Content: ref}) {
		m.logger.Debug("download reply not delivered", zap.String("peer", from.Short()), zap.Int64("content", ref.ID))
	}

	job := uploadJob{to: from, sessionID: req.SessionID, ref: ref}
	select {
	case m.jobs <- job:
	case <-m.ctx.Done():
	default:
		m.logger.Warn("upload queue full", zap.String("peer", from.Short()), zap.Int64("content", ref.ID))
		m.abortUpload(job, errUploadBusy)
	}
}

func (m *Manager) uploadWorker() error {
	for {
		select {
		case <-m.ctx.Done():
			return nil
		case job := <-m.jobs:
			res := m.upload(job)
			if res.Err != nil {
				metrics.Uploads.WithLabelValues("aborted").Inc()
				m.logger.Info("upload aborted",
					zap.String("peer", job.to.Short()), zap.Int64("content", job.ref.ID),
					zap.Uint32("chunks", res.Chunks), zap.Error(res.Err))
				m.abortUpload(job, res.Err)
			} else {
				metrics.Uploads.WithLabelValues("completed").Inc()
				m.logger.Info("upload completed",
					zap.String("peer", job.to.Short()), zap.Int64("content", job.ref.ID),
					zap.Uint32("chunks", res.Chunks), zap.Int64("bytes", res.Bytes))
			}
			if m.opts.OnUpload != nil {
				m.opts.OnUpload(res)
			}
		}
	}
}

// upload streams the content stop-and-wait: chunk n+1 is only sent after
// chunk n was acknowledged.
func (m *Manager) upload(job uploadJob) UploadResult {
	res := UploadResult{Content: job.ref, Requester: job.to}
	r, err := m.store.Open(job.ref.ID)
	if err != nil {
		res.Err = fmt.Errorf("failed to open content: %w", err)
		return res
	}
	defer r.Close()

	sum := digest.New()
	buf := make([]byte, m.opts.ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum.Write(buf[:n])
			chunk := wire.DownloadChunk{
				SessionID: job.sessionID,
				ContentID: job.ref.ID,
				ChunkNo:   res.Chunks,
				Data:      buf[:n],
			}
			if !m.deliver(job.to, chunk) {
				res.Err = fmt.Errorf("chunk %d not delivered after %d attempts", res.Chunks, m.opts.Retries+1)
				return res
			}
			res.Chunks++
			res.Bytes += int64(n)
			metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			res.Err = fmt.Errorf("failed to read content: %w", err)
			return res
		}
	}

	complete := wire.DownloadComplete{
		SessionID: job.sessionID,
		ContentID: job.ref.ID,
		Digest:    sum.Sum(),
		Chunks:    res.Chunks,
	}
	if !m.deliver(job.to, complete) {
		res.Err = errors.New("completion not delivered")
	}
	return res
}

// deliver sends msg, retrying with a fixed backoff.
func (m *Manager) deliver(to wire.PeerInfo, msg wire.Message) bool {
	for attempt := 0; attempt <= m.opts.Retries; attempt++ {
		if m.ctx.Err() != nil {
			return false
		}
		if attempt > 0 {
			metrics.ChunkRetries.Inc()
			m.opts.Clock.Sleep(m.opts.Backoff)
		}
		if m.transport.SendMessage(m.ctx, to, msg) {
			return true
		}
	}
	return false
}

func (m *Manager) abortUpload(job uploadJob, cause error) {
	abort := wire.DownloadAbort{SessionID: job.sessionID, ContentID: job.ref.ID, Reason: cause.Error()}
	if !m.transport.SendMessage(m.ctx, job.to, abort) {
		m.logger.Debug("abort not delivered", zap.String("peer", job.to.Short()), zap.Int64("content", job.ref.ID))
	}
}
