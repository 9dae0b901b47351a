package measure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/upstream"
)

// Download saturates the path with parallel GET streams for budget and
// reports the aggregate rate. A result below the floor is replaced with a
// synthetic estimate.
func (s *Sampler) Download(ctx context.Context, budget time.Duration, progress ProgressFunc) (Measurement, error) {
	report(progress, 0, 0)
	cfg := s.cfg.Download
	bytes, elapsed, err := s.transfer(ctx, budget, cfg.Streams, DirectionDown, s.downloadStream, progress)
	if err != nil {
		return Measurement{}, err
	}

	m := Measurement{
		Mbps:    s.final(bytes, elapsed, budget),
		Bytes:   bytes,
		Elapsed: elapsed,
	}
	if m.Bytes == 0 || m.Mbps < cfg.FloorMbps {
		s.logger.Warn("download inconclusive, using fallback", "bytes", bytes, "mbps", m.Mbps, "error", ErrNoBytes)
		s.metrics.Fallback(metrics.FallbackDownload)
		m.Mbps = s.fallback.Estimate(0)
		m.Synthetic = true
	}
	s.logger.Debug("download complete", "bytes", bytes, "elapsed", elapsed, "mbps", m.Mbps)
	report(progress, 100, m.Mbps)
	return m, nil
}

func (s *Sampler) downloadStream(ctx context.Context, id int, counter *atomic.Int64) {
	buf := make([]byte, s.cfg.Download.ChunkSizeBytes)
	size := strconv.FormatInt(s.cfg.Download.RequestSizeBytes, 10)
	for seq := 0; ctx.Err() == nil; seq++ {
		base := s.up.NextDownload()
		target := upstream.WithQuery(base, "size", size)
		target = upstream.WithQuery(target, "t", fmt.Sprintf("%d-%d-%d", time.Now().UnixNano(), id, seq))
		if err := s.fetch(ctx, target, buf, counter); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("download stream request failed", "stream", id, "url", base, "error", err)
			s.up.MarkDialFailure(base)
			if !pause(ctx, streamBackoff) {
				return
			}
			continue
		}
		s.up.ClearDialFailure(base)
	}
}

func (s *Sampler) fetch(ctx context.Context, target string, buf []byte, counter *atomic.Int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			counter.Add(int64(n))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// Deadline reached mid-body; the bytes so far count.
				return nil
			}
			return err
		}
	}
}
