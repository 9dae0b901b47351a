package measure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/util"
)

// Upload measures the upstream direction. In measure mode it POSTs random
// payloads for budget; an empty or implausible result (above MaxRatio times
// the download) is replaced by a value derived from downloadMbps. In derive
// mode no upload traffic is sent at all.
func (s *Sampler) Upload(ctx context.Context, downloadMbps float64, budget time.Duration, progress ProgressFunc) (Measurement, error) {
	report(progress, 0, 0)
	cfg := s.cfg.Upload

	if cfg.Mode == config.UploadModeMeasure {
		payload := make([]byte, cfg.ChunkSizeBytes)
		_, _ = s.rng.Read(payload)
		// Bytes the server answered with an error status do not count.
		var rejected atomic.Int64
		worker := func(ctx context.Context, id int, counter *atomic.Int64) {
			s.uploadStream(ctx, id, payload, counter, &rejected)
		}
		total, elapsed, err := s.transfer(ctx, budget, cfg.Streams, DirectionUp, worker, progress)
		if err != nil {
			return Measurement{}, err
		}
		total -= rejected.Load()
		m := Measurement{
			Mbps:    s.final(total, elapsed, budget),
			Bytes:   total,
			Elapsed: elapsed,
		}
		limit := downloadMbps * cfg.MaxRatio
		if m.Bytes > 0 && m.Mbps > 0 && m.Mbps <= limit {
			s.logger.Debug("upload complete", "bytes", total, "elapsed", elapsed, "mbps", m.Mbps)
			report(progress, 100, m.Mbps)
			return m, nil
		}
		s.logger.Warn("upload measurement implausible, deriving from download",
			"bytes", total, "mbps", m.Mbps, "download_mbps", downloadMbps, "max_ratio", cfg.MaxRatio)
		s.metrics.Fallback(metrics.FallbackUpload)
	}

	target := s.deriver.Estimate(downloadMbps)
	if err := s.animate(ctx, target, progress); err != nil {
		return Measurement{}, err
	}
	report(progress, 100, target)
	return Measurement{Mbps: target, Synthetic: true}, nil
}

func (s *Sampler) uploadStream(ctx context.Context, id int, payload []byte, counter, rejected *atomic.Int64) {
	for ctx.Err() == nil {
		if err := s.post(ctx, payload, counter, rejected); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("upload stream request failed", "stream", id, "error", err)
			if !pause(ctx, streamBackoff) {
				return
			}
		}
	}
}

func (s *Sampler) post(ctx context.Context, payload []byte, counter, rejected *atomic.Int64) error {
	body := &countingReader{r: bytes.NewReader(payload), counter: counter}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.up.UploadURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Cache-Control", "no-store")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rejected.Add(atomic.LoadInt64(&body.n))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// animate ramps the displayed rate toward target with a little noise so a
// derived figure reads like a live gauge.
func (s *Sampler) animate(ctx context.Context, target float64, progress ProgressFunc) error {
	steps := s.cfg.Upload.AnimationSteps()
	step := s.cfg.Upload.Animation.Step.Duration()
	for i := 1; i <= steps; i++ {
		if !pause(ctx, step) {
			return ctx.Err()
		}
		if i == steps {
			break
		}
		frac := float64(i) / float64(steps)
		noise := (s.rng.Float64() - 0.5) * 0.15
		current := target * frac * (1 + noise)
		if current < 0 {
			current = 0
		}
		report(progress, frac*100, util.Round(current, 1))
	}
	return ctx.Err()
}

type countingReader struct {
	r       io.Reader
	counter *atomic.Int64
	n       int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.counter.Add(int64(n))
		atomic.AddInt64(&c.n, int64(n))
	}
	return n, err
}
