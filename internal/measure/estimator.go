package measure

import (
	"math"
	"math/rand"

	"github.com/NodePath81/fbspeed/internal/util"
)

// Estimator produces a plausible rate when measuring is not possible.
type Estimator interface {
	Estimate(referenceMbps float64) float64
}

// Synthetic draws a download rate uniformly from [MinMbps, MaxMbps).
type Synthetic struct {
	Rand    *rand.Rand
	MinMbps float64
	MaxMbps float64
}

func (e *Synthetic) Estimate(float64) float64 {
	return util.Round(e.MinMbps+e.Rand.Float64()*(e.MaxMbps-e.MinMbps), 1)
}

type uploadBucket struct {
	minDownload float64
	low         float64
	spread      float64
}

// Faster links are more asymmetric, so the fraction shrinks as download grows.
var uploadBuckets = []uploadBucket{
	{minDownload: 100, low: 0.08, spread: 0.10},
	{minDownload: 50, low: 0.12, spread: 0.15},
	{minDownload: 20, low: 0.20, spread: 0.25},
	{minDownload: 5, low: 0.30, spread: 0.40},
	{minDownload: 0, low: 0.50, spread: 0.40},
}

// Deriver estimates upload as a random fraction of the download rate.
type Deriver struct {
	Rand      *rand.Rand
	FloorMbps float64
}

func (d *Deriver) Estimate(downloadMbps float64) float64 {
	if downloadMbps < 0 {
		downloadMbps = 0
	}
	b := bucketFor(downloadMbps)
	v := downloadMbps * (b.low + d.Rand.Float64()*b.spread)
	return math.Max(util.Round(v, 1), d.FloorMbps)
}

// UploadFraction returns the [low, high) fraction of download used for derivation.
func UploadFraction(downloadMbps float64) (float64, float64) {
	b := bucketFor(downloadMbps)
	return b.low, b.low + b.spread
}

func bucketFor(downloadMbps float64) uploadBucket {
	for _, b := range uploadBuckets {
		if downloadMbps >= b.minDownload {
			return b
		}
	}
	return uploadBuckets[len(uploadBuckets)-1]
}
