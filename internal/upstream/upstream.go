package upstream

import (
	"errors"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
)

const (
	PingPath     = "/api/ping"
	DownloadPath = "/api/speed-test/download"
	UploadPath   = "/api/speed-test/upload"
	IPPath       = "/api/speed-test/ip"

	defaultFailCooldown = 2 * time.Second
)

var ErrNoDownloadURLs = errors.New("upstream has no download urls")

type target struct {
	url           string
	dialFailUntil time.Time
	dialFailCount int
}

// Upstream is the server under test. Download URLs are handed out round robin
// so concurrent streams spread across mirrors; a URL that failed recently is
// skipped until its cooldown expires, unless every URL is cooling down.
type Upstream struct {
	Tag       string
	PingURL   string
	UploadURL string
	IPURL     string

	mu        sync.Mutex
	downloads []*target
	next      int
	cooldown  time.Duration
	now       func() time.Time
}

type Snapshot struct {
	Tag          string   `json:"tag"`
	PingURL      string   `json:"ping_url"`
	DownloadURLs []string `json:"download_urls"`
	UploadURL    string   `json:"upload_url"`
	IPURL        string   `json:"ip_url"`
	CoolingDown  []string `json:"cooling_down,omitempty"`
}

func New(cfg config.UpstreamConfig) (*Upstream, error) {
	base := cfg.BaseURL
	up := &Upstream{
		Tag:       cfg.Tag,
		PingURL:   firstNonEmpty(cfg.PingURL, join(base, PingPath)),
		UploadURL: firstNonEmpty(cfg.UploadURL, join(base, UploadPath)),
		IPURL:     firstNonEmpty(cfg.IPURL, join(base, IPPath)),
		cooldown:  defaultFailCooldown,
		now:       time.Now,
	}
	urls := cfg.DownloadURLs
	if len(urls) == 0 && base != "" {
		urls = []string{join(base, DownloadPath)}
	}
	if len(urls) == 0 {
		return nil, ErrNoDownloadURLs
	}
	for _, raw := range urls {
		up.downloads = append(up.downloads, &target{url: raw})
	}
	if up.PingURL == "" {
		return nil, errors.New("upstream has no ping url")
	}
	return up, nil
}

// ForBase builds an upstream from a bare server URL, used by `fbspeed run --server`.
func ForBase(tag, base string) (*Upstream, error) {
	return New(config.UpstreamConfig{Tag: tag, BaseURL: trimSlash(base)})
}

// NextDownload returns the next download URL in rotation.
func (u *Upstream) NextDownload() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.now()
	n := len(u.downloads)
	for i := 0; i < n; i++ {
		t := u.downloads[(u.next+i)%n]
		if t.dialFailUntil.After(now) {
			continue
		}
		u.next = (u.next + i + 1) % n
		return t.url
	}
	t := u.downloads[u.next%n]
	u.next = (u.next + 1) % n
	return t.url
}

func (u *Upstream) MarkDialFailure(raw string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, t := range u.downloads {
		if t.url == raw {
			t.dialFailCount++
			t.dialFailUntil = u.now().Add(u.cooldown * time.Duration(t.dialFailCount))
			return
		}
	}
}

func (u *Upstream) ClearDialFailure(raw string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, t := range u.downloads {
		if t.url == raw {
			t.dialFailUntil = time.Time{}
			t.dialFailCount = 0
			return
		}
	}
}

func (u *Upstream) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.now()
	snap := Snapshot{
		Tag:       u.Tag,
		PingURL:   u.PingURL,
		UploadURL: u.UploadURL,
		IPURL:     u.IPURL,
	}
	for _, t := range u.downloads {
		snap.DownloadURLs = append(snap.DownloadURLs, t.url)
		if t.dialFailUntil.After(now) {
			snap.CoolingDown = append(snap.CoolingDown, t.url)
		}
	}
	return snap
}

// Host returns the host of the ping URL, used as Result.Server.
func (u *Upstream) Host() string {
	parsed, err := url.Parse(u.PingURL)
	if err != nil || parsed.Host == "" {
		return u.Tag
	}
	return parsed.Host
}

// WithQuery returns raw with key=value set in its query string.
func WithQuery(raw, key, value string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := parsed.Query()
	q.Set(key, value)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// CacheBust appends a random t parameter so intermediaries never serve a cached reply.
func CacheBust(raw string, rng *rand.Rand) string {
	return WithQuery(raw, "t", strconv.FormatFloat(rng.Float64(), 'f', -1, 64))
}

func join(base, path string) string {
	if base == "" {
		return ""
	}
	return trimSlash(base) + path
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
