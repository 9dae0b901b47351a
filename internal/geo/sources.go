package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/NodePath81/fbspeed/internal/config"
)

const (
	IPAPIURL    = "https://ipapi.co/json/"
	IPAPIComURL = "http://ip-api.com/json/"

	maxBodyBytes = 64 << 10
)

var ErrMalformed = errors.New("malformed geo response")

// Source is one place that can tell the client who it is.
type Source interface {
	Name() string
	Lookup(ctx context.Context) (Info, error)
}

type decodeFunc func([]byte) (Info, error)

type httpSource struct {
	name   string
	url    string
	client *http.Client
	decode decodeFunc
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Lookup(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	resp, err := s.client.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Info{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Info{}, fmt.Errorf("%s: unexpected status %d", s.name, resp.StatusCode)
	}
	info, err := s.decode(body)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", s.name, err)
	}
	return info, nil
}

// NewSource builds the named source. url overrides the default endpoint;
// the same-origin source has no default and requires it.
func NewSource(name, url string, client *http.Client) (Source, error) {
	s := &httpSource{name: name, url: url, client: client}
	switch name {
	case config.GeoSourceSameOrigin:
		s.decode = decodeSameOrigin
	case config.GeoSourceIPAPI:
		s.decode = decodeIPAPI
		if s.url == "" {
			s.url = IPAPIURL
		}
	case config.GeoSourceIPAPICom:
		s.decode = decodeIPAPICom
		if s.url == "" {
			s.url = IPAPIComURL
		}
	default:
		return nil, fmt.Errorf("unknown geo source %q", name)
	}
	if s.url == "" {
		return nil, fmt.Errorf("geo source %q requires a url", name)
	}
	return s, nil
}

// SourcesFromConfig builds sources in configured priority order.
func SourcesFromConfig(names []string, sameOriginURL string, client *http.Client) ([]Source, error) {
	out := make([]Source, 0, len(names))
	for _, name := range names {
		url := ""
		if name == config.GeoSourceSameOrigin {
			url = sameOriginURL
		}
		src, err := NewSource(name, url, client)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

type sameOriginBody struct {
	IP          string `json:"ip"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
}

func decodeSameOrigin(raw []byte) (Info, error) {
	var body sameOriginBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !usableIP(body.IP) {
		return Info{}, fmt.Errorf("%w: no ip", ErrMalformed)
	}
	return normalize(Info{
		IP:          body.IP,
		ISP:         body.ISP,
		City:        body.City,
		Region:      body.Region,
		Country:     body.Country,
		CountryCode: body.CountryCode,
	}, body.Org), nil
}

type ipapiBody struct {
	IP          string `json:"ip"`
	Org         string `json:"org"`
	City        string `json:"city"`
	Region      string `json:"region"`
	CountryName string `json:"country_name"`
	CountryCode string `json:"country_code"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

func decodeIPAPI(raw []byte) (Info, error) {
	var body ipapiBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if body.Error {
		return Info{}, fmt.Errorf("%w: %s", ErrMalformed, body.Reason)
	}
	if !usableIP(body.IP) {
		return Info{}, fmt.Errorf("%w: no ip", ErrMalformed)
	}
	// ipapi.co reports the carrier as org only.
	return normalize(Info{
		IP:          body.IP,
		City:        body.City,
		Region:      body.Region,
		Country:     body.CountryName,
		CountryCode: body.CountryCode,
	}, body.Org), nil
}

type ipapiComBody struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Query       string `json:"query"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	City        string `json:"city"`
	RegionName  string `json:"regionName"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
}

func decodeIPAPICom(raw []byte) (Info, error) {
	var body ipapiComBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if body.Status != "" && body.Status != "success" {
		return Info{}, fmt.Errorf("%w: %s", ErrMalformed, body.Message)
	}
	if !usableIP(body.Query) {
		return Info{}, fmt.Errorf("%w: no query ip", ErrMalformed)
	}
	return normalize(Info{
		IP:          body.Query,
		ISP:         body.ISP,
		City:        body.City,
		Region:      body.RegionName,
		Country:     body.Country,
		CountryCode: body.CountryCode,
	}, body.Org), nil
}

func usableIP(ip string) bool {
	ip = strings.TrimSpace(ip)
	return ip != "" && ip != UnknownIP && ip != unavailableIP
}
