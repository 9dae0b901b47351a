package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/oschwald/maxminddb-golang"

	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/util"
)

const unavailableIP = "Unavailable"

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
}

type asnRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Locator answers "who is calling" for the server's ip endpoint. Local
// MaxMind databases are used when configured; otherwise ip-api.com is asked.
type Locator struct {
	city     *maxminddb.Reader
	asn      *maxminddb.Reader
	client   *http.Client
	upstream string
	cache    *Cache
	metrics  *metrics.Metrics
	logger   util.Logger
}

type LocatorOptions struct {
	CityDB      string
	ASNDB       string
	UpstreamURL string
	Client      *http.Client
	Cache       *Cache
	Metrics     *metrics.Metrics
	Logger      util.Logger
}

func OpenLocator(opts LocatorOptions) (*Locator, error) {
	l := &Locator{
		client:   opts.Client,
		upstream: opts.UpstreamURL,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if l.upstream == "" {
		l.upstream = IPAPIComURL
	}
	if opts.CityDB != "" {
		reader, err := maxminddb.Open(opts.CityDB)
		if err != nil {
			return nil, fmt.Errorf("open city db: %w", err)
		}
		l.city = reader
	}
	if opts.ASNDB != "" {
		reader, err := maxminddb.Open(opts.ASNDB)
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("open asn db: %w", err)
		}
		l.asn = reader
	}
	return l, nil
}

func (l *Locator) Close() error {
	var errs []error
	if l.city != nil {
		errs = append(errs, l.city.Close())
		l.city = nil
	}
	if l.asn != nil {
		errs = append(errs, l.asn.Close())
		l.asn = nil
	}
	return errors.Join(errs...)
}

// Locate resolves ip. An empty or local ip means the server itself is the
// client, so the upstream is asked about its own caller.
func (l *Locator) Locate(ctx context.Context, ip string) Info {
	local := IsLocal(ip)
	key := ip
	if local {
		key = selfKey
	}
	if l.cache != nil {
		if info, ok := l.cache.Get(key); ok {
			l.metrics.GeoLookup(metrics.GeoHit)
			return info
		}
	}

	var (
		info Info
		err  error
	)
	if !local && l.city != nil {
		info, err = l.lookupDB(ip)
	} else {
		info, err = l.lookupUpstream(ctx, ip, local)
	}
	if err != nil {
		l.logger.Debug("client lookup failed", "ip", ip, "error", err)
		l.metrics.GeoLookup(metrics.GeoUnknown)
		return unavailable()
	}
	l.metrics.GeoLookup(metrics.GeoMiss)
	if l.cache != nil {
		l.cache.Set(key, info)
	}
	return info
}

func (l *Locator) lookupDB(ip string) (Info, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return Info{}, fmt.Errorf("invalid ip %q", ip)
	}
	var rec cityRecord
	if err := l.city.Lookup(addr, &rec); err != nil {
		return Info{}, err
	}
	info := Info{
		IP:          ip,
		City:        rec.City.Names["en"],
		Country:     rec.Country.Names["en"],
		CountryCode: rec.Country.ISOCode,
	}
	if len(rec.Subdivisions) > 0 {
		info.Region = rec.Subdivisions[0].Names["en"]
	}
	if l.asn != nil {
		var asn asnRecord
		if err := l.asn.Lookup(addr, &asn); err == nil && asn.Organization != "" {
			info.ISP = asn.Organization
			if asn.Number > 0 {
				info.ISP = asn.Organization + " (AS" + strconv.FormatUint(uint64(asn.Number), 10) + ")"
			}
		}
	}
	return serverPlaceholders(info), nil
}

func (l *Locator) lookupUpstream(ctx context.Context, ip string, local bool) (Info, error) {
	target := l.upstream
	if !local {
		target = strings.TrimRight(target, "/") + "/" + ip
	}
	src := &httpSource{name: "ip_api_com", url: target, client: l.client, decode: decodeIPAPICom}
	info, err := src.Lookup(ctx)
	if err != nil {
		return Info{}, err
	}
	return serverPlaceholders(info), nil
}

// serverPlaceholders mirrors the wording the ip endpoint has always used.
func serverPlaceholders(info Info) Info {
	if info.City == "" || info.City == UnknownText {
		info.City = "Unknown City"
	}
	if info.Region == "" || info.Region == UnknownText {
		info.Region = "Unknown Region"
	}
	if info.Country == "" || info.Country == UnknownText {
		info.Country = "Unknown Country"
	}
	if info.ISP == "" {
		info.ISP = UnknownISP
	}
	return info
}

func unavailable() Info {
	return Info{
		IP:      unavailableIP,
		ISP:     UnknownISP,
		City:    UnknownText,
		Region:  UnknownText,
		Country: UnknownText,
	}
}

// ClientIP returns the caller address: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsLocal reports whether ip cannot be located publicly.
func IsLocal(ip string) bool {
	if ip == "" || ip == "localhost" {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return true
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}
