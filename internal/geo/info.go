package geo

import "strings"

const (
	UnknownIP   = "N/A"
	UnknownISP  = "Unknown ISP"
	UnknownText = "Unknown"
)

// Info is the network identity of a client as seen from the outside.
type Info struct {
	IP          string `json:"ip"`
	ISP         string `json:"isp"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
}

// Unknown is returned when no source could identify the client.
func Unknown() Info {
	return Info{
		IP:      UnknownIP,
		ISP:     UnknownISP,
		City:    UnknownText,
		Region:  UnknownText,
		Country: UnknownText,
	}
}

// IsUnknown reports whether info carries no identity at all.
func (i Info) IsUnknown() bool {
	return i.IP == UnknownIP || i.IP == ""
}

// normalize fills every empty field with its placeholder. org is used when
// the source reports no ISP.
func normalize(info Info, org string) Info {
	info.IP = orDefault(info.IP, UnknownIP)
	info.ISP = orDefault(info.ISP, orDefault(org, UnknownISP))
	info.City = orDefault(info.City, UnknownText)
	info.Region = orDefault(info.Region, UnknownText)
	info.Country = orDefault(info.Country, UnknownText)
	info.CountryCode = strings.ToUpper(strings.TrimSpace(info.CountryCode))
	return info
}

func orDefault(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}
