// Package rating maps throughput and latency figures to display tiers.
package rating

// Descriptor is the display form of a tier.
type Descriptor struct {
	Label       string `json:"label"`
	Color       string `json:"color"`
	Description string `json:"description"`
	// Tier orders descriptors from worst (0) to best.
	Tier int `json:"tier"`
}

type threshold struct {
	below float64
	desc  Descriptor
}

var speedTiers = []threshold{
	{5, Descriptor{Label: "Very Slow", Color: "#ef4444", Description: "Not suitable for most online activities", Tier: 0}},
	{25, Descriptor{Label: "Basic", Color: "#f59e0b", Description: "Suitable for browsing and SD video", Tier: 1}},
	{50, Descriptor{Label: "Good", Color: "#10b981", Description: "Good for HD streaming and gaming", Tier: 2}},
	{100, Descriptor{Label: "Fast", Color: "#3b82f6", Description: "Great for 4K streaming", Tier: 3}},
}

var speedTop = Descriptor{Label: "Very Fast", Color: "#6366f1", Description: "Excellent connection", Tier: 4}

// Latency tiers run the other way: lower is better, so Tier counts down.
var pingTiers = []threshold{
	{20, Descriptor{Label: "Excellent", Color: "#10b981", Description: "Ideal for competitive gaming and video calls", Tier: 3}},
	{50, Descriptor{Label: "Good", Color: "#3b82f6", Description: "Responsive for gaming and calls", Tier: 2}},
	{100, Descriptor{Label: "Average", Color: "#f59e0b", Description: "Noticeable delay in real-time apps", Tier: 1}},
}

var pingBottom = Descriptor{Label: "Poor", Color: "#ef4444", Description: "High delay, real-time apps will struggle", Tier: 0}

// Speed classifies a throughput in Mbps. Boundary values belong to the
// higher tier: Speed(5) is Basic.
func Speed(mbps float64) Descriptor {
	for _, t := range speedTiers {
		if mbps < t.below {
			return t.desc
		}
	}
	return speedTop
}

// Ping classifies a round-trip latency in milliseconds. Ping(20) is Good.
func Ping(ms float64) Descriptor {
	for _, t := range pingTiers {
		if ms < t.below {
			return t.desc
		}
	}
	return pingBottom
}
