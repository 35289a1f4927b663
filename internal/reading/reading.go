// Package reading defines the normalized air-quality record and the
// allow-listed payload decoder that every ingress path goes through.
package reading

import (
	"time"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/geo"
)

// Sentinel marks a field that was never reported. It is distinct from a real zero.
const Sentinel = -1.0

// SentinelSource is the src value of rows created before any source was reported.
const SentinelSource = -1

// Reading is one stored sensor observation.
type Reading struct {
	ID        int64     `json:"id"`
	T         int64     `json:"t"`
	La        float64   `json:"la"`
	Lo        float64   `json:"lo"`
	Lad       *string   `json:"lad"`
	Lod       *string   `json:"lod"`
	Bs        float64   `json:"bs"`
	PM1       float64   `json:"pm1"`
	PM25      float64   `json:"pm25"`
	PM10      float64   `json:"pm10"`
	P0p3      float64   `json:"p0p3"`
	P0p5      float64   `json:"p0p5"`
	P1        float64   `json:"p1"`
	P2p5      float64   `json:"p2p5"`
	P5        float64   `json:"p5"`
	P10       float64   `json:"p10"`
	V         float64   `json:"v"`
	N         float64   `json:"n"`
	C         float64   `json:"c"`
	Tmp       float64   `json:"tmp"`
	RH        float64   `json:"rh"`
	Src       int       `json:"src"`
	CreatedAt time.Time `json:"created_at"`
}

// Placeholder returns a reading with every measurement and the location set to Sentinel.
func Placeholder(id, t int64) Reading {
	return Reading{
		ID: id, T: t,
		La: Sentinel, Lo: Sentinel,
		Bs:  Sentinel,
		PM1: Sentinel, PM25: Sentinel, PM10: Sentinel,
		P0p3: Sentinel, P0p5: Sentinel, P1: Sentinel, P2p5: Sentinel, P5: Sentinel, P10: Sentinel,
		V: Sentinel, N: Sentinel, C: Sentinel,
		Tmp: Sentinel, RH: Sentinel,
		Src: SentinelSource,
	}
}

// HasLocation reports whether the stored coordinates are real.
func (r Reading) HasLocation() bool {
	return r.La != Sentinel && r.Lo != Sentinel
}

// AgeHours is the time since the observation, in hours.
func (r Reading) AgeHours(now time.Time) float64 {
	return float64(now.Unix()-r.T) / 3600
}

// DistanceTo returns the haversine distance from the reading to (lat, lon).
func (r Reading) DistanceTo(lat, lon float64) float64 {
	return geo.Haversine(lat, lon, r.La, r.Lo)
}
