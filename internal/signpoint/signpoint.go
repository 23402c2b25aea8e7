// Package signpoint reconciles the sign point cached on a task with the
// live list the upstream currently offers.
package signpoint

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/example/mornsign-scheduler/internal/session"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Select picks the live point for a cached one: the point with the same
// pointId, else the nearest point to the cached coordinates. ok is false
// when neither applies and cached is returned as is.
func Select(cached totoro.SignPoint, live []totoro.SignPoint) (totoro.SignPoint, bool) {
	if cached.PointID != "" {
		for _, p := range live {
			if p.PointID == cached.PointID {
				return p, true
			}
		}
	}

	lat0, lon0, ok := cached.Coordinates()
	if !ok || len(live) == 0 {
		return cached, false
	}
	best, bestDist := -1, math.Inf(1)
	for i, p := range live {
		lat, lon, ok := p.Coordinates()
		if !ok {
			continue
		}
		if d := Haversine(lat0, lon0, lat, lon); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return cached, false
	}
	return live[best], true
}

type PaperFetcher interface {
	GetMornSignPaper(ctx context.Context, req totoro.PaperRequest) (totoro.PaperResponse, error)
}

type Resolution struct {
	Point           totoro.SignPoint
	UsedLatestPoint bool

	// Fetched is true when the paper was retrieved with an OK status;
	// Required and Completed are only meaningful then.
	Fetched   bool
	Required  int
	Completed int
	Err       error
}

// QuotaReached reports that today's required check-ins are already done.
func (r Resolution) QuotaReached() bool {
	return r.Fetched && r.Required > 0 && r.Completed >= r.Required
}

type Resolver struct {
	Papers PaperFetcher
	Log    zerolog.Logger
}

func (r *Resolver) Resolve(ctx context.Context, s session.Session, cached totoro.SignPoint) Resolution {
	res := Resolution{Point: cached}
	if r == nil || r.Papers == nil {
		return res
	}

	paper, err := r.Papers.GetMornSignPaper(ctx, s.PaperRequest())
	if err == nil {
		err = paper.Err()
	}
	if err != nil {
		r.Log.Warn().Err(err).Str("user_id", s.StuNumber).Msg("sign point fetch failed, using cached point")
		res.Err = err
		return res
	}

	res.Fetched = true
	res.Required = paper.DayNeedSignCount.Int()
	res.Completed = paper.DayCompSignCount.Int()

	p, ok := Select(cached, paper.SignPointList)
	if !ok {
		return res
	}
	if paper.SignType != "" {
		p.SignType = paper.SignType
	}
	if p.QRCode == "" {
		p.QRCode = paper.QRCode
	}
	res.Point = p
	res.UsedLatestPoint = true
	return res
}
