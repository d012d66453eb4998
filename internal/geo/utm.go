package geo

import "math"

// WGS84 ellipsoid.
const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563

	utmK0           = 0.9996
	utmFalseEasting = 500000.0
	utmFalseSouth   = 10000000.0
)

// utm is a Transverse Mercator projection of one WGS84 UTM zone, using the
// series expansion from Snyder's "Map Projections: A Working Manual" (USGS
// 1395, p. 61). Accuracy is well under a millimetre inside the zone.
type utm struct {
	lon0  float64
	south bool

	e2, ep2        float64
	m1, m2, m3, m4 float64
}

func newUTM(zone int, south bool) *utm {
	e2 := wgs84F * (2 - wgs84F)
	e4, e6 := e2*e2, e2*e2*e2
	return &utm{
		lon0:  float64((zone-1)*6-180+3) * math.Pi / 180,
		south: south,
		e2:    e2,
		ep2:   e2 / (1 - e2),
		m1:    1 - e2/4 - 3*e4/64 - 5*e6/256,
		m2:    3*e2/8 + 3*e4/32 + 45*e6/1024,
		m3:    15*e4/256 + 45*e6/1024,
		m4:    35 * e6 / 3072,
	}
}

// utmDomain bounds the longitude offset from the central meridian; the
// series diverges far outside the zone.
const utmDomain = 45.0

func (u *utm) FromMercator(x, y float64) (float64, float64) {
	lon, lat := mercatorToLonLat(x, y)
	d := math.Mod(lon-u.lon0*180/math.Pi+540, 360) - 180
	if math.Abs(d) > utmDomain {
		return math.NaN(), math.NaN()
	}
	return u.forward(lon, lat)
}

// forward projects longitude/latitude in degrees to easting/northing in metres.
func (u *utm) forward(lon, lat float64) (float64, float64) {
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180

	sin, cos := math.Sincos(phi)
	tan := sin / cos
	n := wgs84A / math.Sqrt(1-u.e2*sin*sin)
	t := tan * tan
	c := u.ep2 * cos * cos
	a := cos * (lam - u.lon0)
	m := wgs84A * (u.m1*phi - u.m2*math.Sin(2*phi) + u.m3*math.Sin(4*phi) - u.m4*math.Sin(6*phi))

	a2 := a * a
	easting := utmK0*n*(a+(1-t+c)*a2*a/6+(5-18*t+t*t+72*c-58*u.ep2)*a2*a2*a/120) + utmFalseEasting
	northing := utmK0 * (m + n*tan*(a2/2+(5-t+9*c+4*c*c)*a2*a2/24+(61-58*t+t*t+600*c-330*u.ep2)*a2*a2*a2/720))
	if u.south {
		northing += utmFalseSouth
	}
	return easting, northing
}
