package types

import "math"

const earthRadiusMetres float64 = 6371000

// Distance is the haversine ground distance in metres between two points.
func Distance(from Position, to Position) float64 {
	var deltaLat = (to.Lat - from.Lat) * (math.Pi / 180)
	var deltaLon = (to.Lon - from.Lon) * (math.Pi / 180)

	var a = math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(from.Lat*(math.Pi/180))*math.Cos(to.Lat*(math.Pi/180))*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	var c = 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMetres * c
}

// Offset moves p by north/east metres. Good enough for the short legs a
// multicopter flies between waypoints.
func Offset(p Position, north float64, east float64) Position {
	dLat := north / earthRadiusMetres * (180 / math.Pi)
	dLon := east / (earthRadiusMetres * math.Cos(p.Lat*math.Pi/180)) * (180 / math.Pi)
	return Position{Lat: p.Lat + dLat, Lon: p.Lon + dLon, Alt: p.Alt}
}

// DeltaNE converts the difference between two positions into metres north
// and east.
func DeltaNE(from Position, to Position) (float64, float64) {
	dn := Distance(from, Position{Lat: to.Lat, Lon: from.Lon})
	de := Distance(from, Position{Lat: from.Lat, Lon: to.Lon})
	return math.Copysign(dn, to.Lat-from.Lat), math.Copysign(de, to.Lon-from.Lon)
}
