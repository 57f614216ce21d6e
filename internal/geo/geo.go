package geo

import (
	"encoding/json"
	"errors"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// WAYPOINT PAYLOADS
// Route geometry is stored as a JSON array of [lat, lon] pairs. Rows
// written by the legacy importer hold that array serialized as a JSON
// string, so decoding accepts one extra level of string wrapping.

// ErrMalformedWaypoints is returned when a waypoint payload is empty,
// not valid JSON, or contains an element that is not a 2-element
// numeric pair.
var ErrMalformedWaypoints = errors.New("malformed waypoint data")

// Waypoint is a single latitude/longitude pair on a route path.
type Waypoint struct {
	Lat float64
	Lon float64
}

// DecodeWaypoints parses a raw puntosRuta payload into its waypoint
// sequence. The result is a fresh slice, so callers hold an immutable
// snapshot regardless of later route edits.
func DecodeWaypoints(raw []byte) ([]Waypoint, error) {
	if len(raw) == 0 {
		return nil, ErrMalformedWaypoints
	}

	// Unwrap the string-serialized form first.
	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		raw = []byte(wrapped)
	}

	var pairs [][]float64
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, ErrMalformedWaypoints
	}
	if len(pairs) == 0 {
		return nil, ErrMalformedWaypoints
	}

	waypoints := make([]Waypoint, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, ErrMalformedWaypoints
		}
		waypoints[i] = Waypoint{Lat: p[0], Lon: p[1]}
	}
	return waypoints, nil
}

// PathLengthMeters projects the waypoints from EPSG:4326 to EPSG:3857
// and returns the length of the resulting line string. Routes with
// fewer than two waypoints have zero length.
func PathLengthMeters(waypoints []Waypoint) float64 {
	if len(waypoints) < 2 {
		return 0
	}

	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)

	coords := make([]float64, 0, len(waypoints)*2)
	for _, wp := range waypoints {
		x, y, _ := f(wp.Lon, wp.Lat, 0)
		coords = append(coords, x, y)
	}

	seq := geom.NewSequence(coords, geom.DimXY)
	line, err := geom.NewLineString(seq)
	if err != nil {
		return 0
	}
	return line.Length()
}
