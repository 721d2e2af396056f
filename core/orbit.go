package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/satnet-emulator/model"
)

var (
	// ErrBadTLE indicates orbital elements that cannot be propagated.
	ErrBadTLE = errors.New("invalid two-line element set")
	// ErrNoLineOfSight indicates the relay is below the ground station's
	// horizon at the requested time.
	ErrNoLineOfSight = errors.New("relay not visible from ground station")
)

// OrbitSample is the geometry of a ground-to-relay link at one instant.
type OrbitSample struct {
	At           time.Time
	SlantRangeKm float64
	ElevationDeg float64
	Delay        time.Duration
}

// RelayPosition propagates a TLE with SGP4 and returns the ECEF position in
// kilometres at t.
func RelayPosition(tle []string, t time.Time) (Vec3, error) {
	if err := checkTLE(tle); err != nil {
		return Vec3{}, err
	}
	sat := satellite.TLEToSat(tle[0], tle[1], satellite.GravityWGS72)

	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	posECI, _ := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	posECEF := satellite.ECIToECEF(posECI, satellite.ThetaG_JD(jd))

	v := Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}
	if v.Norm() < EarthRadiusKm {
		return Vec3{}, fmt.Errorf("%w: propagation at %s produced a sub-surface position", ErrBadTLE, t.Format(time.RFC3339))
	}
	return v, nil
}

// SampleAccessLink computes the slant range and one-way propagation delay
// between a ground station and a relay at t.
func SampleAccessLink(ground model.GeoPosition, tle []string, t time.Time) (OrbitSample, error) {
	relay, err := RelayPosition(tle, t)
	if err != nil {
		return OrbitSample{}, err
	}
	gs := GeodeticToECEF(ground.LatDeg, ground.LonDeg, ground.AltKm)
	if !hasLineOfSight(gs, relay) {
		return OrbitSample{}, fmt.Errorf("%w at %s", ErrNoLineOfSight, t.UTC().Format(time.RFC3339))
	}
	rangeKm := gs.DistanceTo(relay)
	return OrbitSample{
		At:           t,
		SlantRangeKm: rangeKm,
		ElevationDeg: ElevationDegrees(gs, relay),
		Delay:        propagationDelay(rangeKm),
	}, nil
}

// SampleInterRelayLink computes the range and delay between two relays.
func SampleInterRelayLink(tleA, tleB []string, t time.Time) (OrbitSample, error) {
	a, err := RelayPosition(tleA, t)
	if err != nil {
		return OrbitSample{}, err
	}
	b, err := RelayPosition(tleB, t)
	if err != nil {
		return OrbitSample{}, err
	}
	if !hasLineOfSight(a, b) {
		return OrbitSample{}, fmt.Errorf("%w at %s", ErrNoLineOfSight, t.UTC().Format(time.RFC3339))
	}
	rangeKm := a.DistanceTo(b)
	return OrbitSample{At: t, SlantRangeKm: rangeKm, ElevationDeg: 0, Delay: propagationDelay(rangeKm)}, nil
}

func propagationDelay(km float64) time.Duration {
	return time.Duration(km / SpeedOfLightKmPerSec * float64(time.Second)).Round(time.Microsecond)
}

// checkTLE rejects element sets the propagator would choke on. The
// parser in go-satellite does not report malformed input.
func checkTLE(tle []string) error {
	if len(tle) != 2 {
		return fmt.Errorf("%w: need 2 lines, got %d", ErrBadTLE, len(tle))
	}
	for i, line := range tle {
		want := fmt.Sprintf("%d ", i+1)
		if len(line) < 69 || !strings.HasPrefix(line, want) {
			return fmt.Errorf("%w: line %d must start with %q and hold 69 columns", ErrBadTLE, i+1, want)
		}
	}
	return nil
}

// orbitDelay resolves the delay of a link declared with DelayFromOrbit.
func orbitDelay(spec *model.TopologySpec, l model.LinkSpec, at time.Time) (OrbitSample, error) {
	a, _ := spec.Node(l.A)
	b, _ := spec.Node(l.B)
	switch {
	case a.Position != nil && b.HasOrbit():
		return SampleAccessLink(*a.Position, b.TLE, at)
	case b.Position != nil && a.HasOrbit():
		return SampleAccessLink(*b.Position, a.TLE, at)
	case a.HasOrbit() && b.HasOrbit():
		return SampleInterRelayLink(a.TLE, b.TLE, at)
	default:
		return OrbitSample{}, fmt.Errorf("link %s: no orbital geometry", l.ID())
	}
}
