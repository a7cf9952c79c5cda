package bias

import (
	"math"

	"github.com/paulmach/orb"
)

// WGS-84 ellipsoid
const (
	Re = 6378137.0           // Semi-major axis [m]
	Fe = 1.0 / 298.257223563 // Flattening
	Rb = Re * (1 - Fe)       // Semi-minor axis [m]
)

const (
	vincentyTolerance = 1e-12
	vincentyMaxIter   = 200
)

// Destination returns the point reached by travelling distance meters from origin
// along the geodesic with the given initial bearing (degrees clockwise from north).
// Negative distances travel along the reverse bearing.
//
// Vincenty's direct formula on the WGS-84 ellipsoid; sub-millimeter for the tens of
// meters used here.
func Destination(origin orb.Point, bearingDeg, distance float64) orb.Point {
	if distance == 0 {
		return origin
	}
	if distance < 0 {
		distance = -distance
		bearingDeg += 180
	}

	phi1 := origin.Lat() * math.Pi / 180
	lambda1 := origin.Lon() * math.Pi / 180
	alpha1 := bearingDeg * math.Pi / 180

	sinAlpha1, cosAlpha1 := math.Sincos(alpha1)

	tanU1 := (1 - Fe) * math.Tan(phi1)
	cosU1 := 1 / math.Sqrt(1+tanU1*tanU1)
	sinU1 := tanU1 * cosU1

	sigma1 := math.Atan2(tanU1, cosAlpha1)
	sinAlpha := cosU1 * sinAlpha1
	cosSqAlpha := 1 - sinAlpha*sinAlpha
	uSq := cosSqAlpha * (Re*Re - Rb*Rb) / (Rb * Rb)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))

	sigma := distance / (Rb * A)
	var sinSigma, cosSigma, cos2SigmaM float64
	for range vincentyMaxIter {
		cos2SigmaM = math.Cos(2*sigma1 + sigma)
		sinSigma, cosSigma = math.Sincos(sigma)
		deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
			B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))
		next := distance/(Rb*A) + deltaSigma
		if math.Abs(next-sigma) < vincentyTolerance {
			sigma = next
			break
		}
		sigma = next
	}
	cos2SigmaM = math.Cos(2*sigma1 + sigma)
	sinSigma, cosSigma = math.Sincos(sigma)

	x := sinU1*sinSigma - cosU1*cosSigma*cosAlpha1
	phi2 := math.Atan2(sinU1*cosSigma+cosU1*sinSigma*cosAlpha1, (1-Fe)*math.Sqrt(sinAlpha*sinAlpha+x*x))
	lambda := math.Atan2(sinSigma*sinAlpha1, cosU1*cosSigma-sinU1*sinSigma*cosAlpha1)
	C := Fe / 16 * cosSqAlpha * (4 + Fe*(4-3*cosSqAlpha))
	L := lambda - (1-C)*Fe*sinAlpha*(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))

	lon2 := math.Mod((lambda1+L)*180/math.Pi+540, 360) - 180
	return orb.Point{lon2, phi2 * 180 / math.Pi}
}

// HeadingFromTangent converts the tangent stored with each footprint into the
// rotation angle of its sampling grid (radians)
func HeadingFromTangent(tangent float64) float64 {
	return math.Atan(tangent)
}

// RotateOffset rotates a local (along, cross) displacement by heading and returns the
// east and north components in meters
func RotateOffset(along, cross, heading float64) (east, north float64) {
	sin, cos := math.Sincos(heading)
	east = along*cos - cross*sin
	north = along*sin + cross*cos
	return east, north
}

// Project maps a local displacement around origin to a geographic point. The
// rotated displacement is applied as a northward geodesic leg followed by an
// eastward one.
func Project(origin orb.Point, along, cross, heading float64) orb.Point {
	east, north := RotateOffset(along, cross, heading)
	mid := Destination(origin, 0, north)
	return Destination(mid, 90, east)
}
