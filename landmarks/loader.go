package landmarks

import (
	"bytes"
	"math"
	"os"
	"strings"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/landmark-localizer/rigid"
)

// Orientation types understood in a landmark file.
const (
	OrientationNone           = "none"
	OrientationQuaternion     = "quaternion"
	OrientationAxisAngles     = "axis_angles"
	OrientationRotationVector = "rotation_vector"
	OrientationEulerAngles    = "euler_angles"
)

// File is the on-disk layout of a landmark map. YAML and JSON are both accepted.
type File struct {
	Origin    *Geodetic `yaml:"origin,omitempty" json:"origin,omitempty"`
	Landmarks []Entry   `yaml:"landmarks" json:"landmarks"`
}

// Geodetic is a WGS84 position. Alt is in metres.
type Geodetic struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lng float64 `yaml:"lng" json:"lng"`
	Alt float64 `yaml:"alt" json:"alt"`
}

// Position is a map frame position in metres.
type Position struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// OrientationConfig describes an orientation and how to read Value.
type OrientationConfig struct {
	Type  string           `yaml:"type" json:"type"`
	Value OrientationValue `yaml:"value" json:"value"`
}

// OrientationValue holds the union of the fields used by the orientation types.
type OrientationValue struct {
	W     float64 `yaml:"w" json:"w"`
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	Z     float64 `yaml:"z" json:"z"`
	Theta float64 `yaml:"th" json:"th"`
	Roll  float64 `yaml:"roll" json:"roll"`
	Pitch float64 `yaml:"pitch" json:"pitch"`
	Yaw   float64 `yaml:"yaw" json:"yaw"`
}

// Entry is one landmark. Exactly one of Position and Geodetic must be set.
type Entry struct {
	ID          string             `yaml:"id" json:"id"`
	Position    *Position          `yaml:"position,omitempty" json:"position,omitempty"`
	Geodetic    *Geodetic          `yaml:"geodetic,omitempty" json:"geodetic,omitempty"`
	Orientation *OrientationConfig `yaml:"orientation,omitempty" json:"orientation,omitempty"`
}

// Load reads and converts the landmark file at path.
func Load(path string) ([]LandmarkPose, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading landmark map")
	}
	set, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing landmark map %q", path)
	}
	return set, nil
}

// Parse decodes a landmark file. Unknown keys are rejected.
func Parse(data []byte) ([]LandmarkPose, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return f.LandmarkPoses()
}

// LandmarkPoses converts every entry to a map frame landmark pose.
func (f File) LandmarkPoses() ([]LandmarkPose, error) {
	set := make([]LandmarkPose, 0, len(f.Landmarks))
	for i, e := range f.Landmarks {
		if e.ID == "" {
			return nil, errors.Errorf("landmark %d has no id", i)
		}
		pos, err := e.position(f.Origin)
		if err != nil {
			return nil, errors.Wrapf(err, "landmark %q", e.ID)
		}
		pose, err := e.Orientation.Transform(pos)
		if err != nil {
			return nil, errors.Wrapf(err, "landmark %q", e.ID)
		}
		set = append(set, LandmarkPose{ID: e.ID, Pose: pose})
	}
	return set, nil
}

func (e Entry) position(origin *Geodetic) (r3.Vector, error) {
	switch {
	case e.Position != nil && e.Geodetic != nil:
		return r3.Vector{}, errors.New("only one of position and geodetic may be set")
	case e.Position != nil:
		return r3.Vector{X: e.Position.X, Y: e.Position.Y, Z: e.Position.Z}, nil
	case e.Geodetic != nil:
		if origin == nil {
			return r3.Vector{}, errors.New("geodetic position requires a map origin")
		}
		return origin.ToLocal(*e.Geodetic), nil
	default:
		return r3.Vector{}, errors.New("one of position and geodetic must be set")
	}
}

// ToLocal converts p into east/north/up metres relative to g.
func (g Geodetic) ToLocal(p Geodetic) r3.Vector {
	from := geo.NewPoint(g.Lat, g.Lng)
	to := geo.NewPoint(p.Lat, p.Lng)
	dist := from.GreatCircleDistance(to) * 1000
	bearing := from.BearingTo(to) * math.Pi / 180
	return r3.Vector{
		X: dist * math.Sin(bearing),
		Y: dist * math.Cos(bearing),
		Z: p.Alt - g.Alt,
	}
}

// Transform places the orientation at pos. A nil config has no rotation.
func (oc *OrientationConfig) Transform(pos r3.Vector) (rigid.Transform, error) {
	if oc == nil {
		return rigid.FromTranslation(pos), nil
	}
	v := oc.Value
	switch strings.ToLower(oc.Type) {
	case "", OrientationNone:
		return rigid.FromTranslation(pos), nil
	case OrientationQuaternion:
		norm := math.Sqrt(v.W*v.W + v.X*v.X + v.Y*v.Y + v.Z*v.Z)
		if norm == 0 {
			return rigid.Transform{}, errors.New("quaternion must not be zero")
		}
		q := &spatialmath.Quaternion{Real: v.W / norm, Imag: v.X / norm, Jmag: v.Y / norm, Kmag: v.Z / norm}
		return rigid.FromOrientation(pos, q), nil
	case OrientationAxisAngles:
		axis := r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
		if axis.Norm() == 0 {
			if v.Theta != 0 {
				return rigid.Transform{}, errors.New("axis_angles with a nonzero angle needs an axis")
			}
			return rigid.FromTranslation(pos), nil
		}
		axis = axis.Normalize()
		return rigid.FromOrientation(pos, &spatialmath.R4AA{Theta: v.Theta, RX: axis.X, RY: axis.Y, RZ: axis.Z}), nil
	case OrientationRotationVector:
		return rigid.FromAxisAngle(r3.Vector{X: v.X, Y: v.Y, Z: v.Z}, pos), nil
	case OrientationEulerAngles:
		return rigid.FromOrientation(pos, &spatialmath.EulerAngles{Roll: v.Roll, Pitch: v.Pitch, Yaw: v.Yaw}), nil
	default:
		return rigid.Transform{}, errors.Errorf("unknown orientation type %q", oc.Type)
	}
}
