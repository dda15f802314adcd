package calibration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/example/grain-size/internal/sediment"
)

// MinOutlinePoints is the fewest boundary points that determine a conic.
const MinOutlinePoints = 5

var errNotEllipse = errors.New("points do not describe an ellipse")

// Ellipse is a fitted ellipse in pixel coordinates. Axes are full lengths.
type Ellipse struct {
	CenterX   float64
	CenterY   float64
	MajorAxis float64
	MinorAxis float64
	Angle     float64 // radians, major axis relative to +x
}

// FitEllipse fits the conic Ax²+Bxy+Cy²+Dx+Ey+F=0 through points by total
// least squares and converts it to centre/axes form. Coordinates are
// normalised first so the design matrix stays well conditioned.
func FitEllipse(points []sediment.Point) (Ellipse, error) {
	n := len(points)
	if n < MinOutlinePoints {
		return Ellipse{}, sediment.ErrInsufficientGeometry
	}

	var mx, my float64
	for _, p := range points {
		mx += p.X
		my += p.Y
	}
	mx /= float64(n)
	my /= float64(n)

	var spread float64
	for _, p := range points {
		spread += math.Hypot(p.X-mx, p.Y-my)
	}
	spread /= float64(n)
	if spread == 0 {
		return Ellipse{}, errNotEllipse
	}

	design := mat.NewDense(n, 6, nil)
	for i, p := range points {
		x := (p.X - mx) / spread
		y := (p.Y - my) / spread
		design.SetRow(i, []float64{x * x, x * y, y * y, x, y, 1})
	}

	var svd mat.SVD
	if ok := svd.Factorize(design, mat.SVDFull); !ok {
		return Ellipse{}, errNotEllipse
	}
	var v mat.Dense
	svd.VTo(&v)
	// Singular values are sorted descending, so the last right singular
	// vector minimises |D·a| subject to |a| = 1.
	coef := mat.Col(nil, 5, &v)

	e, err := conicToEllipse(coef[0], coef[1], coef[2], coef[3], coef[4], coef[5])
	if err != nil {
		return Ellipse{}, err
	}
	e.CenterX = e.CenterX*spread + mx
	e.CenterY = e.CenterY*spread + my
	e.MajorAxis *= spread
	e.MinorAxis *= spread
	return e, nil
}

func conicToEllipse(a, b, c, d, e, f float64) (Ellipse, error) {
	den := 4*a*c - b*b
	if den <= 1e-10*(a*a+b*b+c*c) {
		return Ellipse{}, errNotEllipse
	}
	x0 := (b*e - 2*c*d) / den
	y0 := (b*d - 2*a*e) / den
	f0 := f + (d*x0+e*y0)/2

	mid := (a + c) / 2
	root := math.Hypot((a-c)/2, b/2)
	l1 := mid - root
	l2 := mid + root

	s1 := -f0 / l1
	s2 := -f0 / l2
	if !(s1 > 0) || !(s2 > 0) {
		return Ellipse{}, errNotEllipse
	}
	r1 := math.Sqrt(s1)
	r2 := math.Sqrt(s2)

	// theta is the direction of the r2 semi-axis; r1 is perpendicular to it.
	theta := 0.5 * math.Atan2(b, a-c)
	major, minor, angle := r2, r1, theta
	if r1 > r2 {
		major, minor, angle = r1, r2, theta+math.Pi/2
	}
	return Ellipse{
		CenterX:   x0,
		CenterY:   y0,
		MajorAxis: 2 * major,
		MinorAxis: 2 * minor,
		Angle:     angle,
	}, nil
}
