package thickness

import (
	"github.com/pkg/errors"

	"treeces/pkg/optimize"
)

// Interval is a closed [lower, upper] range
type Interval [2]float64

// Mid returns the midpoint of the interval
func (iv Interval) Mid() float64 { return 0.5 * (iv[0] + iv[1]) }

// Clip returns v limited to the interval
func (iv Interval) Clip(v float64) float64 {
	if v < iv[0] {
		return iv[0]
	}
	if v > iv[1] {
		return iv[1]
	}
	return v
}

// Contains reports whether v lies in the interval
func (iv Interval) Contains(v float64) bool { return v >= iv[0] && v <= iv[1] }

func (iv Interval) validate(name string) error {
	if !(iv[0] < iv[1]) {
		return errors.Errorf("%s bounds [%g, %g] must be strictly increasing", name, iv[0], iv[1])
	}
	return nil
}

// Options configures a Fitter
type Options struct {
	Mode Mode

	ThicknessBounds Interval
	RhoSBounds      Interval
	RhoBBounds      Interval
	SigmaBounds     Interval

	// ThicknessGuess defaults to the middle of ThicknessBounds when nil
	ThicknessGuess *float64
	RhoSGuess      float64
	RhoBGuess      float64
	SigmaGuess     float64

	// CorticalDensity fixes ρc for every point; nil uses each profile's maximum
	CorticalDensity *float64

	// ResidualBoost is the weight of residuals at the surface relative to the profile ends
	ResidualBoost float64

	// GlobalInterpolation: decreasing control point separations, one stage each
	Separations []float64
	// Neighbours is k for the interpolation and Laplacian matrices
	Neighbours int
	// RBF expands control point values with thin-plate splines instead of the interpolation matrix
	RBF  bool
	Seed uint32

	// GlobalRegularization
	Lambda float64
	SigmaR float64

	// Workers is the number of concurrent per-point fits in Local mode; 0 uses every CPU
	Workers int

	Optimizer optimize.Settings
}

// DefaultOptions returns options with the command line defaults. Thickness
// bounds depend on the sampling and are set by the caller.
func DefaultOptions() Options {
	return Options{
		Mode:          Local,
		RhoSBounds:    Interval{-200, 400},
		RhoBBounds:    Interval{-200, 400},
		SigmaBounds:   Interval{0.1, 100},
		RhoSGuess:     0,
		RhoBGuess:     200,
		SigmaGuess:    1,
		ResidualBoost: 3,
		Neighbours:    10,
		Lambda:        1,
		SigmaR:        1,
		Optimizer:     optimize.DefaultSettings(),
	}
}

// Validate checks the options are usable for the selected mode
func (o Options) Validate() error {
	for _, b := range []struct {
		name string
		iv   Interval
	}{
		{"thickness", o.ThicknessBounds},
		{"soft tissue intensity", o.RhoSBounds},
		{"trabecular bone intensity", o.RhoBBounds},
		{"model sigma", o.SigmaBounds},
	} {
		if err := b.iv.validate(b.name); err != nil {
			return err
		}
	}
	if o.SigmaBounds[0] <= 0 {
		return errors.Errorf("model sigma lower bound must be positive, got %g", o.SigmaBounds[0])
	}
	if o.ResidualBoost < 1 {
		return errors.Errorf("residual boost factor must be at least 1, got %g", o.ResidualBoost)
	}
	if o.Workers < 0 {
		return errors.Errorf("number of workers must not be negative, got %d", o.Workers)
	}
	if o.Neighbours < 1 {
		return errors.Errorf("number of neighbours must be at least 1, got %d", o.Neighbours)
	}

	switch o.Mode {
	case Local:
	case GlobalInterpolation:
		if len(o.Separations) == 0 {
			return errors.New("global-interpolation needs at least one control point separation")
		}
		for i, s := range o.Separations {
			if s <= 0 {
				return errors.Errorf("control point separation %g must be positive", s)
			}
			if i > 0 && s >= o.Separations[i-1] {
				return errors.Errorf("control point separations must decrease, got %g after %g", s, o.Separations[i-1])
			}
		}
	case GlobalRegularization:
		if o.Lambda < 0 {
			return errors.Errorf("regularisation weight must not be negative, got %g", o.Lambda)
		}
		if o.SigmaR <= 0 {
			return errors.Errorf("regularisation width must be positive, got %g", o.SigmaR)
		}
	default:
		return errors.Errorf("unknown fitting mode %d", o.Mode)
	}
	return nil
}

// initialThickness returns the thickness the warm start fit begins from
func (o Options) initialThickness() float64 {
	if o.ThicknessGuess != nil {
		return o.ThicknessBounds.Clip(*o.ThicknessGuess)
	}
	return o.ThicknessBounds.Mid()
}
