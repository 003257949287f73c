// Package config provides configuration loading and management for treeces_thickness.
// It handles loading configuration from YAML files, provides default values
// and checks option combinations before any heavy work starts.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"treeces/pkg/optimize"
	"treeces/pkg/sampling"
	"treeces/pkg/thickness"
)

// ErrInvalid marks conflicting or out of range options
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	// Input files
	Input struct {
		Image      string   `yaml:"image"`
		OutputBase string   `yaml:"outputBase"`
		BoneMasks  []string `yaml:"boneMasks"`

		// SubMask restricts which surface points are fitted
		SubMask string `yaml:"subMask,omitempty"`
		// SubMaskLabel selects one label of the sub-mask; nil means any non-zero voxel
		SubMaskLabel *int `yaml:"subMaskLabel,omitempty"`
		// SubMaskDilation is the dilation radius in voxels along x, y and z
		SubMaskDilation []int `yaml:"subMaskDilation"`
	} `yaml:"input"`

	// Surface extraction and normals
	Surface struct {
		Smooth     bool    `yaml:"smooth"`
		Iterations int     `yaml:"iterations"`
		PassBand   float64 `yaml:"passBand"`

		// FlipNormals reverses every sampling direction
		FlipNormals bool `yaml:"flipNormals"`

		// ConstrainToPlane zeroes one normal component (0, 1 or 2)
		ConstrainToPlane *int `yaml:"constrainNormalToPlane,omitempty"`
		// ConstrainToAxis snaps normals to a signed axis such as "+2" or "-0"
		ConstrainToAxis string `yaml:"constrainNormalToAxis,omitempty"`
	} `yaml:"surface"`

	// Profile sampling
	Sampling struct {
		// LineResolution is the step along the normal in mm; 0 uses a tenth of the smallest voxel spacing
		LineResolution  float64 `yaml:"lineResolution"`
		OutsideDistance float64 `yaml:"outsideDistance"`
		InsideDistance  float64 `yaml:"insideDistance"`
	} `yaml:"sampling"`

	// Intensity model guesses and bounds
	Model struct {
		// CorticalDensity fixes ρc; nil uses the maximum of each profile
		CorticalDensity *float64 `yaml:"corticalDensity,omitempty"`
		ResidualBoost   float64  `yaml:"residualBoostFactor"`

		// ThicknessGuess defaults to the middle of the thickness bounds
		ThicknessGuess *float64 `yaml:"thicknessGuess,omitempty"`
		RhoSGuess      float64  `yaml:"softTissueGuess"`
		RhoBGuess      float64  `yaml:"trabecularBoneGuess"`
		SigmaGuess     float64  `yaml:"sigmaGuess"`

		// ThicknessBounds defaults to [line resolution, profile length] when empty
		ThicknessBounds []float64 `yaml:"thicknessBounds,omitempty"`
		RhoSBounds      []float64 `yaml:"softTissueBounds"`
		RhoBBounds      []float64 `yaml:"trabecularBoneBounds"`
		SigmaBounds     []float64 `yaml:"sigmaBounds"`
	} `yaml:"model"`

	// Minimiser
	Fit struct {
		Mode thickness.Mode `yaml:"mode"`

		Separations []float64 `yaml:"controlPointSeparations,omitempty"`
		Neighbours  int       `yaml:"neighbours"`
		RBF         bool      `yaml:"rbfSplines"`
		Seed        uint32    `yaml:"seed"`

		Lambda float64 `yaml:"lambdaRegularization"`
		SigmaR float64 `yaml:"sigmaRegularization"`

		// NumCores bounds the concurrent per-point fits of the local mode
		NumCores int `yaml:"numCores"`

		MaxIterations     int     `yaml:"maxIterations"`
		FunctionTolerance float64 `yaml:"functionTolerance"`
		GradientTolerance float64 `yaml:"gradientTolerance"`
	} `yaml:"fit"`

	// Output parameters
	Output struct {
		MedianSmooth bool `yaml:"medianSmoothThicknesses"`
		Overwrite    bool `yaml:"overwrite"`
		Silent       bool `yaml:"silent"`

		// SaveProfiles writes the sample matrix and fitted profiles as TIFF images
		SaveProfiles bool `yaml:"saveProfiles"`
		// SaveSTL writes the surface as binary STL
		SaveSTL bool `yaml:"saveSTL"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.SubMaskDilation = []int{1, 1, 1}

	cfg.Surface.Iterations = 15
	cfg.Surface.PassBand = 0.1

	cfg.Sampling.OutsideDistance = 3
	cfg.Sampling.InsideDistance = 8

	opts := thickness.DefaultOptions()
	cfg.Model.ResidualBoost = opts.ResidualBoost
	cfg.Model.RhoSGuess = opts.RhoSGuess
	cfg.Model.RhoBGuess = opts.RhoBGuess
	cfg.Model.SigmaGuess = opts.SigmaGuess
	cfg.Model.RhoSBounds = opts.RhoSBounds[:]
	cfg.Model.RhoBBounds = opts.RhoBBounds[:]
	cfg.Model.SigmaBounds = opts.SigmaBounds[:]

	cfg.Fit.Mode = opts.Mode
	cfg.Fit.Neighbours = opts.Neighbours
	cfg.Fit.Lambda = opts.Lambda
	cfg.Fit.SigmaR = opts.SigmaR
	cfg.Fit.NumCores = runtime.NumCPU()
	cfg.Fit.MaxIterations = opts.Optimizer.MaxIterations
	cfg.Fit.FunctionTolerance = opts.Optimizer.FunctionTol
	cfg.Fit.GradientTolerance = opts.Optimizer.GradientTol

	return cfg
}

// LoadConfig reads a YAML file. Keys the file leaves out keep their
// DefaultConfig values; a file that does not parse is ErrInvalid.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "error parsing config file %s: %v", configPath, err)
	}

	return cfg, nil
}

// SaveConfig writes cfg in the form LoadConfig reads, creating missing parent
// directories.
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}
	doc, err := cfg.YAML()
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(configPath, []byte(doc), 0644), "error writing config file")
}

// YAML returns the configuration as a YAML document, used to echo the
// effective arguments into the log
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "error marshaling config")
	}
	return string(data), nil
}

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

func checkInterval(name string, b []float64) error {
	if len(b) != 2 {
		return invalidf("%s bounds need two values, got %d", name, len(b))
	}
	if !(b[0] < b[1]) {
		return invalidf("%s bounds [%g, %g] must be strictly increasing", name, b[0], b[1])
	}
	return nil
}

// Validate checks the configuration for conflicting or out of range options
func (c *Config) Validate() error {
	if c.Input.Image == "" {
		return invalidf("no input image")
	}
	if c.Input.OutputBase == "" {
		return invalidf("no output base name")
	}
	if len(c.Input.BoneMasks) < 1 {
		return invalidf("at least one bone mask is required")
	}
	if len(c.Input.SubMaskDilation) != 3 {
		return invalidf("sub-mask dilation needs three values, got %d", len(c.Input.SubMaskDilation))
	}
	for _, r := range c.Input.SubMaskDilation {
		if r < 0 {
			return invalidf("sub-mask dilation %v must not be negative", c.Input.SubMaskDilation)
		}
	}
	if c.Input.SubMaskLabel != nil && c.Input.SubMask == "" {
		return invalidf("sub-mask label given without a sub-mask")
	}

	if c.Surface.Iterations < 0 {
		return invalidf("surface smoothing iterations must not be negative, got %d", c.Surface.Iterations)
	}
	if c.Surface.PassBand <= 0 || c.Surface.PassBand >= 1 {
		return invalidf("surface smoothing pass band must be in (0, 1), got %g", c.Surface.PassBand)
	}
	if c.Surface.ConstrainToPlane != nil && c.Surface.ConstrainToAxis != "" {
		return invalidf("normals cannot be constrained to a plane and an axis at the same time")
	}
	if p := c.Surface.ConstrainToPlane; p != nil && (*p < 0 || *p > 2) {
		return invalidf("normal plane axis must be 0, 1 or 2, got %d", *p)
	}
	if c.Surface.ConstrainToAxis != "" {
		if _, _, err := sampling.ParseSignedAxis(c.Surface.ConstrainToAxis); err != nil {
			return invalidf("%v", err)
		}
	}

	if c.Sampling.OutsideDistance < 0 || c.Sampling.InsideDistance < 0 {
		return invalidf("sampling distances must not be negative, got %g and %g",
			c.Sampling.OutsideDistance, c.Sampling.InsideDistance)
	}
	if c.Sampling.OutsideDistance+c.Sampling.InsideDistance <= 0 {
		return invalidf("sampling distances must not both be zero")
	}
	if c.Sampling.LineResolution < 0 {
		return invalidf("line resolution must be positive, got %g", c.Sampling.LineResolution)
	}

	if len(c.Model.ThicknessBounds) > 0 {
		if err := checkInterval("thickness", c.Model.ThicknessBounds); err != nil {
			return err
		}
	}
	for _, b := range []struct {
		name string
		v    []float64
	}{
		{"soft tissue intensity", c.Model.RhoSBounds},
		{"trabecular bone intensity", c.Model.RhoBBounds},
		{"model sigma", c.Model.SigmaBounds},
	} {
		if err := checkInterval(b.name, b.v); err != nil {
			return err
		}
	}

	if c.Fit.MaxIterations < 0 {
		return invalidf("maximum iterations must not be negative, got %d", c.Fit.MaxIterations)
	}
	if c.Fit.FunctionTolerance < 0 || c.Fit.GradientTolerance < 0 {
		return invalidf("tolerances must not be negative")
	}

	// Remaining checks are shared with the fitter
	opts := c.ThicknessOptions(1)
	if len(c.Model.ThicknessBounds) == 0 {
		opts.ThicknessBounds = thickness.Interval{0, 1}
	}
	if err := opts.Validate(); err != nil {
		return invalidf("%v", err)
	}
	return nil
}

// ThicknessBounds resolves the thickness interval for a given line resolution
func (c *Config) ThicknessBounds(dx float64) thickness.Interval {
	if len(c.Model.ThicknessBounds) == 2 {
		return thickness.Interval{c.Model.ThicknessBounds[0], c.Model.ThicknessBounds[1]}
	}
	return thickness.Interval{dx, c.Sampling.OutsideDistance + c.Sampling.InsideDistance}
}

// ThicknessOptions converts the configuration into fitter options for line resolution dx
func (c *Config) ThicknessOptions(dx float64) thickness.Options {
	interval := func(b []float64, def thickness.Interval) thickness.Interval {
		if len(b) != 2 {
			return def
		}
		return thickness.Interval{b[0], b[1]}
	}
	def := thickness.DefaultOptions()

	return thickness.Options{
		Mode:            c.Fit.Mode,
		ThicknessBounds: c.ThicknessBounds(dx),
		RhoSBounds:      interval(c.Model.RhoSBounds, def.RhoSBounds),
		RhoBBounds:      interval(c.Model.RhoBBounds, def.RhoBBounds),
		SigmaBounds:     interval(c.Model.SigmaBounds, def.SigmaBounds),
		ThicknessGuess:  c.Model.ThicknessGuess,
		RhoSGuess:       c.Model.RhoSGuess,
		RhoBGuess:       c.Model.RhoBGuess,
		SigmaGuess:      c.Model.SigmaGuess,
		CorticalDensity: c.Model.CorticalDensity,
		ResidualBoost:   c.Model.ResidualBoost,
		Separations:     c.Fit.Separations,
		Neighbours:      c.Fit.Neighbours,
		RBF:             c.Fit.RBF,
		Seed:            c.Fit.Seed,
		Lambda:          c.Fit.Lambda,
		SigmaR:          c.Fit.SigmaR,
		Workers:         c.Fit.NumCores,
		Optimizer: optimize.Settings{
			MaxIterations: c.Fit.MaxIterations,
			FunctionTol:   c.Fit.FunctionTolerance,
			GradientTol:   c.Fit.GradientTolerance,
			Memory:        def.Optimizer.Memory,
		},
	}
}
