package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"treeces/pkg/config"
	"treeces/pkg/thickness"
)

// stringList collects the values of a repeated or multi-valued flag. The
// first explicit value replaces the defaults.
type stringList struct {
	values *[]string
	set    bool
}

func (l *stringList) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, " ")
}

func (l *stringList) Set(s string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	*l.values = append(*l.values, s)
	return nil
}

type floatList struct {
	values *[]float64
	set    bool
}

func (l *floatList) String() string {
	if l.values == nil {
		return ""
	}
	parts := make([]string, len(*l.values))
	for i, v := range *l.values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func (l *floatList) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if !l.set {
		*l.values = nil
		l.set = true
	}
	*l.values = append(*l.values, v)
	return nil
}

type intList struct {
	values *[]int
	set    bool
}

func (l *intList) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Trim(fmt.Sprint(*l.values), "[]")
}

func (l *intList) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if !l.set {
		*l.values = nil
		l.set = true
	}
	*l.values = append(*l.values, v)
	return nil
}

// optionalInt sets a pointer field that is nil unless given
type optionalInt struct{ p **int }

func (o optionalInt) String() string {
	if o.p == nil || *o.p == nil {
		return ""
	}
	return strconv.Itoa(**o.p)
}

func (o optionalInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*o.p = &v
	return nil
}

type optionalFloat struct{ p **float64 }

func (o optionalFloat) String() string {
	if o.p == nil || *o.p == nil {
		return ""
	}
	return strconv.FormatFloat(**o.p, 'g', -1, 64)
}

func (o optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*o.p = &v
	return nil
}

type modeValue struct{ m *thickness.Mode }

func (v modeValue) String() string {
	if v.m == nil {
		return ""
	}
	return v.m.String()
}

func (v modeValue) Set(s string) error {
	m, err := thickness.ParseMode(s)
	if err != nil {
		return err
	}
	*v.m = m
	return nil
}

// multiValued lists flags that take several values after one flag name
var multiValued = map[string]bool{
	"bone-masks":                       true,
	"sub-mask-dilation":                true,
	"thickness-bounds":                 true,
	"soft-tissue-intensity-bounds":     true,
	"trabecular-bone-intensity-bounds": true,
	"model-sigma-bounds":               true,
	"control-point-separations":        true,
}

// newFlagSet binds every command line option to a field of cfg, so explicit
// flags override whatever cfg already holds.
func newFlagSet(cfg *config.Config, configPath, writeConfig *string) *flag.FlagSet {
	fs := flag.NewFlagSet("treeces_thickness", flag.ContinueOnError)

	fs.StringVar(configPath, "config", "", "YAML configuration file, loaded before the other flags")
	fs.StringVar(writeConfig, "write-config", "", "write the effective configuration to this file and exit")

	// Input
	fs.Var(&stringList{values: &cfg.Input.BoneMasks}, "bone-masks", "bone mask images M1 [M2 ...]")
	fs.StringVar(&cfg.Input.SubMask, "sub-mask", cfg.Input.SubMask, "mask restricting the fitted surface points")
	fs.Var(optionalInt{&cfg.Input.SubMaskLabel}, "sub-mask-label", "sub-mask label to use (default any non-zero voxel)")
	fs.Var(&intList{values: &cfg.Input.SubMaskDilation}, "sub-mask-dilation", "sub-mask dilation in voxels: dx dy dz")

	// Surface
	fs.BoolVar(&cfg.Surface.Smooth, "smooth-surface", cfg.Surface.Smooth, "smooth the extracted surface")
	fs.IntVar(&cfg.Surface.Iterations, "surface-smoothing-iterations", cfg.Surface.Iterations, "surface smoothing iterations")
	fs.Float64Var(&cfg.Surface.PassBand, "surface-smoothing-passband", cfg.Surface.PassBand, "surface smoothing pass band (step size of the smoother)")
	fs.BoolVar(&cfg.Surface.FlipNormals, "flip-normals", cfg.Surface.FlipNormals, "reverse every sampling direction")
	fs.Var(optionalInt{&cfg.Surface.ConstrainToPlane}, "constrain-normal-to-plane", "zero the normal component along axis 0, 1 or 2")
	fs.StringVar(&cfg.Surface.ConstrainToAxis, "constrain-normal-to-axis", cfg.Surface.ConstrainToAxis, "snap normals to a signed axis such as +2 or -0")

	// Sampling
	fs.Float64Var(&cfg.Sampling.LineResolution, "line-resolution", cfg.Sampling.LineResolution, "step along the normal (default a tenth of the smallest voxel spacing)")
	fs.Float64Var(&cfg.Sampling.OutsideDistance, "sample-outside-distance", cfg.Sampling.OutsideDistance, "profile length outside the bone")
	fs.Float64Var(&cfg.Sampling.InsideDistance, "sample-inside-distance", cfg.Sampling.InsideDistance, "profile length inside the bone")

	// Model
	fs.Var(optionalFloat{&cfg.Model.CorticalDensity}, "cortical-density", "cortical bone intensity (default the maximum of each profile)")
	fs.Float64Var(&cfg.Model.ResidualBoost, "residual-boost-factor", cfg.Model.ResidualBoost, "residual weight at the profile centre")
	fs.Var(optionalFloat{&cfg.Model.ThicknessGuess}, "thickness-initial-guess", "initial thickness (default the middle of the bounds)")
	fs.Float64Var(&cfg.Model.RhoSGuess, "soft-tissue-intensity-initial-guess", cfg.Model.RhoSGuess, "initial soft tissue intensity")
	fs.Float64Var(&cfg.Model.RhoBGuess, "trabecular-bone-intensity-initial-guess", cfg.Model.RhoBGuess, "initial trabecular bone intensity")
	fs.Float64Var(&cfg.Model.SigmaGuess, "model-sigma-initial-guess", cfg.Model.SigmaGuess, "initial blur sigma")
	fs.Var(&floatList{values: &cfg.Model.ThicknessBounds}, "thickness-bounds", "thickness bounds lo hi (default line resolution and profile length)")
	fs.Var(&floatList{values: &cfg.Model.RhoSBounds}, "soft-tissue-intensity-bounds", "soft tissue intensity bounds lo hi")
	fs.Var(&floatList{values: &cfg.Model.RhoBBounds}, "trabecular-bone-intensity-bounds", "trabecular bone intensity bounds lo hi")
	fs.Var(&floatList{values: &cfg.Model.SigmaBounds}, "model-sigma-bounds", "blur sigma bounds lo hi")

	// Fit
	fs.Var(modeValue{&cfg.Fit.Mode}, "mode", "local, global-interpolation or global-regularization")
	fs.Var(&floatList{values: &cfg.Fit.Separations}, "control-point-separations", "control point separations s1 [s2 ...]")
	fs.IntVar(&cfg.Fit.Neighbours, "neighbours", cfg.Fit.Neighbours, "nearest neighbours in the interpolation and Laplacian matrices")
	fs.BoolVar(&cfg.Fit.RBF, "control-point-rbf-splines", cfg.Fit.RBF, "expand control points with thin-plate splines")
	fs.Var(uint32Value{&cfg.Fit.Seed}, "seed", "control point selection seed")
	fs.Float64Var(&cfg.Fit.Lambda, "lambda-regularization", cfg.Fit.Lambda, "regularisation weight")
	fs.Float64Var(&cfg.Fit.SigmaR, "sigma-regularization", cfg.Fit.SigmaR, "regularisation kernel width")
	fs.IntVar(&cfg.Fit.NumCores, "cores", cfg.Fit.NumCores, "number of CPU cores for the local fit")
	fs.IntVar(&cfg.Fit.MaxIterations, "max-iterations", cfg.Fit.MaxIterations, "maximum optimiser iterations")
	fs.Float64Var(&cfg.Fit.FunctionTolerance, "function-tolerance", cfg.Fit.FunctionTolerance, "relative function tolerance")
	fs.Float64Var(&cfg.Fit.GradientTolerance, "gradient-tolerance", cfg.Fit.GradientTolerance, "projected gradient tolerance")

	// Output
	fs.BoolVar(&cfg.Output.MedianSmooth, "median-smooth-thicknesses", cfg.Output.MedianSmooth, "median-filter the thickness once")
	fs.BoolVar(&cfg.Output.Overwrite, "overwrite", cfg.Output.Overwrite, "replace existing outputs")
	fs.BoolVar(&cfg.Output.Silent, "silent", cfg.Output.Silent, "suppress console output")
	fs.BoolVar(&cfg.Output.SaveProfiles, "save-profiles", cfg.Output.SaveProfiles, "write sampled and fitted profiles as TIFF")
	fs.BoolVar(&cfg.Output.SaveSTL, "save-stl", cfg.Output.SaveSTL, "write the surface as STL")

	return fs
}

type uint32Value struct{ p *uint32 }

func (v uint32Value) String() string {
	if v.p == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v.p), 10)
}

func (v uint32Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*v.p = uint32(n)
	return nil
}

// flagName returns the name of a flag argument such as --name or --name=value
func flagName(arg string) (name string, inline bool, ok bool) {
	if len(arg) < 2 || arg[0] != '-' {
		return "", false, false
	}
	name = strings.TrimLeft(arg, "-")
	if name == "" {
		return "", false, false
	}
	if i := strings.IndexByte(name, '='); i >= 0 {
		return name[:i], true, true
	}
	return name, false, true
}

// splitArgs separates positional arguments from flags and rewrites every
// multi-valued flag as one flag per value, so "--bone-masks a b" becomes
// "--bone-masks a --bone-masks b". Values end at the next flag; a negative
// number is never taken for one.
func splitArgs(fs *flag.FlagSet, args []string) (flags, positional []string) {
	isFlag := func(arg string) bool {
		name, _, ok := flagName(arg)
		if !ok {
			return false
		}
		return strings.HasPrefix(arg, "--") || name == "h" || name == "help" || fs.Lookup(name) != nil
	}
	isBool := func(name string) bool {
		f := fs.Lookup(name)
		if f == nil {
			return false
		}
		b, ok := f.Value.(interface{ IsBoolFlag() bool })
		return ok && b.IsBoolFlag()
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !isFlag(arg) {
			positional = append(positional, arg)
			continue
		}
		name, inline, _ := flagName(arg)
		switch {
		case inline || isBool(name) || name == "h" || name == "help":
			flags = append(flags, arg)
		case multiValued[name]:
			n := 0
			for i+1 < len(args) && !isFlag(args[i+1]) {
				i++
				flags = append(flags, "--"+name, args[i])
				n++
			}
			if n == 0 {
				// let the flag package report the missing value
				flags = append(flags, arg)
			}
		default:
			flags = append(flags, arg)
			if i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		}
	}
	return flags, positional
}

// findConfig returns the value of --config without parsing the other flags
func findConfig(args []string) string {
	for i, arg := range args {
		name, inline, ok := flagName(arg)
		if !ok || name != "config" {
			continue
		}
		if inline {
			return arg[strings.IndexByte(arg, '=')+1:]
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
