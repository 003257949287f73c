// Package estimation runs the cortical thickness pipeline: it loads the image
// and masks, builds the bone surface, samples intensity profiles along the
// normals, fits the cortex model and writes the annotated mesh.
package estimation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"treeces/internal/logging"
	"treeces/internal/models"
	"treeces/pkg/config"
	"treeces/pkg/nifti"
	"treeces/pkg/sampling"
	"treeces/pkg/surface"
	"treeces/pkg/thickness"
)

// ErrInput marks missing, empty or misaligned input data
var ErrInput = errors.New("input error")

// Metrics summarises a finished estimation
type Metrics struct {
	// Points is the number of surface points
	Points int
	// Active is the number of points the fit was run for
	Active int
	// Positive is the number of points with a positive thickness
	Positive int
	// Mean and StdDev are taken over points with a positive thickness
	Mean   float64
	StdDev float64
	// Pinned counts fitted points whose thickness sits on a bound
	Pinned int
	// Warnings counts numerical warnings raised during the fit
	Warnings int
}

// Params holds the estimation parameters
type Params struct {
	// Config is the validated configuration
	Config *config.Config

	// Args is the command line echoed into the log file
	Args []string
}

// Estimator handles the thickness estimation process.
//
// The process consists of several steps:
// 1. Loading the image and masks
// 2. Building the bone surface with oriented normals
// 3. Sampling intensity profiles along the normals
// 4. Fitting the cortex model
// 5. Writing the annotated mesh and log
type Estimator struct {
	params *Params
	cfg    *config.Config

	image   *models.Volume
	masks   []*models.Volume
	subMask *models.Volume

	geometry *surface.Geometry
	active   []int
	profiles *mat.Dense
	offsets  []float64
	result   *thickness.Result

	metrics Metrics
}

// NewEstimator creates a new estimator instance with the provided parameters
func NewEstimator(params *Params) *Estimator {
	return &Estimator{
		params: params,
		cfg:    params.Config,
	}
}

// Process runs the whole pipeline from input files to output files. A run
// that fails on its inputs leaves no log behind, so it can be repeated
// without --overwrite.
func (e *Estimator) Process() (err error) {
	start := time.Now()
	base := e.cfg.Input.OutputBase

	if err := e.prepareOutputs(); err != nil {
		return err
	}
	if err := logging.AlsoToFile(base + ".log"); err != nil {
		return errors.Wrap(err, "failed to open log file")
	}
	defer func() {
		logging.Close()
		if errors.Cause(err) == ErrInput {
			os.Remove(base + ".log")
		}
	}()
	e.echoArguments(start)

	// Step 1: Load image and masks
	logging.Println("Step 1: Loading image and masks...")
	if err := e.load(); err != nil {
		return err
	}

	if err := e.Estimate(e.image, e.masks, e.subMask); err != nil {
		return err
	}

	// Step 6: Write outputs
	logging.Println("Step 6: Writing outputs...")
	if err := e.writeOutputs(); err != nil {
		return err
	}

	e.logSummary()
	logging.Printf("Finished in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// prepareOutputs refuses to replace existing results unless overwriting is enabled
func (e *Estimator) prepareOutputs() error {
	base := e.cfg.Input.OutputBase
	if dir := filepath.Dir(base); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
	}
	if e.cfg.Output.Overwrite {
		return nil
	}
	for _, path := range e.outputFiles() {
		if _, err := os.Stat(path); err == nil {
			return errors.Wrapf(ErrInput, "output %s already exists (use --overwrite)", path)
		}
	}
	return nil
}

func (e *Estimator) outputFiles() []string {
	base := e.cfg.Input.OutputBase
	files := []string{base + ".vtk", base + ".log"}
	if e.cfg.Output.SaveSTL {
		files = append(files, base+".stl")
	}
	if e.cfg.Output.SaveProfiles {
		files = append(files, base+"_profiles.tiff", base+"_fitted.tiff")
	}
	return files
}

// echoArguments writes the invocation and effective configuration to the log file only
func (e *Estimator) echoArguments(start time.Time) {
	var b strings.Builder
	fmt.Fprintf(&b, "treeces_thickness run at %s\n", start.Format(time.RFC3339))
	if len(e.params.Args) > 0 {
		fmt.Fprintf(&b, "Arguments: %s\n", strings.Join(e.params.Args, " "))
	}
	if doc, err := e.cfg.YAML(); err == nil {
		b.WriteString("Effective configuration:\n")
		b.WriteString(doc)
	}
	b.WriteString("\n")
	logging.FileOnly(b.String())
}

// load reads the image, bone masks and optional sub-mask
func (e *Estimator) load() error {
	img, err := nifti.Read(e.cfg.Input.Image)
	if err != nil {
		return errors.Wrap(ErrInput, err.Error())
	}
	e.image = img
	logging.Printf("  image %dx%dx%d, spacing %.3f x %.3f x %.3f\n",
		img.Width, img.Height, img.Depth, img.Spacing.X, img.Spacing.Y, img.Spacing.Z)

	e.masks = e.masks[:0]
	for _, path := range e.cfg.Input.BoneMasks {
		m, err := nifti.Read(path)
		if err != nil {
			return errors.Wrap(ErrInput, err.Error())
		}
		e.masks = append(e.masks, m)
	}

	if e.cfg.Input.SubMask != "" {
		m, err := nifti.Read(e.cfg.Input.SubMask)
		if err != nil {
			return errors.Wrap(ErrInput, err.Error())
		}
		e.subMask = m
	}
	return nil
}

// Estimate runs the in-memory part of the pipeline on already loaded volumes
// and leaves the thickness and cortex centre on the mesh.
func (e *Estimator) Estimate(img *models.Volume, masks []*models.Volume, sub *models.Volume) error {
	cfg := e.cfg
	e.image, e.masks, e.subMask = img, masks, sub

	// Step 2: Build the surface
	logging.Println("Step 2: Building bone surface...")
	union, subRegion, err := e.prepareMasks()
	if err != nil {
		return err
	}
	geo, err := surface.Build(union, subRegion, surface.Options{
		Smooth:      cfg.Surface.Smooth,
		Iterations:  cfg.Surface.Iterations,
		PassBand:    cfg.Surface.PassBand,
		FlipNormals: cfg.Surface.FlipNormals,
	})
	if err != nil {
		if errors.Cause(err) == surface.ErrEmptyMask {
			return errors.Wrap(ErrInput, err.Error())
		}
		return errors.Wrap(err, "failed to build surface")
	}
	e.geometry = geo
	logging.Printf("  %d points, %d triangles\n", geo.Mesh.NumPoints(), len(geo.Mesh.Triangles))

	constraint, err := normalConstraint(cfg)
	if err != nil {
		return err
	}
	if _, err := geo.ConstrainNormals(constraint); err != nil {
		return err
	}

	// Step 3: Sample profiles
	logging.Println("Step 3: Sampling intensity profiles...")
	active, points, normals := geo.ActivePoints()
	if len(active) == 0 {
		return errors.Wrap(thickness.ErrInvariant, "no active surface points to fit")
	}
	e.active = active
	dx := cfg.Sampling.LineResolution
	if dx == 0 {
		dx = sampling.DefaultResolution(img)
	}
	if err := checkMemory(len(active), cfg.Sampling.OutsideDistance, cfg.Sampling.InsideDistance, dx); err != nil {
		return err
	}
	f, x, err := sampling.Sample(img, points, normals, cfg.Sampling.OutsideDistance, cfg.Sampling.InsideDistance, dx)
	if err != nil {
		return errors.Wrap(config.ErrInvalid, err.Error())
	}
	e.profiles, e.offsets = f, x
	logging.Printf("  %d active points, %d samples per profile (step %.4f)\n", len(active), len(x), dx)

	// Step 4: Fit
	fitter, err := thickness.New(cfg.ThicknessOptions(dx))
	if err != nil {
		return errors.Wrap(config.ErrInvalid, err.Error())
	}
	logging.Printf("Step 4: Fitting cortex model (%s)...\n", cfg.Fit.Mode)
	res, err := fitter.Fit(x, f, points)
	if err != nil {
		return errors.Wrap(err, "failed to fit thickness")
	}
	e.result = res

	mesh := geo.Mesh
	for k, i := range active {
		if res.Updated[k] {
			mesh.Thickness[i] = res.T[k]
			mesh.CortCenter[i] = res.M[k]
		}
	}

	// Step 5: Post-process
	if cfg.Output.MedianSmooth {
		logging.Println("Step 5: Median smoothing thickness...")
		geo.MedianSmoothThickness()
	} else {
		logging.Println("Step 5: Skipping median smoothing")
	}

	e.calculateMetrics()
	return nil
}

// prepareMasks checks alignment, unions the bone masks and prepares the sub-mask region
func (e *Estimator) prepareMasks() (union, sub *models.Volume, err error) {
	cfg := e.cfg
	if len(e.masks) == 0 {
		return nil, nil, errors.Wrap(config.ErrInvalid, "at least one bone mask is required")
	}
	for i, m := range e.masks {
		if !m.SameGrid(e.image) {
			return nil, nil, errors.Wrapf(ErrInput, "bone mask %d does not match the image grid", i+1)
		}
	}
	union, err = surface.UnionMasks(e.masks)
	if err != nil {
		return nil, nil, errors.Wrap(ErrInput, err.Error())
	}
	if union.CountNonZero() == 0 {
		return nil, nil, errors.Wrap(ErrInput, "bone masks are empty")
	}

	if e.subMask == nil {
		return union, nil, nil
	}
	if !e.subMask.SameGrid(e.image) {
		return nil, nil, errors.Wrap(ErrInput, "sub-mask does not match the image grid")
	}
	sub = surface.SelectLabel(e.subMask, cfg.Input.SubMaskLabel)
	if sub.CountNonZero() == 0 {
		return nil, nil, errors.Wrap(ErrInput, "sub-mask selects no voxel")
	}
	d := cfg.Input.SubMaskDilation
	if len(d) == 3 {
		sub = surface.Dilate(sub, d[0], d[1], d[2])
	}
	return union, sub, nil
}

func normalConstraint(cfg *config.Config) (surface.NormalConstraint, error) {
	var c surface.NormalConstraint
	if cfg.Surface.ConstrainToPlane != nil {
		p := *cfg.Surface.ConstrainToPlane
		c.Plane = &p
	}
	if cfg.Surface.ConstrainToAxis != "" {
		axis, negative, err := sampling.ParseSignedAxis(cfg.Surface.ConstrainToAxis)
		if err != nil {
			return c, errors.Wrap(config.ErrInvalid, err.Error())
		}
		c.Axis = &axis
		c.Negative = negative
	}
	if c.Plane != nil && c.Axis != nil {
		return c, errors.Wrap(config.ErrInvalid, "normals cannot be constrained to a plane and an axis at the same time")
	}
	return c, nil
}

// checkMemory refuses sample matrices that cannot fit in physical memory
func checkMemory(points int, outside, inside, dx float64) error {
	total := memory.TotalMemory()
	if total == 0 {
		return nil
	}
	samples := uint64((outside+inside)/dx) + 1
	need := uint64(points) * samples * 8
	if need > total {
		return errors.Wrapf(config.ErrInvalid, "sample matrix needs %d MB but the machine has %d MB; increase the line resolution",
			need>>20, total>>20)
	}
	if need > total/2 {
		logging.Warnf("sample matrix uses %d MB of %d MB physical memory\n", need>>20, total>>20)
	}
	return nil
}

// calculateMetrics summarises the thickness field
func (e *Estimator) calculateMetrics() {
	mesh := e.geometry.Mesh
	var positive []float64
	for _, t := range mesh.Thickness {
		if t > 0 {
			positive = append(positive, t)
		}
	}
	m := Metrics{
		Points:   mesh.NumPoints(),
		Active:   len(e.active),
		Positive: len(positive),
	}
	if len(positive) > 0 {
		m.Mean, m.StdDev = stat.MeanStdDev(positive, nil)
		if len(positive) == 1 {
			m.StdDev = 0
		}
	}
	if e.result != nil {
		m.Pinned = e.result.Pinned
		m.Warnings = len(e.result.Warnings)
	}
	e.metrics = m
}

// logSummary prints the metrics; they also end up in the log file
func (e *Estimator) logSummary() {
	m := e.metrics
	logging.Printf("Active points: %d of %d\n", m.Active, m.Points)
	logging.Printf("Points with positive thickness: %d\n", m.Positive)
	logging.Printf("Mean thickness: %.4f\n", m.Mean)
	logging.Printf("Std thickness: %.4f\n", m.StdDev)
	logging.Printf("Pinned at thickness bound: %d\n", m.Pinned)
	if m.Warnings > 0 {
		logging.Printf("Numerical warnings: %d\n", m.Warnings)
	}
}

// GetMetrics returns the metrics of the last estimation
func (e *Estimator) GetMetrics() Metrics {
	return e.metrics
}

// GetMesh returns the annotated mesh of the last estimation
func (e *Estimator) GetMesh() *models.Mesh {
	if e.geometry == nil {
		return nil
	}
	return e.geometry.Mesh
}
