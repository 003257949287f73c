package estimation

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"treeces/internal/logging"
	"treeces/pkg/model"
	"treeces/pkg/visualization"
	"treeces/pkg/vtk"
)

// writeOutputs writes the annotated mesh and the optional STL and profile images
func (e *Estimator) writeOutputs() error {
	base := e.cfg.Input.OutputBase
	mesh := e.geometry.Mesh

	if err := vtk.WriteFile(base+".vtk", mesh, e.thicknessColors()); err != nil {
		return errors.Wrap(err, "failed to write mesh")
	}
	logging.Printf("  wrote %s.vtk\n", base)

	if e.cfg.Output.SaveSTL {
		if err := e.geometry.SaveSTL(base + ".stl"); err != nil {
			return errors.Wrap(err, "failed to write STL")
		}
		logging.Printf("  wrote %s.stl\n", base)
	}

	if e.cfg.Output.SaveProfiles {
		if err := e.saveProfiles(base); err != nil {
			return err
		}
		logging.Printf("  wrote %s_profiles.tiff and %s_fitted.tiff\n", base, base)
	}
	return nil
}

// thicknessColors maps the thickness of every point to a colour array
func (e *Estimator) thicknessColors() vtk.PointColors {
	mesh := e.geometry.Mesh
	lo, hi, _ := visualization.ThicknessRange(mesh.Thickness, mesh.UsePoint)
	colors := visualization.ThicknessColors(mesh.Thickness, mesh.UsePoint, lo, hi)
	return vtk.PointColors{Name: "thickness_rgb", Values: visualization.RGB(colors)}
}

// saveProfiles writes the sampled and the fitted profiles on a common grey scale
func (e *Estimator) saveProfiles(base string) error {
	fitted, err := e.fittedProfiles()
	if err != nil {
		return err
	}
	sampled := visualization.NewProfileViewer(e.profiles)
	fit := visualization.NewProfileViewer(fitted)

	lo, hi := sampled.Range()
	flo, fhi := fit.Range()
	lo, hi = math.Min(lo, flo), math.Max(hi, fhi)
	sampled.SetRange(lo, hi)
	fit.SetRange(lo, hi)

	if err := sampled.Save(base + "_profiles.tiff"); err != nil {
		return errors.Wrap(err, "failed to write sampled profiles")
	}
	if err := fit.Save(base + "_fitted.tiff"); err != nil {
		return errors.Wrap(err, "failed to write fitted profiles")
	}
	return nil
}

// fittedProfiles evaluates the model at the fitted parameters. Rows of points
// whose fit was discarded stay zero.
func (e *Estimator) fittedProfiles() (*mat.Dense, error) {
	res := e.result
	var m *model.Model
	if rho := e.cfg.Model.CorticalDensity; rho != nil {
		m = model.NewGlobal(*rho)
	} else {
		m = model.NewFromProfiles(e.profiles)
	}
	fitted, err := m.Intensities(e.offsets, model.Params{
		M:     res.M,
		T:     res.T,
		RhoS:  res.RhoS,
		RhoB:  res.RhoB,
		Sigma: res.Sigma,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to evaluate fitted profiles")
	}
	for k, ok := range res.Updated {
		if !ok {
			row := fitted.RawRowView(k)
			for j := range row {
				row[j] = 0
			}
		}
	}
	return fitted, nil
}
