package thickness

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"treeces/internal/logging"
	"treeces/pkg/model"
)

// contrastFraction is the share of a profile's intensity range below which
// the step between two neighbouring regions counts as absent
const contrastFraction = 0.01

// collapseUnresolved sets the thickness of updated points to its lower bound
// when the fitted cortex cannot be told apart from the tissue next to it.
// A profile without contrast gets ρs = ρb = its level. When only one cortex
// edge is visible, the other region takes the cortical density and the
// visible edge keeps its position. It returns the number of points changed.
func (ft *Fitter) collapseUnresolved(p *problem, res *Result) int {
	o := ft.opts
	tLo := o.ThicknessBounds[0]
	mRange := profileRange(p.x)
	first, last := p.x[0], p.x[len(p.x)-1]

	changed := 0
	for i := range res.T {
		if !res.Updated[i] {
			continue
		}
		row := p.f.RawRowView(i)
		lo, hi := floats.Min(row), floats.Max(row)
		rhoC := p.model.CorticalDensity(i)
		tol := contrastFraction*(hi-lo) + 1e-9*math.Max(math.Abs(rhoC), 1)
		q := model.Point{M: res.M[i], T: res.T[i], RhoS: res.RhoS[i], RhoB: res.RhoB[i], Sigma: res.Sigma[i]}

		outer, inner := model.StepHeights(q.RhoS, q.RhoB, rhoC)
		outerHidden := math.Abs(outer) <= tol || q.M-q.T/2 <= first
		innerHidden := math.Abs(inner) <= tol || q.M+q.T/2 >= last

		switch {
		case hi-lo <= tol:
			level := floats.Sum(row) / float64(len(row))
			q.M = mRange.Clip(0)
			q.RhoS = o.RhoSBounds.Clip(level)
			q.RhoB = o.RhoBBounds.Clip(level)
		case outerHidden && innerHidden:
			continue
		case innerHidden && o.RhoBBounds.Contains(rhoC):
			q.M = mRange.Clip(q.M - q.T/2 + tLo/2)
			q.RhoB = rhoC
		case outerHidden && o.RhoSBounds.Contains(rhoC):
			q.M = mRange.Clip(q.M + q.T/2 - tLo/2)
			q.RhoS = rhoC
		default:
			continue
		}
		q.T = tLo
		res.store(i, q)
		changed++
	}
	if changed > 0 {
		logging.Printf("  %d points show no separate cortex, thickness set to %g\n", changed, tLo)
	}
	return changed
}
