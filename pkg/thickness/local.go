package thickness

import (
	"runtime"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"treeces/internal/logging"
	"treeces/pkg/model"
	"treeces/pkg/optimize"
)

// fitLocal solves an independent bounded least squares problem per point
// with residuals γ_j·(f̂(x_j)−F[i,j]), starting every point from warm. Points
// are split into contiguous ranges, one per worker; each index is written once.
func (ft *Fitter) fitLocal(p *problem, warm model.Point, res *Result) error {
	o := ft.opts
	n, _ := p.f.Dims()
	mRange := profileRange(p.x)
	b := optimize.Bounds{
		Lower: []float64{mRange[0], o.ThicknessBounds[0], o.RhoSBounds[0], o.RhoBBounds[0], o.SigmaBounds[0]},
		Upper: []float64{mRange[1], o.ThicknessBounds[1], o.RhoSBounds[1], o.RhoBBounds[1], o.SigmaBounds[1]},
	}
	x0 := []float64{warm.M, warm.T, warm.RhoS, warm.RhoB, warm.Sigma}

	workers := o.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	perWorker := (n + workers - 1) / workers

	var failed, stalled, done int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start, end := w*perWorker, (w+1)*perWorker
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			// each worker needs its own gradient buffers
			local := *p
			local.row = model.NewRowGradients(len(p.x))
			for i := start; i < end; i++ {
				q, ok, converged := local.fitPoint(i, x0, b, o.Optimizer)
				switch {
				case !ok:
					atomic.AddInt64(&failed, 1)
				case !converged:
					atomic.AddInt64(&stalled, 1)
					res.store(i, q)
				default:
					res.store(i, q)
				}
				if d := atomic.AddInt64(&done, 1); d%1000 == 0 {
					logging.Printf("  fitted %d of %d points\n", d, n)
				}
			}
		}(start, end)
	}
	wg.Wait()

	if failed > 0 {
		res.warnf("local fit failed for %d of %d points; their thickness is left at 0", failed, n)
	}
	if stalled > 0 {
		res.warnf("local fit did not converge for %d of %d points", stalled, n)
	}
	return nil
}

// fitPoint fits profile i. ok is false when the fit has to be discarded.
func (p *problem) fitPoint(i int, x0 []float64, b optimize.Bounds, s optimize.Settings) (q model.Point, ok, converged bool) {
	obs := p.f.RawRowView(i)
	residuals := func(v, r []float64, jac *mat.Dense) {
		q := model.Point{M: v[0], T: v[1], RhoS: v[2], RhoB: v[3], Sigma: v[4]}
		p.model.ProfileAndGradients(p.row, p.x, i, q)
		for j, w := range p.gamma {
			r[j] = w * (p.row.F[j] - obs[j])
			if jac != nil {
				jac.Set(j, 0, w*p.row.M[j])
				jac.Set(j, 1, w*p.row.T[j])
				jac.Set(j, 2, w*p.row.RhoS[j])
				jac.Set(j, 3, w*p.row.RhoB[j])
				jac.Set(j, 4, w*p.row.Sigma[j])
			}
		}
	}

	out, err := optimize.LeastSquares(residuals, len(p.x), x0, b, s)
	if err != nil {
		return q, false, false
	}
	q = model.Point{M: out.X[0], T: out.X[1], RhoS: out.X[2], RhoB: out.X[3], Sigma: out.X[4]}
	if !finite(q) {
		return q, false, false
	}
	return q, true, out.Converged()
}
