package downsample

import (
	gmat "gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// smallestEigenvalue returns the smallest eigenvalue of the population
// covariance of the point positions. It is close to zero for coplanar
// points.
func smallestEigenvalue(points []Point) float64 {
	n := len(points)
	data := gmat.NewDense(n, 3, nil)
	for i, p := range points {
		for j := 0; j < 3; j++ {
			data.Set(i, j, float64(p.Position[j]))
		}
	}

	var cov gmat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	// CovarianceMatrix is the sample covariance; rescale to population.
	cov.ScaleSym(float64(n-1)/float64(n), &cov)

	var eig gmat.EigenSym
	if ok := eig.Factorize(&cov, false); !ok {
		return 0
	}
	return eig.Values(nil)[0]
}
