package orchestrator

import (
	"errors"
	"fmt"
	"math"

	"github.com/venomlabs/venom-mesh/internal/cluster"
)

// DefaultAlpha adapts slowly so a single spike barely moves the estimate.
const DefaultAlpha = 0.1

var (
	// ErrUnknownPeer is returned for feedback or samples about a peer that is
	// not in the table.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrInvalidSample rejects NaN, infinite or negative load samples so they
	// never reach the average.
	ErrInvalidSample = errors.New("invalid load sample")
)

// EMA folds sample into old with weight alpha.
func EMA(alpha, old, sample float64) float64 {
	return alpha*sample + (1-alpha)*old
}

func validSample(sample float64) error {
	if math.IsNaN(sample) || math.IsInf(sample, 0) || sample < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSample, sample)
	}
	return nil
}

// Estimator keeps each peer's load_ema in the table.
type Estimator struct {
	alpha float64
	table *cluster.Table
}

// NewEstimator creates an estimator over table. An alpha outside (0, 1]
// falls back to DefaultAlpha.
func NewEstimator(table *cluster.Table, alpha float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Estimator{alpha: alpha, table: table}
}

// Alpha returns the smoothing factor in use.
func (e *Estimator) Alpha() float64 { return e.alpha }

// Update folds a raw load sample for nodeID and returns the new estimate.
func (e *Estimator) Update(nodeID string, sample float64) (float64, error) {
	if err := validSample(sample); err != nil {
		return 0, err
	}
	v, ok := e.table.UpdateLoad(nodeID, func(old float64) float64 {
		return EMA(e.alpha, old, sample)
	})
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	return v, nil
}
