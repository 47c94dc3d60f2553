package convnet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
)

// Example is one labeled input tensor.
type Example struct {
	Input []float32
	Label int
}

type FitOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float32
	Seed         int64
}

// EpochStats is reported after every pass over the training set.
// Validation fields are zero when there is no validation data.
type EpochStats struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
}

// ErrDiverged is returned when the training loss stops being a finite number.
var ErrDiverged = errors.New("training diverged")

// Fit trains the network in place with mini-batch Adam and categorical
// cross-entropy. onEpoch, if non-nil, is called after each epoch.
func (n *Network) Fit(ctx context.Context, train, validation []Example, opts FitOptions, onEpoch func(EpochStats)) ([]EpochStats, error) {
	if len(train) == 0 {
		return nil, errors.New("no training examples")
	}
	if opts.Epochs <= 0 || opts.BatchSize <= 0 || opts.LearningRate <= 0 {
		return nil, fmt.Errorf("invalid fit options: %+v", opts)
	}
	for _, set := range [][]Example{train, validation} {
		for _, ex := range set {
			if ex.Label < 0 || ex.Label >= n.arch.Classes {
				return nil, fmt.Errorf("label %d out of range for %d classes", ex.Label, n.arch.Classes)
			}
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	opt := newAdam(n.params(), opts.LearningRate)
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	history := make([]EpochStats, 0, opts.Epochs)
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var lossSum float64
		correct := 0
		for start := 0; start < len(order); start += opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			end := min(start+opts.BatchSize, len(order))

			grads := zeroNetwork(n.arch)
			for _, idx := range order[start:end] {
				ex := train[idx]
				t, err := n.forward(ex.Input)
				if err != nil {
					return history, err
				}
				lossSum += float64(crossEntropy(t.probs, ex.Label))
				if argMax(t.probs) == ex.Label {
					correct++
				}
				n.backward(t, ex.Label, grads)
			}
			scale := 1 / float32(end-start)
			gp := grads.params()
			for i := range gp {
				for j := range gp[i] {
					gp[i][j] *= scale
				}
			}
			opt.step(gp)
		}

		stats := EpochStats{
			Epoch:         epoch,
			TrainLoss:     lossSum / float64(len(train)),
			TrainAccuracy: float64(correct) / float64(len(train)),
		}
		if math.IsNaN(stats.TrainLoss) || math.IsInf(stats.TrainLoss, 0) {
			return history, fmt.Errorf("%w at epoch %d", ErrDiverged, epoch)
		}
		if len(validation) > 0 {
			loss, acc, err := n.Evaluate(validation)
			if err != nil {
				return history, err
			}
			stats.ValLoss, stats.ValAccuracy = loss, acc
		}
		history = append(history, stats)
		if onEpoch != nil {
			onEpoch(stats)
		}
	}
	return history, nil
}

// Evaluate returns the mean cross-entropy and the accuracy over examples.
func (n *Network) Evaluate(examples []Example) (loss, accuracy float64, err error) {
	if len(examples) == 0 {
		return 0, 0, nil
	}
	correct := 0
	for _, ex := range examples {
		probs, err := n.Predict(ex.Input)
		if err != nil {
			return 0, 0, err
		}
		loss += float64(crossEntropy(probs, ex.Label))
		if argMax(probs) == ex.Label {
			correct++
		}
	}
	return loss / float64(len(examples)), float64(correct) / float64(len(examples)), nil
}

func crossEntropy(probs []float32, label int) float32 {
	const eps = 1e-7
	return -math32.Log(probs[label] + eps)
}

// argMax returns the first index holding the maximum.
func argMax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// adam keeps first and second moment estimates for each parameter block.
type adam struct {
	params       [][]float32
	m, v         [][]float32
	lr           float32
	beta1, beta2 float32
	eps          float32
	t            int
}

func newAdam(params [][]float32, lr float32) *adam {
	a := &adam{params: params, lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
	for _, p := range params {
		a.m = append(a.m, make([]float32, len(p)))
		a.v = append(a.v, make([]float32, len(p)))
	}
	return a
}

func (a *adam) step(grads [][]float32) {
	a.t++
	t := float32(a.t)
	lrT := a.lr * math32.Sqrt(1-math32.Pow(a.beta2, t)) / (1 - math32.Pow(a.beta1, t))
	for i, p := range a.params {
		g, m, v := grads[i], a.m[i], a.v[i]
		for j := range p {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
			v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
			p[j] -= lrT * m[j] / (math32.Sqrt(v[j]) + a.eps)
		}
	}
}
