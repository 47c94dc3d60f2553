// Package convnet is a small convolutional classifier written in plain Go:
//
//	conv3x3(ReLU) -> maxpool2 -> conv3x3(ReLU) -> maxpool2 -> dense(ReLU) -> dense -> softmax
//
// Layer widths are small so that it trains on a CPU in reasonable time.
// Inputs are CHW float32 tensors in [0,1].
package convnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
)

const kernel = 3

// ErrInputShape is returned when an input tensor has the wrong length.
var ErrInputShape = errors.New("input tensor has wrong length")

type Architecture struct {
	InputSize    int `json:"input_size"`
	Channels     int `json:"channels"`
	Conv1Filters int `json:"conv1_filters"`
	Conv2Filters int `json:"conv2_filters"`
	HiddenUnits  int `json:"hidden_units"`
	Classes      int `json:"classes"`
}

func (a Architecture) Validate() error {
	if a.Channels <= 0 || a.Conv1Filters <= 0 || a.Conv2Filters <= 0 || a.HiddenUnits <= 0 {
		return fmt.Errorf("architecture has a non-positive layer width: %+v", a)
	}
	if a.Classes < 1 {
		return fmt.Errorf("architecture needs at least one class, got %d", a.Classes)
	}
	if a.pooled2() < 1 {
		return fmt.Errorf("input size %d too small for two conv/pool stages", a.InputSize)
	}
	return nil
}

// InputLen is the number of values Predict expects.
func (a Architecture) InputLen() int {
	return a.Channels * a.InputSize * a.InputSize
}

func (a Architecture) pooled1() int { return (a.InputSize - kernel + 1) / 2 }
func (a Architecture) pooled2() int { return (a.pooled1() - kernel + 1) / 2 }

func (a Architecture) flatLen() int {
	p := a.pooled2()
	return a.Conv2Filters * p * p
}

// Network is safe for concurrent Predict calls once training is finished.
type Network struct {
	arch  Architecture
	conv1 *conv
	conv2 *conv
	fc1   *dense
	fc2   *dense
}

// New returns a network with He-initialised weights drawn from seed.
func New(arch Architecture, seed int64) (*Network, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	n := zeroNetwork(arch)
	rng := rand.New(rand.NewSource(seed))
	heInit(rng, n.conv1.w, arch.Channels*kernel*kernel)
	heInit(rng, n.conv2.w, arch.Conv1Filters*kernel*kernel)
	heInit(rng, n.fc1.w, arch.flatLen())
	heInit(rng, n.fc2.w, arch.HiddenUnits)
	fill(n.conv1.b, 0.01)
	fill(n.conv2.b, 0.01)
	fill(n.fc1.b, 0.01)
	return n, nil
}

func zeroNetwork(arch Architecture) *Network {
	return &Network{
		arch: arch,
		conv1: &conv{
			in: arch.Channels, out: arch.Conv1Filters, k: kernel,
			w: make([]float32, arch.Conv1Filters*arch.Channels*kernel*kernel),
			b: make([]float32, arch.Conv1Filters),
		},
		conv2: &conv{
			in: arch.Conv1Filters, out: arch.Conv2Filters, k: kernel,
			w: make([]float32, arch.Conv2Filters*arch.Conv1Filters*kernel*kernel),
			b: make([]float32, arch.Conv2Filters),
		},
		fc1: &dense{
			in: arch.flatLen(), out: arch.HiddenUnits, relu: true,
			w: make([]float32, arch.HiddenUnits*arch.flatLen()),
			b: make([]float32, arch.HiddenUnits),
		},
		fc2: &dense{
			in: arch.HiddenUnits, out: arch.Classes,
			w: make([]float32, arch.Classes*arch.HiddenUnits),
			b: make([]float32, arch.Classes),
		},
	}
}

func heInit(rng *rand.Rand, w []float32, fanIn int) {
	std := math32.Sqrt(2 / float32(fanIn))
	for i := range w {
		w[i] = float32(rng.NormFloat64()) * std
	}
}

func fill(v []float32, x float32) {
	for i := range v {
		v[i] = x
	}
}

func (n *Network) Architecture() Architecture {
	return n.arch
}

// params lists every parameter slice in a fixed order; the optimizer and
// gradient buffers rely on that order.
func (n *Network) params() [][]float32 {
	return [][]float32{
		n.conv1.w, n.conv1.b,
		n.conv2.w, n.conv2.b,
		n.fc1.w, n.fc1.b,
		n.fc2.w, n.fc2.b,
	}
}

// trace holds the activations of one forward pass for backprop.
type trace struct {
	x        []float32
	c1       []float32
	c1h, c1w int
	p1       []float32
	p1arg    []int
	p1h, p1w int
	c2       []float32
	c2h, c2w int
	p2       []float32
	p2arg    []int
	h1       []float32
	probs    []float32
}

func (n *Network) forward(x []float32) (*trace, error) {
	if len(x) != n.arch.InputLen() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInputShape, len(x), n.arch.InputLen())
	}
	t := &trace{x: x}
	s := n.arch.InputSize
	t.c1, t.c1h, t.c1w = n.conv1.forward(x, s, s)
	t.p1, t.p1arg, t.p1h, t.p1w = maxPool2(t.c1, n.conv1.out, t.c1h, t.c1w)
	t.c2, t.c2h, t.c2w = n.conv2.forward(t.p1, t.p1h, t.p1w)
	t.p2, t.p2arg, _, _ = maxPool2(t.c2, n.conv2.out, t.c2h, t.c2w)
	t.h1 = n.fc1.forward(t.p2)
	t.probs = softmax(n.fc2.forward(t.h1))
	return t, nil
}

// Predict returns a probability distribution over the classes.
func (n *Network) Predict(x []float32) ([]float32, error) {
	t, err := n.forward(x)
	if err != nil {
		return nil, err
	}
	return t.probs, nil
}

// backward accumulates the cross-entropy gradient for label into g.
func (n *Network) backward(t *trace, label int, g *Network) {
	dLogits := make([]float32, len(t.probs))
	copy(dLogits, t.probs)
	dLogits[label] -= 1

	dh1 := n.fc2.backward(t.h1, nil, dLogits, g.fc2)
	dp2 := n.fc1.backward(t.p2, t.h1, dh1, g.fc1)
	dc2 := maxPool2Backward(dp2, t.p2arg, len(t.c2))
	dp1 := n.conv2.backward(t.p1, t.p1h, t.p1w, t.c2, dc2, g.conv2, true)
	dc1 := maxPool2Backward(dp1, t.p1arg, len(t.c1))
	s := n.arch.InputSize
	n.conv1.backward(t.x, s, s, t.c1, dc1, g.conv1, false)
}

func softmax(logits []float32) []float32 {
	maxV := logits[0]
	for _, v := range logits[1:] {
		maxV = math32.Max(maxV, v)
	}
	out := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		out[i] = math32.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

type wireNetwork struct {
	Architecture Architecture `json:"architecture"`
	Conv1W       []float32    `json:"conv1_w"`
	Conv1B       []float32    `json:"conv1_b"`
	Conv2W       []float32    `json:"conv2_w"`
	Conv2B       []float32    `json:"conv2_b"`
	FC1W         []float32    `json:"fc1_w"`
	FC1B         []float32    `json:"fc1_b"`
	FC2W         []float32    `json:"fc2_w"`
	FC2B         []float32    `json:"fc2_b"`
}

func (n *Network) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNetwork{
		Architecture: n.arch,
		Conv1W:       n.conv1.w,
		Conv1B:       n.conv1.b,
		Conv2W:       n.conv2.w,
		Conv2B:       n.conv2.b,
		FC1W:         n.fc1.w,
		FC1B:         n.fc1.b,
		FC2W:         n.fc2.w,
		FC2B:         n.fc2.b,
	})
}

// UnmarshalJSON rejects weights whose sizes do not match the architecture.
func (n *Network) UnmarshalJSON(data []byte) error {
	var w wireNetwork
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if err := w.Architecture.Validate(); err != nil {
		return err
	}
	nn := zeroNetwork(w.Architecture)
	src := [][]float32{w.Conv1W, w.Conv1B, w.Conv2W, w.Conv2B, w.FC1W, w.FC1B, w.FC2W, w.FC2B}
	for i, dst := range nn.params() {
		if len(src[i]) != len(dst) {
			return fmt.Errorf("parameter block %d has %d values, want %d", i, len(src[i]), len(dst))
		}
		copy(dst, src[i])
	}
	*n = *nn
	return nil
}
