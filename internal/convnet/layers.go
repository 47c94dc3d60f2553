package convnet

// conv is a valid-padding, stride-1 convolution followed by
// ReLU. Weights are laid out [out][in][k][k].
type conv struct {
	in, out, k int
	w, b       []float32
}

func (l *conv) outSize(h, w int) (int, int) {
	return h - l.k + 1, w - l.k + 1
}

func (l *conv) forward(x []float32, h, w int) ([]float32, int, int) {
	oh, ow := l.outSize(h, w)
	y := make([]float32, l.out*oh*ow)
	k := l.k
	for o := 0; o < l.out; o++ {
		for yy := 0; yy < oh; yy++ {
			for xx := 0; xx < ow; xx++ {
				s := l.b[o]
				for c := 0; c < l.in; c++ {
					wBase := (o*l.in + c) * k * k
					xBase := c * h * w
					for ky := 0; ky < k; ky++ {
						row := xBase + (yy+ky)*w + xx
						wRow := wBase + ky*k
						for kx := 0; kx < k; kx++ {
							s += l.w[wRow+kx] * x[row+kx]
						}
					}
				}
				if s < 0 {
					s = 0
				}
				y[(o*oh+yy)*ow+xx] = s
			}
		}
	}
	return y, oh, ow
}

// backward accumulates parameter gradients into g and returns dL/dx.
// y is the post-ReLU output of forward; dx is skipped when needInput is false.
func (l *conv) backward(x []float32, h, w int, y, dy []float32, g *conv, needInput bool) []float32 {
	oh, ow := l.outSize(h, w)
	var dx []float32
	if needInput {
		dx = make([]float32, len(x))
	}
	k := l.k
	for o := 0; o < l.out; o++ {
		for yy := 0; yy < oh; yy++ {
			for xx := 0; xx < ow; xx++ {
				idx := (o*oh+yy)*ow + xx
				if y[idx] <= 0 {
					continue
				}
				d := dy[idx]
				if d == 0 {
					continue
				}
				g.b[o] += d
				for c := 0; c < l.in; c++ {
					wBase := (o*l.in + c) * k * k
					xBase := c * h * w
					for ky := 0; ky < k; ky++ {
						row := xBase + (yy+ky)*w + xx
						wRow := wBase + ky*k
						for kx := 0; kx < k; kx++ {
							g.w[wRow+kx] += d * x[row+kx]
							if needInput {
								dx[row+kx] += d * l.w[wRow+kx]
							}
						}
					}
				}
			}
		}
	}
	return dx
}

// maxPool2 is a 2x2, stride-2 max pool. Odd trailing rows/columns are dropped.
func maxPool2(x []float32, c, h, w int) ([]float32, []int, int, int) {
	oh, ow := h/2, w/2
	y := make([]float32, c*oh*ow)
	arg := make([]int, len(y))
	for ch := 0; ch < c; ch++ {
		for yy := 0; yy < oh; yy++ {
			for xx := 0; xx < ow; xx++ {
				best := -1
				var bestV float32
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						i := (ch*h+2*yy+dy)*w + 2*xx + dx
						if best < 0 || x[i] > bestV {
							best, bestV = i, x[i]
						}
					}
				}
				o := (ch*oh+yy)*ow + xx
				y[o] = bestV
				arg[o] = best
			}
		}
	}
	return y, arg, oh, ow
}

func maxPool2Backward(dy []float32, arg []int, inLen int) []float32 {
	dx := make([]float32, inLen)
	for i, src := range arg {
		dx[src] += dy[i]
	}
	return dx
}

// dense is a fully connected layer. Weights are laid out [out][in].
type dense struct {
	in, out int
	relu    bool
	w, b    []float32
}

func (l *dense) forward(x []float32) []float32 {
	y := make([]float32, l.out)
	for o := 0; o < l.out; o++ {
		s := l.b[o]
		row := l.w[o*l.in : (o+1)*l.in]
		for i, v := range x {
			s += row[i] * v
		}
		if l.relu && s < 0 {
			s = 0
		}
		y[o] = s
	}
	return y
}

func (l *dense) backward(x, y, dy []float32, g *dense) []float32 {
	dx := make([]float32, l.in)
	for o := 0; o < l.out; o++ {
		d := dy[o]
		if l.relu && y[o] <= 0 {
			continue
		}
		if d == 0 {
			continue
		}
		g.b[o] += d
		row := l.w[o*l.in : (o+1)*l.in]
		gRow := g.w[o*l.in : (o+1)*l.in]
		for i, v := range x {
			gRow[i] += d * v
			dx[i] += d * row[i]
		}
	}
	return dx
}
