package builtin

import "math"

// value is a scalar node in the autograd graph.
type value struct {
	data       float64
	grad       float64
	children   []*value
	localGrads []float64
}

func v(x float64) *value { return &value{data: x} }

func add(a, b *value) *value {
	return &value{data: a.data + b.data, children: []*value{a, b}, localGrads: []float64{1, 1}}
}

func sub(a, b *value) *value {
	return &value{data: a.data - b.data, children: []*value{a, b}, localGrads: []float64{1, -1}}
}

func mul(a, b *value) *value {
	return &value{data: a.data * b.data, children: []*value{a, b}, localGrads: []float64{b.data, a.data}}
}

func scale(a *value, c float64) *value {
	return &value{data: a.data * c, children: []*value{a}, localGrads: []float64{c}}
}

func pow(a *value, p float64) *value {
	return &value{data: math.Pow(a.data, p), children: []*value{a}, localGrads: []float64{p * math.Pow(a.data, p-1)}}
}

func logv(a *value) *value {
	return &value{data: math.Log(a.data), children: []*value{a}, localGrads: []float64{1 / a.data}}
}

func expv(a *value) *value {
	e := math.Exp(a.data)
	return &value{data: e, children: []*value{a}, localGrads: []float64{e}}
}

func relu(a *value) *value {
	if a.data > 0 {
		return &value{data: a.data, children: []*value{a}, localGrads: []float64{1}}
	}
	return &value{data: 0, children: []*value{a}, localGrads: []float64{0}}
}

// sum adds xs with a single node instead of a chain.
func sum(xs []*value) *value {
	out := &value{children: xs, localGrads: make([]float64, len(xs))}
	for i, x := range xs {
		out.data += x.data
		out.localGrads[i] = 1
	}
	return out
}

// backward accumulates d(out)/d(node) into every node's grad. Leaf grads are
// accumulated, not reset, so several losses can be summed before a step.
func backward(out *value) {
	var topo []*value
	visited := make(map[*value]bool)
	var build func(*value)
	build = func(n *value) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.children {
			build(c)
		}
		topo = append(topo, n)
	}
	build(out)

	for _, n := range topo {
		if len(n.children) > 0 {
			n.grad = 0
		}
	}
	out.grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		for j, c := range n.children {
			c.grad += n.localGrads[j] * n.grad
		}
	}
}

func linear(x []*value, w [][]*value) []*value {
	out := make([]*value, len(w))
	for i, row := range w {
		terms := make([]*value, len(x))
		for j := range x {
			terms[j] = mul(x[j], row[j])
		}
		out[i] = sum(terms)
	}
	return out
}

func softmax(logits []*value) []*value {
	maxVal := math.Inf(-1)
	for _, l := range logits {
		maxVal = math.Max(maxVal, l.data)
	}
	exps := make([]*value, len(logits))
	for i, l := range logits {
		exps[i] = expv(sub(l, v(maxVal)))
	}
	inv := pow(sum(exps), -1)
	out := make([]*value, len(logits))
	for i := range exps {
		out[i] = mul(exps[i], inv)
	}
	return out
}

func rmsnorm(x []*value) []*value {
	sq := make([]*value, len(x))
	for i, xi := range x {
		sq[i] = mul(xi, xi)
	}
	ms := scale(sum(sq), 1/float64(len(x)))
	inv := pow(add(ms, v(1e-6)), -0.5)
	out := make([]*value, len(x))
	for i, xi := range x {
		out[i] = mul(xi, inv)
	}
	return out
}
