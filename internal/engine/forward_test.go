package engine

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-arbalest/internal/config"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestRMSNorm(t *testing.T) {
	x := []float64{3, 4}
	w := []float64{1, 1}
	// rms = sqrt((9+16)/2) = sqrt(12.5)
	out := rmsNorm(x, w, 0)
	rms := math.Sqrt(12.5)
	if !almostEqual(out[0], 3/rms, 1e-12) || !almostEqual(out[1], 4/rms, 1e-12) {
		t.Errorf("rmsNorm = %v", out)
	}

	// Gains scale elementwise.
	out = rmsNorm(x, []float64{2, 0.5}, 0)
	if !almostEqual(out[0], 2*3/rms, 1e-12) || !almostEqual(out[1], 0.5*4/rms, 1e-12) {
		t.Errorf("scaled rmsNorm = %v", out)
	}
}

func TestRMSNormEpsGuardsZeroVector(t *testing.T) {
	out := rmsNorm([]float64{0, 0, 0}, []float64{1, 1, 1}, 1e-6)
	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("rmsNorm of zeros produced %v", out)
		}
	}
}

func TestRopeIdentityAtPositionZero(t *testing.T) {
	head := []float64{1, 2, 3, 4}
	orig := append([]float64(nil), head...)
	applyRope(head, 0, 10000)
	for i := range head {
		if !almostEqual(head[i], orig[i], 1e-12) {
			t.Errorf("pos 0 changed element %d: %v -> %v", i, orig[i], head[i])
		}
	}
}

func TestRopePreservesNorm(t *testing.T) {
	head := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	normBefore := 0.0
	for _, v := range head {
		normBefore += v * v
	}
	applyRope(head, 17, 10000)
	normAfter := 0.0
	for _, v := range head {
		normAfter += v * v
	}
	if !almostEqual(normBefore, normAfter, 1e-9) {
		t.Errorf("rotation changed norm: %v -> %v", normBefore, normAfter)
	}
}

func TestRopeRelativePhase(t *testing.T) {
	// The dot product of two rotated vectors depends only on the
	// position difference.
	base := []float64{1, 0.5, -0.3, 0.8}
	dot := func(p, q int) float64 {
		a := append([]float64(nil), base...)
		b := append([]float64(nil), base...)
		applyRope(a, p, 10000)
		applyRope(b, q, 10000)
		sum := 0.0
		for i := range a {
			sum += a[i] * b[i]
		}
		return sum
	}
	if !almostEqual(dot(3, 7), dot(10, 14), 1e-9) {
		t.Errorf("dot(3,7)=%v, dot(10,14)=%v, want equal", dot(3, 7), dot(10, 14))
	}
}

func TestSoftmaxInPlace(t *testing.T) {
	x := []float64{1, 2, 3}
	softmaxInPlace(x)
	sum := x[0] + x[1] + x[2]
	if !almostEqual(sum, 1.0, 1e-12) {
		t.Errorf("sum = %v, want 1", sum)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Errorf("ordering not preserved: %v", x)
	}

	// Large magnitudes must not overflow.
	big := []float64{1000, 1001}
	softmaxInPlace(big)
	if math.IsNaN(big[0]) || math.IsNaN(big[1]) {
		t.Errorf("softmax overflowed: %v", big)
	}
}

func TestSilu(t *testing.T) {
	if !almostEqual(silu(0), 0, 1e-12) {
		t.Errorf("silu(0) = %v", silu(0))
	}
	// Approaches identity for large x.
	if !almostEqual(silu(20), 20, 1e-6) {
		t.Errorf("silu(20) = %v", silu(20))
	}
	if silu(-20) > 0 || silu(-20) < -1e-6 {
		t.Errorf("silu(-20) = %v", silu(-20))
	}
}

func TestStageSpecsPartition(t *testing.T) {
	m := &config.Model{
		VocabSize: 32, HiddenSize: 8, IntermediateSize: 16,
		Layers: 4, Heads: 4, KVHeads: 2, MaxPositions: 64,
		NormEps: 1e-6, RopeTheta: 1e6,
	}

	s0 := stageSpecs(m, 0, 2)
	s1 := stageSpecs(m, 1, 2)

	has := func(specs []string, want string) bool {
		for _, n := range specs {
			if n == want {
				return true
			}
		}
		return false
	}

	n0 := make([]string, 0, len(s0))
	for _, sp := range s0 {
		n0 = append(n0, sp.Name)
	}
	n1 := make([]string, 0, len(s1))
	for _, sp := range s1 {
		n1 = append(n1, sp.Name)
	}

	if !has(n0, "token_embd.weight") || has(n1, "token_embd.weight") {
		t.Error("embedding must live on stage 0 only")
	}
	if has(n0, "output.weight") || !has(n1, "output.weight") {
		t.Error("output head must live on the last stage only")
	}
	if !has(n0, "blk.1.attn_q.weight") || has(n0, "blk.2.attn_q.weight") {
		t.Error("stage 0 must own layers 0-1")
	}
	if !has(n1, "blk.2.attn_q.weight") || has(n1, "blk.0.attn_q.weight") {
		t.Error("stage 1 must own layers 2-3")
	}

	// One stage covers everything.
	full := stageSpecs(m, 0, 1)
	if len(full) != 3+4*9 {
		t.Errorf("single stage has %d specs, want %d", len(full), 3+4*9)
	}
}
