package engine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-arbalest/internal/collective"
	"github.com/23skdu/longbow-arbalest/internal/config"
	"github.com/23skdu/longbow-arbalest/internal/kvcache"
	"github.com/23skdu/longbow-arbalest/internal/weights"
)

// layerWeights caches one transformer block's shards as gonum
// matrices, converted from the pinned float32 tensors once at load.
type layerWeights struct {
	attnNorm []float64
	wq, wk   *mat.Dense
	wv, wo   *mat.Dense
	ffnNorm  []float64
	wGate    *mat.Dense
	wUp      *mat.Dense
	wDown    *mat.Dense
}

// forwardPass runs one rank's slice of the model: its pipeline stage's
// layer range over its tensor-parallel head shard. Projections whose
// outputs are sharded run locally; the two column-sharded projections
// per block end in an all-reduce that restores the full activation on
// every rank.
type forwardPass struct {
	model *config.Model
	tp    *collective.World

	tpRank, tpSize int
	stage, stages  int
	firstLayer     int // global index of this stage's first block
	headDim        int
	localHeads     int
	localKVHeads   int

	// stage 0 only
	embed       *mat.Dense
	vocabOffset int

	layers []layerWeights

	// last stage only
	outNorm []float64
	output  *mat.Dense
}

// stageSpecs returns the tensor plan one pipeline stage loads: its
// contiguous block range, plus the embedding on the first stage and
// the output head on the last.
func stageSpecs(m *config.Model, stage, stages int) []weights.Spec {
	perStage := m.Layers / stages
	first, last := stage*perStage, (stage+1)*perStage

	all := weights.ModelSpecs(m)
	specs := make([]weights.Spec, 0, len(all))
	for _, sp := range all {
		var layer int
		switch {
		case sp.Name == "token_embd.weight":
			if stage != 0 {
				continue
			}
		case sp.Name == "output_norm.weight" || sp.Name == "output.weight":
			if stage != stages-1 {
				continue
			}
		default:
			if _, err := fmt.Sscanf(sp.Name, "blk.%d.", &layer); err != nil {
				continue
			}
			if layer < first || layer >= last {
				continue
			}
		}
		specs = append(specs, sp)
	}
	return specs
}

// newForwardPass binds a loaded store to executable per-layer weights.
func newForwardPass(m *config.Model, store *weights.Store, tp *collective.World, tpRank, tpSize, stage, stages int) (*forwardPass, error) {
	perStage := m.Layers / stages
	f := &forwardPass{
		model:        m,
		tp:           tp,
		tpRank:       tpRank,
		tpSize:       tpSize,
		stage:        stage,
		stages:       stages,
		firstLayer:   stage * perStage,
		headDim:      m.HeadDim(),
		localHeads:   m.Heads / tpSize,
		localKVHeads: m.KVHeads / tpSize,
	}

	if stage == 0 {
		t, err := store.Get("token_embd.weight")
		if err != nil {
			return nil, err
		}
		f.embed = denseOf(t)
		f.vocabOffset = tpRank * (m.VocabSize / tpSize)
	}

	for i := 0; i < perStage; i++ {
		p := fmt.Sprintf("blk.%d.", f.firstLayer+i)
		var lw layerWeights
		var err error
		if lw.attnNorm, err = vectorOf(store, p+"attn_norm.weight"); err != nil {
			return nil, err
		}
		if lw.wq, err = denseFrom(store, p+"attn_q.weight"); err != nil {
			return nil, err
		}
		if lw.wk, err = denseFrom(store, p+"attn_k.weight"); err != nil {
			return nil, err
		}
		if lw.wv, err = denseFrom(store, p+"attn_v.weight"); err != nil {
			return nil, err
		}
		if lw.wo, err = denseFrom(store, p+"attn_output.weight"); err != nil {
			return nil, err
		}
		if lw.ffnNorm, err = vectorOf(store, p+"ffn_norm.weight"); err != nil {
			return nil, err
		}
		if lw.wGate, err = denseFrom(store, p+"ffn_gate.weight"); err != nil {
			return nil, err
		}
		if lw.wUp, err = denseFrom(store, p+"ffn_up.weight"); err != nil {
			return nil, err
		}
		if lw.wDown, err = denseFrom(store, p+"ffn_down.weight"); err != nil {
			return nil, err
		}
		f.layers = append(f.layers, lw)
	}

	if stage == stages-1 {
		var err error
		if f.outNorm, err = vectorOf(store, "output_norm.weight"); err != nil {
			return nil, err
		}
		if f.output, err = denseFrom(store, "output.weight"); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func denseOf(t *weights.Tensor) *mat.Dense {
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(t.Rows(), t.Cols(), data)
}

func denseFrom(store *weights.Store, name string) (*mat.Dense, error) {
	t, err := store.Get(name)
	if err != nil {
		return nil, err
	}
	return denseOf(t), nil
}

func vectorOf(store *weights.Store, name string) ([]float64, error) {
	t, err := store.Get(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(t.Data))
	for i, v := range t.Data {
		out[i] = float64(v)
	}
	return out, nil
}

// embedToken builds the hidden vector for one token. The embedding is
// vocab-sharded, so the owning rank contributes the row and the
// all-reduce hands every rank the full vector.
func (f *forwardPass) embedToken(token int) ([]float64, error) {
	if token < 0 || token >= f.model.VocabSize {
		return nil, fmt.Errorf("engine: token %d outside vocabulary [0,%d)", token, f.model.VocabSize)
	}

	buf := make([]float32, f.model.HiddenSize)
	local := token - f.vocabOffset
	if local >= 0 && local < f.embed.RawMatrix().Rows {
		row := f.embed.RawRowView(local)
		for i, v := range row {
			buf[i] = float32(v)
		}
	}
	if f.tpSize > 1 {
		if err := f.tp.AllReduce(f.tpRank, buf); err != nil {
			return nil, err
		}
	}

	hidden := make([]float64, f.model.HiddenSize)
	for i, v := range buf {
		hidden[i] = float64(v)
	}
	return hidden, nil
}

// runLayers advances hidden through this stage's blocks, appending the
// position's keys and values to the slot as it goes. pos is the
// absolute position of the token being processed; the slot must
// already have capacity for it.
func (f *forwardPass) runLayers(hidden []float64, slot *kvcache.Slot, kv *kvcache.Manager, pos int) error {
	for li := range f.layers {
		if err := f.attention(hidden, &f.layers[li], slot, kv, li, pos); err != nil {
			return err
		}
		if err := f.mlp(hidden, &f.layers[li]); err != nil {
			return err
		}
	}
	return nil
}

func (f *forwardPass) attention(hidden []float64, lw *layerWeights, slot *kvcache.Slot, kv *kvcache.Manager, layer, pos int) error {
	xn := rmsNorm(hidden, lw.attnNorm, float64(f.model.NormEps))
	x := mat.NewVecDense(len(xn), xn)

	q := mat.NewVecDense(f.localHeads*f.headDim, nil)
	q.MulVec(lw.wq, x)
	k := mat.NewVecDense(f.localKVHeads*f.headDim, nil)
	k.MulVec(lw.wk, x)
	v := mat.NewVecDense(f.localKVHeads*f.headDim, nil)
	v.MulVec(lw.wv, x)

	qd := q.RawVector().Data
	kd := k.RawVector().Data
	for h := 0; h < f.localHeads; h++ {
		applyRope(qd[h*f.headDim:(h+1)*f.headDim], pos, float64(f.model.RopeTheta))
	}
	for h := 0; h < f.localKVHeads; h++ {
		applyRope(kd[h*f.headDim:(h+1)*f.headDim], pos, float64(f.model.RopeTheta))
	}

	if err := kv.Append(slot, layer, toF32(kd), toF32(v.RawVector().Data)); err != nil {
		return err
	}

	keys := slot.Keys(layer)
	vals := slot.Values(layer)
	n := slot.LayerLength(layer)
	kvDim := f.localKVHeads * f.headDim
	groupSize := f.localHeads / f.localKVHeads
	scale := 1.0 / math.Sqrt(float64(f.headDim))

	attnOut := make([]float64, f.localHeads*f.headDim)
	scores := make([]float64, n)
	for h := 0; h < f.localHeads; h++ {
		kvh := h / groupSize
		qh := qd[h*f.headDim : (h+1)*f.headDim]

		for i := 0; i < n; i++ {
			krow := keys[i*kvDim+kvh*f.headDim : i*kvDim+(kvh+1)*f.headDim]
			dot := 0.0
			for j, qv := range qh {
				dot += qv * float64(krow[j])
			}
			scores[i] = dot * scale
		}
		softmaxInPlace(scores[:n])

		out := attnOut[h*f.headDim : (h+1)*f.headDim]
		for i := 0; i < n; i++ {
			vrow := vals[i*kvDim+kvh*f.headDim : i*kvDim+(kvh+1)*f.headDim]
			w := scores[i]
			for j := range out {
				out[j] += w * float64(vrow[j])
			}
		}
	}

	// Column-sharded output projection: each rank's product is a
	// partial sum over its heads.
	o := mat.NewVecDense(f.model.HiddenSize, nil)
	o.MulVec(lw.wo, mat.NewVecDense(len(attnOut), attnOut))
	od := o.RawVector().Data
	if err := f.reducePartial(od); err != nil {
		return err
	}

	for i := range hidden {
		hidden[i] += od[i]
	}
	return nil
}

func (f *forwardPass) mlp(hidden []float64, lw *layerWeights) error {
	xn := rmsNorm(hidden, lw.ffnNorm, float64(f.model.NormEps))
	x := mat.NewVecDense(len(xn), xn)

	localInter := f.model.IntermediateSize / f.tpSize
	gate := mat.NewVecDense(localInter, nil)
	gate.MulVec(lw.wGate, x)
	up := mat.NewVecDense(localInter, nil)
	up.MulVec(lw.wUp, x)

	act := make([]float64, localInter)
	gd, ud := gate.RawVector().Data, up.RawVector().Data
	for i := range act {
		act[i] = silu(gd[i]) * ud[i]
	}

	down := mat.NewVecDense(f.model.HiddenSize, nil)
	down.MulVec(lw.wDown, mat.NewVecDense(localInter, act))
	dd := down.RawVector().Data
	if err := f.reducePartial(dd); err != nil {
		return err
	}

	for i := range hidden {
		hidden[i] += dd[i]
	}
	return nil
}

// reducePartial sums a column-sharded projection's partial result
// across the tensor-parallel group.
func (f *forwardPass) reducePartial(partial []float64) error {
	if f.tpSize == 1 {
		return nil
	}
	buf := toF32(partial)
	if err := f.tp.AllReduce(f.tpRank, buf); err != nil {
		return err
	}
	for i, v := range buf {
		partial[i] = float64(v)
	}
	return nil
}

// logits projects the final hidden state through the vocab-sharded
// output head and gathers the full distribution on every rank.
func (f *forwardPass) logits(hidden []float64) ([]float32, error) {
	xn := rmsNorm(hidden, f.outNorm, float64(f.model.NormEps))

	shard := mat.NewVecDense(f.model.VocabSize/f.tpSize, nil)
	shard.MulVec(f.output, mat.NewVecDense(len(xn), xn))
	local := toF32(shard.RawVector().Data)

	if f.tpSize == 1 {
		return local, nil
	}
	return f.tp.AllGather(f.tpRank, local)
}

func rmsNorm(x, weight []float64, eps float64) []float64 {
	ss := 0.0
	for _, v := range x {
		ss += v * v
	}
	inv := 1.0 / math.Sqrt(ss/float64(len(x))+eps)

	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * inv * weight[i]
	}
	return out
}

// applyRope rotates one head in half-split pairs: element i with
// element i+dim/2, at frequency theta^(-2i/dim).
func applyRope(head []float64, pos int, theta float64) {
	half := len(head) / 2
	for i := 0; i < half; i++ {
		freq := math.Pow(theta, -2.0*float64(i)/float64(len(head)))
		angle := float64(pos) * freq
		c, s := math.Cos(angle), math.Sin(angle)
		x0, x1 := head[i], head[i+half]
		head[i] = x0*c - x1*s
		head[i+half] = x0*s + x1*c
	}
}

func softmaxInPlace(x []float64) {
	maxVal := math.Inf(-1)
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for i, v := range x {
		x[i] = math.Exp(v - maxVal)
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
}

func silu(x float64) float64 {
	return x / (1.0 + math.Exp(-x))
}

func toF32(x []float64) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32(v)
	}
	return out
}
