package runtime

import (
	"math"
	"math/rand"
	"sort"
)

// Options collects every sampling knob named in spec.md §6 "Sampling
// options". All fields are optional; a zero value means "disabled /
// runtime default" except where noted. The session's sampler reads TopK,
// TopP, MinP, TfsZ, TypicalP, Temp, Mirostat, Grammar, LuaGrammar and
// StopSequences; NPrev, NProbs, MinKeep, DynaTemp, Penalty and Seed are
// carried but not applied (the sampling RNG is seeded from the session's
// create-time seed).
type Options struct {
	NPrev    int
	NProbs   int
	MinKeep  int
	TopK     int
	TopP     float64
	MinP     float64
	TfsZ     float64
	TypicalP float64
	Temp     float64 // negative => softmax+argmax, zero => greedy

	DynaTemp struct {
		Range    float64
		Exponent float64
	}

	Penalty struct {
		LastN      int
		Repeat     float64
		Freq       float64
		Present    float64
		PenalizeNL bool
	}

	Mirostat struct {
		Version int // 0 disabled, 1 or 2
		Tau     float64
		Eta     float64
	}

	Seed          uint64
	Grammar       string
	LuaGrammar    string
	StopSequences []string
}

// MirostatState carries mu across the calls of one infer loop. Per
// spec.md §4.4, mu is initialized to 2*tau at the start of each infer
// call and threaded through every sampled token.
type MirostatState struct {
	Mu float64
}

// NewMirostatState returns mu = 2*tau, per spec.md.
func NewMirostatState(tau float64) *MirostatState {
	return &MirostatState{Mu: 2 * tau}
}

// sortDesc sorts candidates by logit descending, matching llama.cpp's
// convention that filters operate on a sorted candidate array.
func sortDesc(cands []TokenProb) {
	sort.Slice(cands, func(i, j int) bool { return cands[i].Logit > cands[j].Logit })
}

// Softmax normalizes Logit into Prob in place over the current slice.
func Softmax(cands []TokenProb) {
	if len(cands) == 0 {
		return
	}
	max := cands[0].Logit
	for _, c := range cands {
		if c.Logit > max {
			max = c.Logit
		}
	}
	sum := 0.0
	for i := range cands {
		cands[i].Prob = math.Exp(cands[i].Logit - max)
		sum += cands[i].Prob
	}
	if sum == 0 {
		return
	}
	for i := range cands {
		cands[i].Prob /= sum
	}
}

// FilterTopK keeps only the k highest-logit candidates. k<=0 is a no-op.
func FilterTopK(cands []TokenProb, k int) []TokenProb {
	if k <= 0 || k >= len(cands) {
		return cands
	}
	sortDesc(cands)
	return cands[:k]
}

// FilterTopP keeps the smallest prefix (by descending probability) whose
// cumulative probability reaches p. It sorts cands by descending logit
// itself; Prob must already be populated (call Softmax first).
func FilterTopP(cands []TokenProb, p float64) []TokenProb {
	if p <= 0 || p >= 1.0 || len(cands) == 0 {
		return cands
	}
	sortDesc(cands)
	cum := 0.0
	for i, c := range cands {
		cum += c.Prob
		if cum >= p {
			return cands[:i+1]
		}
	}
	return cands
}

// FilterMinP drops candidates whose probability is below p * max(Prob).
func FilterMinP(cands []TokenProb, p float64) []TokenProb {
	if p <= 0 || len(cands) == 0 {
		return cands
	}
	maxP := cands[0].Prob
	for _, c := range cands {
		if c.Prob > maxP {
			maxP = c.Prob
		}
	}
	threshold := p * maxP
	kept := cands[:0:0]
	for _, c := range cands {
		if c.Prob >= threshold {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return cands
	}
	return kept
}

// FilterTailFree implements tail-free sampling with parameter z.
func FilterTailFree(cands []TokenProb, z float64) []TokenProb {
	if z <= 0 || z >= 1.0 || len(cands) < 3 {
		return cands
	}
	sortDesc(cands)
	Softmax(cands)

	firstDeriv := make([]float64, len(cands)-1)
	for i := range firstDeriv {
		firstDeriv[i] = cands[i].Prob - cands[i+1].Prob
	}
	secondDeriv := make([]float64, len(firstDeriv)-1)
	var sum float64
	for i := range secondDeriv {
		secondDeriv[i] = math.Abs(firstDeriv[i] - firstDeriv[i+1])
		sum += secondDeriv[i]
	}
	if sum <= 0 {
		return cands
	}
	for i := range secondDeriv {
		secondDeriv[i] /= sum
	}
	cum := 0.0
	last := len(cands)
	for i, d := range secondDeriv {
		cum += d
		if cum > z {
			last = i + 1
			break
		}
	}
	if last < 1 {
		last = 1
	}
	return cands[:last]
}

// FilterTypicalP implements locally typical sampling.
func FilterTypicalP(cands []TokenProb, p float64) []TokenProb {
	if p <= 0 || p >= 1.0 || len(cands) == 0 {
		return cands
	}
	Softmax(cands)
	entropy := 0.0
	for _, c := range cands {
		if c.Prob > 0 {
			entropy -= c.Prob * math.Log(c.Prob)
		}
	}
	type scored struct {
		tp   TokenProb
		dist float64
	}
	scoredCands := make([]scored, len(cands))
	for i, c := range cands {
		surprise := -math.Log(c.Prob)
		scoredCands[i] = scored{tp: c, dist: math.Abs(surprise - entropy)}
	}
	sort.Slice(scoredCands, func(i, j int) bool { return scoredCands[i].dist < scoredCands[j].dist })

	out := make([]TokenProb, 0, len(cands))
	cum := 0.0
	for _, s := range scoredCands {
		cum += s.tp.Prob
		out = append(out, s.tp)
		if cum >= p {
			break
		}
	}
	return out
}

// ApplyTemp divides every logit by temp (temp>0 required; callers handle
// temp<=0 as argmax/greedy before reaching this function).
func ApplyTemp(cands []TokenProb, temp float64) {
	if temp <= 0 {
		return
	}
	for i := range cands {
		cands[i].Logit /= temp
	}
}

// SampleGreedy returns the highest-logit candidate.
func SampleGreedy(cands []TokenProb) TokenProb {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Logit > best.Logit {
			best = c
		}
	}
	return best
}

// SampleMultinomial draws from cands proportionally to their softmax
// probabilities; it calls Softmax itself, so Prob is recomputed from
// Logit. rng is the session's seeded RNG.
func SampleMultinomial(cands []TokenProb, rng *rand.Rand) TokenProb {
	Softmax(cands)
	r := rng.Float64()
	cum := 0.0
	for _, c := range cands {
		cum += c.Prob
		if r <= cum {
			return c
		}
	}
	return cands[len(cands)-1]
}

// SampleMirostatV1 implements the mirostat v1 feedback loop, mutating
// state.Mu across calls within one infer loop.
func SampleMirostatV1(cands []TokenProb, tau, eta float64, m int, state *MirostatState, rng *rand.Rand) TokenProb {
	sortDesc(cands)
	Softmax(cands)

	// Estimate s from the top m candidates (Zipf exponent).
	var sumLog float64
	n := m
	if n > len(cands)-1 {
		n = len(cands) - 1
	}
	for i := 0; i < n; i++ {
		t1 := float64(i+2) / float64(i+1)
		t2 := cands[i].Prob / cands[i+1].Prob
		if t2 > 0 {
			sumLog += math.Log(t1) / math.Log(t2)
		}
	}
	s := 1.0
	if n > 0 {
		s = sumLog / float64(n)
	}

	k := math.Pow((s-1)*math.Exp(state.Mu)/(1-math.Pow(float64(len(cands)), 1-s)), 1/s)
	kept := FilterTopK(cands, int(k))
	picked := SampleMultinomial(kept, rng)

	observedSurprise := -math.Log2(picked.Prob)
	state.Mu -= eta * (observedSurprise - tau)
	return picked
}

// SampleMirostatV2 implements the mirostat v2 feedback loop.
func SampleMirostatV2(cands []TokenProb, tau, eta float64, state *MirostatState, rng *rand.Rand) TokenProb {
	sortDesc(cands)
	Softmax(cands)

	kept := cands[:0:0]
	for _, c := range cands {
		if c.Prob > 0 && -math.Log2(c.Prob) <= state.Mu {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		kept = cands[:1]
	}
	picked := SampleMultinomial(kept, rng)

	observedSurprise := -math.Log2(picked.Prob)
	state.Mu -= eta * (observedSurprise - tau)
	return picked
}
