package runtime

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkCands(logits ...float64) []TokenProb {
	out := make([]TokenProb, len(logits))
	for i, l := range logits {
		out[i] = TokenProb{Token: int32(i), Logit: l}
	}
	return out
}

func TestFilterTopK(t *testing.T) {
	cands := mkCands(1, 5, 3, 2, 4)
	kept := FilterTopK(cands, 2)
	require.Len(t, kept, 2)
	require.Equal(t, 5.0, kept[0].Logit)
	require.Equal(t, 4.0, kept[1].Logit)
}

func TestFilterTopK_NoopWhenKZero(t *testing.T) {
	cands := mkCands(1, 2, 3)
	kept := FilterTopK(cands, 0)
	if len(kept) != 3 {
		t.Fatalf("expected no-op, got %d candidates", len(kept))
	}
}

func TestFilterTopP(t *testing.T) {
	cands := mkCands(10, 9, 0, 0, 0) // after softmax, first two dominate
	sortDesc(cands)
	Softmax(cands)
	kept := FilterTopP(cands, 0.5)
	require.NotEmpty(t, kept)
	require.LessOrEqual(t, len(kept), len(cands))
}

func TestFilterMinP(t *testing.T) {
	cands := mkCands(10, 9, -20, -20)
	sortDesc(cands)
	Softmax(cands)
	kept := FilterMinP(cands, 0.5)
	for _, c := range kept {
		require.GreaterOrEqual(t, c.Prob, 0.5*kept[0].Prob)
	}
}

func TestSampleGreedy(t *testing.T) {
	cands := mkCands(1, 5, 3)
	best := SampleGreedy(cands)
	if best.Logit != 5 {
		t.Fatalf("greedy picked logit %v, want 5", best.Logit)
	}
}

func TestMirostatV2_MuMovesAndStaysBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := NewMirostatState(5.0)
	require.Equal(t, 10.0, state.Mu)

	for i := 0; i < 20; i++ {
		cands := mkCands(3, 2, 1, 0.5, 0.1)
		_ = SampleMirostatV2(cands, 5.0, 0.1, state, rng)
	}
	// mu should have moved away from its initial 2*tau after repeated
	// feedback, without diverging to +-inf.
	require.NotEqual(t, 10.0, state.Mu)
	require.Less(t, state.Mu, 100.0)
	require.Greater(t, state.Mu, -100.0)
}

func TestApplyTemp_NoopOnNonPositive(t *testing.T) {
	cands := mkCands(1, 2, 3)
	ApplyTemp(cands, 0)
	require.Equal(t, 1.0, cands[0].Logit)
	ApplyTemp(cands, -1)
	require.Equal(t, 1.0, cands[0].Logit)
}
