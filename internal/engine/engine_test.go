package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/model"
	"github.com/localmind/localmind/internal/sampler"
	"github.com/localmind/localmind/internal/tensor"
)

const testVocabSize = 10

// fakeModel always predicts favoredToken, independent of its input, so
// tests can drive the engine deterministically without a real forward
// pass (the model package's own tests cover real architectures).
type fakeModel struct {
	favoredToken int64
}

func (f fakeModel) Forward(req model.ForwardRequest) (*model.ForwardResult, error) {
	rows := int64(len(req.Tokens))
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	logits, err := alloc.Alloc([]int64{rows, testVocabSize}, tensor.F32)
	if err != nil {
		return nil, err
	}
	vals := make([]float32, rows*testVocabSize)
	for r := int64(0); r < rows; r++ {
		for v := int64(0); v < testVocabSize; v++ {
			if v == f.favoredToken {
				vals[r*testVocabSize+v] = 10
			}
		}
	}
	tensor.WriteF32(logits, vals)

	if req.Decode {
		if err := req.Pool.Append(req.Pages, req.Tokens[0], req.FullHistory); err != nil {
			return nil, err
		}
	}
	return &model.ForwardResult{Logits: logits}, nil
}

func (f fakeModel) Config() model.Config { return model.Config{VocabSize: testVocabSize} }
func (f fakeModel) Arch() model.ArchID   { return model.ArchID("fake") }

func (f fakeModel) Embed(tokens []int64) ([]float32, error) {
	return make([]float32, 4), nil
}

func newTestEngine(t *testing.T, favoredToken int64) (*Engine, *kv.PagePool) {
	t.Helper()
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	pool, err := kv.NewPagePool(1, 16, 4, 2, 4, tensor.F32, tensor.Device{Kind: tensor.Cpu}, alloc)
	require.NoError(t, err)

	e := New(fakeModel{favoredToken: favoredToken}, pool, Config{
		MaxRunningReqs:     4,
		MaxScheduledTokens: 100,
		PreemptRetryLimit:  4,
	})
	return e, pool
}

func TestEngineRunsPromptToCompletionAndStopsAtMaxTokens(t *testing.T) {
	e, _ := newTestEngine(t, 7)
	var tokens []int64
	var finishedReason FinishReason
	finished := false

	s := seq("req-1", 3)
	s.MaxTokens = 3
	s.SamplerCfg = sampler.Config{Temperature: 0}
	s.OnToken = func(tok int64) { tokens = append(tokens, tok) }
	s.OnFinish = func(reason FinishReason, err error) {
		finished = true
		finishedReason = reason
		require.NoError(t, err)
	}

	admitted, reason := e.Submit(s)
	require.True(t, admitted, reason)

	for i := 0; i < 10 && !finished; i++ {
		e.step()
	}

	require.True(t, finished)
	require.Equal(t, FinishLength, finishedReason)
	require.Equal(t, []int64{7, 7, 7}, tokens)
	require.Empty(t, e.running.Sequences)
}

func TestEngineStopsAtStopToken(t *testing.T) {
	e, _ := newTestEngine(t, 7)
	var finishedReason FinishReason
	finished := false

	s := seq("req-2", 2)
	s.MaxTokens = 50
	s.StopTokens = map[int64]struct{}{7: {}}
	s.SamplerCfg = sampler.Config{Temperature: 0}
	s.OnFinish = func(reason FinishReason, err error) { finished = true; finishedReason = reason }

	_, _ = e.Submit(s)
	for i := 0; i < 10 && !finished; i++ {
		e.step()
	}

	require.True(t, finished)
	require.Equal(t, FinishStop, finishedReason)
}

func TestEngineCancelStopsGeneration(t *testing.T) {
	e, _ := newTestEngine(t, 7)
	finished := false
	var finishedReason FinishReason

	s := seq("req-3", 2)
	s.MaxTokens = 50
	s.SamplerCfg = sampler.Config{Temperature: 0}
	s.OnFinish = func(reason FinishReason, err error) { finished = true; finishedReason = reason }

	_, _ = e.Submit(s)
	e.step() // admits + prefills
	e.step() // first decode token

	require.True(t, e.Cancel("req-3"))
	for i := 0; i < 5 && !finished; i++ {
		e.step()
	}

	require.True(t, finished)
	require.Equal(t, FinishCancelled, finishedReason)
}

func TestEngineRejectsWhenAdmissionPolicyDenies(t *testing.T) {
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	pool, err := kv.NewPagePool(1, 16, 4, 2, 4, tensor.F32, tensor.Device{Kind: tensor.Cpu}, alloc)
	require.NoError(t, err)
	e := New(fakeModel{favoredToken: 7}, pool, Config{
		Admission:          engineDenyAll{},
		MaxRunningReqs:     4,
		MaxScheduledTokens: 100,
	})

	admitted, reason := e.Submit(seq("req-4", 2))
	require.False(t, admitted)
	require.NotEmpty(t, reason)
}

type engineDenyAll struct{}

func (engineDenyAll) Admit(_ *Sequence, _ int64) (bool, string) { return false, "denied for test" }
