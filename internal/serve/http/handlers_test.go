package http

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/engine"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/model"
	"github.com/localmind/localmind/internal/serve"
	"github.com/localmind/localmind/internal/tensor"
)

const fakeVocab = 8

// fakeModel always predicts favoredToken regardless of input, mirroring
// internal/engine's own fakeModel fixture so HTTP tests can drive a real
// *engine.Engine without a real checkpoint.
type fakeModel struct {
	favoredToken int64
}

func (f fakeModel) Forward(req model.ForwardRequest) (*model.ForwardResult, error) {
	rows := int64(len(req.Tokens))
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	logits, err := alloc.Alloc([]int64{rows, fakeVocab}, tensor.F32)
	if err != nil {
		return nil, err
	}
	vals := make([]float32, rows*fakeVocab)
	for r := int64(0); r < rows; r++ {
		vals[r*fakeVocab+f.favoredToken] = 10
	}
	tensor.WriteF32(logits, vals)
	if req.Decode {
		if err := req.Pool.Append(req.Pages, req.Tokens[0], req.FullHistory); err != nil {
			return nil, err
		}
	}
	return &model.ForwardResult{Logits: logits}, nil
}

func (f fakeModel) Config() model.Config   { return model.Config{VocabSize: fakeVocab} }
func (f fakeModel) Arch() model.ArchID     { return model.ArchID("fake") }
func (f fakeModel) Embed(tokens []int64) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	pool, err := kv.NewPagePool(1, 4, 16, 1, 4, tensor.F32, tensor.Device{Kind: tensor.Cpu}, alloc)
	require.NoError(t, err)

	e := engine.New(fakeModel{favoredToken: 'x'}, pool, engine.Config{
		MaxRunningReqs:     4,
		MaxScheduledTokens: 64,
	})
	go e.Run(t.Context())

	tpl, err := chattpl.Default()
	require.NoError(t, err)

	p := &serve.Pipeline{
		Engine:    e,
		Template:  tpl,
		Tokenizer: serve.NewByteTokenizer(nil),
		StopToken: map[int64]struct{}{},
	}
	return &Server{Pipeline: p, ModelName: "fake-model", StartedAt: time.Now().Unix()}
}

func TestHealthReadyLive(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	for _, path := range []string{"/health", "/ready", "/live"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		require.Equal(t, 200, rec.Code, path)
	}
}

func TestModelsListsLoadedModel(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models", nil))
	require.Equal(t, 200, rec.Code)

	var resp modelListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "fake-model", resp.Data[0].ID)
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	body := []byte(`{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"max_tokens":3,"stream":false}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message)
	require.Equal(t, "length", *resp.Choices[0].FinishReason)
	require.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte(`{"messages":[]}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestEmbeddingsReturnsVector(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/embeddings", bytes.NewReader([]byte(`{"input":["hello"]}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp embeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, []float32{1, 2, 3}, resp.Data[0].Embedding)
}
