package minilm

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/amikos-tech/onnx-bridge/engine/enginetest"
	"github.com/amikos-tech/onnx-bridge/errdefs"
	"github.com/amikos-tech/onnx-bridge/gateway"
	"github.com/amikos-tech/onnx-bridge/tensor"
)

func TestMeanPoolAndNormalizeSingleMaskedToken(t *testing.T) {
	embeddings, err := meanPoolAndNormalize(
		[]float32{1, 2, 3, 4},
		[]int64{1, 0},
		1,
		2,
		2,
	)
	if err != nil {
		t.Fatalf("meanPoolAndNormalize failed: %v", err)
	}
	if len(embeddings) != 1 || len(embeddings[0]) != 2 {
		t.Fatalf("unexpected embedding layout: %v", embeddings)
	}

	expected := []float32{0.4472136, 0.8944272}
	for i := range expected {
		if !float32Near(embeddings[0][i], expected[i], 1e-6) {
			t.Fatalf("unexpected embedding[%d]: got %.7f, want %.7f", i, embeddings[0][i], expected[i])
		}
	}
}

func TestMeanPoolAndNormalizeZeroMask(t *testing.T) {
	embeddings, err := meanPoolAndNormalize(
		[]float32{10, 20, 30, 40},
		[]int64{0, 0},
		1,
		2,
		2,
	)
	if err != nil {
		t.Fatalf("meanPoolAndNormalize failed: %v", err)
	}
	for i, value := range embeddings[0] {
		if value != 0 {
			t.Fatalf("expected zero embedding value at %d, got %f", i, value)
		}
	}
}

func TestMeanPoolAndNormalizeValidation(t *testing.T) {
	tests := []struct {
		name    string
		hidden  []float32
		mask    []int64
		batch   int
		wantErr string
	}{
		{"hidden length", []float32{1, 2}, []int64{1, 1}, 1, "last_hidden_state length mismatch"},
		{"mask length", []float32{1, 2, 3, 4}, []int64{1}, 1, "attention mask length mismatch"},
		{"batch", nil, nil, 0, "batch size must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := meanPoolAndNormalize(tt.hidden, tt.mask, tt.batch, 2, 2)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDeriveAttentionMask(t *testing.T) {
	dst := make([]int64, 4)
	deriveAttentionMask(dst, []int64{101, 2023, 0, 0})
	if diff := cmp.Diff([]int64{1, 1, 0, 0}, dst); diff != "" {
		t.Fatalf("mask mismatch (-want +got):\n%s", diff)
	}
}

func TestFillUint32AsInt64TruncatesToDestinationLength(t *testing.T) {
	dst := make([]int64, 3)
	fillUint32AsInt64(dst, []uint32{1, 2, 3, 4, 5})
	if diff := cmp.Diff([]int64{1, 2, 3}, dst); diff != "" {
		t.Fatalf("dst mismatch (-want +got):\n%s", diff)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"sequence length", WithSequenceLength(0)},
		{"embedding dimension", WithEmbeddingDimension(-1)},
		{"tokenizer library", WithTokenizerLibraryPath("")},
		{"names", WithInputOutputNames("ids", "", "types", "out")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			if err := tt.opt(&cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEmbedQueryValidation(t *testing.T) {
	var embedder *Embedder
	_, err := embedder.EmbedQuery(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "embedder is nil") {
		t.Fatalf("expected nil embedder error, got: %v", err)
	}
	if err := embedder.Close(context.Background()); err != nil {
		t.Fatalf("closing a nil embedder should be a no-op: %v", err)
	}
}

// fakeEncoder tokenizes by mapping each whitespace-separated word to its
// length. The mask is left to be derived from the ids.
type fakeEncoder struct {
	closed int
}

func (f *fakeEncoder) encode(text string) ([]uint32, []uint32, []uint32, error) {
	if text == "fail" {
		return nil, nil, nil, errors.New("untokenizable")
	}
	var ids []uint32
	for _, w := range strings.Fields(text) {
		ids = append(ids, uint32(len(w)))
	}
	return ids, nil, nil, nil
}

func (f *fakeEncoder) Close() error {
	f.closed++
	return nil
}

// newTestEmbedder wires an embedder to an Echo engine that returns the
// token ids as a [batch, seq, 1] hidden state.
func newTestEmbedder(t *testing.T, batch, seqLen int, opts ...Option) (*Embedder, *enginetest.Echo, *fakeEncoder) {
	t.Helper()
	echo := &enginetest.Echo{Routes: map[string]enginetest.Route{
		defaultOutputName: {Input: defaultInputIDsName, Shape: tensor.Shape{int64(batch), int64(seqLen), 1}},
	}}
	gw, err := gateway.New(echo)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := gw.Close(context.Background()); err != nil {
			t.Error(err)
		}
	})
	model := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(model, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	cfg.sequenceLength = seqLen
	cfg.embeddingDim = 1
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			t.Fatal(err)
		}
	}
	enc := &fakeEncoder{}
	e, err := newEmbedder(context.Background(), gw, "minilm", model, enc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e, echo, enc
}

func TestEmbedDocumentsThroughGateway(t *testing.T) {
	e, echo, _ := newTestEmbedder(t, 3, 4)
	ctx := context.Background()

	got, err := e.EmbedDocuments(ctx, []string{"ab cde", "", "a b c d e f"})
	if err != nil {
		t.Fatal(err)
	}
	// One-wide embeddings normalize to 1 unless every token is masked.
	want := []float32{1, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if len(got[i]) != 1 || !float32Near(got[i][0], want[i], 1e-6) {
			t.Errorf("row %d = %v, want [%v]", i, got[i], want[i])
		}
	}
	if s := echo.Stats(); s.Outstanding != 0 || s.Executions != 1 {
		t.Errorf("stats = %+v", s)
	}

	empty, err := e.EmbedDocuments(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("EmbedDocuments(nil) = %v, %v", empty, err)
	}
}

func TestTokenizeIntoPadsAndTruncates(t *testing.T) {
	e, _, _ := newTestEmbedder(t, 2, 3)
	ids := make([]int64, 6)
	mask := make([]int64, 6)
	types := make([]int64, 6)
	if err := e.tokenizeInto([]string{"a bb", "a bb ccc dddd"}, ids, mask, types); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{1, 2, 0, 1, 2, 3}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 1, 0, 1, 1, 1}, mask); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}

	if err := e.tokenizeInto([]string{"x"}, ids, mask, types); err == nil || !strings.Contains(err.Error(), "token buffer length mismatch") {
		t.Errorf("expected buffer mismatch, got %v", err)
	}
	if err := e.tokenizeInto([]string{"ok", "fail"}, ids, mask, types); err == nil || !strings.Contains(err.Error(), "document 1") {
		t.Errorf("expected tokenizer error naming document 1, got %v", err)
	}
}

func TestEmbedDocumentsShapeMismatch(t *testing.T) {
	e, echo, _ := newTestEmbedder(t, 1, 4, WithEmbeddingDimension(2))
	_, err := e.EmbedDocuments(context.Background(), []string{"hello"})
	if !errors.Is(err, errdefs.ShapeMismatch) {
		t.Fatalf("expected ShapeMismatch, got %v", err)
	}
	if s := echo.Stats(); s.Outstanding != 0 {
		t.Errorf("%d tensors leaked", s.Outstanding)
	}
}

func TestEmbedDocumentsMissingOutput(t *testing.T) {
	e, _, _ := newTestEmbedder(t, 1, 4, WithInputOutputNames(defaultInputIDsName, defaultAttentionMaskName, defaultTokenTypeIDsName, "pooled"))
	_, err := e.EmbedDocuments(context.Background(), []string{"hello"})
	if !errors.Is(err, errdefs.OutputNotFound) {
		t.Fatalf("expected OutputNotFound, got %v", err)
	}
}

func TestCloseUnloadsModel(t *testing.T) {
	e, echo, enc := newTestEmbedder(t, 1, 2)
	ctx := context.Background()
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
	if enc.closed != 1 {
		t.Errorf("tokenizer closed %d times", enc.closed)
	}
	if s := echo.Stats(); s.Live != 0 {
		t.Errorf("%d sessions still live", s.Live)
	}
	if _, err := e.EmbedQuery(ctx, "hi"); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("expected closed error, got %v", err)
	}
}

func float32Near(got float32, want float32, tolerance float64) bool {
	return math.Abs(float64(got-want)) <= tolerance
}
