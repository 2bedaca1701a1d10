// Package minilm embeds text with all-MiniLM-L6-v2 through the inference
// gateway.
package minilm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	tokenizers "github.com/amikos-tech/pure-tokenizers"
	"k8s.io/klog/v2"

	"github.com/amikos-tech/onnx-bridge/errdefs"
	"github.com/amikos-tech/onnx-bridge/gateway"
	"github.com/amikos-tech/onnx-bridge/tensor"
)

const (
	// DefaultSequenceLength matches the Python all-MiniLM-L6-v2 embedding path.
	DefaultSequenceLength = 256
	// OutputEmbeddingDimension is the all-MiniLM-L6-v2 embedding width.
	OutputEmbeddingDimension = 384

	poolingDenominatorEpsilon = float32(1e-9)
	l2NormEpsilon             = float32(1e-12)
)

const (
	defaultInputIDsName      = "input_ids"
	defaultAttentionMaskName = "attention_mask"
	// #nosec G101 -- ONNX input identifier string, not credential material.
	defaultTokenTypeIDsName = "token_type_ids"
	defaultOutputName       = "last_hidden_state"
)

// Option customizes embedder initialization.
type Option func(*config) error

type config struct {
	sequenceLength       int
	embeddingDim         int
	tokenizerLibraryPath string
	inputIDsName         string
	attentionMaskName    string
	tokenTypeIDsName     string
	outputName           string
}

func defaultConfig() config {
	return config{
		sequenceLength:    DefaultSequenceLength,
		embeddingDim:      OutputEmbeddingDimension,
		inputIDsName:      defaultInputIDsName,
		attentionMaskName: defaultAttentionMaskName,
		tokenTypeIDsName:  defaultTokenTypeIDsName,
		outputName:        defaultOutputName,
	}
}

// WithSequenceLength sets truncation and fixed padding length.
func WithSequenceLength(length int) Option {
	return func(cfg *config) error {
		if length <= 0 {
			return fmt.Errorf("sequence length must be > 0, got %d", length)
		}
		cfg.sequenceLength = length
		return nil
	}
}

// WithEmbeddingDimension sets the expected hidden size for models other
// than all-MiniLM-L6-v2.
func WithEmbeddingDimension(dim int) Option {
	return func(cfg *config) error {
		if dim <= 0 {
			return fmt.Errorf("embedding dimension must be > 0, got %d", dim)
		}
		cfg.embeddingDim = dim
		return nil
	}
}

// WithTokenizerLibraryPath sets the explicit pure-tokenizers shared library path.
func WithTokenizerLibraryPath(path string) Option {
	return func(cfg *config) error {
		if path == "" {
			return fmt.Errorf("tokenizer library path cannot be empty")
		}
		cfg.tokenizerLibraryPath = path
		return nil
	}
}

// WithInputOutputNames overrides ONNX input/output names.
func WithInputOutputNames(inputIDsName, attentionMaskName, tokenTypeIDsName, outputName string) Option {
	return func(cfg *config) error {
		if inputIDsName == "" || attentionMaskName == "" || tokenTypeIDsName == "" || outputName == "" {
			return fmt.Errorf("input/output names cannot be empty")
		}
		cfg.inputIDsName = inputIDsName
		cfg.attentionMaskName = attentionMaskName
		cfg.tokenTypeIDsName = tokenTypeIDsName
		cfg.outputName = outputName
		return nil
	}
}

// encoder tokenizes one document into ids, attention mask and type ids.
type encoder interface {
	encode(text string) (ids, mask, typeIDs []uint32, err error)
	Close() error
}

type pureTokenizer struct {
	tok *tokenizers.Tokenizer
}

func (p *pureTokenizer) encode(text string) ([]uint32, []uint32, []uint32, error) {
	enc, err := p.tok.Encode(
		text,
		tokenizers.WithAddSpecialTokens(),
		tokenizers.WithReturnAttentionMask(),
		tokenizers.WithReturnTypeIDs(),
	)
	if err != nil {
		return nil, nil, nil, err
	}
	if enc == nil {
		return nil, nil, nil, errors.New("empty tokenizer result")
	}
	return enc.IDs, enc.AttentionMask, enc.TypeIDs, nil
}

func (p *pureTokenizer) Close() error {
	return p.tok.Close()
}

// Embedder produces all-MiniLM-L6-v2 embeddings from a model loaded into a
// gateway under its own key. Runs on the key are admitted by the gateway;
// the embedder only serializes tokenization.
type Embedder struct {
	gw  *gateway.Gateway
	key string
	cfg config

	mu  sync.Mutex
	enc encoder
}

// NewEmbedder loads modelPath into gw under key and opens the tokenizer at
// tokenizerPath. The gateway initializes the runtime if needed.
func NewEmbedder(ctx context.Context, gw *gateway.Gateway, key, modelPath, tokenizerPath string, opts ...Option) (*Embedder, error) {
	if gw == nil {
		return nil, errors.New("gateway cannot be nil")
	}
	if modelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if tokenizerPath == "" {
		return nil, fmt.Errorf("tokenizer path cannot be empty")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	tokenizerOpts := []tokenizers.TokenizerOption{
		tokenizers.WithTruncation(
			uintptr(cfg.sequenceLength),
			tokenizers.TruncationDirectionRight,
			tokenizers.TruncationStrategyLongestFirst,
		),
		tokenizers.WithPadding(true, tokenizers.PaddingStrategy{
			Tag:       tokenizers.PaddingStrategyFixed,
			FixedSize: uintptr(cfg.sequenceLength),
		}),
	}
	if cfg.tokenizerLibraryPath != "" {
		tokenizerOpts = append(tokenizerOpts, tokenizers.WithLibraryPath(cfg.tokenizerLibraryPath))
	}
	tok, err := tokenizers.FromFile(tokenizerPath, tokenizerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	e, err := newEmbedder(ctx, gw, key, modelPath, &pureTokenizer{tok: tok}, cfg)
	if err != nil {
		_ = tok.Close()
		return nil, err
	}
	return e, nil
}

func newEmbedder(ctx context.Context, gw *gateway.Gateway, key, modelPath string, enc encoder, cfg config) (*Embedder, error) {
	if key == "" {
		return nil, errors.New("session key cannot be empty")
	}
	if err := gw.LoadModel(ctx, key, nil, modelPath); err != nil {
		return nil, err
	}
	klog.FromContext(ctx).V(2).Info("embedder ready", "key", key, "sequenceLength", cfg.sequenceLength, "dim", cfg.embeddingDim)
	return &Embedder{gw: gw, key: key, cfg: cfg, enc: enc}, nil
}

// Close unloads the model and releases tokenizer resources.
func (e *Embedder) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	enc := e.enc
	e.enc = nil
	e.mu.Unlock()
	if enc == nil {
		return nil
	}
	return errors.Join(e.gw.UnloadModel(ctx, e.key), enc.Close())
}

// EmbedDocuments embeds each document into a unit-length vector.
func (e *Embedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	if e == nil {
		return nil, fmt.Errorf("embedder is nil")
	}
	if len(documents) == 0 {
		return [][]float32{}, nil
	}

	batchSize, seqLen := len(documents), e.cfg.sequenceLength
	total := batchSize * seqLen
	inputIDs := make([]int64, total)
	attentionMask := make([]int64, total)
	tokenTypeIDs := make([]int64, total)
	if err := e.tokenizeInto(documents, inputIDs, attentionMask, tokenTypeIDs); err != nil {
		return nil, err
	}

	shape := tensor.Shape{int64(batchSize), int64(seqLen)}
	inputs := make(map[string]*tensor.Value, 3)
	for name, data := range map[string][]int64{
		e.cfg.inputIDsName:      inputIDs,
		e.cfg.attentionMaskName: attentionMask,
		e.cfg.tokenTypeIDsName:  tokenTypeIDs,
	} {
		v, err := tensor.New(shape, data)
		if err != nil {
			return nil, err
		}
		inputs[name] = v
	}

	out, err := e.gw.RunTensors(ctx, e.key, inputs, []string{e.cfg.outputName})
	if err != nil {
		return nil, fmt.Errorf("embedding inference failed: %w", err)
	}
	hidden, ok := out.Get(e.cfg.outputName)
	if !ok {
		return nil, &errdefs.Error{Kind: errdefs.OutputNotFound, Op: "embed", Key: e.key, Name: e.cfg.outputName}
	}
	want := tensor.Shape{int64(batchSize), int64(seqLen), int64(e.cfg.embeddingDim)}
	if got := hidden.Tensor.Shape(); !got.Equal(want) {
		return nil, &errdefs.Error{Kind: errdefs.ShapeMismatch, Op: "embed", Key: e.key, Name: e.cfg.outputName, Expected: want, Actual: got}
	}
	values, err := hiddenState(hidden)
	if err != nil {
		return nil, errdefs.WithName(err, e.cfg.outputName)
	}
	return meanPoolAndNormalize(values, attentionMask, batchSize, seqLen, int64(e.cfg.embeddingDim))
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := e.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("unexpected embedding row count: got %d, want 1", len(embeddings))
	}
	return embeddings[0], nil
}

// hiddenState returns the output as float32. Float16 and integer exports
// are widened from the decoded sequence.
func hiddenState(o gateway.Output) ([]float32, error) {
	if o.Tensor.ElementType() == tensor.Float32 {
		return tensor.Data[float32](o.Tensor)
	}
	values := make([]float32, len(o.Data))
	for i, r := range o.Data {
		switch x := r.(type) {
		case tensor.Float:
			values[i] = float32(x)
		case tensor.Int:
			values[i] = float32(x)
		default:
			return nil, errdefs.New(errdefs.UnsupportedElementType, "embed", "element %d is %T", i, r)
		}
	}
	return values, nil
}

func (e *Embedder) tokenizeInto(documents []string, inputIDs []int64, attentionMask []int64, tokenTypeIDs []int64) error {
	sequenceLength := e.cfg.sequenceLength
	totalTokens := len(documents) * sequenceLength

	if len(inputIDs) != totalTokens || len(attentionMask) != totalTokens || len(tokenTypeIDs) != totalTokens {
		return fmt.Errorf(
			"token buffer length mismatch: got input_ids=%d attention_mask=%d token_type_ids=%d, want %d",
			len(inputIDs),
			len(attentionMask),
			len(tokenTypeIDs),
			totalTokens,
		)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return fmt.Errorf("embedder has been closed")
	}

	clear(inputIDs)
	clear(attentionMask)
	clear(tokenTypeIDs)

	for i, document := range documents {
		ids, mask, typeIDs, err := e.enc.encode(document)
		if err != nil {
			return fmt.Errorf("failed to tokenize document %d: %w", i, err)
		}

		rowStart := i * sequenceLength
		rowEnd := rowStart + sequenceLength
		fillUint32AsInt64(inputIDs[rowStart:rowEnd], ids)

		if len(mask) > 0 {
			fillUint32AsInt64(attentionMask[rowStart:rowEnd], mask)
		} else {
			deriveAttentionMask(attentionMask[rowStart:rowEnd], inputIDs[rowStart:rowEnd])
		}

		if len(typeIDs) > 0 {
			fillUint32AsInt64(tokenTypeIDs[rowStart:rowEnd], typeIDs)
		}
	}

	return nil
}

func fillUint32AsInt64(dst []int64, src []uint32) {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = int64(src[i])
	}
}

func deriveAttentionMask(dst []int64, tokenIDs []int64) {
	for i := range dst {
		if tokenIDs[i] != 0 {
			dst[i] = 1
		}
	}
}

func meanPoolAndNormalize(lastHiddenState []float32, attentionMask []int64, batchSize int, sequenceLength int, embeddingDim int64) ([][]float32, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if sequenceLength <= 0 {
		return nil, fmt.Errorf("sequence length must be > 0, got %d", sequenceLength)
	}
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dim must be > 0, got %d", embeddingDim)
	}

	expectedMaskLen := batchSize * sequenceLength
	if len(attentionMask) != expectedMaskLen {
		return nil, fmt.Errorf("attention mask length mismatch: got %d, want %d", len(attentionMask), expectedMaskLen)
	}

	expectedHiddenLen := expectedMaskLen * int(embeddingDim)
	if len(lastHiddenState) != expectedHiddenLen {
		return nil, fmt.Errorf("last_hidden_state length mismatch: got %d, want %d", len(lastHiddenState), expectedHiddenLen)
	}

	embeddings := make([][]float32, batchSize)
	dim := int(embeddingDim)
	for row := 0; row < batchSize; row++ {
		embedding := make([]float32, dim)
		rowMaskOffset := row * sequenceLength

		denominator := float32(0)
		for tokenIndex := 0; tokenIndex < sequenceLength; tokenIndex++ {
			mask := attentionMask[rowMaskOffset+tokenIndex]
			if mask == 0 {
				continue
			}
			weight := float32(mask)
			denominator += weight

			hiddenOffset := (rowMaskOffset + tokenIndex) * dim
			for d := 0; d < dim; d++ {
				embedding[d] += lastHiddenState[hiddenOffset+d] * weight
			}
		}

		if denominator < poolingDenominatorEpsilon {
			denominator = poolingDenominatorEpsilon
		}
		invDenominator := float32(1.0) / denominator
		for d := 0; d < dim; d++ {
			embedding[d] *= invDenominator
		}

		normSquared := 0.0
		for _, value := range embedding {
			normSquared += float64(value * value)
		}
		norm := float32(math.Sqrt(normSquared))
		if norm < l2NormEpsilon {
			norm = l2NormEpsilon
		}
		invNorm := float32(1.0) / norm
		for d := 0; d < dim; d++ {
			embedding[d] *= invNorm
		}

		embeddings[row] = embedding
	}

	return embeddings, nil
}
