package model

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/chenwanqq/llava-go/imageproc"
	"github.com/chenwanqq/llava-go/kvcache"
	"github.com/chenwanqq/llava-go/model/input"
)

var (
	ErrNoVisionModel      = errors.New("this model is missing data required for image input")
	ErrUnsupportedModel   = errors.New("model not supported")
	ErrEmptyImageFeatures = errors.New("image produced no features")
)

// PatchEmbeddings is the encoder output for one tile, one vector per patch.
type PatchEmbeddings [][]float32

// VisionEncoder turns one tile into patch embeddings. Implementations are
// stateless per tile: the returned sequence always has the model's patch
// count, optionally preceded by a summary token, each vector of the
// projected hidden width.
type VisionEncoder interface {
	Encode(ctx context.Context, tile imageproc.Tile) (PatchEmbeddings, error)
}

// TileBatchEncoder is an optional interface for encoders that accept several
// tiles in one call. Output order must match tile order.
type TileBatchEncoder interface {
	EncodeBatch(ctx context.Context, tiles []imageproc.Tile) ([]PatchEmbeddings, error)
}

// TextDecoder is the autoregressive language decoder. Embed resolves token
// ids through the decoder's embedding table. Forward runs one pass over a
// window of the sequence, reading and extending the cache, and returns the
// logits of the window's final position.
type TextDecoder interface {
	Embed(tokens []int32) ([][]float32, error)
	Forward(ctx context.Context, batch input.Batch, cache kvcache.Cache) ([]float32, error)
}

// Backends bundles the numeric collaborators a pipeline is built around.
type Backends struct {
	Vision VisionEncoder
	Text   TextDecoder
}

// Config carries the read-only values supplied by the weight/config loader.
type Config struct {
	// decoder side
	ContextLength int
	HiddenSize    int
	VocabSize     int
	StopTokens    []int32

	// prompt markers
	ImageTokenID     int32
	ImageStartToken  int32
	ImageEndToken    int32
	UseImageStartEnd bool

	// vision side
	TileSize      int
	PatchSize     int
	Strategy      imageproc.Strategy
	GridPinpoints []image.Point

	// feature merging
	PatchMergeType    string // "spatial" or "flat"
	SelectFeature     string // "patch" drops the leading summary token, "cls_patch" keeps it
	ImageNewline      []float32
	BaseTileAfterGrid bool

	// session
	KVCacheType string
}

// PatchesPerSide is the patch grid edge length of one tile.
func (c Config) PatchesPerSide() int {
	return c.TileSize / c.PatchSize
}

// PatchesPerTile is the number of spatial patches one tile produces after
// feature selection.
func (c Config) PatchesPerTile() int {
	side := c.PatchesPerSide()
	return side * side
}

// SelectDrop is the number of leading encoder tokens dropped per tile.
func (c Config) SelectDrop() int {
	if c.SelectFeature == "cls_patch" {
		return 0
	}
	return 1
}

// Grids converts the configured pinpoint resolutions to grid shapes.
func (c Config) Grids() ([]image.Point, error) {
	return imageproc.GridsFromPinpoints(c.GridPinpoints, c.TileSize)
}

func (c Config) Validate() error {
	if c.ContextLength <= 0 {
		return fmt.Errorf("context length must be positive (got %d)", c.ContextLength)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden size must be positive (got %d)", c.HiddenSize)
	}
	if c.TileSize <= 0 || c.PatchSize <= 0 || c.TileSize%c.PatchSize != 0 {
		return fmt.Errorf("tile size %d is not a multiple of patch size %d", c.TileSize, c.PatchSize)
	}
	if c.Strategy == imageproc.StrategyAnyRes && len(c.GridPinpoints) == 0 {
		return fmt.Errorf("%w: anyres without grid pinpoints", imageproc.ErrTilingConfig)
	}
	if len(c.ImageNewline) > 0 && len(c.ImageNewline) != c.HiddenSize {
		return fmt.Errorf("image newline width %d does not match hidden size %d", len(c.ImageNewline), c.HiddenSize)
	}
	switch c.PatchMergeType {
	case "", "spatial", "flat":
	default:
		return fmt.Errorf("unsupported patch merge type %q", c.PatchMergeType)
	}
	switch c.SelectFeature {
	case "", "patch", "cls_patch":
	default:
		return fmt.Errorf("unsupported feature selection %q", c.SelectFeature)
	}
	return nil
}

// Model is one assembled multimodal pipeline.
type Model interface {
	Config() Config
	Decoder() TextDecoder
}

// MultimodalProcessor must be implemented by models that accept images.
type MultimodalProcessor interface {
	// EncodeMultimodal processes one raw image into its merged embedding
	// sequence.
	EncodeMultimodal(ctx context.Context, data []byte) ([]input.Multimodal, error)

	// PostTokenize expands image placeholders in the tokenized prompt so
	// each image token position is accounted for.
	PostTokenize([]input.Input) ([]input.Input, error)
}

var models = make(map[string]func(Config, Backends) (Model, error))

// Register makes a model architecture available by name. Registering a
// duplicate name panics.
func Register(name string, fn func(Config, Backends) (Model, error)) {
	if _, ok := models[name]; ok {
		panic(fmt.Sprintf("model %q already registered", name))
	}

	models[name] = fn
}

// New constructs a registered model architecture.
func New(name string, cfg Config, backends Backends) (Model, error) {
	fn, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return fn(cfg, backends)
}
