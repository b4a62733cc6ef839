package llava

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/chenwanqq/llava-go/imageproc"
	"github.com/chenwanqq/llava-go/model"
	"github.com/chenwanqq/llava-go/model/input"
)

type Model struct {
	cfg    model.Config
	vision model.VisionEncoder
	text   model.TextDecoder
}

var _ model.MultimodalProcessor = (*Model)(nil)

func init() {
	model.Register("llava", New)
}

func New(cfg model.Config, backends model.Backends) (model.Model, error) {
	if backends.Vision == nil {
		return nil, model.ErrNoVisionModel
	}
	if backends.Text == nil {
		return nil, fmt.Errorf("llava requires a text decoder")
	}

	return &Model{cfg: cfg, vision: backends.Vision, text: backends.Text}, nil
}

// DefaultConfig returns the llava-v1.6 values. The image newline vector and
// the true hidden width come from the weight loader; callers overwrite them.
func DefaultConfig() model.Config {
	return model.Config{
		ContextLength: 4096,
		HiddenSize:    4096,
		VocabSize:     32000,
		StopTokens:    []int32{2},

		ImageTokenID:    32000,
		ImageStartToken: 32001,
		ImageEndToken:   32002,

		TileSize:  336,
		PatchSize: 14,
		Strategy:  imageproc.StrategyAnyRes,
		GridPinpoints: []image.Point{
			{336, 672}, {672, 336}, {672, 672}, {1008, 336}, {336, 1008},
		},

		PatchMergeType: "spatial",
		SelectFeature:  "patch",

		KVCacheType: "f16",
	}
}

func (m *Model) Config() model.Config { return m.cfg }

func (m *Model) Decoder() model.TextDecoder { return m.text }

// EncodeMultimodal tiles one raw image, encodes every tile and merges the
// results into the image's embedding sequence.
func (m *Model) EncodeMultimodal(ctx context.Context, data []byte) ([]input.Multimodal, error) {
	tilingConfig := imageproc.TilingConfig{
		Strategy: m.cfg.Strategy,
		TileSize: m.cfg.TileSize,
	}

	if m.cfg.Strategy == imageproc.StrategyAnyRes {
		grids, err := m.cfg.Grids()
		if err != nil {
			return nil, err
		}
		tilingConfig.Grids = grids
	}

	plan, tiles, err := imageproc.Process(data, tilingConfig)
	if err != nil {
		return nil, err
	}

	embeds, err := m.encodeTiles(ctx, tiles)
	if err != nil {
		return nil, err
	}

	merged, err := Merge(m.cfg, plan, tiles, embeds)
	if err != nil {
		return nil, err
	}

	return []input.Multimodal{{Embeddings: merged.Vectors, Data: merged.Coords}}, nil
}

// encodeTiles runs the vision encoder over every tile. Tiles are independent,
// so single-tile encoders run in parallel with output order restored by index.
func (m *Model) encodeTiles(ctx context.Context, tiles []imageproc.Tile) ([]model.PatchEmbeddings, error) {
	if batcher, ok := m.vision.(model.TileBatchEncoder); ok {
		embeds, err := batcher.EncodeBatch(ctx, tiles)
		if err != nil {
			return nil, err
		}
		if len(embeds) != len(tiles) {
			return nil, fmt.Errorf("%w: batch encoder returned %d outputs for %d tiles",
				ErrExtractorContract, len(embeds), len(tiles))
		}
		return embeds, nil
	}

	embeds := make([]model.PatchEmbeddings, len(tiles))

	g, gctx := errgroup.WithContext(ctx)
	for i, tile := range tiles {
		i, tile := i, tile
		g.Go(func() error {
			out, err := m.vision.Encode(gctx, tile)
			if err != nil {
				return err
			}
			embeds[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return embeds, nil
}

// PostTokenize expands each image input so the prompt stream has one entry
// per merged image vector. The first entry keeps the payload; the rest are
// placeholder fillers that reserve sequence positions.
func (m *Model) PostTokenize(inputs []input.Input) ([]input.Input, error) {
	var result []input.Input
	for _, inp := range inputs {
		if len(inp.Multimodal) == 0 {
			result = append(result, inp)
			continue
		}

		var total int
		for _, mm := range inp.Multimodal {
			total += len(mm.Embeddings)
		}
		if total == 0 {
			return nil, model.ErrEmptyImageFeatures
		}

		if m.cfg.UseImageStartEnd {
			result = append(result, input.Input{Token: m.cfg.ImageStartToken})
		}

		result = append(result, input.Input{Token: m.cfg.ImageTokenID, Multimodal: inp.Multimodal, MultimodalHash: inp.MultimodalHash})
		for i := 0; i < total-1; i++ {
			result = append(result, input.Input{Token: m.cfg.ImageTokenID})
		}

		if m.cfg.UseImageStartEnd {
			result = append(result, input.Input{Token: m.cfg.ImageEndToken})
		}
	}

	return result, nil
}
