package llava

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenwanqq/llava-go/imageproc"
	"github.com/chenwanqq/llava-go/kvcache"
	"github.com/chenwanqq/llava-go/model"
	"github.com/chenwanqq/llava-go/model/input"
)

// fakeEncoder emits deterministic vectors derived from the tile placement so
// ordering bugs show up as value mismatches.
type fakeEncoder struct {
	side  int
	drop  int
	width int
}

func (f *fakeEncoder) Encode(_ context.Context, tile imageproc.Tile) (model.PatchEmbeddings, error) {
	id := float32(tile.Row*100 + tile.Col)
	if tile.Base {
		id = -1
	}

	out := make(model.PatchEmbeddings, 0, f.side*f.side+f.drop)
	for i := 0; i < f.side*f.side+f.drop; i++ {
		v := make([]float32, f.width)
		v[0] = id
		v[1] = float32(i)
		out = append(out, v)
	}
	return out, nil
}

type fakeDecoder struct{}

func (fakeDecoder) Embed(tokens []int32) ([][]float32, error) {
	out := make([][]float32, len(tokens))
	for i, tok := range tokens {
		out[i] = []float32{float32(tok), 0, 0, 0}
	}
	return out, nil
}

func (fakeDecoder) Forward(context.Context, input.Batch, kvcache.Cache) ([]float32, error) {
	return nil, fmt.Errorf("not used")
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()

	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testModel(t *testing.T, cfg model.Config) *Model {
	t.Helper()

	m, err := New(cfg, model.Backends{
		Vision: &fakeEncoder{side: cfg.PatchesPerSide(), drop: cfg.SelectDrop(), width: cfg.HiddenSize},
		Text:   fakeDecoder{},
	})
	require.NoError(t, err)
	return m.(*Model)
}

func TestEncodeMultimodalAnyRes(t *testing.T) {
	cfg := model.Config{
		ContextLength: 4096,
		HiddenSize:    4,
		TileSize:      4,
		PatchSize:     2,
		Strategy:      imageproc.StrategyAnyRes,
		GridPinpoints: []image.Point{{4, 8}, {8, 4}, {8, 8}},
		SelectFeature: "patch",
		ImageTokenID:  32000,
	}

	m := testModel(t, cfg)

	// a wide image picks the 2x1 (cols x rows) candidate
	mm, err := m.EncodeMultimodal(context.Background(), encodePNG(t, 100, 50))
	require.NoError(t, err)
	require.Len(t, mm, 1)

	// base tile + 2 grid tiles, 4 patches each, no separators
	assert.Len(t, mm[0].Embeddings, 12)
}

func TestEncodeMultimodalPad(t *testing.T) {
	cfg := model.Config{
		ContextLength: 4096,
		HiddenSize:    4,
		TileSize:      4,
		PatchSize:     2,
		Strategy:      imageproc.StrategyPad,
		SelectFeature: "patch",
		ImageTokenID:  32000,
	}

	m := testModel(t, cfg)

	mm, err := m.EncodeMultimodal(context.Background(), encodePNG(t, 31, 17))
	require.NoError(t, err)
	require.Len(t, mm, 1)
	assert.Len(t, mm[0].Embeddings, 4)
}

func TestEncodeMultimodalRejectsBadImage(t *testing.T) {
	cfg := model.Config{
		ContextLength: 4096,
		HiddenSize:    4,
		TileSize:      4,
		PatchSize:     2,
		Strategy:      imageproc.StrategyPad,
	}

	m := testModel(t, cfg)

	_, err := m.EncodeMultimodal(context.Background(), []byte("not an image"))
	assert.ErrorIs(t, err, imageproc.ErrInvalidImage)
}

func TestPostTokenizeExpandsPlaceholders(t *testing.T) {
	cfg := model.Config{
		ContextLength: 4096,
		HiddenSize:    4,
		TileSize:      4,
		PatchSize:     2,
		ImageTokenID:  32000,
	}

	m := testModel(t, cfg)

	mm := []input.Multimodal{{Embeddings: [][]float32{{1}, {2}, {3}}}}
	out, err := m.PostTokenize([]input.Input{
		{Token: 10},
		{Multimodal: mm, MultimodalHash: 77},
		{Token: 11},
	})
	require.NoError(t, err)

	require.Len(t, out, 5)
	assert.Equal(t, int32(10), out[0].Token)

	// first expanded entry carries the payload, fillers reserve positions
	assert.Equal(t, int32(32000), out[1].Token)
	assert.NotNil(t, out[1].Multimodal)
	assert.Equal(t, uint64(77), out[1].MultimodalHash)
	assert.Equal(t, int32(32000), out[2].Token)
	assert.Nil(t, out[2].Multimodal)
	assert.Equal(t, int32(32000), out[3].Token)

	assert.Equal(t, int32(11), out[4].Token)
}

func TestPostTokenizeImageStartEnd(t *testing.T) {
	cfg := model.Config{
		ContextLength:    4096,
		HiddenSize:       4,
		TileSize:         4,
		PatchSize:        2,
		ImageTokenID:     32000,
		ImageStartToken:  32001,
		ImageEndToken:    32002,
		UseImageStartEnd: true,
	}

	m := testModel(t, cfg)

	mm := []input.Multimodal{{Embeddings: [][]float32{{1}}}}
	out, err := m.PostTokenize([]input.Input{{Multimodal: mm}})
	require.NoError(t, err)

	require.Len(t, out, 3)
	assert.Equal(t, int32(32001), out[0].Token)
	assert.Equal(t, int32(32000), out[1].Token)
	assert.Equal(t, int32(32002), out[2].Token)
}

func TestPostTokenizeEmptyImage(t *testing.T) {
	cfg := model.Config{
		ContextLength: 4096,
		HiddenSize:    4,
		TileSize:      4,
		PatchSize:     2,
		ImageTokenID:  32000,
	}

	m := testModel(t, cfg)

	_, err := m.PostTokenize([]input.Input{{Multimodal: []input.Multimodal{{}}}})
	assert.ErrorIs(t, err, model.ErrEmptyImageFeatures)
}
