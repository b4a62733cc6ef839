package llava

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenwanqq/llava-go/imageproc"
	"github.com/chenwanqq/llava-go/model"
)

func testConfig(side int) model.Config {
	return model.Config{
		ContextLength: 4096,
		HiddenSize:    4,
		TileSize:      side * 2,
		PatchSize:     2,
		SelectFeature: "patch",
	}
}

// fakeEmbeds builds encoder output for one tile: side*side patch vectors plus
// drop leading summary vectors, every vector stamped with the tile id and
// patch index so merge order is visible in the output.
func fakeEmbeds(tile, side, drop, width int) model.PatchEmbeddings {
	out := make(model.PatchEmbeddings, 0, side*side+drop)
	for i := 0; i < side*side+drop; i++ {
		v := make([]float32, width)
		v[0] = float32(tile)
		v[1] = float32(i - drop)
		out = append(out, v)
	}
	return out
}

func gridTiles(rows, cols int) []imageproc.Tile {
	tiles := []imageproc.Tile{{Base: true}}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tiles = append(tiles, imageproc.Tile{Row: r, Col: c})
		}
	}
	return tiles
}

func TestMergePadSingleTile(t *testing.T) {
	cfg := testConfig(3)
	plan := imageproc.TilingPlan{Strategy: imageproc.StrategyPad, TileSize: cfg.TileSize}

	tiles := []imageproc.Tile{{Base: true}}
	embeds := []model.PatchEmbeddings{fakeEmbeds(0, 3, 1, cfg.HiddenSize)}

	merged, err := Merge(cfg, plan, tiles, embeds)
	require.NoError(t, err)

	assert.Len(t, merged.Vectors, 9)
	assert.Equal(t, MergedLen(cfg, plan), len(merged.Vectors))

	// summary vector dropped: first kept vector is patch 0
	assert.Equal(t, float32(0), merged.Vectors[0][1])
	assert.Equal(t, Coord{Tile: 0, Row: 0, Col: 0}, merged.Coords[0])
	assert.Equal(t, Coord{Tile: 0, Row: 2, Col: 2}, merged.Coords[8])
}

func TestMergeKeepsSummaryWithClsPatch(t *testing.T) {
	cfg := testConfig(3)
	cfg.SelectFeature = "cls_patch"
	plan := imageproc.TilingPlan{Strategy: imageproc.StrategyPad, TileSize: cfg.TileSize}

	merged, err := Merge(cfg, plan,
		[]imageproc.Tile{{Base: true}},
		[]model.PatchEmbeddings{fakeEmbeds(0, 3, 0, cfg.HiddenSize)})
	require.NoError(t, err)
	assert.Len(t, merged.Vectors, 9)
}

func TestMergeSpatialGridOrder(t *testing.T) {
	cfg := testConfig(2)
	plan := imageproc.TilingPlan{
		Strategy: imageproc.StrategyAnyRes,
		Rows:     2, Cols: 2,
		TileSize: cfg.TileSize,
	}

	tiles := gridTiles(2, 2)
	embeds := make([]model.PatchEmbeddings, len(tiles))
	for i := range tiles {
		embeds[i] = fakeEmbeds(i, 2, 1, cfg.HiddenSize)
	}

	merged, err := Merge(cfg, plan, tiles, embeds)
	require.NoError(t, err)

	// base tile (4) + 4 grid tiles (16), no separators configured
	require.Len(t, merged.Vectors, 20)
	assert.Equal(t, MergedLen(cfg, plan), len(merged.Vectors))

	// base tile first
	assert.Equal(t, float32(0), merged.Vectors[0][0])

	// first global patch row: tile (0,0) patches 0,1 then tile (0,1) patches 0,1
	wantTiles := []float32{1, 1, 2, 2}
	wantPatch := []float32{0, 1, 0, 1}
	for i := range wantTiles {
		assert.Equal(t, wantTiles[i], merged.Vectors[4+i][0], "row vector %d tile", i)
		assert.Equal(t, wantPatch[i], merged.Vectors[4+i][1], "row vector %d patch", i)
	}

	// last global patch row ends with tile (1,1) patch 3
	last := merged.Vectors[len(merged.Vectors)-1]
	assert.Equal(t, float32(4), last[0])
	assert.Equal(t, float32(3), last[1])
}

func TestMergeSpatialRowSeparators(t *testing.T) {
	cfg := testConfig(2)
	cfg.ImageNewline = []float32{-1, -1, -1, -1}
	plan := imageproc.TilingPlan{
		Strategy: imageproc.StrategyAnyRes,
		Rows:     2, Cols: 1,
		TileSize: cfg.TileSize,
	}

	tiles := gridTiles(2, 1)
	embeds := make([]model.PatchEmbeddings, len(tiles))
	for i := range tiles {
		embeds[i] = fakeEmbeds(i, 2, 1, cfg.HiddenSize)
	}

	merged, err := Merge(cfg, plan, tiles, embeds)
	require.NoError(t, err)

	// base (4) + grid (8) + one separator per global patch row (4)
	require.Len(t, merged.Vectors, 16)
	assert.Equal(t, MergedLen(cfg, plan), len(merged.Vectors))

	var separators int
	for i, c := range merged.Coords {
		if c.Tile == -1 {
			separators++
			assert.Equal(t, cfg.ImageNewline, merged.Vectors[i])
		}
	}
	assert.Equal(t, 4, separators)

	// separator closes each global row: positions 6, 9, 12, 15
	for _, i := range []int{6, 9, 12, 15} {
		assert.Equal(t, Coord{Tile: -1}, merged.Coords[i], "index %d", i)
	}
}

func TestMergeBaseTileAfterGrid(t *testing.T) {
	cfg := testConfig(2)
	cfg.BaseTileAfterGrid = true
	plan := imageproc.TilingPlan{
		Strategy: imageproc.StrategyAnyRes,
		Rows:     1, Cols: 1,
		TileSize: cfg.TileSize,
	}

	tiles := gridTiles(1, 1)
	embeds := []model.PatchEmbeddings{
		fakeEmbeds(0, 2, 1, cfg.HiddenSize),
		fakeEmbeds(1, 2, 1, cfg.HiddenSize),
	}

	merged, err := Merge(cfg, plan, tiles, embeds)
	require.NoError(t, err)
	require.Len(t, merged.Vectors, 8)

	// grid tile first, base tile last
	assert.Equal(t, float32(1), merged.Vectors[0][0])
	assert.Equal(t, float32(0), merged.Vectors[7][0])
}

func TestMergeFlat(t *testing.T) {
	cfg := testConfig(2)
	cfg.PatchMergeType = "flat"
	cfg.ImageNewline = []float32{-1, -1, -1, -1}
	plan := imageproc.TilingPlan{
		Strategy: imageproc.StrategyAnyRes,
		Rows:     2, Cols: 2,
		TileSize: cfg.TileSize,
	}

	tiles := gridTiles(2, 2)
	embeds := make([]model.PatchEmbeddings, len(tiles))
	for i := range tiles {
		embeds[i] = fakeEmbeds(i, 2, 1, cfg.HiddenSize)
	}

	merged, err := Merge(cfg, plan, tiles, embeds)
	require.NoError(t, err)

	// tile order, no separators under flat
	require.Len(t, merged.Vectors, 20)
	assert.Equal(t, MergedLen(cfg, plan), len(merged.Vectors))
	for i := range tiles {
		assert.Equal(t, float32(i), merged.Vectors[i*4][0])
	}
}

func TestMergeDeterministic(t *testing.T) {
	cfg := testConfig(2)
	cfg.ImageNewline = []float32{9, 9, 9, 9}
	plan := imageproc.TilingPlan{
		Strategy: imageproc.StrategyAnyRes,
		Rows:     2, Cols: 2,
		TileSize: cfg.TileSize,
	}

	tiles := gridTiles(2, 2)
	embeds := make([]model.PatchEmbeddings, len(tiles))
	for i := range tiles {
		embeds[i] = fakeEmbeds(i, 2, 1, cfg.HiddenSize)
	}

	a, err := Merge(cfg, plan, tiles, embeds)
	require.NoError(t, err)
	b, err := Merge(cfg, plan, tiles, embeds)
	require.NoError(t, err)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("merge not deterministic (-first +second):\n%s", diff)
	}
}

func TestMergeContractViolations(t *testing.T) {
	cfg := testConfig(2)
	plan := imageproc.TilingPlan{
		Strategy: imageproc.StrategyAnyRes,
		Rows:     1, Cols: 1,
		TileSize: cfg.TileSize,
	}

	tiles := gridTiles(1, 1)
	good := func(tile int) model.PatchEmbeddings { return fakeEmbeds(tile, 2, 1, cfg.HiddenSize) }

	cases := []struct {
		name   string
		embeds []model.PatchEmbeddings
	}{
		{"missing tile output", []model.PatchEmbeddings{good(0)}},
		{"short patch sequence", []model.PatchEmbeddings{good(0), good(1)[:3]}},
		{"wrong hidden width", []model.PatchEmbeddings{good(0), {make([]float32, 3), make([]float32, 3), make([]float32, 3), make([]float32, 3), make([]float32, 3)}}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Merge(cfg, plan, tiles, tt.embeds)
			assert.ErrorIs(t, err, ErrExtractorContract)
		})
	}
}
