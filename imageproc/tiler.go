package imageproc

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"image/color"
	"slices"
)

var ErrTilingConfig = errors.New("invalid tiling configuration")

type Strategy int

const (
	// StrategyPad letterboxes the image into a single square tile.
	StrategyPad Strategy = iota

	// StrategyAnyRes picks a tile grid matching the image shape and adds a
	// downscaled full-image tile for global context.
	StrategyAnyRes
)

func (s Strategy) String() string {
	switch s {
	case StrategyPad:
		return "pad"
	case StrategyAnyRes:
		return "anyres"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

type TilingConfig struct {
	Strategy Strategy

	// TileSize is the square resolution every produced tile has.
	TileSize int

	// Grids are the candidate grid shapes for anyres, X columns by Y rows.
	Grids []image.Point

	// Fill is the padding color. Zero value means the CLIP mean color.
	Fill color.RGBA

	// ResizeMethod selects the interpolation kernel, ResizeBilinear by default.
	ResizeMethod int
}

// TilingPlan records the grid chosen for one image. Rows and Cols are zero
// under the pad strategy, which produces no grid tiles.
type TilingPlan struct {
	Strategy     Strategy
	Rows, Cols   int
	TileSize     int
	Fill         color.RGBA
	ResizeMethod int
}

// NumTiles returns the total tile count including the base tile.
func (p TilingPlan) NumTiles() int {
	if p.Strategy == StrategyPad {
		return 1
	}
	return p.Rows*p.Cols + 1
}

// Tile is one fixed-size crop. Row and Col locate it in the plan's grid.
// The base tile is the whole image letterboxed to the tile resolution.
type Tile struct {
	Image image.Image
	Row   int
	Col   int
	Base  bool
}

// SupportedGrids enumerates every grid shape of at most maxTiles tiles,
// columns by rows.
func SupportedGrids(maxTiles int) []image.Point {
	var grids []image.Point
	for w := 0; w < maxTiles; w++ {
		for h := 0; h < maxTiles; h++ {
			if (w+1)*(h+1) <= maxTiles {
				grids = append(grids, image.Point{w + 1, h + 1})
			}
		}
	}

	return grids
}

// GridsFromPinpoints converts configured pixel resolutions into grid shapes.
// Resolutions that are not multiples of the tile size are rejected.
func GridsFromPinpoints(pinpoints []image.Point, tileSize int) ([]image.Point, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("%w: tile size %d", ErrTilingConfig, tileSize)
	}

	grids := make([]image.Point, 0, len(pinpoints))
	for _, pp := range pinpoints {
		if pp.X <= 0 || pp.Y <= 0 || pp.X%tileSize != 0 || pp.Y%tileSize != 0 {
			return nil, fmt.Errorf("%w: pinpoint %v does not divide into %d px tiles", ErrTilingConfig, pp, tileSize)
		}
		grids = append(grids, image.Point{pp.X / tileSize, pp.Y / tileSize})
	}

	return grids, nil
}

func (c TilingConfig) fill() color.RGBA {
	if c.Fill == (color.RGBA{}) {
		return MeanColor(ClipDefaultMean)
	}
	return c.Fill
}

// ratio is an exact non-negative fraction. Comparing cross-multiplied
// integers avoids float rounding deciding between equal-waste candidates.
type ratio struct {
	num, den int64
}

func compareRatio(a, b ratio) int {
	return cmp.Compare(a.num*b.den, b.num*a.den)
}

// paddedFraction returns the share of the canvas left as padding after an
// aspect-preserving fit of size onto it.
func paddedFraction(size, canvas image.Point) ratio {
	// width-bound when canvas.X/size.X <= canvas.Y/size.Y
	fit := ratio{int64(canvas.X) * int64(size.Y), int64(size.X) * int64(canvas.Y)}
	if fit.num > fit.den {
		fit = ratio{int64(canvas.Y) * int64(size.X), int64(size.Y) * int64(canvas.X)}
	}
	return ratio{fit.den - fit.num, fit.den}
}

func aspectDistance(size, canvas image.Point) ratio {
	d := int64(canvas.X)*int64(size.Y) - int64(size.X)*int64(canvas.Y)
	if d < 0 {
		d = -d
	}
	return ratio{d, int64(canvas.Y) * int64(size.Y)}
}

// Plan chooses the tiling grid for an image of the given size.
//
// Under anyres the candidate wasting the smallest fraction of its canvas on
// padding wins. Ties prefer fewer tiles, then the canvas aspect ratio closest
// to the image, then the earliest candidate.
func Plan(size image.Point, cfg TilingConfig) (TilingPlan, error) {
	if size.X <= 0 || size.Y <= 0 {
		return TilingPlan{}, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, size.X, size.Y)
	}

	if cfg.TileSize <= 0 {
		return TilingPlan{}, fmt.Errorf("%w: tile size %d", ErrTilingConfig, cfg.TileSize)
	}

	plan := TilingPlan{
		Strategy:     cfg.Strategy,
		TileSize:     cfg.TileSize,
		Fill:         cfg.fill(),
		ResizeMethod: cfg.ResizeMethod,
	}

	if cfg.Strategy == StrategyPad {
		return plan, nil
	}

	if len(cfg.Grids) == 0 {
		return TilingPlan{}, fmt.Errorf("%w: anyres requires at least one grid candidate", ErrTilingConfig)
	}

	type candidate struct {
		grid   image.Point
		waste  ratio
		tiles  int
		aspect ratio
	}

	candidates := make([]candidate, 0, len(cfg.Grids))
	for _, grid := range cfg.Grids {
		if grid.X <= 0 || grid.Y <= 0 {
			return TilingPlan{}, fmt.Errorf("%w: grid candidate %v", ErrTilingConfig, grid)
		}

		canvas := image.Point{grid.X * cfg.TileSize, grid.Y * cfg.TileSize}
		candidates = append(candidates, candidate{
			grid:   grid,
			waste:  paddedFraction(size, canvas),
			tiles:  grid.X * grid.Y,
			aspect: aspectDistance(size, canvas),
		})
	}

	best := slices.MinFunc(candidates, func(a, b candidate) int {
		if n := compareRatio(a.waste, b.waste); n != 0 {
			return n
		}
		if n := cmp.Compare(a.tiles, b.tiles); n != 0 {
			return n
		}
		return compareRatio(a.aspect, b.aspect)
	})

	plan.Cols = best.grid.X
	plan.Rows = best.grid.Y
	return plan, nil
}

// Tiles cuts an image according to a plan. The base tile always comes first;
// grid tiles follow in row-major order.
func Tiles(img image.Image, plan TilingPlan) ([]Tile, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: bounds %v", ErrInvalidImage, b)
	}

	base := Tile{
		Image: Pad(img, image.Point{plan.TileSize, plan.TileSize}, plan.Fill, plan.ResizeMethod),
		Base:  true,
	}

	if plan.Strategy == StrategyPad {
		return []Tile{base}, nil
	}

	canvas := image.Point{plan.Cols * plan.TileSize, plan.Rows * plan.TileSize}
	padded := Pad(img, canvas, plan.Fill, plan.ResizeMethod)

	tiles := make([]Tile, 0, plan.NumTiles())
	tiles = append(tiles, base)

	for row := 0; row < plan.Rows; row++ {
		for col := 0; col < plan.Cols; col++ {
			rect := image.Rect(col*plan.TileSize, row*plan.TileSize, (col+1)*plan.TileSize, (row+1)*plan.TileSize)
			tiles = append(tiles, Tile{
				Image: padded.(interface {
					SubImage(image.Rectangle) image.Image
				}).SubImage(rect),
				Row: row,
				Col: col,
			})
		}
	}

	return tiles, nil
}

// Process decodes, plans and tiles an image in one call.
func Process(data []byte, cfg TilingConfig) (TilingPlan, []Tile, error) {
	img, err := Decode(data)
	if err != nil {
		return TilingPlan{}, nil, err
	}

	img = Composite(img)

	plan, err := Plan(img.Bounds().Size(), cfg)
	if err != nil {
		return TilingPlan{}, nil, err
	}

	tiles, err := Tiles(img, plan)
	if err != nil {
		return TilingPlan{}, nil, err
	}

	return plan, tiles, nil
}
