package grainsize

import "image"

// DefaultTileSize is the edge length of a square model input tile.
const DefaultTileSize = 1024

// DefaultCoinMargin pads the coin exclusion box on every side.
const DefaultCoinMargin = 50

// Tile is a square crop position inside the source photo.
type Tile struct {
	X    int
	Y    int
	Size int
}

// Rect returns the tile bounds in image coordinates.
func (t Tile) Rect() image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+t.Size, t.Y+t.Size)
}

// Exclusion describes the coin region that tiles must avoid.
type Exclusion struct {
	CenterX int
	CenterY int
	Radius  int
	Margin  int
}

func (e Exclusion) overlaps(t Tile) bool {
	reach := e.Radius + e.Margin
	return t.X < e.CenterX+reach &&
		t.X+t.Size > e.CenterX-reach &&
		t.Y < e.CenterY+reach &&
		t.Y+t.Size > e.CenterY-reach
}

// SampleTiles lays a non-overlapping grid of size×size tiles over a
// height×width image in row-major order. Partial tiles at the trailing
// edges are dropped. Tiles touching the exclusion box are skipped.
func SampleTiles(height, width, size int, exclusion *Exclusion) []Tile {
	if size <= 0 {
		return nil
	}
	var tiles []Tile
	for y := 0; y+size <= height; y += size {
		for x := 0; x+size <= width; x += size {
			tile := Tile{X: x, Y: y, Size: size}
			if exclusion != nil && exclusion.overlaps(tile) {
				continue
			}
			tiles = append(tiles, tile)
		}
	}
	return tiles
}
