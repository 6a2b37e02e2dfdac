package main

import (
	"crypto/rand"
	"math/big"
)

const (
	totalTiles = 136
	handSize   = 13

	// noTile is returned by a draw when the wall is exhausted.
	noTile = -1
)

// newDeck returns an unbiased random permutation of the tile ids 0..135.
// Tiles are consumed strictly from the front.
func newDeck() []int {
	d := make([]int, totalTiles)
	for i := range d {
		d[i] = i
	}
	shuffleTiles(d)
	return d
}

func shuffleTiles(a []int) {
	for i := len(a) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			jBig = big.NewInt(int64(i / 2))
		}
		j := int(jBig.Int64())
		a[i], a[j] = a[j], a[i]
	}
}

func randSeat(n int) int {
	x, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(x.Int64())
}
