package wdl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/freeeve/endgametrainer/api/internal/tablebase"
)

func TestFlipPerspective_Involution(t *testing.T) {
	for _, v := range []int{0, 1, -1, 2, -2, 500, -500, 1000, math.MaxInt32, math.MinInt32 + 1} {
		assert.Equal(t, v, FlipPerspective(FlipPerspective(v)), "v=%d", v)
	}
}

func TestFlipOptional(t *testing.T) {
	assert.Nil(t, FlipOptional(nil))
	v := -33
	f := FlipOptional(&v)
	assert.Equal(t, 33, *f)
	assert.Equal(t, -33, v, "input must not be modified")
	assert.Equal(t, v, *FlipOptional(f))
}

func TestFlipCategory_Involution(t *testing.T) {
	cats := []tablebase.Category{
		tablebase.CategoryWin, tablebase.CategorySyzygyWin, tablebase.CategoryMaybeWin,
		tablebase.CategoryCursedWin, tablebase.CategoryDraw, tablebase.CategoryBlessedLoss,
		tablebase.CategoryMaybeLoss, tablebase.CategorySyzygyLoss, tablebase.CategoryLoss,
		tablebase.CategoryUnknown,
	}
	for _, c := range cats {
		t.Run(string(c), func(t *testing.T) {
			assert.Equal(t, c, FlipCategory(FlipCategory(c)))
			w, ok := c.WDL()
			fw, fok := FlipCategory(c).WDL()
			assert.Equal(t, ok, fok)
			assert.Equal(t, FlipPerspective(w), fw)
		})
	}
}

func TestConvertToPlayerPerspective(t *testing.T) {
	before, after := ConvertToPlayerPerspective(1000, -500)
	assert.Equal(t, 1000, before)
	assert.Equal(t, 500, after)
}

func TestRawToCanonical(t *testing.T) {
	assert.Equal(t, 1, RawToCanonical(2))
	assert.Equal(t, 1, RawToCanonical(1000))
	assert.Equal(t, 0, RawToCanonical(0))
	assert.Equal(t, -1, RawToCanonical(-1))
	assert.Equal(t, -1, RawToCanonical(-999))

	assert.Equal(t, Win, OutcomeOf(7))
	assert.Equal(t, Draw, OutcomeOf(0))
	assert.Equal(t, Loss, OutcomeOf(-7))
}

func TestOutcomeChange(t *testing.T) {
	assert.True(t, IsWinToDrawOrLoss(500, 0))
	assert.True(t, IsWinToDrawOrLoss(500, -1))
	assert.False(t, IsWinToDrawOrLoss(500, 600))
	assert.False(t, IsWinToDrawOrLoss(0, -1))

	assert.True(t, IsDrawToLoss(0, -1))
	assert.False(t, IsDrawToLoss(0, 1))
	assert.False(t, IsDrawToLoss(1, -1))

	assert.True(t, DidOutcomeChange(2, 0))
	assert.True(t, DidOutcomeChange(0, -2))
	assert.False(t, DidOutcomeChange(2, 1))
	assert.False(t, DidOutcomeChange(-2, -2))
	assert.False(t, DidOutcomeChange(-2, 0))
}

func TestClassifyMoveQuality(t *testing.T) {
	tests := []struct {
		name          string
		before, after int
		want          Quality
	}{
		{"win to loss", 2, -2, Blunder},
		{"draw to loss", 0, -2, Blunder},
		{"win to draw", 2, 0, Mistake},
		{"loss to draw", -2, 0, Good},
		{"draw to win", 0, 2, Good},
		{"keeps win", 2, 2, Best},
		{"slower win", 1000, 500, Best},
		{"keeps draw", 0, 0, Best},
		{"keeps loss", -2, -2, Best},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMoveQuality(tt.before, tt.after))
		})
	}
}
