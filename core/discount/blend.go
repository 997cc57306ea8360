// Package discount converts hyperscaler list prices into effective prices
// that reflect enterprise discounting.
package discount

import (
	"github.com/shopspring/decimal"

	"gpu-index/core/types"
)

// Blend returns raw*(1-d)*v + raw*(1-v): the discounted price for the volume
// share v that receives discount d, and list price for the rest.
func Blend(raw decimal.Decimal, params types.DiscountParams) decimal.Decimal {
	one := decimal.NewFromInt(1)
	v := params.VolumeDiscountedPct
	discounted := raw.Mul(one.Sub(params.DiscountPct)).Mul(v)
	list := raw.Mul(one.Sub(v))
	return discounted.Add(list)
}

// EffectivePrice blends a present observation. A nil params means no
// discount. Absent observations stay absent.
func EffectivePrice(obs types.Observation, params *types.DiscountParams) (decimal.Decimal, bool) {
	if !obs.Present() {
		return decimal.Zero, false
	}
	if params == nil {
		return obs.Price, true
	}
	return Blend(obs.Price, *params), true
}
