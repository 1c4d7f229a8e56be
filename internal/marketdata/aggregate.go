package marketdata

import (
	"momentum-trader/pkg/types"
)

// DefaultMinMinutes is the suppression floor for a bucket: ⌈N/2⌉+1 source
// minutes must be present or the bucket is dropped. Prevents the live loop
// from acting on a half-formed aggregate bar.
func DefaultMinMinutes(tf types.Timeframe) int {
	n := tf.Minutes()
	return (n+1)/2 + 1
}

// Aggregate folds consecutive 1-minute bars into target-timeframe bars.
// Grouping key is floor(epoch/(N·60)); open is the first bar's, close the
// last's, high/low the extremes, volume the sum. Features come from the last
// contributing 1-minute bar, never recomputed. Buckets holding fewer than
// minMinutes source bars are suppressed; minMinutes <= 0 selects the
// default ⌈N/2⌉+1. Input must already be ascending, as LoadBars returns it.
func Aggregate(bars []types.Bar, tf types.Timeframe, minMinutes int) []types.Bar {
	if tf == types.TF1m {
		return bars
	}
	if len(bars) == 0 {
		return nil
	}
	if minMinutes <= 0 {
		minMinutes = DefaultMinMinutes(tf)
	}

	var (
		out     []types.Bar
		cur     types.Bar
		count   int
		started bool
	)
	flush := func() {
		if started && count >= minMinutes {
			out = append(out, cur)
		}
		count = 0
		started = false
	}

	for _, b := range bars {
		bucket := tf.BucketStart(b.Ts)
		if !started || !bucket.Equal(cur.Ts) {
			flush()
			cur = types.Bar{
				Symbol: b.Symbol,
				Ts:     bucket,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: b.Volume,
			}
			started = true
			count = 1
		} else {
			if b.High.GreaterThan(cur.High) {
				cur.High = b.High
			}
			if b.Low.LessThan(cur.Low) {
				cur.Low = b.Low
			}
			cur.Close = b.Close
			cur.Volume = cur.Volume.Add(b.Volume)
			count++
		}
		cur.Features = b.Features
	}
	flush()
	return out
}
