package sizesearch

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// QualityEncoder は quality でエンコードした結果のバイト数を返します。
type QualityEncoder func(ctx context.Context, quality int) (int64, error)

// QualityOptions は連続探索の設定です。ゼロ値の項目は既定値を使います。
type QualityOptions struct {
	Min           int
	Max           int
	Tolerance     float64
	MaxIterations int
}

const (
	DefaultMinQuality    = 1
	DefaultMaxQuality    = 100
	DefaultTolerance     = 0.05
	DefaultMaxIterations = 10
)

func (o QualityOptions) withDefaults() QualityOptions {
	if o.Min <= 0 {
		o.Min = DefaultMinQuality
	}
	if o.Max <= 0 {
		o.Max = DefaultMaxQuality
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	return o
}

// QualityResult は連続探索の結果です。
type QualityResult struct {
	Quality    int
	Size       int64
	Iterations int
	Outcome    Outcome
}

// SearchQuality は品質とサイズが単調に増加する前提で、目標サイズに合う品質を二分探索します。
// 許容誤差内のサイズが見つかった時点で終了し、見つからなければ目標以下で最大の品質を返します。
// 目標以下が1つもない場合は最小サイズだった品質を未達として返します。
func SearchQuality(ctx context.Context, original, target int64, encode QualityEncoder, opts QualityOptions) (QualityResult, error) {
	if target <= 0 {
		return QualityResult{}, fmt.Errorf("target size must be positive, got %d", target)
	}
	if encode == nil {
		return QualityResult{}, errors.New("encoder is nil")
	}
	opts = opts.withDefaults()
	if opts.Min > opts.Max {
		return QualityResult{}, fmt.Errorf("invalid quality range [%d,%d]", opts.Min, opts.Max)
	}

	low, high := opts.Min, opts.Max
	bestUnder, smallestQ := -1, -1
	var bestSize int64
	smallest := int64(math.MaxInt64)
	iterations := 0
	tolerance := float64(target) * opts.Tolerance

	for iterations < opts.MaxIterations && low <= high {
		if err := ctx.Err(); err != nil {
			return QualityResult{}, err
		}
		mid := (low + high) / 2
		size, err := encode(ctx, mid)
		if err != nil {
			return QualityResult{}, fmt.Errorf("encode at quality %d: %w", mid, err)
		}
		iterations++

		if size < smallest {
			smallest, smallestQ = size, mid
		}
		if math.Abs(float64(size-target)) < tolerance {
			return QualityResult{
				Quality:    mid,
				Size:       size,
				Iterations: iterations,
				Outcome:    evaluate(original, target, size, opts.Tolerance),
			}, nil
		}
		if size > target {
			high = mid - 1
			continue
		}
		if mid > bestUnder {
			bestUnder, bestSize = mid, size
		}
		low = mid + 1
	}

	if bestUnder >= 0 {
		return QualityResult{
			Quality:    bestUnder,
			Size:       bestSize,
			Iterations: iterations,
			Outcome:    evaluate(original, target, bestSize, opts.Tolerance),
		}, nil
	}
	return QualityResult{
		Quality:    smallestQ,
		Size:       smallest,
		Iterations: iterations,
		Outcome:    evaluate(original, target, smallest, 0),
	}, nil
}
