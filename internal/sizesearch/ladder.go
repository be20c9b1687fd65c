package sizesearch

import (
	"context"
	"errors"
	"fmt"
)

// Candidate は離散探索の候補（解像度と JPEG 品質の組）です。
type Candidate struct {
	DPI     int `json:"dpi"`
	Quality int `json:"quality"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("DPI:%d, Q:%d", c.DPI, c.Quality)
}

// DefaultLadder は想定サイズの小さい順に並べた PDF 再圧縮の候補表です。
var DefaultLadder = []Candidate{
	{72, 30}, {72, 40}, {72, 50}, {72, 60},
	{100, 45}, {100, 55}, {100, 65}, {100, 75},
	{150, 60}, {150, 70}, {150, 80},
	{200, 70}, {200, 80}, {200, 90},
	{300, 85},
}

// LastResort は候補表のどれも使えなかった場合の最低設定です。
var LastResort = Candidate{DPI: 72, Quality: 25}

// LadderEncoder は候補でエンコードした結果のバイト数を返します。
type LadderEncoder func(ctx context.Context, c Candidate) (int64, error)

// LadderResult は離散探索の結果です。
type LadderResult struct {
	Candidate Candidate
	Size      int64
	// Fallback は全候補が失敗し ladder[0] を返したことを表します。Size は 0 です。
	Fallback  bool
	Evaluated int
	Outcome   Outcome
}

// LadderOption は SearchLadder の設定です。
type LadderOption func(*ladderConfig)

type ladderConfig struct {
	progress func(done, total int)
}

// WithProgress は候補を1つ試すごとに呼ばれる関数を設定します。
func WithProgress(fn func(done, total int)) LadderOption {
	return func(c *ladderConfig) {
		c.progress = fn
	}
}

// SearchLadder は全候補を試し、目標以下で最大のもの、なければ目標超過で最小のものを返します。
// 個々の候補のエンコード失敗は読み飛ばします。
func SearchLadder(ctx context.Context, original, target int64, ladder []Candidate, encode LadderEncoder, opts ...LadderOption) (LadderResult, error) {
	if len(ladder) == 0 {
		return LadderResult{}, errors.New("ladder is empty")
	}
	if encode == nil {
		return LadderResult{}, errors.New("encoder is nil")
	}
	var cfg ladderConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		under, over         *LadderResult
		evaluated, failures int
	)
	for i, c := range ladder {
		if err := ctx.Err(); err != nil {
			return LadderResult{}, err
		}
		size, err := encode(ctx, c)
		if cfg.progress != nil {
			cfg.progress(i+1, len(ladder))
		}
		if err != nil {
			failures++
			continue
		}
		evaluated++

		r := LadderResult{Candidate: c, Size: size}
		if size <= target {
			if under == nil || size > under.Size {
				under = &r
			}
		} else if over == nil || size < over.Size {
			over = &r
		}
	}

	var result LadderResult
	switch {
	case under != nil:
		result = *under
	case over != nil:
		result = *over
	default:
		result = LadderResult{Candidate: ladder[0], Fallback: true}
	}
	result.Evaluated = evaluated
	result.Outcome = Evaluate(original, target, result.Size)
	if result.Fallback {
		result.Outcome.Warning = fmt.Sprintf("すべての圧縮設定で失敗しました（%d件）。", failures)
	}
	return result, nil
}
