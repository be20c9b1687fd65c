// Package sizesearch は出力サイズの目標値に合わせて圧縮パラメータを探索します。
//
// 品質1軸の連続探索（画像の再エンコード）と、解像度×品質の候補表を順に試す
// 離散探索（PDF の再圧縮）の2種類があります。目標に届かない場合もエラーにはせず、
// 最善の結果と警告を返します。
package sizesearch

import (
	"fmt"
	"math"
)

const bytesPerMB = 1024 * 1024

// Outcome は探索結果のサイズ評価です。
type Outcome struct {
	OriginalSize     int64   `json:"original_size"`
	TargetSize       int64   `json:"target_size"`
	AchievedSize     int64   `json:"achieved_size"`
	ReductionPercent float64 `json:"reduction_percent"`
	Met              bool    `json:"target_met"`
	Warning          string  `json:"warning,omitempty"`
}

// Evaluate は達成サイズが目標以下かどうかを評価します。
func Evaluate(original, target, achieved int64) Outcome {
	return evaluate(original, target, achieved, 0)
}

// evaluate は target*(1+slack) までを達成とみなします。
func evaluate(original, target, achieved int64, slack float64) Outcome {
	o := Outcome{
		OriginalSize:     original,
		TargetSize:       target,
		AchievedSize:     achieved,
		ReductionPercent: ReductionPercent(original, achieved),
	}
	limit := float64(target) * (1 + slack)
	o.Met = target > 0 && float64(achieved) <= limit
	if !o.Met {
		o.Warning = fmt.Sprintf("目標サイズに届きませんでした。結果: %s（目標 %s）", formatSize(achieved), formatSize(target))
	}
	return o
}

// ReductionPercent は元サイズからの削減率を小数第1位で返します。
func ReductionPercent(original, achieved int64) float64 {
	if original <= 0 {
		return 0
	}
	p := float64(original-achieved) / float64(original) * 100
	return math.Round(p*10) / 10
}

// TargetFromPercent は削減率 percent（1〜99）から目標サイズを求めます。
func TargetFromPercent(original int64, percent float64) (int64, error) {
	if percent < 1 || percent > 99 {
		return 0, fmt.Errorf("compress percent must be between 1 and 99, got %v", percent)
	}
	return int64(math.Round(float64(original) * (1 - percent/100))), nil
}

// TargetFromMegabytes は MB 指定の上限サイズをバイトに換算します。
func TargetFromMegabytes(mb float64) (int64, error) {
	if mb <= 0 || math.IsInf(mb, 0) || math.IsNaN(mb) {
		return 0, fmt.Errorf("max file size must be positive, got %v", mb)
	}
	return int64(math.Round(mb * bytesPerMB)), nil
}

func formatSize(n int64) string {
	if n >= bytesPerMB {
		return fmt.Sprintf("%.1fMB", float64(n)/bytesPerMB)
	}
	return fmt.Sprintf("%.0fKB", float64(n)/1024)
}
