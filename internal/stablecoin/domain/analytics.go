package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 本文件为纯估值/评分函数，不做任何状态变更，汇率由调用方查好后传入。

// 清算优先级权重：健康度越低、债务越大、越久未操作的头寸越优先。
var (
	priorityHealthWeight    = 0.6
	priorityDebtWeight      = 0.3
	priorityStalenessWeight = 0.1

	// 债务归一化基准（最小单位）与操作陈旧度基准（一周）
	priorityDebtScale      = decimal.NewFromInt(1_000_000)
	priorityStalenessHours = 168.0
)

// ConvertToPegAsset 将抵押资产金额折算为锚定资产金额。
// 同币种为恒等转换；否则按汇率折算并四舍五入到最小单位。
func ConvertToPegAsset(assetCode string, amount int64, pegAssetCode string, rate decimal.Decimal) int64 {
	if assetCode == pegAssetCode {
		return amount
	}
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// ComputeCollateralRatio 抵押率 = 锚定价值 / 债务。债务为零时无定义，返回零值，
// 调用方须按 debt==0 分支处理（健康度恒为 1）。
func ComputeCollateralRatio(pegValue, debt int64) decimal.Decimal {
	if debt == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(pegValue).DivRound(decimal.NewFromInt(debt), 8)
}

// HealthScore 头寸健康度 ∈ [0,1]。无债务恒为 1；
// 否则 clamp((ratio − minRatio) / minRatio, 0, 1)，0 表示已到达或跌破清算线。
func HealthScore(debt int64, ratio, minRatio decimal.Decimal) float64 {
	if debt == 0 {
		return 1.0
	}
	MustInvariant(minRatio.IsPositive(), "min collateral ratio must be positive, got %s", minRatio)
	score, _ := ratio.Sub(minRatio).DivRound(minRatio, 8).Float64()
	return clamp01(score)
}

// LiquidationPriority 清算优先级 ∈ [0,1]，只用于排序候选头寸，不做资格判定。
// 健康度单调递减、债务规模与操作陈旧度单调递增。
func LiquidationPriority(health float64, debt int64, lastInteraction, now time.Time) float64 {
	debtScore, _ := decimal.NewFromInt(debt).DivRound(priorityDebtScale, 8).Float64()
	staleness := now.Sub(lastInteraction).Hours() / priorityStalenessHours

	score := (1.0-health)*priorityHealthWeight +
		clamp01(debtScore)*priorityDebtWeight +
		clamp01(staleness)*priorityStalenessWeight
	return clamp01(score)
}

// Recommendation 头寸或稳定币层面的操作建议
type Recommendation struct {
	Action  string `json:"action"`
	Urgency string `json:"urgency,omitempty"`
	Reason  string `json:"reason"`
}

// recommendationMargin 高于清算线多少以内视为危险区
var recommendationMargin = decimal.NewFromFloat(0.1)

// PositionRecommendations 头寸操作建议：
// 抵押率达到目标两倍以上可继续铸造；贴近清算线则应尽快追加抵押。
func PositionRecommendations(ratio, targetRatio, minRatio decimal.Decimal) []Recommendation {
	var recs []Recommendation
	if ratio.GreaterThanOrEqual(targetRatio.Mul(decimal.NewFromInt(2))) {
		recs = append(recs, Recommendation{
			Action: "mint_more",
			Reason: "collateral ratio is well above target, capacity available",
		})
	}
	if ratio.LessThan(minRatio.Add(recommendationMargin)) {
		recs = append(recs, Recommendation{
			Action:  "add_collateral",
			Urgency: "high",
			Reason:  "collateral ratio is close to the liquidation threshold",
		})
	}
	return recs
}

// AssetDistribution 单一抵押资产的分布统计
type AssetDistribution struct {
	Asset         string  `json:"asset"`
	TotalAmount   int64   `json:"total_amount"`
	PegValue      int64   `json:"peg_value"`
	PositionCount int     `json:"position_count"`
	Percentage    float64 `json:"percentage"`
}

// DistributionReport 抵押品分布报告。缺失汇率的资产被跳过并记录在 SkippedAssets。
type DistributionReport struct {
	Distribution  []AssetDistribution `json:"distribution"`
	TotalPegValue int64               `json:"total_peg_value"`
	SkippedAssets []string            `json:"skipped_assets,omitempty"`
}

// Finalize 按锚定总值回填各资产占比
func (r *DistributionReport) Finalize() {
	if r.TotalPegValue <= 0 {
		return
	}
	total := decimal.NewFromInt(r.TotalPegValue)
	for i := range r.Distribution {
		pct, _ := decimal.NewFromInt(r.Distribution[i].PegValue).
			Mul(decimal.NewFromInt(100)).
			DivRound(total, 4).Float64()
		r.Distribution[i].Percentage = pct
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
