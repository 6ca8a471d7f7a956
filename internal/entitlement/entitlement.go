// Package entitlement maps a stored plan to the features it unlocks.
//
// Every surface that gates a feature asks this package; the table below is
// the only place minimum plans are written down.
package entitlement

import (
	"sort"

	"github.com/funnelforge/billing/internal/models"
)

type Feature string

const (
	FeatureFunnel      Feature = "funnel"
	FeatureAds         Feature = "ads"
	FeatureSearch      Feature = "search"
	FeatureCompetition Feature = "competition"
)

var minimumPlan = map[Feature]models.Plan{
	FeatureFunnel:      models.PlanFree,
	FeatureAds:         models.PlanPro,
	FeatureSearch:      models.PlanPro,
	FeatureCompetition: models.PlanPremium,
}

func rank(p models.Plan) int {
	switch p {
	case models.PlanPro:
		return 1
	case models.PlanPremium:
		return 2
	default:
		return 0
	}
}

// Unlocked reports whether plan grants feature. Unknown features are locked.
func Unlocked(feature Feature, plan models.Plan) bool {
	required, ok := minimumPlan[feature]
	if !ok {
		return false
	}
	return rank(plan) >= rank(required)
}

func Locked(feature Feature, plan models.Plan) bool {
	return !Unlocked(feature, plan)
}

// All returns every known feature in a stable order.
func All() []Feature {
	out := make([]Feature, 0, len(minimumPlan))
	for f := range minimumPlan {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if rank(minimumPlan[out[i]]) != rank(minimumPlan[out[j]]) {
			return rank(minimumPlan[out[i]]) < rank(minimumPlan[out[j]])
		}
		return out[i] < out[j]
	})
	return out
}

// Features lists what plan unlocks.
func Features(plan models.Plan) []Feature {
	var out []Feature
	for _, f := range All() {
		if Unlocked(f, plan) {
			out = append(out, f)
		}
	}
	return out
}

// MinimumPlan returns the cheapest plan that unlocks feature.
func MinimumPlan(feature Feature) (models.Plan, bool) {
	p, ok := minimumPlan[feature]
	return p, ok
}
