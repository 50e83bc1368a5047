package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
)

func TestPlanResolver(t *testing.T) {
	r := NewPlanResolver(map[string]string{
		"P-5ML4271244454362WXNWU5NQ": "agency",
		"plan_whop_ent":              "Enterprise",
		"bogus":                      "platinum",
	}, "freelance")

	assert.Equal(t, domain.PlanAgency, r.Resolve("p-5ml4271244454362wxnwu5nq"))
	assert.Equal(t, domain.PlanEnterprise, r.Resolve("", "plan_whop_ent"))
	assert.Equal(t, domain.PlanDealCloser, r.Resolve("DealCloser", "plan_whop_ent"))
	assert.Equal(t, domain.PlanFreelance, r.Resolve("bogus"))
	assert.Equal(t, domain.PlanFreelance, r.Resolve())

	noFallback := NewPlanResolver(nil, "")
	assert.Equal(t, domain.PlanType(""), noFallback.Resolve("unknown"))
}
