package service

// ChargeBalance is a snapshot of one charge's outstanding amount, taken under
// the check lock.
type ChargeBalance struct {
	ChargeID    uint64
	DinerID     *int64 // nil means shared
	UnpaidCents int64
}

// AllocationPlan is one planned split of a payment onto a charge.
type AllocationPlan struct {
	ChargeID    uint64
	AmountCents int64
}

// PlanAllocations distributes a payment across the given charges, FIFO with
// diner priority: the tagged diner's own charges first, then shared charges,
// then everyone else's, each group in creation order. Charges must be passed
// id-ascending. The caller must hold the exclusive check lock for the whole
// allocation transaction.
//
// The sum of the returned amounts is min(amountCents, total unpaid); any
// remainder is overpayment and the caller's problem to reject upfront.
func PlanAllocations(amountCents int64, charges []ChargeBalance, dinerID *int64) []AllocationPlan {
	plans := []AllocationPlan{}
	if amountCents <= 0 {
		return plans
	}

	remaining := amountCents
	for _, c := range orderCharges(charges, dinerID) {
		if remaining <= 0 {
			break
		}
		if c.UnpaidCents <= 0 {
			continue
		}
		take := c.UnpaidCents
		if remaining < take {
			take = remaining
		}
		plans = append(plans, AllocationPlan{ChargeID: c.ChargeID, AmountCents: take})
		remaining -= take
	}
	return plans
}

func orderCharges(charges []ChargeBalance, dinerID *int64) []ChargeBalance {
	if dinerID == nil {
		return charges
	}
	own := make([]ChargeBalance, 0, len(charges))
	shared := make([]ChargeBalance, 0, len(charges))
	others := make([]ChargeBalance, 0, len(charges))
	for _, c := range charges {
		switch {
		case c.DinerID != nil && *c.DinerID == *dinerID:
			own = append(own, c)
		case c.DinerID == nil:
			shared = append(shared, c)
		default:
			others = append(others, c)
		}
	}
	ordered := append(own, shared...)
	return append(ordered, others...)
}
