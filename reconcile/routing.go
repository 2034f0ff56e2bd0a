package reconcile

// Route decides where a matched transaction goes next.
//
// Money only moves unattended for an unambiguous high-confidence credit in an
// estate with auto-processing switched on. Everything with a resident but
// less certainty goes to a human. No resident means nothing actionable yet,
// so the transaction stays pending under the "unmatched" filter.
//
// Route never returns StatusMatched or a manual outcome; manual confidence
// only arises from a reviewer bypassing routing.
func Route(tx Transaction, match MatchResult, estate EstateConfig) Status {
	if match.ResidentID == "" || match.Confidence == ConfidenceNone {
		return StatusPending
	}
	if match.Ambiguous {
		return StatusQueuedForReview
	}
	if match.Confidence == ConfidenceHigh &&
		tx.Direction == DirectionCredit &&
		estate.AutoProcessEnabled {
		return StatusAutoProcessed
	}
	return StatusQueuedForReview
}
