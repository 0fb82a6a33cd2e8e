package invoice

const secondsPerDay int64 = 86_400

// DueAt converts a day-count grace period plus a reference instant into the
// absolute instant payment falls due.
func DueAt(now int64, termDays uint32) int64 {
	return now + int64(termDays)*secondsPerDay
}

// DisputeDeadline computes the end of the window during which a rejection may
// be escalated to arbitration.
func DisputeDeadline(now int64, windowDays uint32) int64 {
	return now + int64(windowDays)*secondsPerDay
}
