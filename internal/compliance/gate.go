package compliance

import "time"

// BlockReason explains why the gate refused a send.
type BlockReason string

const (
	BlockSuppressed BlockReason = "SUPPRESSED"
	BlockNoConsent  BlockReason = "NO_CONSENT"
	BlockQuietHours BlockReason = "QUIET_HOURS"
)

// Settings are the tenant-level inputs to the gate.
type Settings struct {
	QuietHours      QuietHours
	ConsentRequired bool
}

// ContactState carries the per-contact facts the caller looked up before
// evaluation. The gate itself performs no I/O.
type ContactState struct {
	Phone          string
	Suppressed     bool
	ConsentGranted bool
}

// Decision is the gate outcome. Reason is set only when Allow is false.
type Decision struct {
	Allow  bool
	Reason BlockReason
}

// Evaluate decides SEND or BLOCK(reason) for one contact. Checks run in
// order and the first failing check wins: suppression, then consent, then
// quiet hours. Deterministic and side-effect free.
func Evaluate(settings Settings, state ContactState, nowUTC time.Time) Decision {
	if state.Suppressed {
		return Decision{Reason: BlockSuppressed}
	}
	if settings.ConsentRequired && !state.ConsentGranted {
		return Decision{Reason: BlockNoConsent}
	}
	if settings.QuietHours.Within(nowUTC) {
		return Decision{Reason: BlockQuietHours}
	}
	return Decision{Allow: true}
}
