package core

import "sync/atomic"

// RecoveryMetrics counts recovery activity for monitoring. All counters are
// atomic so readers never contend with the recovery loops.
type RecoveryMetrics struct {
	RecoveryStarted   atomic.Uint64
	RecoveryCompleted atomic.Uint64
	RecoveryFailed    atomic.Uint64

	WaitForHealAttempts        atomic.Uint64
	ActiveReconnectionAttempts atomic.Uint64
	MajorityRuleAttempts       atomic.Uint64
}

func (m *RecoveryMetrics) trackStrategyAttempt(s RecoveryStrategy) {
	switch s {
	case WaitForHeal:
		m.WaitForHealAttempts.Add(1)
	case ActiveReconnection:
		m.ActiveReconnectionAttempts.Add(1)
	case MajorityRule:
		m.MajorityRuleAttempts.Add(1)
	}
}
