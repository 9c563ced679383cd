package homegraph

import "time"

/*
 *   The platform's push channel: report-state notifications and sync
 *   requests flow up through this interface.  Live talks to the real
 *   HomeGraph API; tests substitute a fake.
 */

type HomeGraph interface {
	WithTimeout(d time.Duration) HomeGraph

	// ReportState pushes a device's public state to the platform
	ReportState(agentUserID string, deviceID string, state map[string]interface{}) error

	// RequestSync asks the platform to re-SYNC the user's fleet and
	// returns the raw JSON reply
	RequestSync(agentUserID string) ([]byte, error)
}
