package events

import "fmt"

// Subject naming conventions, NATS style so that Redis PSUBSCRIBE and a
// future NATS bridge read the same names.
//
// Hierarchy:
//   callpilot.calls.<session_id>.<event_suffix>       - Per-call events
//   callpilot.calls.<session_id>.ivr.<event_suffix>   - IVR events of a call
//   callpilot.campaigns.<campaign_id>.<event_suffix>  - Campaign events
//
// Wildcard subscriptions (Redis glob in parentheses):
//   callpilot.calls.>          (callpilot.calls.*)         - All call events
//   callpilot.calls.*.ended    (callpilot.calls.*.ended)   - All call.ended events

const (
	// SubjectPrefix is the root of all callpilot subjects
	SubjectPrefix = "callpilot"

	SubjectCalls     = SubjectPrefix + ".calls"
	SubjectCampaigns = SubjectPrefix + ".campaigns"

	SubjectCallConnected         = "connected"
	SubjectCallEnded             = "ended"
	SubjectCallFailed            = "failed"
	SubjectCallTransferRequested = "transfer_requested"
	SubjectIVRAction             = "ivr.action"
	SubjectIVREnded              = "ivr.ended"
	SubjectCampaignCallResult    = "call_result"
	SubjectCampaignStatus        = "status"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("abc-123", "ended") => "callpilot.calls.abc-123.ended"
func CallSubject(sessionID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, sessionID, eventSuffix)
}

// CampaignSubject builds a subject for campaign events.
func CampaignSubject(campaignID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCampaigns, campaignID, eventSuffix)
}

// Subject patterns for common consumer configurations
var (
	PatternAllCalls      = SubjectCalls + ".>"
	PatternCallEnded     = SubjectCalls + ".*.ended"
	PatternAllCampaigns  = SubjectCampaigns + ".>"
	PatternCampaignCalls = SubjectCampaigns + ".*.call_result"
)

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case CallConnected:
		return SubjectCallConnected
	case CallEnded:
		return SubjectCallEnded
	case CallFailed:
		return SubjectCallFailed
	case CallTransferRequested:
		return SubjectCallTransferRequested
	case IVRAction:
		return SubjectIVRAction
	case IVREnded:
		return SubjectIVREnded
	case CampaignCallResult:
		return SubjectCampaignCallResult
	case CampaignStatusChanged:
		return SubjectCampaignStatus
	default:
		return "unknown"
	}
}
