package mail

import (
	"fmt"
	"strings"

	"github.com/yourname/smsvault/internal/record"
)

// CallTypeLabel returns the human-readable label for a call type.
func CallTypeLabel(callType int) string {
	switch callType {
	case record.CallIncoming:
		return "incoming call"
	case record.CallOutgoing:
		return "outgoing call"
	case record.CallMissed:
		return "missed call"
	case record.CallVoicemail:
		return "voicemail"
	case record.CallRejected:
		return "rejected call"
	default:
		return "call"
	}
}

// FormatCall renders the body of a call-log backup message:
//
//	42s (00:00:42)
//	+15551234 (incoming call)
//
// Missed calls have no duration line.
func FormatCall(callType int, number string, duration int) string {
	var b strings.Builder
	if callType != record.CallMissed {
		fmt.Fprintf(&b, "%ds (%s)\n", duration, FormatCallDuration(duration))
	}
	fmt.Fprintf(&b, "%s (%s)", number, CallTypeLabel(callType))
	return b.String()
}

// FormatCallDuration renders seconds as HH:MM:SS.
func FormatCallDuration(duration int) string {
	return fmt.Sprintf("%02d:%02d:%02d", duration/3600, duration%3600/60, duration%3600%60)
}
