package browserstate

import (
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// RecentEventLimit is how many bus events a snapshot carries.
const RecentEventLimit = 10

// RecentEvents summarizes processed bus events, newest first.
func RecentEvents(evs []events.Event) []RecentEvent {
	out := make([]RecentEvent, 0, len(evs))
	for _, ev := range evs {
		re := RecentEvent{
			EventType: string(ev.EventType()),
			Timestamp: ev.EventHeader().CreatedAt,
		}
		switch e := ev.(type) {
		case *events.NavigateToURL:
			re.URL = e.URL
		case *events.NavigationStarted:
			re.URL, re.TargetID = e.URL, string(e.TargetID)
		case *events.NavigationComplete:
			re.URL, re.TargetID, re.ErrorMessage = e.URL, string(e.TargetID), e.Error
		case *events.TabCreated:
			re.URL, re.TargetID = e.URL, string(e.TargetID)
		case *events.TabClosed:
			re.TargetID = string(e.TargetID)
		case *events.SwitchTab:
			re.TargetID = string(e.TargetID)
		case *events.CloseTab:
			re.TargetID = string(e.TargetID)
		case *events.AgentFocusChanged:
			re.URL, re.TargetID = e.URL, string(e.TargetID)
		case *events.TargetCrashed:
			re.TargetID, re.ErrorMessage = string(e.TargetID), e.Error
		case *events.BrowserError:
			re.ErrorMessage = e.Message
		case *events.BrowserProcessCrashed:
			re.ErrorMessage = e.Reason
		case *events.FileDownloaded:
			re.URL = e.URL
		}
		out = append(out, re)
	}
	return out
}
