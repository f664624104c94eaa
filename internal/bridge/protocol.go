package bridge

import (
	"encoding/json"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/router"
)

// Frame types that are not lifecycle events.
const (
	FrameMessage = "message" // extension -> weaver: router request
	FrameReply   = "reply"   // weaver -> extension: router response
	FrameCommand = "command" // weaver -> extension: tab primitive
	FrameResult  = "result"  // extension -> weaver: command outcome
)

// Commands sent to the extension.
const (
	CmdQuery     = "query"
	CmdDiscard   = "discard"
	CmdReload    = "reload"
	CmdCreate    = "create"
	CmdRemove    = "remove"
	CmdFocus     = "focus"
	CmdFormCheck = "checkForm"
)

// Frame is one JSON message on the socket in either direction. Which fields
// are set depends on Type.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// Lifecycle events.
	TabID    int                 `json:"tabId,omitempty"`
	WindowID int                 `json:"windowId,omitempty"`
	Tab      *browser.Tab        `json:"tab,omitempty"`
	Tabs     []browser.Tab       `json:"tabs,omitempty"`
	Change   *browser.ChangeInfo `json:"changeInfo,omitempty"`

	// Router requests and replies.
	Message  json.RawMessage `json:"message,omitempty"`
	Sender   *router.Sender  `json:"sender,omitempty"`
	Response any             `json:"response,omitempty"`

	// Commands and results.
	Command string         `json:"command,omitempty"`
	TabIDs  []int          `json:"tabIds,omitempty"`
	URL     string         `json:"url,omitempty"`
	Active  *bool          `json:"active,omitempty"`
	Query   *browser.Query `json:"query,omitempty"`
	OK      *bool          `json:"ok,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// event converts an inbound frame into a lifecycle event.
func (f Frame) event() (browser.Event, bool) {
	kind := browser.EventKind(f.Type)
	switch kind {
	case browser.EventSnapshot, browser.EventCreated, browser.EventUpdated,
		browser.EventRemoved, browser.EventActivated, browser.EventFocusChanged,
		browser.EventTeardown:
	default:
		return browser.Event{}, false
	}
	return browser.Event{
		Kind:     kind,
		TabID:    f.TabID,
		WindowID: f.WindowID,
		Tab:      f.Tab,
		Tabs:     f.Tabs,
		Change:   f.Change,
	}, true
}
