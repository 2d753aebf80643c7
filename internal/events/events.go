// Package events declares every message that travels over the event bus.
//
// Events are passed as pointers. The bus stamps the Header when an event is
// dispatched; handlers must treat events as read-only.
package events

import (
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/dom"
)

// Type names an event kind.
type Type string

// Event is implemented by every bus message.
type Event interface {
	EventType() Type
	EventHeader() *Header
}

// Header carries identity and causal links.
type Header struct {
	ID            string
	ParentID      string
	GrandparentID string
	CreatedAt     time.Time
}

// EventHeader returns h so that embedding Header satisfies Event.
func (h *Header) EventHeader() *Header { return h }

const (
	// Actions
	TypeNavigateToURL        Type = "NavigateToUrlEvent"
	TypeClickElement         Type = "ClickElementEvent"
	TypeTypeText             Type = "TypeTextEvent"
	TypeScroll               Type = "ScrollEvent"
	TypeScrollToText         Type = "ScrollToTextEvent"
	TypeSwitchTab            Type = "SwitchTabEvent"
	TypeCloseTab             Type = "CloseTabEvent"
	TypeGoBack               Type = "GoBackEvent"
	TypeGoForward            Type = "GoForwardEvent"
	TypeRefresh              Type = "RefreshEvent"
	TypeWait                 Type = "WaitEvent"
	TypeSendKeys             Type = "SendKeysEvent"
	TypeUploadFile           Type = "UploadFileEvent"
	TypeGetDropdownOptions   Type = "GetDropdownOptionsEvent"
	TypeSelectDropdownOption Type = "SelectDropdownOptionEvent"
	TypeScreenshot           Type = "ScreenshotEvent"
	TypeBrowserStateRequest  Type = "BrowserStateRequestEvent"

	// Browser lifecycle
	TypeBrowserStart          Type = "BrowserStartEvent"
	TypeBrowserStop           Type = "BrowserStopEvent"
	TypeBrowserLaunch         Type = "BrowserLaunchEvent"
	TypeBrowserKill           Type = "BrowserKillEvent"
	TypeBrowserConnected      Type = "BrowserConnectedEvent"
	TypeBrowserStopped        Type = "BrowserStoppedEvent"
	TypeBrowserProcessCrashed Type = "BrowserProcessCrashedEvent"
	TypeBrowserError          Type = "BrowserErrorEvent"

	// Tabs and navigation
	TypeTabCreated         Type = "TabCreatedEvent"
	TypeTabClosed          Type = "TabClosedEvent"
	TypeAgentFocusChanged  Type = "AgentFocusChangedEvent"
	TypeHumanFocusChanged  Type = "HumanFocusChangedEvent"
	TypeTargetCrashed      Type = "TargetCrashedEvent"
	TypeNavigationStarted  Type = "NavigationStartedEvent"
	TypeNavigationComplete Type = "NavigationCompleteEvent"

	// Storage and downloads
	TypeSaveStorageState   Type = "SaveStorageStateEvent"
	TypeLoadStorageState   Type = "LoadStorageStateEvent"
	TypeStorageStateSaved  Type = "StorageStateSavedEvent"
	TypeStorageStateLoaded Type = "StorageStateLoadedEvent"
	TypeFileDownloaded     Type = "FileDownloadedEvent"
)

// BlankURL is the placeholder page url.
const BlankURL = "about:blank"

// -- Actions --

// NavigateToURL loads URL in the focused tab, or a new one when NewTab is set.
type NavigateToURL struct {
	Header
	URL       string
	NewTab    bool
	WaitUntil string
	Timeout   time.Duration
}

// ClickElement clicks a resolved node. NewTab holds the platform modifier so
// links open in a background tab.
type ClickElement struct {
	Header
	Node   *dom.Node
	Button string
	NewTab bool
}

// TypeText types into Node, or into the page when Node is nil or has index 0.
type TypeText struct {
	Header
	Node  *dom.Node
	Text  string
	Clear bool
}

// Scroll scrolls the page, or Node's scroll container when set.
type Scroll struct {
	Header
	Direction string // up, down, left, right
	Amount    int
	Node      *dom.Node
}

type ScrollToText struct {
	Header
	Text      string
	Direction string
}

type SwitchTab struct {
	Header
	// TargetID empty selects the most recently opened page.
	TargetID target.ID
}

type CloseTab struct {
	Header
	TargetID target.ID
}

type GoBack struct{ Header }
type GoForward struct{ Header }
type Refresh struct{ Header }

// Wait sleeps for Seconds, capped at MaxSeconds (10 when unset).
type Wait struct {
	Header
	Seconds    float64
	MaxSeconds float64
}

// SendKeys sends a key or a "+"-joined combination such as "ctrl+a".
type SendKeys struct {
	Header
	Keys string
}

type UploadFile struct {
	Header
	Node     *dom.Node
	FilePath string
}

type GetDropdownOptions struct {
	Header
	Node *dom.Node
}

type SelectDropdownOption struct {
	Header
	Node *dom.Node
	Text string
}

// Screenshot captures the focused target. Clip is optional.
type Screenshot struct {
	Header
	FullPage bool
	Clip     *dom.Rect
}

// BrowserStateRequest asks for a complete snapshot of the focused page.
// The DOM is extracted unless SkipDOM is set.
type BrowserStateRequest struct {
	Header
	SkipDOM             bool
	IncludeScreenshot   bool
	IncludeRecentEvents bool
}

// -- Browser lifecycle --

type BrowserStart struct {
	Header
	CDPURL string
}

type BrowserStop struct {
	Header
	Force bool
}

// BrowserLaunch starts a local browser process; the handler returns its CDP url.
type BrowserLaunch struct{ Header }

type BrowserKill struct{ Header }

type BrowserConnected struct {
	Header
	CDPURL string
}

type BrowserStopped struct {
	Header
	Reason string
}

// BrowserProcessCrashed is fatal: no further recovery is attempted.
type BrowserProcessCrashed struct {
	Header
	Reason string
}

// BrowserError reports a typed, non-fatal failure.
type BrowserError struct {
	Header
	Kind    browsererr.Kind
	Message string
	Details map[string]string
}

// -- Tabs and navigation --

type TabCreated struct {
	Header
	TargetID target.ID
	URL      string
}

type TabClosed struct {
	Header
	TargetID target.ID
}

type AgentFocusChanged struct {
	Header
	TargetID target.ID
	URL      string
}

type HumanFocusChanged struct {
	Header
	TargetID target.ID
	URL      string
}

type TargetCrashed struct {
	Header
	TargetID target.ID
	Error    string
}

type NavigationStarted struct {
	Header
	TargetID target.ID
	URL      string
}

type NavigationComplete struct {
	Header
	TargetID target.ID
	URL      string
	Error    string
}

// -- Storage and downloads --

type SaveStorageState struct {
	Header
	// Path overrides the configured storage-state file.
	Path string
	// IfChanged skips the save when the cookies match those last saved or
	// loaded.
	IfChanged bool
}

type LoadStorageState struct {
	Header
	Path string
}

type StorageStateSaved struct {
	Header
	Path    string
	Cookies int
	Origins int
}

type StorageStateLoaded struct {
	Header
	Path    string
	Cookies int
	Origins int
}

type FileDownloaded struct {
	Header
	URL          string
	Path         string
	FileName     string
	FileSize     int64
	FileType     string
	MimeType     string
	FromCache    bool
	AutoDownload bool
}

func (*NavigateToURL) EventType() Type         { return TypeNavigateToURL }
func (*ClickElement) EventType() Type          { return TypeClickElement }
func (*TypeText) EventType() Type              { return TypeTypeText }
func (*Scroll) EventType() Type                { return TypeScroll }
func (*ScrollToText) EventType() Type          { return TypeScrollToText }
func (*SwitchTab) EventType() Type             { return TypeSwitchTab }
func (*CloseTab) EventType() Type              { return TypeCloseTab }
func (*GoBack) EventType() Type                { return TypeGoBack }
func (*GoForward) EventType() Type             { return TypeGoForward }
func (*Refresh) EventType() Type               { return TypeRefresh }
func (*Wait) EventType() Type                  { return TypeWait }
func (*SendKeys) EventType() Type              { return TypeSendKeys }
func (*UploadFile) EventType() Type            { return TypeUploadFile }
func (*GetDropdownOptions) EventType() Type    { return TypeGetDropdownOptions }
func (*SelectDropdownOption) EventType() Type  { return TypeSelectDropdownOption }
func (*Screenshot) EventType() Type            { return TypeScreenshot }
func (*BrowserStateRequest) EventType() Type   { return TypeBrowserStateRequest }
func (*BrowserStart) EventType() Type          { return TypeBrowserStart }
func (*BrowserStop) EventType() Type           { return TypeBrowserStop }
func (*BrowserLaunch) EventType() Type         { return TypeBrowserLaunch }
func (*BrowserKill) EventType() Type           { return TypeBrowserKill }
func (*BrowserConnected) EventType() Type      { return TypeBrowserConnected }
func (*BrowserStopped) EventType() Type        { return TypeBrowserStopped }
func (*BrowserProcessCrashed) EventType() Type { return TypeBrowserProcessCrashed }
func (*BrowserError) EventType() Type          { return TypeBrowserError }
func (*TabCreated) EventType() Type            { return TypeTabCreated }
func (*TabClosed) EventType() Type             { return TypeTabClosed }
func (*AgentFocusChanged) EventType() Type     { return TypeAgentFocusChanged }
func (*HumanFocusChanged) EventType() Type     { return TypeHumanFocusChanged }
func (*TargetCrashed) EventType() Type         { return TypeTargetCrashed }
func (*NavigationStarted) EventType() Type     { return TypeNavigationStarted }
func (*NavigationComplete) EventType() Type    { return TypeNavigationComplete }
func (*SaveStorageState) EventType() Type      { return TypeSaveStorageState }
func (*LoadStorageState) EventType() Type      { return TypeLoadStorageState }
func (*StorageStateSaved) EventType() Type     { return TypeStorageStateSaved }
func (*StorageStateLoaded) EventType() Type    { return TypeStorageStateLoaded }
func (*FileDownloaded) EventType() Type        { return TypeFileDownloaded }

// IsBlankURL reports whether url is one of the new-tab placeholders.
func IsBlankURL(url string) bool {
	switch url {
	case BlankURL, "chrome://new-tab-page/", "chrome://newtab/", "chrome://new-tab-page", "chrome://newtab":
		return true
	}
	return false
}

// -- Results --

// DropdownOption is one entry of a native, ARIA or custom dropdown.
type DropdownOption struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Value    string `json:"value"`
	Selected bool   `json:"selected,omitempty"`
}

// DropdownOptions is the result of GetDropdownOptions.
type DropdownOptions struct {
	// Type is "select", "aria" or "custom".
	Type    string           `json:"type"`
	Options []DropdownOption `json:"options"`
	// Source names the element the options were read from: "target" or "child-depth-N".
	Source string `json:"source"`
	// Formatted holds one "{index}: text=..., value=..." line per option.
	Formatted string `json:"formatted_options"`
	Message   string `json:"message"`
}

// DropdownSelection is the result of SelectDropdownOption.
type DropdownSelection struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Value        string `json:"value"`
	ElementIndex int    `json:"element_index"`
}
