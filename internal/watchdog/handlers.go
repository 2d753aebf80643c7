package watchdog

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/tabpilot/internal/browserstate"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// One interface per event type. A watchdog handles an event by implementing
// the matching interface and listing the type in ListensTo.

type NavigateToURLHandler interface {
	OnNavigateToURL(ctx context.Context, ev *events.NavigateToURL) error
}
type ClickElementHandler interface {
	OnClickElement(ctx context.Context, ev *events.ClickElement) error
}
type TypeTextHandler interface {
	OnTypeText(ctx context.Context, ev *events.TypeText) error
}
type ScrollHandler interface {
	OnScroll(ctx context.Context, ev *events.Scroll) error
}
type ScrollToTextHandler interface {
	OnScrollToText(ctx context.Context, ev *events.ScrollToText) error
}
type SwitchTabHandler interface {
	OnSwitchTab(ctx context.Context, ev *events.SwitchTab) error
}
type CloseTabHandler interface {
	OnCloseTab(ctx context.Context, ev *events.CloseTab) error
}
type GoBackHandler interface {
	OnGoBack(ctx context.Context, ev *events.GoBack) error
}
type GoForwardHandler interface {
	OnGoForward(ctx context.Context, ev *events.GoForward) error
}
type RefreshHandler interface {
	OnRefresh(ctx context.Context, ev *events.Refresh) error
}
type WaitHandler interface {
	OnWait(ctx context.Context, ev *events.Wait) error
}
type SendKeysHandler interface {
	OnSendKeys(ctx context.Context, ev *events.SendKeys) error
}
type UploadFileHandler interface {
	OnUploadFile(ctx context.Context, ev *events.UploadFile) error
}
type GetDropdownOptionsHandler interface {
	OnGetDropdownOptions(ctx context.Context, ev *events.GetDropdownOptions) (*events.DropdownOptions, error)
}
type SelectDropdownOptionHandler interface {
	OnSelectDropdownOption(ctx context.Context, ev *events.SelectDropdownOption) (*events.DropdownSelection, error)
}

// ScreenshotHandler returns the base64 encoded PNG.
type ScreenshotHandler interface {
	OnScreenshot(ctx context.Context, ev *events.Screenshot) (string, error)
}
type BrowserStateRequestHandler interface {
	OnBrowserStateRequest(ctx context.Context, ev *events.BrowserStateRequest) (*browserstate.Snapshot, error)
}

type BrowserStartHandler interface {
	OnBrowserStart(ctx context.Context, ev *events.BrowserStart) error
}
type BrowserStopHandler interface {
	OnBrowserStop(ctx context.Context, ev *events.BrowserStop) error
}

// BrowserLaunchHandler returns the CDP url of the launched process.
type BrowserLaunchHandler interface {
	OnBrowserLaunch(ctx context.Context, ev *events.BrowserLaunch) (string, error)
}
type BrowserKillHandler interface {
	OnBrowserKill(ctx context.Context, ev *events.BrowserKill) error
}
type BrowserConnectedHandler interface {
	OnBrowserConnected(ctx context.Context, ev *events.BrowserConnected) error
}
type BrowserStoppedHandler interface {
	OnBrowserStopped(ctx context.Context, ev *events.BrowserStopped) error
}
type BrowserProcessCrashedHandler interface {
	OnBrowserProcessCrashed(ctx context.Context, ev *events.BrowserProcessCrashed) error
}
type BrowserErrorHandler interface {
	OnBrowserError(ctx context.Context, ev *events.BrowserError) error
}

type TabCreatedHandler interface {
	OnTabCreated(ctx context.Context, ev *events.TabCreated) error
}
type TabClosedHandler interface {
	OnTabClosed(ctx context.Context, ev *events.TabClosed) error
}
type AgentFocusChangedHandler interface {
	OnAgentFocusChanged(ctx context.Context, ev *events.AgentFocusChanged) error
}
type HumanFocusChangedHandler interface {
	OnHumanFocusChanged(ctx context.Context, ev *events.HumanFocusChanged) error
}
type TargetCrashedHandler interface {
	OnTargetCrashed(ctx context.Context, ev *events.TargetCrashed) error
}
type NavigationStartedHandler interface {
	OnNavigationStarted(ctx context.Context, ev *events.NavigationStarted) error
}
type NavigationCompleteHandler interface {
	OnNavigationComplete(ctx context.Context, ev *events.NavigationComplete) error
}

type SaveStorageStateHandler interface {
	OnSaveStorageState(ctx context.Context, ev *events.SaveStorageState) error
}
type LoadStorageStateHandler interface {
	OnLoadStorageState(ctx context.Context, ev *events.LoadStorageState) error
}
type StorageStateSavedHandler interface {
	OnStorageStateSaved(ctx context.Context, ev *events.StorageStateSaved) error
}
type StorageStateLoadedHandler interface {
	OnStorageStateLoaded(ctx context.Context, ev *events.StorageStateLoaded) error
}
type FileDownloadedHandler interface {
	OnFileDownloaded(ctx context.Context, ev *events.FileDownloaded) error
}

// binder adapts w to a bus handler when w implements the handler interface
// for one event type.
type binder func(w Watchdog) (eventbus.HandlerFunc, bool)

func bind[H any, E events.Event](call func(h H, ctx context.Context, ev E) (any, error)) binder {
	return func(w Watchdog) (eventbus.HandlerFunc, bool) {
		h, ok := w.(H)
		if !ok {
			return nil, false
		}
		return func(ctx context.Context, ev events.Event) (any, error) {
			e, ok := ev.(E)
			if !ok {
				return nil, fmt.Errorf("handler for %s received %T", ev.EventType(), ev)
			}
			return call(h, ctx, e)
		}, true
	}
}

func none(err error) (any, error) { return nil, err }

// some keeps typed nils out of the handle's results.
func some[T comparable](v T, err error) (any, error) {
	var zero T
	if err != nil || v == zero {
		return nil, err
	}
	return v, nil
}

var binders = map[events.Type]binder{
	events.TypeNavigateToURL: bind(func(h NavigateToURLHandler, ctx context.Context, ev *events.NavigateToURL) (any, error) {
		return none(h.OnNavigateToURL(ctx, ev))
	}),
	events.TypeClickElement: bind(func(h ClickElementHandler, ctx context.Context, ev *events.ClickElement) (any, error) {
		return none(h.OnClickElement(ctx, ev))
	}),
	events.TypeTypeText: bind(func(h TypeTextHandler, ctx context.Context, ev *events.TypeText) (any, error) {
		return none(h.OnTypeText(ctx, ev))
	}),
	events.TypeScroll: bind(func(h ScrollHandler, ctx context.Context, ev *events.Scroll) (any, error) {
		return none(h.OnScroll(ctx, ev))
	}),
	events.TypeScrollToText: bind(func(h ScrollToTextHandler, ctx context.Context, ev *events.ScrollToText) (any, error) {
		return none(h.OnScrollToText(ctx, ev))
	}),
	events.TypeSwitchTab: bind(func(h SwitchTabHandler, ctx context.Context, ev *events.SwitchTab) (any, error) {
		return none(h.OnSwitchTab(ctx, ev))
	}),
	events.TypeCloseTab: bind(func(h CloseTabHandler, ctx context.Context, ev *events.CloseTab) (any, error) {
		return none(h.OnCloseTab(ctx, ev))
	}),
	events.TypeGoBack: bind(func(h GoBackHandler, ctx context.Context, ev *events.GoBack) (any, error) {
		return none(h.OnGoBack(ctx, ev))
	}),
	events.TypeGoForward: bind(func(h GoForwardHandler, ctx context.Context, ev *events.GoForward) (any, error) {
		return none(h.OnGoForward(ctx, ev))
	}),
	events.TypeRefresh: bind(func(h RefreshHandler, ctx context.Context, ev *events.Refresh) (any, error) {
		return none(h.OnRefresh(ctx, ev))
	}),
	events.TypeWait: bind(func(h WaitHandler, ctx context.Context, ev *events.Wait) (any, error) {
		return none(h.OnWait(ctx, ev))
	}),
	events.TypeSendKeys: bind(func(h SendKeysHandler, ctx context.Context, ev *events.SendKeys) (any, error) {
		return none(h.OnSendKeys(ctx, ev))
	}),
	events.TypeUploadFile: bind(func(h UploadFileHandler, ctx context.Context, ev *events.UploadFile) (any, error) {
		return none(h.OnUploadFile(ctx, ev))
	}),
	events.TypeGetDropdownOptions: bind(func(h GetDropdownOptionsHandler, ctx context.Context, ev *events.GetDropdownOptions) (any, error) {
		return some(h.OnGetDropdownOptions(ctx, ev))
	}),
	events.TypeSelectDropdownOption: bind(func(h SelectDropdownOptionHandler, ctx context.Context, ev *events.SelectDropdownOption) (any, error) {
		return some(h.OnSelectDropdownOption(ctx, ev))
	}),
	events.TypeScreenshot: bind(func(h ScreenshotHandler, ctx context.Context, ev *events.Screenshot) (any, error) {
		return some(h.OnScreenshot(ctx, ev))
	}),
	events.TypeBrowserStateRequest: bind(func(h BrowserStateRequestHandler, ctx context.Context, ev *events.BrowserStateRequest) (any, error) {
		return some(h.OnBrowserStateRequest(ctx, ev))
	}),
	events.TypeBrowserStart: bind(func(h BrowserStartHandler, ctx context.Context, ev *events.BrowserStart) (any, error) {
		return none(h.OnBrowserStart(ctx, ev))
	}),
	events.TypeBrowserStop: bind(func(h BrowserStopHandler, ctx context.Context, ev *events.BrowserStop) (any, error) {
		return none(h.OnBrowserStop(ctx, ev))
	}),
	events.TypeBrowserLaunch: bind(func(h BrowserLaunchHandler, ctx context.Context, ev *events.BrowserLaunch) (any, error) {
		return some(h.OnBrowserLaunch(ctx, ev))
	}),
	events.TypeBrowserKill: bind(func(h BrowserKillHandler, ctx context.Context, ev *events.BrowserKill) (any, error) {
		return none(h.OnBrowserKill(ctx, ev))
	}),
	events.TypeBrowserConnected: bind(func(h BrowserConnectedHandler, ctx context.Context, ev *events.BrowserConnected) (any, error) {
		return none(h.OnBrowserConnected(ctx, ev))
	}),
	events.TypeBrowserStopped: bind(func(h BrowserStoppedHandler, ctx context.Context, ev *events.BrowserStopped) (any, error) {
		return none(h.OnBrowserStopped(ctx, ev))
	}),
	events.TypeBrowserProcessCrashed: bind(func(h BrowserProcessCrashedHandler, ctx context.Context, ev *events.BrowserProcessCrashed) (any, error) {
		return none(h.OnBrowserProcessCrashed(ctx, ev))
	}),
	events.TypeBrowserError: bind(func(h BrowserErrorHandler, ctx context.Context, ev *events.BrowserError) (any, error) {
		return none(h.OnBrowserError(ctx, ev))
	}),
	events.TypeTabCreated: bind(func(h TabCreatedHandler, ctx context.Context, ev *events.TabCreated) (any, error) {
		return none(h.OnTabCreated(ctx, ev))
	}),
	events.TypeTabClosed: bind(func(h TabClosedHandler, ctx context.Context, ev *events.TabClosed) (any, error) {
		return none(h.OnTabClosed(ctx, ev))
	}),
	events.TypeAgentFocusChanged: bind(func(h AgentFocusChangedHandler, ctx context.Context, ev *events.AgentFocusChanged) (any, error) {
		return none(h.OnAgentFocusChanged(ctx, ev))
	}),
	events.TypeHumanFocusChanged: bind(func(h HumanFocusChangedHandler, ctx context.Context, ev *events.HumanFocusChanged) (any, error) {
		return none(h.OnHumanFocusChanged(ctx, ev))
	}),
	events.TypeTargetCrashed: bind(func(h TargetCrashedHandler, ctx context.Context, ev *events.TargetCrashed) (any, error) {
		return none(h.OnTargetCrashed(ctx, ev))
	}),
	events.TypeNavigationStarted: bind(func(h NavigationStartedHandler, ctx context.Context, ev *events.NavigationStarted) (any, error) {
		return none(h.OnNavigationStarted(ctx, ev))
	}),
	events.TypeNavigationComplete: bind(func(h NavigationCompleteHandler, ctx context.Context, ev *events.NavigationComplete) (any, error) {
		return none(h.OnNavigationComplete(ctx, ev))
	}),
	events.TypeSaveStorageState: bind(func(h SaveStorageStateHandler, ctx context.Context, ev *events.SaveStorageState) (any, error) {
		return none(h.OnSaveStorageState(ctx, ev))
	}),
	events.TypeLoadStorageState: bind(func(h LoadStorageStateHandler, ctx context.Context, ev *events.LoadStorageState) (any, error) {
		return none(h.OnLoadStorageState(ctx, ev))
	}),
	events.TypeStorageStateSaved: bind(func(h StorageStateSavedHandler, ctx context.Context, ev *events.StorageStateSaved) (any, error) {
		return none(h.OnStorageStateSaved(ctx, ev))
	}),
	events.TypeStorageStateLoaded: bind(func(h StorageStateLoadedHandler, ctx context.Context, ev *events.StorageStateLoaded) (any, error) {
		return none(h.OnStorageStateLoaded(ctx, ev))
	}),
	events.TypeFileDownloaded: bind(func(h FileDownloadedHandler, ctx context.Context, ev *events.FileDownloaded) (any, error) {
		return none(h.OnFileDownloaded(ctx, ev))
	}),
}
