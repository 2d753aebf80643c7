package actions

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/input"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

var namedKeys = map[string]string{
	"enter":     "Enter",
	"return":    "Enter",
	"tab":       "Tab",
	"delete":    "Delete",
	"backspace": "Backspace",
	"escape":    "Escape",
	"esc":       "Escape",
	"space":     " ",
	"up":        "ArrowUp",
	"down":      "ArrowDown",
	"left":      "ArrowLeft",
	"right":     "ArrowRight",
	"pageup":    "PageUp",
	"pagedown":  "PageDown",
	"home":      "Home",
	"end":       "End",
}

var virtualKeyCodes = map[string]int64{
	"enter":     13,
	"return":    13,
	"tab":       9,
	"escape":    27,
	"esc":       27,
	"space":     32,
	"backspace": 8,
	"delete":    46,
	"up":        38,
	"down":      40,
	"left":      37,
	"right":     39,
	"home":      36,
	"end":       35,
	"pageup":    33,
	"pagedown":  34,
}

var modifierNames = map[string]input.Modifier{
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"ctrl":    input.ModifierCtrl,
	"control": input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
	"shift":   input.ModifierShift,
}

// KeyPress is a parsed SendKeys string.
type KeyPress struct {
	// Name is the lower-cased key as written, e.g. "enter" or "a".
	Name      string
	Key       string
	Modifiers input.Modifier
	Combo     bool
}

// ParseKeys splits "ctrl+shift+a" style combinations. Unknown modifier
// names are ignored.
func ParseKeys(keys string) KeyPress {
	keys = strings.ToLower(keys)
	if !strings.Contains(keys, "+") || keys == "+" {
		return KeyPress{Name: keys, Key: keyName(keys)}
	}
	parts := strings.Split(keys, "+")
	name := parts[len(parts)-1]
	var mods input.Modifier
	for _, p := range parts[:len(parts)-1] {
		mods |= modifierNames[strings.TrimSpace(p)]
	}
	key := name
	if len([]rune(name)) == 1 {
		key = strings.ToUpper(name)
	}
	return KeyPress{Name: name, Key: key, Modifiers: mods, Combo: true}
}

func keyName(name string) string {
	if k, ok := namedKeys[name]; ok {
		return k
	}
	return name
}

// Sequence returns the key events for p in dispatch order.
func (p KeyPress) Sequence() []*input.DispatchKeyEventParams {
	if p.Combo {
		return []*input.DispatchKeyEventParams{
			input.DispatchKeyEvent(input.KeyRawDown).WithKey(p.Key).WithModifiers(p.Modifiers),
			input.DispatchKeyEvent(input.KeyUp).WithKey(p.Key).WithModifiers(p.Modifiers),
		}
	}

	vk, hasVK := virtualKeyCodes[p.Name]
	switch p.Name {
	case "enter", "return", "space":
		text := " "
		if p.Name != "space" {
			text = "\r"
		}
		return []*input.DispatchKeyEventParams{
			input.DispatchKeyEvent(input.KeyRawDown).WithWindowsVirtualKeyCode(vk).WithCode(p.Key).WithKey(p.Key),
			input.DispatchKeyEvent(input.KeyChar).WithText(text).WithUnmodifiedText(text),
			input.DispatchKeyEvent(input.KeyUp).WithWindowsVirtualKeyCode(vk).WithCode(p.Key).WithKey(p.Key),
		}
	}

	down := input.KeyDown
	if _, named := namedKeys[p.Name]; named {
		down = input.KeyRawDown
	}
	if hasVK {
		return []*input.DispatchKeyEventParams{
			input.DispatchKeyEvent(down).WithKey(p.Key).WithWindowsVirtualKeyCode(vk).WithCode(p.Key),
			input.DispatchKeyEvent(input.KeyUp).WithKey(p.Key).WithWindowsVirtualKeyCode(vk).WithCode(p.Key),
		}
	}
	return []*input.DispatchKeyEventParams{
		input.DispatchKeyEvent(down).WithKey(p.Key),
		input.DispatchKeyEvent(input.KeyUp).WithKey(p.Key),
	}
}

// OnSendKeys sends a key or combination to the focused page. After enter it
// waits briefly for a possible navigation.
func (w *Watchdog) OnSendKeys(ctx context.Context, ev *events.SendKeys) error {
	s, err := w.focused(ctx)
	if err != nil {
		return err
	}
	pctx := s.Context(ctx)
	for _, p := range ParseKeys(ev.Keys).Sequence() {
		if err := key(pctx, p); err != nil {
			return browsererr.Wrap(browsererr.KindTypeFailed, "send_keys", err)
		}
	}
	w.logger.Info("Sent keys", zap.String("keys", ev.Keys))

	lower := strings.ToLower(ev.Keys)
	if strings.Contains(lower, "enter") || strings.Contains(lower, "return") {
		return sleep(ctx, w.opts.ClickSettle)
	}
	return nil
}
