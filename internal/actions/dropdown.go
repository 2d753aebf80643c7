package actions

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// Both scripts recognise native selects, ARIA listbox/menu/combobox widgets
// and class-convention custom dropdowns, searching four levels of
// descendants when the target itself is none of these.
var (
	//go:embed js/dropdown_options.js
	DropdownOptionsScript string
	//go:embed js/dropdown_select.js
	DropdownSelectScript string
)

type dropdownData struct {
	Type    string                  `json:"type"`
	Options []events.DropdownOption `json:"options"`
	ID      string                  `json:"id"`
	Name    string                  `json:"name"`
	Source  string                  `json:"source"`
	Error   string                  `json:"error"`
}

type selectionData struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Value   string `json:"value"`
	Error   string `json:"error"`
}

// FormatOptions renders one line per option. Text and value are JSON
// encoded so the caller can copy them back exactly.
func FormatOptions(opts []events.DropdownOption) string {
	lines := make([]string, len(opts))
	for i, o := range opts {
		text, _ := json.Marshal(o.Text)
		value, _ := json.Marshal(o.Value)
		status := ""
		if o.Selected {
			status = " (selected)"
		}
		lines[i] = fmt.Sprintf("%d: text=%s, value=%s%s", o.Index, text, value, status)
	}
	return strings.Join(lines, "\n")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// OnGetDropdownOptions lists the options of the dropdown at or below the node.
func (w *Watchdog) OnGetDropdownOptions(ctx context.Context, ev *events.GetDropdownOptions) (*events.DropdownOptions, error) {
	s, err := w.sessionFor(ctx, ev.Node, "get_dropdown_options")
	if err != nil {
		return nil, err
	}
	index := ev.Node.Index
	fail := func(err error) error {
		w.logger.Error("Failed to get dropdown options", zap.Int("index", index), zap.Error(err))
		return browsererr.Wrap(browsererr.KindDropdownFailed, "get_dropdown_options", err).WithIndex(index)
	}

	pctx := s.Context(ctx)
	obj, err := resolve(pctx, ev.Node.BackendNodeID)
	if err != nil {
		return nil, fail(err)
	}
	var data dropdownData
	if err := callOn(pctx, obj, DropdownOptionsScript, &data); err != nil {
		return nil, fail(err)
	}
	if data.Error != "" {
		return nil, fail(errors.New(data.Error))
	}
	if len(data.Options) == 0 {
		return nil, fail(errors.New("no options found in dropdown"))
	}
	if data.Type == "" {
		data.Type = "select"
	}

	formatted := FormatOptions(data.Options)
	info := fmt.Sprintf("Index: %d, Type: %s, ID: %s, Name: %s", index, data.Type, orNone(data.ID), orNone(data.Name))
	var msg string
	if data.Source == "target" {
		msg = fmt.Sprintf("Found %s dropdown (%s):\n%s", data.Type, info, formatted)
	} else {
		msg = fmt.Sprintf("Found %s dropdown in %s (%s):\n%s", data.Type, data.Source, info, formatted)
	}
	msg += fmt.Sprintf("\n\nUse the exact text or value string (without quotes) in select_dropdown_option(index=%d, text=...)", index)

	w.logger.Info("Found dropdown options",
		zap.Int("index", index), zap.Int("options", len(data.Options)), zap.String("source", data.Source))
	return &events.DropdownOptions{
		Type:      data.Type,
		Options:   data.Options,
		Source:    data.Source,
		Formatted: formatted,
		Message:   msg,
	}, nil
}

// OnSelectDropdownOption selects the option whose text or value matches
// ev.Text case-insensitively and fires the widget's change events.
func (w *Watchdog) OnSelectDropdownOption(ctx context.Context, ev *events.SelectDropdownOption) (*events.DropdownSelection, error) {
	s, err := w.sessionFor(ctx, ev.Node, "select_dropdown_option")
	if err != nil {
		return nil, err
	}
	index := ev.Node.Index
	fail := func(err error) error {
		w.logger.Error("Failed to select dropdown option",
			zap.Int("index", index), zap.String("text", ev.Text), zap.Error(err))
		return browsererr.Wrap(browsererr.KindDropdownFailed, "select_dropdown_option", err).WithIndex(index)
	}

	pctx := s.Context(ctx)
	obj, err := resolve(pctx, ev.Node.BackendNodeID)
	if err != nil {
		return nil, fail(err)
	}
	var res selectionData
	if err := callOn(pctx, obj, DropdownSelectScript, &res, ev.Text); err != nil {
		return nil, fail(err)
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "failed to select option: " + ev.Text
		}
		return nil, fail(errors.New(res.Error))
	}
	if res.Message == "" {
		res.Message = "Selected option: " + ev.Text
	}
	if res.Value == "" {
		res.Value = ev.Text
	}
	w.logger.Debug(res.Message, zap.Int("index", index))
	return &events.DropdownSelection{
		Success:      true,
		Message:      res.Message,
		Value:        res.Value,
		ElementIndex: index,
	}, nil
}
