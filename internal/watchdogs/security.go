package watchdogs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

type ruleKind int

const (
	ruleHost ruleKind = iota
	ruleSubdomains
	rulePrefix
	ruleHostGlob
)

type domainRule struct {
	kind    ruleKind
	pattern string
	glob    glob.Glob
}

// DomainPolicy decides which URLs the browser may visit.
type DomainPolicy struct {
	rules []domainRule
	globs bool
}

// NewDomainPolicy compiles allowed domain patterns:
//
//	example.com              that host only, any scheme
//	*.example.com            example.com and its subdomains, http(s) only
//	https://example.com/app  URLs starting with the prefix
//	chrome://*               URLs starting with "chrome://"
//	ex*.com                  host glob
//
// No patterns allows every URL.
func NewDomainPolicy(patterns []string) (*DomainPolicy, error) {
	p := &DomainPolicy{}
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		r := domainRule{pattern: pat}
		switch {
		case strings.HasPrefix(pat, "*."):
			r.kind = ruleSubdomains
			r.pattern = strings.ToLower(pat[2:])
		case strings.HasSuffix(pat, "/*"):
			r.kind = rulePrefix
			r.pattern = pat[:len(pat)-1]
		case strings.Contains(pat, "*"):
			g, err := glob.Compile(strings.ToLower(pat))
			if err != nil {
				return nil, fmt.Errorf("invalid allowed domain %q: %w", pat, err)
			}
			r.kind = ruleHostGlob
			r.glob = g
		case hasURLScheme(pat):
			r.kind = rulePrefix
		default:
			r.kind = ruleHost
			r.pattern = strings.ToLower(pat)
		}
		p.globs = p.globs || strings.Contains(pat, "*")
		p.rules = append(p.rules, r)
	}
	return p, nil
}

func hasURLScheme(s string) bool {
	for _, scheme := range []string{"http://", "https://", "chrome://", "brave://", "file://"} {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

// Restricted reports whether any pattern is configured.
func (p *DomainPolicy) Restricted() bool { return len(p.rules) > 0 }

// Allowed reports whether rawURL may be visited. Blank and new tab pages are
// always allowed.
func (p *DomainPolicy) Allowed(rawURL string) bool {
	if !p.Restricted() || events.IsBlankURL(rawURL) {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	web := u.Scheme == "http" || u.Scheme == "https"

	for _, r := range p.rules {
		switch r.kind {
		case ruleHost:
			if host == r.pattern {
				return true
			}
		case ruleSubdomains:
			if web && (host == r.pattern || strings.HasSuffix(host, "."+r.pattern)) {
				return true
			}
		case rulePrefix:
			if strings.HasPrefix(rawURL, r.pattern) {
				return true
			}
		case ruleHostGlob:
			if r.glob.Match(host) {
				return true
			}
		}
	}
	return false
}

// Security keeps the browser inside the allowed domains. Navigation to a
// disallowed URL is refused before any other handler runs, and tabs that end
// up on one anyway (redirects, window.open) are closed.
type Security struct {
	pool   *session.Pool
	bus    *eventbus.Bus
	policy *DomainPolicy
	logger *zap.Logger
}

func NewSecurity(pool *session.Pool, bus *eventbus.Bus, allowed []string, logger *zap.Logger) (*Security, error) {
	policy, err := NewDomainPolicy(allowed)
	if err != nil {
		return nil, err
	}
	w := &Security{pool: pool, bus: bus, policy: policy, logger: logger.Named("security_watchdog")}
	if policy.globs {
		w.logger.Warn("allowed_domains uses glob patterns; *.example.com also matches example.com itself")
	}
	return w, nil
}

func (w *Security) Name() string { return "security_watchdog" }

func (w *Security) ListensTo() []events.Type {
	return []events.Type{
		events.TypeNavigateToURL,
		events.TypeNavigationComplete,
		events.TypeTabCreated,
	}
}

func (w *Security) Emits() []events.Type {
	return []events.Type{events.TypeBrowserError}
}

// OnNavigateToURL refuses disallowed URLs and stops the navigation.
func (w *Security) OnNavigateToURL(ctx context.Context, ev *events.NavigateToURL) error {
	if w.policy.Allowed(ev.URL) {
		return nil
	}
	w.logger.Warn("Blocking navigation to disallowed URL", zap.String("url", ev.URL))
	reportError(ctx, w.bus, browsererr.KindNavigationBlocked,
		"Navigation blocked to disallowed URL: "+ev.URL,
		map[string]string{"url": ev.URL, "reason": "not_in_allowed_domains"})
	berr := browsererr.New(browsererr.KindNavigationBlocked, "navigate", "url is outside the allowed domains").
		WithURL(ev.URL).
		WithRemediation("Navigate to a URL within the allowed domains")
	return fmt.Errorf("%w: %w", eventbus.ErrStopPropagation, berr)
}

// OnNavigationComplete closes a tab that landed on a disallowed URL, e.g.
// through a redirect.
func (w *Security) OnNavigationComplete(ctx context.Context, ev *events.NavigationComplete) error {
	if w.policy.Allowed(ev.URL) {
		return nil
	}
	w.logger.Warn("Navigation reached a disallowed URL", zap.String("url", ev.URL))
	reportError(ctx, w.bus, browsererr.KindNavigationBlocked,
		"Navigation to non-allowed URL: "+ev.URL,
		map[string]string{"url": ev.URL, "target_id": string(ev.TargetID)})
	w.closeTab(ctx, ev.TargetID, ev.URL)
	return nil
}

// OnTabCreated closes tabs opened on a disallowed URL. The remaining tab
// setup handlers are skipped for them.
func (w *Security) OnTabCreated(ctx context.Context, ev *events.TabCreated) error {
	if w.policy.Allowed(ev.URL) {
		return nil
	}
	w.logger.Warn("Tab opened on a disallowed URL", zap.String("url", ev.URL))
	reportError(ctx, w.bus, browsererr.KindNavigationBlocked,
		"Tab created with non-allowed URL: "+ev.URL,
		map[string]string{"url": ev.URL, "target_id": string(ev.TargetID)})
	w.closeTab(ctx, ev.TargetID, ev.URL)
	berr := browsererr.New(browsererr.KindNavigationBlocked, "open_tab", "tab url is outside the allowed domains").
		WithURL(ev.URL)
	return fmt.Errorf("%w: %w", eventbus.ErrStopPropagation, berr)
}

func (w *Security) closeTab(ctx context.Context, id target.ID, u string) {
	if id == "" {
		return
	}
	if err := w.pool.CloseTab(ctx, id); err != nil {
		w.logger.Error("Failed to close tab with disallowed URL",
			zap.String("target_id", string(id)), zap.String("url", u), zap.Error(err))
		return
	}
	w.logger.Info("Closed tab with disallowed URL", zap.String("target_id", string(id)), zap.String("url", u))
}
