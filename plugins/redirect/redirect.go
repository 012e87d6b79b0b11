// Package redirect provides a plugin that answers with a 302 and tags first
// time visitors with an ID cookie.
package redirect

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/adfront/config"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
)

// Name is the registered implementation name.
const Name = "redirect"

// Plugin issues redirects.
type Plugin struct {
	plugin.Base

	target        string
	allowOverride bool
	cookieName    string
	cookieDomain  string
	cookiePath    string
	cookieMaxAge  time.Duration
}

// New returns an uninitialised redirect plugin.
func New() plugin.Plugin {
	return &Plugin{}
}

// Init reads "target" (required), "allow_override", which lets the "to"
// query argument replace the target, and the cookie settings "cookie_name"
// (default "uid", "off" disables the cookie), "cookie_domain", "cookie_path"
// and "cookie_max_age".
func (p *Plugin) Init(cfg map[string]string) error {
	p.target = config.GetString(cfg, "target", "")
	if err := checkTarget(p.target); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: target: %v", errors.ErrConfig, err),
			"redirect", "Init", "read configuration")
	}
	p.allowOverride = config.GetBool(cfg, "allow_override", false)
	p.cookieName = config.GetString(cfg, "cookie_name", "uid")
	p.cookieDomain = config.GetString(cfg, "cookie_domain", "")
	p.cookiePath = config.GetString(cfg, "cookie_path", "/")
	p.cookieMaxAge = config.GetDuration(cfg, "cookie_max_age", 365*24*time.Hour)
	return nil
}

// Handle sets the redirect and, when the visitor has no ID cookie yet, the
// cookie fields.
func (p *Plugin) Handle(ctx *plugin.Context) (plugin.Status, error) {
	target := p.target
	if to := ctx.In("to"); p.allowOverride && to != "" {
		if err := checkTarget(to); err != nil {
			return plugin.StatusError, err
		}
		target = to
	}
	ctx.Redirect(target)

	if p.cookieName == "off" || hasCookie(ctx.In(plugin.KeyCookie), p.cookieName) {
		return plugin.StatusDone, nil
	}

	ctx.SetOut(plugin.OutSetCookie, "1")
	ctx.SetOut(plugin.OutCookieValue, p.cookieName+"="+uuid.NewString())
	ctx.SetOut(plugin.OutCookiePath, p.cookiePath)
	if p.cookieDomain != "" {
		ctx.SetOut(plugin.OutCookieDomain, p.cookieDomain)
	}
	if p.cookieMaxAge > 0 {
		ctx.SetOut(plugin.OutCookieExpires, strconv.Itoa(int(p.cookieMaxAge.Seconds())))
	}
	return plugin.StatusDone, nil
}

// checkTarget accepts absolute http(s) URLs and absolute paths.
func checkTarget(target string) error {
	if target == "" {
		return fmt.Errorf("empty redirect target")
	}
	if strings.ContainsAny(target, "\r\n") {
		return fmt.Errorf("redirect target contains a line break")
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("redirect target %q is not an absolute http(s) URL or path", target)
	}
	return nil
}

func hasCookie(header, name string) bool {
	for _, part := range strings.Split(header, ";") {
		k, _, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return true
		}
	}
	return false
}

// Register registers the redirect implementation.
func Register(registry *plugin.Registry) error {
	return registry.Register(Name, "Answers with a redirect and sets a visitor cookie", New)
}
