package plugin

// Inbound field keys populated once when a request context is created.
const (
	KeyURL        = "url"         // URL-decoded query string
	KeyPluginName = "plugin_name" // last path segment before the query
	KeyCookie     = "cookie"
	KeyMethod     = "method" // MethodGet or MethodPost
	KeyForward    = "forward"
	KeyUserAgent  = "user_agent"
	KeyReferer    = "referer"
	KeyUserIP     = "userip"
	KeyPostBody   = "post_body" // present for POST requests only
)

// Method labels stored under KeyMethod.
const (
	MethodGet  = "GET"
	MethodPost = "POST"
)

// Outbound control keys a plugin may set to shape the response.
const (
	OutRedirect      = "redirect"       // truthy: answer 302 instead of a body
	OutRedirectURL   = "redirect_url"   // Location header value
	OutSetCookie     = "set_cookie"     // truthy: emit a Set-Cookie header
	OutCookieValue   = "cookie_value"   // name=value
	OutCookieDomain  = "cookie_domain"  // optional
	OutCookiePath    = "cookie_path"    // optional
	OutCookieExpires = "cookie_expires" // optional, seconds from now
)

// ReservedKeys lists the inbound keys that query arguments can never override.
var ReservedKeys = []string{
	KeyURL, KeyPluginName, KeyCookie, KeyMethod, KeyForward,
	KeyUserAgent, KeyReferer, KeyUserIP, KeyPostBody,
}

// Truthy reports whether an outbound flag value turns the flag on.
func Truthy(v string) bool {
	switch v {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}
