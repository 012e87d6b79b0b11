// Package extract turns an inbound HTTP request into the flat field map a
// plugin context is created from.
package extract

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
)

// platformMarker ends the part of the decoded query that is split into
// fields. The remainder only survives in the url field.
const platformMarker = "?&platform"

// Inbound builds the inbound field map for r. body is the fully read
// request body and is only recorded for POST requests.
//
// Query arguments are copied in under their own names; the reserved keys
// listed in plugin.ReservedKeys always win over them.
func Inbound(r *http.Request, body []byte) (map[string]string, error) {
	query, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedInput, "extract", "Inbound",
			"decode query string: "+err.Error())
	}
	query = clean(query)

	fieldPart, _, _ := strings.Cut(query, platformMarker)
	fields := ParseQuery(fieldPart)
	fields[plugin.KeyURL] = query
	fields[plugin.KeyPluginName] = PluginName(RequestURI(r))
	fields[plugin.KeyCookie] = clean(Cookie(r))
	fields[plugin.KeyForward] = clean(r.Header.Get("X-Forwarded-For"))
	fields[plugin.KeyUserAgent] = clean(r.UserAgent())
	fields[plugin.KeyReferer] = clean(r.Referer())
	fields[plugin.KeyUserIP] = clean(ClientIP(r))

	switch r.Method {
	case http.MethodGet:
		fields[plugin.KeyMethod] = plugin.MethodGet
	case http.MethodPost:
		fields[plugin.KeyMethod] = plugin.MethodPost
		fields[plugin.KeyPostBody] = string(body)
	}

	return fields, nil
}

// ParseQuery splits "k=v&k2=v2" into a map. Pairs without '=' or with an
// empty key are skipped and the first occurrence of a key wins.
func ParseQuery(query string) map[string]string {
	fields := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := fields[key]; seen {
			continue
		}
		fields[key] = strings.TrimLeft(value, " ")
	}
	return fields
}

// PluginName returns the last path segment of uri, ignoring any query.
func PluginName(uri string) string {
	path, _, _ := strings.Cut(uri, "?")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// RequestURI returns the unmodified request target, falling back to the
// parsed URL for requests built in-process.
func RequestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// Cookie returns the first Cookie header line as sent.
func Cookie(r *http.Request) string {
	if values := r.Header.Values("Cookie"); len(values) > 0 {
		return values[0]
	}
	return ""
}

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP, else the
// host part of the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clean(s string) string {
	return strings.ReplaceAll(s, "\t", " ")
}
