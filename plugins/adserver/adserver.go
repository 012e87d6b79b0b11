// Package adserver provides a plugin that builds an ad request from the
// inbound fields, sends it to the ad server location and renders the reply
// together with the upstream status and latency.
package adserver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/adfront/config"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
)

// Name is the registered implementation name.
const Name = "adserver"

// DefaultLocation is the sub-operation path of the ad server.
const DefaultLocation = "/adserver"

// Request is the JSON ad request sent to the ad server.
type Request struct {
	RequestID string     `json:"req_id"`
	IP        string     `json:"ip,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Referer   string     `json:"referer,omitempty"`
	Page      PageInfo   `json:"page_info"`
	Positions []Position `json:"position_info"`
}

// PageInfo describes the page the ads are shown on.
type PageInfo struct {
	PageID   string `json:"page_id,omitempty"`
	Province string `json:"page_province,omitempty"`
	City     string `json:"page_city,omitempty"`
}

// Position is one ad slot.
type Position struct {
	PositionID int    `json:"position_id"`
	PVID       string `json:"pv_id,omitempty"`
}

// Response is the JSON reply of the ad server.
type Response struct {
	RequestID string     `json:"req_id"`
	Positions []Position `json:"position_info"`
}

// Plugin forwards ad requests to one location.
type Plugin struct {
	plugin.Base

	location     string
	userCookie   string
	defaultSlots []int
}

// New returns an uninitialised adserver plugin.
func New() plugin.Plugin {
	return &Plugin{}
}

// Init reads "location" (default /adserver), "user_cookie", the cookie
// carrying the user ID (default "uid"), and "positions", the slots asked for
// when the request names none.
func (p *Plugin) Init(cfg map[string]string) error {
	p.location = config.GetString(cfg, "location", DefaultLocation)
	if !strings.HasPrefix(p.location, "/") || strings.Contains(p.location, "?") {
		return errors.WrapInvalid(fmt.Errorf("%w: location %q must be a path", errors.ErrConfig, p.location),
			"adserver", "Init", "read configuration")
	}
	p.userCookie = config.GetString(cfg, "user_cookie", "uid")

	slots, err := parsePositions(config.GetStringSlice(cfg, "positions", nil))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrConfig, err),
			"adserver", "Init", "read positions")
	}
	p.defaultSlots = slots
	return nil
}

// Handle builds the ad request and queues it.
func (p *Plugin) Handle(ctx *plugin.Context) (plugin.Status, error) {
	slots := p.defaultSlots
	if raw := ctx.In("positions"); raw != "" {
		parsed, err := parsePositions(strings.Split(raw, ","))
		if err != nil {
			return plugin.StatusError, err
		}
		slots = parsed
	}
	if len(slots) == 0 {
		return plugin.StatusError, fmt.Errorf("no ad positions requested")
	}

	req := Request{
		RequestID: uuid.NewString(),
		IP:        ctx.In(plugin.KeyUserIP),
		UserAgent: ctx.In(plugin.KeyUserAgent),
		UserID:    cookieValue(ctx.In(plugin.KeyCookie), p.userCookie),
		Referer:   ctx.In(plugin.KeyReferer),
		Page: PageInfo{
			PageID:   ctx.In("pageid"),
			Province: ctx.In("province"),
			City:     ctx.In("city"),
		},
	}
	for _, id := range slots {
		req.Positions = append(req.Positions, Position{PositionID: id, PVID: ctx.In("pvid")})
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return plugin.StatusError, err
	}
	ctx.AddSubOperation(p.location, payload)
	return plugin.StatusAgain, nil
}

// PostSubHandle renders the reply. An upstream failure is reported in the
// body rather than failing the request.
func (p *Plugin) PostSubHandle(ctx *plugin.Context) (plugin.Status, error) {
	results := ctx.Completed()
	if len(results) != 1 {
		return plugin.StatusError, fmt.Errorf("expected 1 result, got %d", len(results))
	}
	res := results[0]

	var b strings.Builder
	fmt.Fprintf(&b, "status=%d latency=%dms\n", res.Status, res.Elapsed.Milliseconds())
	if res.Status != 200 {
		fmt.Fprintf(&b, "upstream error %d\n", res.Status)
		ctx.SetResult(b.String())
		return plugin.StatusDone, nil
	}

	var resp Response
	if err := json.Unmarshal(res.Payload, &resp); err != nil {
		fmt.Fprintf(&b, "unparsable response: %d bytes\n", len(res.Payload))
		ctx.SetResult(b.String())
		return plugin.StatusDone, nil
	}

	fmt.Fprintf(&b, "req_id=%s\n", resp.RequestID)
	for _, pos := range resp.Positions {
		fmt.Fprintf(&b, "position=%d", pos.PositionID)
		if pos.PVID != "" {
			fmt.Fprintf(&b, " pv_id=%s", pos.PVID)
		}
		b.WriteByte('\n')
	}
	ctx.SetResult(b.String())
	return plugin.StatusDone, nil
}

func parsePositions(values []string) ([]int, error) {
	slots := make([]int, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := strconv.Atoi(v)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid position %q", v)
		}
		slots = append(slots, id)
	}
	return slots, nil
}

// cookieValue finds name in a raw Cookie header.
func cookieValue(header, name string) string {
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return v
		}
	}
	return ""
}

// Register registers the adserver implementation.
func Register(registry *plugin.Registry) error {
	return registry.Register(Name, "Sends a JSON ad request to the ad server location", New)
}
