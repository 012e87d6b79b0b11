package adserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/adfront/dispatch"
	"github.com/c360/adfront/plugin"
	"github.com/c360/adfront/plugins/adserver"
	"github.com/c360/adfront/testutil"
)

func newRequest(t *testing.T, cfg map[string]string, target string) (*dispatch.Engine, *dispatch.Request, *testutil.FakeHost) {
	t.Helper()
	p := adserver.New()
	require.NoError(t, p.Init(cfg))

	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Cookie", "a=1; uid=user-42")
	r.Header.Set("User-Agent", "IE")
	r.Header.Set("X-Forwarded-For", "27.184.95.255")

	engine := dispatch.NewEngine(testutil.Lookup{"ads": p})
	host := testutil.NewFakeHost(r)
	return engine, engine.NewRequest(host), host
}

func TestAdserver_BuildsRequest(t *testing.T) {
	engine, req, host := newRequest(t, map[string]string{"positions": "29"}, "/ads?pageid=p1&city=110000&pvid=pv")

	require.Equal(t, dispatch.OutcomePending, engine.Run(req))
	subs := host.Subs()
	require.Len(t, subs, 1)
	assert.Equal(t, adserver.DefaultLocation, subs[0].Target.Raw)

	var sent adserver.Request
	require.NoError(t, json.Unmarshal(subs[0].Payload, &sent))
	assert.NotEmpty(t, sent.RequestID)
	assert.Equal(t, "27.184.95.255", sent.IP)
	assert.Equal(t, "IE", sent.UserAgent)
	assert.Equal(t, "user-42", sent.UserID)
	assert.Equal(t, adserver.PageInfo{PageID: "p1", City: "110000"}, sent.Page)
	assert.Equal(t, []adserver.Position{{PositionID: 29, PVID: "pv"}}, sent.Positions)

	reply, err := json.Marshal(adserver.Response{
		RequestID: sent.RequestID,
		Positions: []adserver.Position{{PositionID: 29, PVID: "pv"}},
	})
	require.NoError(t, err)
	host.Complete(0, http.StatusOK, string(reply))

	require.Equal(t, dispatch.OutcomeDone, engine.Run(req))
	body := string(host.Responses()[0].Body)
	assert.Contains(t, body, "status=200")
	assert.Contains(t, body, "req_id="+sent.RequestID)
	assert.Contains(t, body, "position=29 pv_id=pv")
}

func TestAdserver_PositionsFromQuery(t *testing.T) {
	engine, req, host := newRequest(t, nil, "/ads?positions=3,4")

	require.Equal(t, dispatch.OutcomePending, engine.Run(req))
	var sent adserver.Request
	require.NoError(t, json.Unmarshal(host.Subs()[0].Payload, &sent))
	assert.Len(t, sent.Positions, 2)
}

func TestAdserver_NoPositionsFails(t *testing.T) {
	engine, req, host := newRequest(t, nil, "/ads")

	assert.Equal(t, dispatch.OutcomeError, engine.Run(req))
	assert.Equal(t, http.StatusInternalServerError, host.Responses()[0].Status)
}

func TestAdserver_UpstreamError(t *testing.T) {
	p := adserver.New()
	require.NoError(t, p.Init(map[string]string{"positions": "1"}))

	engine := dispatch.NewEngine(testutil.Lookup{"ads": p})
	host := testutil.NewFakeHost(httptest.NewRequest(http.MethodGet, "/ads", nil))
	host.AutoComplete = func(dispatch.Target, []byte) plugin.SubResult {
		return plugin.SubResult{Status: http.StatusGatewayTimeout, Elapsed: 12 * time.Millisecond}
	}

	require.Equal(t, dispatch.OutcomeDone, engine.Run(engine.NewRequest(host)))
	assert.Equal(t, "status=504 latency=12ms\nupstream error 504\n", string(host.Responses()[0].Body))
}

func TestAdserver_InitRejectsBadConfig(t *testing.T) {
	assert.Error(t, adserver.New().Init(map[string]string{"location": "adserver"}))
	assert.Error(t, adserver.New().Init(map[string]string{"positions": "x"}))
}
