//go:build integration

package http

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/adfront/gateway"
	"github.com/c360/adfront/natsclient"
	"github.com/c360/adfront/testutil"
)

func TestIntegration_NATSLocation(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := tc.Client.Respond(ctx, "ads.lookup", "adfront", NATSResponder(
		func(_ context.Context, req SubRequest) (SubReply, error) {
			if req.Args == "" {
				return SubReply{Status: http.StatusNoContent}, nil
			}
			return SubReply{Body: []byte(req.Path + ":" + req.Args)}, nil
		}))
	require.NoError(t, err)

	cfg := gateway.DefaultConfig()
	cfg.Locations = []gateway.Location{{
		Path: "/lookup", Type: gateway.LocationNATS, Subject: "ads.lookup", TimeoutStr: "2s",
	}}
	g := newTestGateway(t, cfg, testutil.Lookup{"fan": fanOut("/lookup?slot=4", "/lookup")},
		WithNATSClient(tc.Client))

	rec := serve(g, http.MethodGet, "/fan", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "200:/lookup:slot=4|204:", rec.Body.String())
}

func TestIntegration_NATSNoResponders(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())

	cfg := gateway.DefaultConfig()
	cfg.Locations = []gateway.Location{{
		Path: "/nobody", Type: gateway.LocationNATS, Subject: "ads.nobody", TimeoutStr: "500ms",
	}}
	g := newTestGateway(t, cfg, testutil.Lookup{"fan": fanOut("/nobody")},
		WithNATSClient(tc.Client))

	start := time.Now()
	rec := serve(g, http.MethodGet, "/fan", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "502:", rec.Body.String())
	assert.Less(t, time.Since(start), 2*time.Second)
}
