package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/relay"
	"github.com/matst80/relaygate/internal/sealer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogJSON = `{
  "cloud": {"operator": "acme", "name": "south"},
  "directAccess": false,
  "services": [
    {"definition": "temperature", "interfaces": ["HTTP-SECURE-JSON", "HTTP-INSECURE-JSON"], "providers": 2,
     "providerSystem": "thermo", "uri": "/temp"},
    {"definition": "pressure", "interfaces": ["HTTP-SECURE-JSON"], "providerSystem": "baro", "uri": "/p",
     "address": "127.0.0.1:1", "gatewayMandatory": true}
  ]
}`

func writeCatalog(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "services.json")
	require.NoError(t, os.WriteFile(p, []byte(catalogJSON), 0o600))
	return p
}

func testGatewayConfig(cn string, minPort int) Config {
	return Config{
		CommonName:    cn,
		MinPort:       minPort,
		MaxPort:       minPort + 4,
		AckTimeout:    300 * time.Millisecond,
		TeardownDelay: 50 * time.Millisecond,
		Burst:         10,
	}
}

func newTestGateway(t *testing.T, ctx context.Context, m relay.Transport, c Config) *gateway {
	t.Helper()
	keys, err := sealer.Generate()
	require.NoError(t, err)
	g, err := newGateway(ctx, c, m, keys)
	require.NoError(t, err)
	g.ready.Store(true)
	return g
}

// pair returns a requesting gateway "north" and a listening gateway "south" with the catalog.
func pair(t *testing.T) (north, south *gateway) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := relay.NewMemoryTransport()
	north = newTestGateway(t, ctx, m, testGatewayConfig("north", 21000))
	sc := testGatewayConfig("south", 21010)
	sc.ServicesFile = writeCatalog(t)
	south = newTestGateway(t, ctx, m, sc)
	sub, err := south.responder.Listen(ctx, "south", south.answer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return north, south
}

func TestLoadCatalog(t *testing.T) {
	c, err := loadCatalog(writeCatalog(t))
	require.NoError(t, err)
	assert.Equal(t, "south", c.Cloud.Name)
	require.Len(t, c.Services, 2)

	empty, err := loadCatalog("")
	require.NoError(t, err)
	assert.Empty(t, empty.Services)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"services":[{"uri":"/x"}]}`), 0o600))
	_, err = loadCatalog(bad)
	assert.ErrorContains(t, err, "no definition")
}

func TestCatalogGSDPoll(t *testing.T) {
	c, err := loadCatalog(writeCatalog(t))
	require.NoError(t, err)

	resp := c.gsdPoll(&proto.GSDPollRequest{RequestedService: proto.ServiceRequirement{ServiceDefinition: "temperature"}})
	assert.Equal(t, 2, resp.NumOfProviders)
	assert.Len(t, resp.AvailableInterfaces, 2)

	resp = c.gsdPoll(&proto.GSDPollRequest{RequestedService: proto.ServiceRequirement{
		ServiceDefinition: "temperature", Interfaces: []string{"HTTP-INSECURE-JSON"},
	}})
	assert.Equal(t, []string{"HTTP-INSECURE-JSON"}, resp.AvailableInterfaces)

	resp = c.gsdPoll(&proto.GSDPollRequest{RequestedService: proto.ServiceRequirement{
		ServiceDefinition: "temperature", Interfaces: []string{"COAP"},
	}})
	assert.Zero(t, resp.NumOfProviders)

	resp = c.gsdPoll(&proto.GSDPollRequest{RequestedService: proto.ServiceRequirement{ServiceDefinition: "pressure"}})
	assert.Equal(t, 1, resp.NumOfProviders)
	assert.True(t, resp.GatewayIsMandatory)

	resp = c.gsdPoll(&proto.GSDPollRequest{RequestedService: proto.ServiceRequirement{ServiceDefinition: "humidity"}})
	assert.Zero(t, resp.NumOfProviders)
	assert.Equal(t, "humidity", resp.RequiredServiceDef)
}

func TestDispatchPollAcrossGateways(t *testing.T) {
	north, south := pair(t)
	resp := dispatch(context.Background(), north, proto.ControlRequest{
		Op: proto.OpPoll, PeerCN: "south", PeerPublicKey: south.client.PublicKey(), Service: "temperature",
	})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Poll)
	assert.Equal(t, "south", resp.Poll.ProviderCloud.Name)
	assert.Equal(t, 2, resp.Poll.NumOfProviders)
}

func TestDispatchConsumeWithoutGateway(t *testing.T) {
	north, south := pair(t)
	resp := dispatch(context.Background(), north, proto.ControlRequest{
		Op: proto.OpConsume, PeerCN: "south", PeerPublicKey: south.client.PublicKey(),
		Service: "temperature", Consumer: "dashboard",
	})
	require.Empty(t, resp.Error)
	assert.Equal(t, "/temp", resp.ServiceURI)
	assert.Zero(t, resp.Port)
	assert.Empty(t, north.registry.Sessions())
}

func TestDispatchConsumeProviderUnavailable(t *testing.T) {
	north, south := pair(t)
	// south has no TLS material, so it cannot open the provider side and never answers.
	resp := dispatch(context.Background(), north, proto.ControlRequest{
		Op: proto.OpConsume, PeerCN: "south", PeerPublicKey: south.client.PublicKey(),
		Service: "pressure", Consumer: "dashboard",
	})
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, north.registry.Sessions())
	assert.Empty(t, south.registry.Sessions())
}

func TestDispatchSessionOps(t *testing.T) {
	north, _ := pair(t)
	resp := dispatch(context.Background(), north, proto.ControlRequest{Op: proto.OpSessions})
	assert.Empty(t, resp.Error)
	assert.Empty(t, resp.Sessions)

	resp = dispatch(context.Background(), north, proto.ControlRequest{Op: proto.OpClose, SessionID: "missing"})
	assert.Contains(t, resp.Error, "not found")

	resp = dispatch(context.Background(), north, proto.ControlRequest{Op: "reboot"})
	assert.Equal(t, "unknown op reboot", resp.Error)

	resp = dispatch(context.Background(), north, proto.ControlRequest{Op: proto.OpConsume, PeerCN: "south"})
	assert.Contains(t, resp.Error, "required")
}

func TestHandleControlToken(t *testing.T) {
	north, _ := pair(t)
	server, client := net.Pipe()
	defer client.Close()
	go handleControl(context.Background(), server, north, "secret")

	rd := bufio.NewReader(client)
	roundTrip := func(req proto.ControlRequest) proto.ControlResponse {
		require.NoError(t, writeJSONLine(client, req))
		line, err := rd.ReadBytes('\n')
		require.NoError(t, err)
		var resp proto.ControlResponse
		require.NoError(t, json.Unmarshal(line, &resp))
		return resp
	}

	resp := roundTrip(proto.ControlRequest{Token: "secret", Op: proto.OpSessions})
	assert.Empty(t, resp.Error)
	resp = roundTrip(proto.ControlRequest{Token: "wrong", Op: proto.OpSessions})
	assert.Equal(t, "unauthorized", resp.Error)

	_, err := rd.ReadByte()
	assert.Error(t, err, "connection is closed after a bad token")
}

func TestHealthEndpoints(t *testing.T) {
	north, _ := pair(t)
	srv := httptest.NewServer(newMetricsMux(north))
	defer srv.Close()

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	var st Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "north", st.CommonName)
	assert.Equal(t, 5, st.AvailablePorts)

	north.ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
}
