package server

import (
	"bufio"
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
	"github.com/shaunagostinho/ecusim/internal/cluster"
	"github.com/shaunagostinho/ecusim/internal/control"
	"github.com/shaunagostinho/ecusim/internal/ecu"
	"github.com/shaunagostinho/ecusim/internal/isotp"
	"github.com/shaunagostinho/ecusim/internal/logger"
	"github.com/shaunagostinho/ecusim/internal/uds"
)

type rig struct {
	srv     *Server
	http    *httptest.Server
	ecu     *ecu.ECU
	cluster *cluster.Cluster
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewVirtual()
	t.Cleanup(func() { b.Close() })

	ecfg := ecu.DefaultConfig()
	ecfg.TickInterval = 10 * time.Millisecond
	e := ecu.New(b, ecfg)
	e.Start(ctx)

	cl := cluster.New(b, can.IDDiagReq, can.IDDiagResp)
	cl.Start(ctx)

	tester := uds.NewClient(isotp.NewTransport(b, isotp.Address{TxID: can.IDDiagReq, RxID: can.IDDiagResp}, isotp.DefaultOptions()), time.Second)
	tester.Start(ctx)

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Server.BroadcastHz = 50

	rec := logger.New(logger.Config{Path: filepath.Join(dir, "rec")}, "")
	t.Cleanup(rec.Close)

	s := New(cfg, e, cl, &control.Dispatcher{Vehicle: e, Tester: tester}, rec, nil)
	go s.broadcastLoop(ctx)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &rig{srv: s, http: hs, ecu: e, cluster: cl}
}

func (r *rig) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(r.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestControlAndState(t *testing.T) {
	r := newRig(t)

	resp := r.post(t, "/api/control", `{"event":"speed","arg":80}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = r.post(t, "/api/control", `{"event":"left"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(r.http.URL + "/api/state")
	require.NoError(t, err)
	defer get.Body.Close()

	var st ecu.VehicleState
	require.NoError(t, json.NewDecoder(get.Body).Decode(&st))
	assert.Equal(t, uint8(80), st.SpeedKmh)
	assert.True(t, st.TurnLeft)

	require.Eventually(t, func() bool {
		c := r.cluster.Snapshot()
		return c.SpeedKmh == 80 && c.TurnLeft
	}, time.Second, 10*time.Millisecond)
}

func TestControlRejects(t *testing.T) {
	r := newRig(t)

	assert.Equal(t, http.StatusBadRequest, r.post(t, "/api/control", `{"event":"warp"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, r.post(t, "/api/control", `{"event":"door","arg":7}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, r.post(t, "/api/control", `not json`).StatusCode)
}

func TestControlWithoutTester(t *testing.T) {
	r := newRig(t)
	r.srv.control = &control.Dispatcher{Vehicle: r.ecu}
	assert.Equal(t, http.StatusConflict, r.post(t, "/api/control", `{"event":"diag","arg":61840}`).StatusCode)
}

func TestDiagnosticReachesCluster(t *testing.T) {
	r := newRig(t)

	resp := r.post(t, "/api/control", `{"event":"diag","arg":61840}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		d := r.cluster.Snapshot().Diag
		return d != nil && d.Positive && d.DID == uds.DIDVIN
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "1SIMECU0000000042", r.cluster.Snapshot().Diag.Value)
}

func TestConfigAPI(t *testing.T) {
	r := newRig(t)

	get, err := http.Get(r.http.URL + "/api/config")
	require.NoError(t, err)
	defer get.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(get.Body).Decode(&body))
	assert.Contains(t, body, "bus")
	assert.Contains(t, body, "ecu")

	resp := r.post(t, "/api/config", `{"recorder":{"enabled":true}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, r.srv.recorder.IsEnabled())
	assert.FileExists(t, r.srv.cfg.Path())

	assert.Equal(t, http.StatusBadRequest, r.post(t, "/api/config", `{`).StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, r.http.URL+"/api/config", nil)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, del.StatusCode)
}

func TestRecorderAPI(t *testing.T) {
	r := newRig(t)

	resp := r.post(t, "/api/recorder", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data RecorderData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.True(t, data.Enabled)

	r.post(t, "/api/recorder", `{"enabled":false}`)
	assert.False(t, r.srv.recorder.IsEnabled())
}

func TestWebSocketControl(t *testing.T) {
	r := newRig(t)

	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	require.NotNil(t, first.Cluster)

	require.NoError(t, conn.WriteJSON(controlMsg{Event: "door", Arg: control.DoorRR}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Cluster != nil && f.Cluster.Doors[control.DoorRR] {
			assert.Equal(t, []string{"RR"}, f.Cluster.OpenDoors)
			break
		}
	}

	require.NoError(t, conn.WriteJSON(controlMsg{Event: "warp"}))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Error != "" {
			assert.Contains(t, f.Error, "warp")
			break
		}
	}
}

func TestClusterSSE(t *testing.T) {
	r := newRig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.http.URL+"/sse/cluster", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.NoError(t, r.ecu.Apply(control.SetSpeed{Kmh: 120}))

	sc := bufio.NewScanner(resp.Body)
	var sawPatch, sawSpeed bool
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: datastar-patch-elements") {
			sawPatch = true
		}
		if strings.Contains(line, `<span class="speed">120</span>`) {
			sawSpeed = true
			break
		}
	}
	assert.True(t, sawPatch)
	assert.True(t, sawSpeed)
}

func TestRenderCluster(t *testing.T) {
	s := &Server{tmpl: template.Must(template.New("cluster").Parse(clusterTemplate))}

	html, err := s.renderCluster(cluster.State{
		SpeedKmh:  120,
		Gauge:     0.5,
		TurnRight: true,
		Doors:     [control.NumDoors]bool{false, true, false, false},
		Diag:      &cluster.Diag{ServiceID: uds.SIDReadDataByIdentifier, NRC: uds.NRCRequestOutOfRange, Reason: "requestOutOfRange"},
	})
	require.NoError(t, err)
	assert.Contains(t, html, `id="cluster"`)
	assert.Contains(t, html, "rotate(0deg)")
	assert.Contains(t, html, `class="signal left"`)
	assert.Contains(t, html, `class="signal right on"`)
	assert.Contains(t, html, `<li class="door open">FR</li>`)
	assert.Contains(t, html, "service 0x22 rejected: requestOutOfRange")
}

func TestOdometer(t *testing.T) {
	r := newRig(t)
	s := r.srv

	s.advanceOdometer(120, 30*time.Minute)
	s.advanceOdometer(0, time.Hour)
	f := s.snapshotFrame()
	require.NotNil(t, f.Odo)
	assert.Equal(t, 60.0, f.Odo.Total)
	assert.Equal(t, 60.0, f.Odo.Trip)

	resp := r.post(t, "/api/odo/reset-trip", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f = s.snapshotFrame()
	assert.Equal(t, 60.0, f.Odo.Total)
	assert.Equal(t, 0.0, f.Odo.Trip)
}
