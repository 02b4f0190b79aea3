package server_test

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nasa-jpl/ideactl/analog"
	"github.com/nasa-jpl/ideactl/idea"
	"github.com/nasa-jpl/ideactl/server"
	"github.com/nasa-jpl/ideactl/util"
)

// simController answers position queries with the last commanded step count
type simController struct {
	mu      sync.Mutex
	steps   int
	pending []byte
	moves   []string
}

func (c *simController) Open() error  { return nil }
func (c *simController) Close() error { return nil }

func (c *simController) Write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := strings.TrimSuffix(string(b), "\r")
	switch {
	case line == "l":
		c.pending = append(c.pending, "`l"+strconv.Itoa(c.steps)+"\r"...)
	case strings.HasPrefix(line, "M"):
		n, err := strconv.Atoi(line[1:])
		if err == nil {
			c.steps = n
			c.moves = append(c.moves, line)
		}
	}
	return nil
}

func (c *simController) ReadAvailable() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out, nil
}

func (c *simController) moveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.moves)
}

func startServer(t *testing.T, limits map[string]util.Limiter) (*httptest.Server, *simController, func()) {
	t.Helper()
	sim := &simController{}
	hub := analog.NewHub(16)
	sess, err := idea.NewSession(sim, hub, idea.DefaultProfile(),
		idea.WithSleep(func(time.Duration) {}),
		idea.WithQueryTimeout(5*time.Millisecond),
		idea.WithLogger(log.New(ioutil.Discard, "", 0)))
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(sess, hub, limits)
	srv.Tick = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	ts := httptest.NewServer(srv.Router(""))
	return ts, sim, func() {
		ts.Close()
		cancel()
		<-done
	}
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getStatus(t *testing.T, base string) server.Status {
	t.Helper()
	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st server.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func waitOperational(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if getStatus(t, base).Phase == idea.Operational.String() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("controller never became operational")
}

func waitPosition(t *testing.T, base string, want float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if getStatus(t, base).Position == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("position never reached %f", want)
}

func TestMoveIsReportedBack(t *testing.T) {
	ts, sim, stop := startServer(t, nil)
	defer stop()
	waitOperational(t, ts.URL)
	if code := post(t, ts.URL+"/axis/0/pos", `{"f64": 100}`); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	waitPosition(t, ts.URL, 100)
	if code := post(t, ts.URL+"/axis/0/pos?relative=true", `{"f64": -0.5}`); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	waitPosition(t, ts.URL, 99.5)
	if n := sim.moveCount(); n != 2 {
		t.Errorf("expected 2 moves, got %d", n)
	}
	st := getStatus(t, ts.URL)
	if st.Stats.Reports == 0 || st.Stats.Resets != 1 {
		t.Errorf("unexpected stats %+v", st.Stats)
	}
}

func TestBadAxisIsRejected(t *testing.T) {
	ts, sim, stop := startServer(t, nil)
	defer stop()
	waitOperational(t, ts.URL)
	for _, axis := range []string{"1", "x"} {
		if code := post(t, ts.URL+"/axis/"+axis+"/pos", `{"f64": 1}`); code != http.StatusBadRequest {
			t.Errorf("axis %s: expected 400, got %d", axis, code)
		}
	}
	if code := post(t, ts.URL+"/axis/0/pos", `{"f64": 1e300}`); code != http.StatusBadRequest {
		t.Errorf("unencodable position: expected 400, got %d", code)
	}
	if n := sim.moveCount(); n != 0 {
		t.Errorf("rejected requests moved the axis %d times", n)
	}
}

func TestLimitsAreEnforced(t *testing.T) {
	ts, sim, stop := startServer(t, map[string]util.Limiter{"0": {Min: 0, Max: 10}})
	defer stop()
	waitOperational(t, ts.URL)
	if code := post(t, ts.URL+"/axis/0/pos", `{"f64": 11}`); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	if n := sim.moveCount(); n != 0 {
		t.Errorf("out of limit request moved the axis %d times", n)
	}
}

func TestLockRefusesMoves(t *testing.T) {
	ts, sim, stop := startServer(t, nil)
	defer stop()
	waitOperational(t, ts.URL)
	if code := post(t, ts.URL+"/lock", `{"bool": true}`); code != http.StatusOK {
		t.Fatalf("expected 200 locking, got %d", code)
	}
	if code := post(t, ts.URL+"/axis/0/pos", `{"f64": 1}`); code != http.StatusLocked {
		t.Errorf("expected 423, got %d", code)
	}
	if !getStatus(t, ts.URL).Locked {
		t.Error("expected status to show the lock")
	}
	if code := post(t, ts.URL+"/lock", `{"bool": false}`); code != http.StatusOK {
		t.Fatalf("expected 200 unlocking, got %d", code)
	}
	if code := post(t, ts.URL+"/axis/0/pos", `{"f64": 1}`); code != http.StatusOK {
		t.Errorf("expected 200 after unlock, got %d", code)
	}
	if n := sim.moveCount(); n != 1 {
		t.Errorf("expected 1 move, got %d", n)
	}
}

// wsRequest sends one request frame and returns the first error frame, or
// fails if none arrives
func wsRequest(t *testing.T, base string, msg analog.Message) string {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("no error frame: %v", err)
		}
		if f.Type == "error" {
			return f.Error
		}
	}
}

func TestWebsocketRequestsRespectLimits(t *testing.T) {
	ts, sim, stop := startServer(t, map[string]util.Limiter{"0": {Min: 0, Max: 10}})
	defer stop()
	waitOperational(t, ts.URL)
	msg := wsRequest(t, ts.URL, analog.Message{Type: analog.MsgRequest, Channel: 0, Value: 500})
	if !strings.Contains(msg, "software limits") {
		t.Errorf("expected limit error, got %q", msg)
	}
	msg = wsRequest(t, ts.URL, analog.Message{Type: analog.MsgRequestChannels, Values: []float64{-1}})
	if !strings.Contains(msg, "software limits") {
		t.Errorf("expected limit error for request_channels, got %q", msg)
	}
	if n := sim.moveCount(); n != 0 {
		t.Errorf("out of limit websocket request moved the axis %d times", n)
	}
}

func TestWebsocketRequestsRespectLock(t *testing.T) {
	ts, sim, stop := startServer(t, nil)
	defer stop()
	waitOperational(t, ts.URL)
	if code := post(t, ts.URL+"/lock", `{"bool": true}`); code != http.StatusOK {
		t.Fatalf("expected 200 locking, got %d", code)
	}
	msg := wsRequest(t, ts.URL, analog.Message{Type: analog.MsgRequest, Channel: 0, Value: 5})
	if msg != "locked" {
		t.Errorf("expected locked error, got %q", msg)
	}
	if n := sim.moveCount(); n != 0 {
		t.Errorf("locked websocket request moved the axis %d times", n)
	}
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestInfoRoutes(t *testing.T) {
	ts, _, stop := startServer(t, nil)
	defer stop()
	waitOperational(t, ts.URL)

	var phase struct {
		Str string `json:"str"`
	}
	if code := getJSON(t, ts.URL+"/phase", &phase); code != http.StatusOK || phase.Str != "operational" {
		t.Errorf("GET /phase: %d %q", code, phase.Str)
	}
	var channels struct {
		Int int `json:"int"`
	}
	if code := getJSON(t, ts.URL+"/channels", &channels); code != http.StatusOK || channels.Int != 1 {
		t.Errorf("GET /channels: %d %d", code, channels.Int)
	}
	var cmds []idea.Command
	if code := getJSON(t, ts.URL+"/commands", &cmds); code != http.StatusOK || len(cmds) == 0 || cmds[0].Cmd != "RS" {
		t.Errorf("GET /commands: %d %+v", code, cmds)
	}
	var cmd idea.Command
	if code := getJSON(t, ts.URL+"/commands/move-abs", &cmd); code != http.StatusOK || cmd.Cmd != "M" {
		t.Errorf("GET /commands/move-abs: %d %+v", code, cmd)
	}
	if code := getJSON(t, ts.URL+"/commands/ZZ", &cmd); code != http.StatusNotFound {
		t.Errorf("GET /commands/ZZ: expected 404, got %d", code)
	}
	if st := getStatus(t, ts.URL); st.Profile != idea.DefaultProfile() {
		t.Errorf("expected default profile in status, got %+v", st.Profile)
	}
}
