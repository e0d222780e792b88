package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bananirou/streambet/backend/config"
	"github.com/bananirou/streambet/backend/points"
	"github.com/bananirou/streambet/backend/predict"
)

// fakeConn records every frame the hub writes to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write on closed connection")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// messages decodes every recorded frame into a generic map.
func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, frame := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", frame, err)
		}
		out = append(out, m)
	}
	return out
}

// lastOfType returns the most recent message with the given type, or nil.
func (c *fakeConn) lastOfType(t *testing.T, typ string) map[string]any {
	t.Helper()
	msgs := c.messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["type"] == typ {
			return msgs[i]
		}
	}
	return nil
}

func (c *fakeConn) countOfType(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, m := range c.messages(t) {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

type fakeBlockChecker struct {
	blocked map[string]bool
	err     error
}

func (f *fakeBlockChecker) IsBlocked(_ context.Context, username string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.blocked[username], nil
}

type hubFixture struct {
	hub    *Hub
	ledger *points.Ledger
	now    *time.Time
}

func newHubFixture(t *testing.T, blocked BlockChecker) *hubFixture {
	t.Helper()
	cfg := &config.Config{
		AdminUsers:                []string{"Admin"},
		PredictionDefaultDuration: 120 * time.Second,
		GrantInterval:             10 * time.Second,
		GrantAmount:               10,
		SnapshotInterval:          time.Minute,
	}
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	machine := predict.NewMachine()
	machine.SetClock(func() time.Time { return now })
	f := &hubFixture{
		ledger: points.NewLedger(),
		now:    &now,
	}
	f.hub = NewHub(cfg, f.ledger, machine, blocked, nil)
	return f
}

// connect opens a fake connection and returns it with its challenge token.
func (f *hubFixture) connect(t *testing.T) (*Client, *fakeConn, string) {
	t.Helper()
	conn := &fakeConn{}
	c, err := f.hub.Connect(conn)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	challenge := conn.lastOfType(t, "challenge")
	if challenge == nil {
		t.Fatal("no challenge message sent on connect")
	}
	token, _ := challenge["id"].(string)
	if token == "" {
		t.Fatal("challenge message has no id")
	}
	return c, conn, token
}

// login connects and resolves the challenge for username.
func (f *hubFixture) login(t *testing.T, username string) (*Client, *fakeConn) {
	t.Helper()
	c, conn, token := f.connect(t)
	f.hub.HandleChatMessage(username, token)
	if got := c.Username(); got != username {
		t.Fatalf("username after login = %q, want %q", got, username)
	}
	return c, conn
}

func send(t *testing.T, h *Hub, c *Client, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal test message: %v", err)
	}
	h.HandleMessage(c, data)
}

func TestConnectPushesStateThenChallenge(t *testing.T) {
	f := newHubFixture(t, nil)
	_, conn, token := f.connect(t)

	msgs := conn.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages on connect, want 2", len(msgs))
	}
	if msgs[0]["type"] != "prediction_update" {
		t.Errorf("first message type = %v, want prediction_update", msgs[0]["type"])
	}
	if msgs[1]["type"] != "challenge" {
		t.Errorf("second message type = %v, want challenge", msgs[1]["type"])
	}
	if len(token) != tokenLength {
		t.Errorf("token %q has length %d, want %d", token, len(token), tokenLength)
	}
}

func TestChallengeResolvesToFirstSenderOnly(t *testing.T) {
	f := newHubFixture(t, nil)
	c, conn, token := f.connect(t)

	f.hub.HandleChatMessage("first", token)
	f.hub.HandleChatMessage("second", token)

	if got := c.Username(); got != "first" {
		t.Errorf("username = %q, want %q (second resolution must be ignored)", got, "first")
	}
	if n := conn.countOfType(t, "logged_in"); n != 1 {
		t.Errorf("logged_in sent %d times, want 1", n)
	}
	login := conn.lastOfType(t, "logged_in")
	if login["username"] != "first" {
		t.Errorf("logged_in username = %v, want first", login["username"])
	}
}

func TestChallengeMatchIsExact(t *testing.T) {
	f := newHubFixture(t, nil)
	c, _, token := f.connect(t)

	f.hub.HandleChatMessage("alice", " "+token)
	f.hub.HandleChatMessage("alice", token+"\n")
	f.hub.HandleChatMessage("alice", "prefix "+token)
	if c.Username() != "" {
		t.Errorf("non-exact chat text resolved the challenge to %q", c.Username())
	}

	f.hub.HandleChatMessage("alice", token)
	if c.Username() != "alice" {
		t.Errorf("exact token did not resolve; username = %q", c.Username())
	}
}

func TestBlockedUserCannotResolve(t *testing.T) {
	f := newHubFixture(t, &fakeBlockChecker{blocked: map[string]bool{"banned": true}})
	c, conn, token := f.connect(t)

	f.hub.HandleChatMessage("banned", token)
	if c.Username() != "" {
		t.Fatalf("blocked user resolved the challenge")
	}
	if n := conn.countOfType(t, "logged_in"); n != 0 {
		t.Errorf("logged_in sent to blocked user")
	}

	// The challenge stays pending: another identity can still claim it.
	f.hub.HandleChatMessage("alice", token)
	if c.Username() != "alice" {
		t.Errorf("challenge not resolvable after a blocked attempt; username = %q", c.Username())
	}
}

func TestBlockCheckFailureFailsOpen(t *testing.T) {
	f := newHubFixture(t, &fakeBlockChecker{err: fmt.Errorf("db down")})
	c, _, token := f.connect(t)

	f.hub.HandleChatMessage("alice", token)
	if c.Username() != "alice" {
		t.Errorf("block-list outage locked out a viewer; username = %q", c.Username())
	}
}

func TestDisconnectLeavesNoResidualState(t *testing.T) {
	f := newHubFixture(t, nil)
	c, conn, token := f.connect(t)
	f.hub.Disconnect(c)

	if !conn.closed {
		t.Error("connection not closed on disconnect")
	}
	framesBefore := len(conn.messages(t))

	// The token no longer resolves and the connection receives no broadcasts.
	f.hub.HandleChatMessage("alice", token)
	if c.Username() != "" {
		t.Error("challenge resolved after disconnect")
	}

	admin, _ := f.login(t, "Admin")
	send(t, f.hub, admin, map[string]any{"type": "predict_new", "title": "q", "options": []string{"A", "B"}})
	if got := len(conn.messages(t)); got != framesBefore {
		t.Errorf("disconnected client received %d new frames", got-framesBefore)
	}
}

func TestVoteRequiresAuthentication(t *testing.T) {
	f := newHubFixture(t, nil)
	c, conn, _ := f.connect(t)

	send(t, f.hub, c, map[string]any{"type": "predict_vote", "index": 0, "points": 10})
	errMsg := conn.lastOfType(t, "error")
	if errMsg == nil || errMsg["message"] != "user not authenticated" {
		t.Errorf("error = %v, want 'user not authenticated'", errMsg)
	}
}

func TestManageRequiresAdmin(t *testing.T) {
	f := newHubFixture(t, nil)
	c, conn := f.login(t, "alice")

	for _, msg := range []map[string]any{
		{"type": "predict_new", "title": "q", "options": []string{"A", "B"}},
		{"type": "predict_delete"},
		{"type": "predict_winner", "winner_index": 0},
	} {
		send(t, f.hub, c, msg)
		errMsg := conn.lastOfType(t, "error")
		if errMsg == nil || errMsg["message"] != "user not admin" {
			t.Errorf("%s: error = %v, want 'user not admin'", msg["type"], errMsg)
		}
	}
}

func TestWagerFlowEndToEnd(t *testing.T) {
	f := newHubFixture(t, nil)
	f.ledger.Seed(map[string]int64{"alice": 30, "bob": 10, "carol": 10})

	admin, _ := f.login(t, "Admin")
	alice, aliceConn := f.login(t, "alice")
	bob, _ := f.login(t, "bob")
	carol, _ := f.login(t, "carol")
	_, watcherConn, _ := f.connect(t) // unauthenticated, still receives broadcasts

	send(t, f.hub, admin, map[string]any{"type": "predict_new", "title": "who wins", "options": []string{"A", "B"}, "seconds": 60})
	update := watcherConn.lastOfType(t, "prediction_update")
	if update == nil {
		t.Fatal("unauthenticated watcher did not receive the new prediction")
	}

	send(t, f.hub, alice, map[string]any{"type": "predict_vote", "index": 0, "points": 30})
	send(t, f.hub, bob, map[string]any{"type": "predict_vote", "index": 1, "points": 10})
	send(t, f.hub, carol, map[string]any{"type": "predict_vote", "index": 1, "points": 10})

	if got := f.ledger.Get("alice"); got != 0 {
		t.Fatalf("alice balance after wager = %d, want 0", got)
	}
	pu := aliceConn.lastOfType(t, "points_update")
	if pu == nil || pu["points"].(float64) != 0 {
		t.Errorf("alice points_update = %v, want 0", pu)
	}

	// Winner declared before the deadline is rejected.
	send(t, f.hub, admin, map[string]any{"type": "predict_winner", "winner_index": 0})
	if got := f.hub.Status().Prediction; got != predict.StatusOngoing {
		t.Fatalf("prediction status = %v, want ONGOING before deadline", got)
	}

	*f.now = f.now.Add(2 * time.Minute)
	send(t, f.hub, admin, map[string]any{"type": "predict_winner", "winner_index": 0})

	// T=50, W=30: alice is credited ceil(30*50/30)=50.
	if got := f.ledger.Get("alice"); got != 50 {
		t.Errorf("alice balance after payout = %d, want 50", got)
	}
	if got := f.ledger.Get("bob"); got != 0 {
		t.Errorf("bob balance after payout = %d, want 0", got)
	}
	pu = aliceConn.lastOfType(t, "points_update")
	if pu == nil || pu["points"].(float64) != 50 {
		t.Errorf("alice final points_update = %v, want 50", pu)
	}

	final := watcherConn.lastOfType(t, "prediction_update")
	prediction := final["prediction"].(map[string]any)
	if prediction["status"] != "FINISHED" {
		t.Errorf("broadcast status = %v, want FINISHED", prediction["status"])
	}
	if prediction["winner_index"].(float64) != 0 {
		t.Errorf("broadcast winner_index = %v, want 0", prediction["winner_index"])
	}
}

func TestVoteExceedingBalanceChangesNothing(t *testing.T) {
	f := newHubFixture(t, nil)
	f.ledger.Seed(map[string]int64{"alice": 20})
	admin, _ := f.login(t, "Admin")
	alice, aliceConn := f.login(t, "alice")

	send(t, f.hub, admin, map[string]any{"type": "predict_new", "title": "q", "options": []string{"A", "B"}})
	updatesBefore := aliceConn.countOfType(t, "prediction_update")

	send(t, f.hub, alice, map[string]any{"type": "predict_vote", "index": 0, "points": 21})

	if errMsg := aliceConn.lastOfType(t, "error"); errMsg == nil {
		t.Fatal("over-balance wager produced no error message")
	}
	if got := f.ledger.Get("alice"); got != 20 {
		t.Errorf("balance = %d, want 20 (unchanged)", got)
	}
	if got := aliceConn.countOfType(t, "prediction_update"); got != updatesBefore {
		t.Errorf("failed wager triggered a broadcast")
	}
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	f := newHubFixture(t, nil)
	c, conn, _ := f.connect(t)

	f.hub.HandleMessage(c, []byte("{not json"))
	if errMsg := conn.lastOfType(t, "error"); errMsg == nil {
		t.Error("malformed JSON produced no error message")
	}

	send(t, f.hub, c, map[string]any{"type": "bogus"})
	errMsg := conn.lastOfType(t, "error")
	if errMsg == nil || errMsg["message"] != `unknown message type "bogus"` {
		t.Errorf("error = %v, want unknown message type", errMsg)
	}
}

func TestGrantOnlineCreditsDistinctAuthenticatedUsers(t *testing.T) {
	f := newHubFixture(t, nil)
	_, aliceConn1 := f.login(t, "alice")
	_, aliceConn2 := f.login(t, "alice")
	_, bobConn := f.login(t, "bob")
	_, watcherConn, _ := f.connect(t)

	f.hub.GrantOnline()

	// alice holds two connections but is one username: one grant of 10.
	if got := f.ledger.Get("alice"); got != 10 {
		t.Errorf("alice balance = %d, want 10", got)
	}
	if got := f.ledger.Get("bob"); got != 10 {
		t.Errorf("bob balance = %d, want 10", got)
	}
	for _, conn := range []*fakeConn{aliceConn1, aliceConn2, bobConn} {
		pu := conn.lastOfType(t, "points_update")
		if pu == nil || pu["points"].(float64) != 10 {
			t.Errorf("points_update after grant = %v, want 10", pu)
		}
	}
	if n := watcherConn.countOfType(t, "points_update"); n != 0 {
		t.Errorf("unauthenticated connection received %d grants", n)
	}
}

func TestStatusReportsHubState(t *testing.T) {
	f := newHubFixture(t, nil)
	admin, _ := f.login(t, "Admin")
	f.connect(t)

	info := f.hub.Status()
	if info.Connections != 2 || info.Authenticated != 1 {
		t.Errorf("status = %+v, want 2 connections / 1 authenticated", info)
	}
	if info.Prediction != predict.StatusNone {
		t.Errorf("prediction status = %v, want NONE", info.Prediction)
	}

	send(t, f.hub, admin, map[string]any{"type": "predict_new", "title": "q", "options": []string{"A", "B"}})
	if got := f.hub.Status().Prediction; got != predict.StatusOngoing {
		t.Errorf("prediction status = %v, want ONGOING", got)
	}
}

func TestLoginMaterializesLedgerRow(t *testing.T) {
	f := newHubFixture(t, nil)
	f.login(t, "alice")
	if f.ledger.Size() != 1 {
		t.Errorf("ledger size = %d, want 1 (row materialized on login)", f.ledger.Size())
	}
	snap := f.ledger.Snapshot()
	if balance, ok := snap["alice"]; !ok || balance != 0 {
		t.Errorf("snapshot = %v, want alice with balance 0", snap)
	}
}
