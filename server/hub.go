package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bananirou/streambet/backend/config"
	"github.com/bananirou/streambet/backend/points"
	"github.com/bananirou/streambet/backend/predict"
	"github.com/bananirou/streambet/backend/telemetry"
)

// BlockChecker answers whether a chat identity is on the block-list. Consulted once
// per challenge resolution; lookup failures fail open so a persistence outage cannot
// lock every viewer out.
type BlockChecker interface {
	IsBlocked(ctx context.Context, username string) (bool, error)
}

// Saver accepts full ledger snapshots on a timer.
type Saver interface {
	SaveAllPoints(ctx context.Context, balances map[string]int64) error
}

// Hub owns all shared wagering state: the connection registry, the points ledger and
// the prediction machine. Every mutating event, whether an inbound websocket message,
// a chat event from the auth bridge, or a scheduled tick, runs to completion under one
// mutex, so no two wagers (or a wager and a winner declaration) can interleave.
type Hub struct {
	mu      sync.Mutex
	cfg     *config.Config
	ledger  *points.Ledger
	machine *predict.Machine
	reg     *registry
	blocked BlockChecker
	saver   Saver
}

// NewHub wires the hub's dependencies. blocked and saver may be nil (disabled).
func NewHub(cfg *config.Config, ledger *points.Ledger, machine *predict.Machine, blocked BlockChecker, saver Saver) *Hub {
	return &Hub{
		cfg:     cfg,
		ledger:  ledger,
		machine: machine,
		reg:     newRegistry(),
		blocked: blocked,
		saver:   saver,
	}
}

// Connect registers conn, pushes the current prediction state and the connection's
// challenge token. The returned client is unauthenticated until the chat bridge
// resolves the token.
func (h *Hub) Connect(conn Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.reg.register(conn)
	if err != nil {
		return nil, err
	}
	telemetry.SetGauge(telemetry.OpenConnections, float64(h.reg.size()))

	h.sendPredictionLocked(c)
	h.writeLocked(c, challengeMessage{Type: "challenge", ID: c.token})
	slog.Info("client connected", slog.String("challenge", c.token), slog.String("component", "hub"))
	return c, nil
}

// Disconnect removes the client's challenge and closes the connection. The client
// receives no further broadcasts or grants; wagers already committed stay committed.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reg.unregister(c)
	_ = c.conn.Close()
	telemetry.SetGauge(telemetry.OpenConnections, float64(h.reg.size()))
	telemetry.SetGauge(telemetry.AuthenticatedConnections, float64(h.reg.authenticatedCount()))
	slog.Info("client disconnected", slog.String("challenge", c.token), slog.String("component", "hub"))
}

// HandleChatMessage is the auth bridge sink. If content exactly matches a pending
// challenge token (case-sensitive, no trimming), the connection is bound to sender
// and its balance pushed. Everything else is ignored.
func (h *Hub) HandleChatMessage(sender, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.reg.pending(content) {
		return
	}
	if h.blocked != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		isBlocked, err := h.blocked.IsBlocked(ctx, sender)
		cancel()
		if err != nil {
			slog.Error("block-list lookup failed", slog.String("username", sender), slog.Any("err", err))
		} else if isBlocked {
			slog.Info("ignoring challenge from blocked user", slog.String("username", sender))
			return
		}
	}

	c, ok := h.reg.resolve(content, sender)
	if !ok {
		return
	}
	// Materialize the ledger row so the user exists in the next snapshot even if
	// they never wager.
	balance := h.ledger.Get(sender)
	h.ledger.Set(sender, balance)

	telemetry.Inc(telemetry.ChallengesResolved)
	telemetry.SetGauge(telemetry.AuthenticatedConnections, float64(h.reg.authenticatedCount()))
	h.writeLocked(c, loggedInMessage{Type: "logged_in", Username: sender, Points: balance})
	slog.Info("client logged in", slog.String("username", sender), slog.String("component", "hub"))
}

// HandleMessage is the single message-handling boundary for one inbound websocket
// message. Client-caused failures are returned only to the originating connection as
// an error message; the mutation either fully applied or not at all. Internal errors
// are logged and the connection stays open.
func (h *Hub) HandleMessage(c *Client, raw []byte) {
	var msg clientMessage
	var err error
	if jsonErr := json.Unmarshal(raw, &msg); jsonErr != nil {
		err = predict.Errorf(predict.KindValidation, "malformed message: not valid JSON")
	} else {
		h.mu.Lock()
		err = h.dispatchLocked(c, msg)
		h.mu.Unlock()
	}
	if err == nil {
		return
	}
	if ce, ok := predict.AsClientError(err); ok {
		h.mu.Lock()
		h.writeLocked(c, errorMessage{Type: "error", Message: ce.Message})
		h.mu.Unlock()
		slog.Debug("client error", slog.String("kind", ce.Kind.String()), slog.String("message", ce.Message))
		return
	}
	slog.Error("failed to process message", slog.Any("err", err), slog.String("component", "hub"))
}

func (h *Hub) dispatchLocked(c *Client, msg clientMessage) error {
	switch msg.Type {
	case msgPredictNew:
		if err := h.requireAdminLocked(c); err != nil {
			return err
		}
		if msg.Title == nil {
			return predict.Errorf(predict.KindValidation, "predict_new requires a title")
		}
		duration := h.cfg.PredictionDefaultDuration
		if msg.Seconds < 0 {
			return predict.Errorf(predict.KindValidation, "prediction duration must be positive")
		}
		if msg.Seconds > 0 {
			duration = time.Duration(msg.Seconds) * time.Second
		}
		if err := h.machine.Create(*msg.Title, msg.Options, duration); err != nil {
			return err
		}
		telemetry.SetGauge(telemetry.PredictionStatusGauge, 1)
		slog.Info("prediction created", slog.String("title", *msg.Title), slog.Int("options", len(msg.Options)))
		h.broadcastPredictionLocked()
		return nil

	case msgPredictDelete:
		if err := h.requireAdminLocked(c); err != nil {
			return err
		}
		h.machine.Delete()
		telemetry.SetGauge(telemetry.PredictionStatusGauge, 0)
		slog.Info("prediction deleted")
		h.broadcastPredictionLocked()
		return nil

	case msgPredictVote:
		username, err := h.requireAuthenticatedLocked(c)
		if err != nil {
			return err
		}
		if msg.Index == nil || msg.Points == nil {
			return predict.Errorf(predict.KindValidation, "predict_vote requires index and points")
		}
		if err := h.machine.PlaceWager(username, *msg.Index, *msg.Points, h.ledger); err != nil {
			return err
		}
		telemetry.Inc(telemetry.WagersPlaced)
		telemetry.Add(telemetry.PointsWagered, float64(*msg.Points))
		h.broadcastPredictionLocked()
		h.sendBalanceLocked(username)
		return nil

	case msgPredictWinner:
		if err := h.requireAdminLocked(c); err != nil {
			return err
		}
		if msg.WinnerIndex == nil {
			return predict.Errorf(predict.KindValidation, "predict_winner requires winner_index")
		}
		payouts, err := h.machine.DeclareWinner(*msg.WinnerIndex, h.ledger)
		if err != nil {
			return err
		}
		for _, p := range payouts {
			telemetry.Inc(telemetry.PayoutsCredited)
			telemetry.Add(telemetry.PointsPaidOut, float64(p.Credited))
			h.sendBalanceLocked(p.Username)
		}
		telemetry.SetGauge(telemetry.PredictionStatusGauge, 2)
		slog.Info("prediction finished", slog.Int("winner_index", *msg.WinnerIndex), slog.Int("winners", len(payouts)))
		h.broadcastPredictionLocked()
		return nil

	default:
		return predict.Errorf(predict.KindValidation, "unknown message type %q", msg.Type)
	}
}

func (h *Hub) requireAuthenticatedLocked(c *Client) (string, error) {
	if c.username == "" {
		return "", predict.Errorf(predict.KindAuth, "user not authenticated")
	}
	return c.username, nil
}

func (h *Hub) requireAdminLocked(c *Client) error {
	if c.username == "" || !h.cfg.IsAdmin(c.username) {
		return predict.Errorf(predict.KindAuth, "user not admin")
	}
	return nil
}

// GrantOnline credits the configured grant amount to every distinct username with at
// least one authenticated connection and pushes their new balances.
func (h *Hub) GrantOnline() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.GrantAmount <= 0 {
		return
	}
	for _, username := range h.reg.onlineUsernames() {
		h.ledger.Adjust(username, h.cfg.GrantAmount)
		h.sendBalanceLocked(username)
	}
}

// SnapshotLedger writes the full ledger through the saver. The copy is taken under
// the hub lock; the write happens outside it so a slow database never stalls events.
func (h *Hub) SnapshotLedger(ctx context.Context) {
	if h.saver == nil {
		return
	}
	h.mu.Lock()
	snap := h.ledger.Snapshot()
	h.mu.Unlock()

	telemetry.TimeFunc(telemetry.SnapshotDuration, func() {
		if err := h.saver.SaveAllPoints(ctx, snap); err != nil {
			telemetry.Inc(telemetry.PersistErrors)
			slog.Error("ledger snapshot failed", slog.Any("err", err), slog.Int("users", len(snap)))
			return
		}
		slog.Debug("ledger snapshot written", slog.Int("users", len(snap)))
	})
}

// Run drives the scheduled events: periodic point grants and ledger snapshots. Both
// funnel through the hub mutex like any other event. Blocks until ctx is cancelled,
// then takes a final snapshot.
func (h *Hub) Run(ctx context.Context) {
	grants := time.NewTicker(h.cfg.GrantInterval)
	defer grants.Stop()
	snapshots := time.NewTicker(h.cfg.SnapshotInterval)
	defer snapshots.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			h.SnapshotLedger(shutdownCtx)
			cancel()
			return
		case <-grants.C:
			h.GrantOnline()
		case <-snapshots.C:
			h.SnapshotLedger(ctx)
		}
	}
}

// StatusInfo is the /status payload.
type StatusInfo struct {
	Connections   int            `json:"connections"`
	Authenticated int            `json:"authenticated"`
	Prediction    predict.Status `json:"prediction"`
	LedgerUsers   int            `json:"ledger_users"`
}

// Status reports current hub state for the status endpoint.
func (h *Hub) Status() StatusInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StatusInfo{
		Connections:   h.reg.size(),
		Authenticated: h.reg.authenticatedCount(),
		Prediction:    h.machine.Status(),
		LedgerUsers:   h.ledger.Size(),
	}
}

// broadcastPredictionLocked serializes the prediction once and writes it to every
// open connection regardless of auth state. Best-effort, at-most-once.
func (h *Hub) broadcastPredictionLocked() {
	data, err := json.Marshal(predictionUpdateMessage{Type: "prediction_update", Prediction: h.machine.Snapshot()})
	if err != nil {
		slog.Error("failed to marshal prediction", slog.Any("err", err))
		return
	}
	for _, c := range h.reg.clients {
		h.writeRawLocked(c, data)
	}
}

// sendPredictionLocked sends the current prediction to a single connection.
func (h *Hub) sendPredictionLocked(c *Client) {
	h.writeLocked(c, predictionUpdateMessage{Type: "prediction_update", Prediction: h.machine.Snapshot()})
}

// sendBalanceLocked pushes username's balance to every open connection resolved to
// that username; a user may hold several simultaneous connections.
func (h *Hub) sendBalanceLocked(username string) {
	data, err := json.Marshal(pointsUpdateMessage{Type: "points_update", Points: h.ledger.Get(username)})
	if err != nil {
		slog.Error("failed to marshal points update", slog.Any("err", err))
		return
	}
	for _, c := range h.reg.clientsFor(username) {
		h.writeRawLocked(c, data)
	}
}

func (h *Hub) writeLocked(c *Client, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal message", slog.Any("err", err))
		return
	}
	h.writeRawLocked(c, data)
}

func (h *Hub) writeRawLocked(c *Client, data []byte) {
	if err := c.send(data); err != nil {
		// Delivery is best-effort; the read loop notices a dead connection and
		// unregisters it.
		slog.Debug("websocket write failed", slog.String("challenge", c.token), slog.Any("err", err))
		return
	}
	telemetry.Inc(telemetry.BroadcastsSent)
}
