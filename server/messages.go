package server

import (
	"github.com/bananirou/streambet/backend/predict"
)

// clientMessage is the union of every client→server command. Type discriminates;
// pointer fields distinguish absent from zero.
type clientMessage struct {
	Type        string   `json:"type"`
	Title       *string  `json:"title,omitempty"`
	Options     []string `json:"options,omitempty"`
	Seconds     int      `json:"seconds,omitempty"`
	Index       *int     `json:"index,omitempty"`
	Points      *int64   `json:"points,omitempty"`
	WinnerIndex *int     `json:"winner_index,omitempty"`
}

const (
	msgPredictNew    = "predict_new"
	msgPredictDelete = "predict_delete"
	msgPredictVote   = "predict_vote"
	msgPredictWinner = "predict_winner"
)

// challengeMessage carries the one-time token the client must post into chat.
type challengeMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// loggedInMessage confirms challenge resolution and pushes the initial balance.
type loggedInMessage struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Points   int64  `json:"points"`
}

// predictionUpdateMessage is the full prediction state, broadcast after every change.
type predictionUpdateMessage struct {
	Type       string           `json:"type"`
	Prediction predict.Snapshot `json:"prediction"`
}

// pointsUpdateMessage pushes a user's current balance to their connections.
type pointsUpdateMessage struct {
	Type   string `json:"type"`
	Points int64  `json:"points"`
}

// errorMessage reports a client-caused failure back to the originating connection.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
