package server

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single websocket write so one stalled client cannot hold the
// hub lock during a broadcast.
const writeWait = 5 * time.Second

// Conn is the subset of *websocket.Conn the hub writes to. Narrowed for tests.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live websocket connection and its challenge. The username stays empty
// until the chat auth bridge resolves the challenge token; once set it never changes
// for the lifetime of the connection.
type Client struct {
	token    string
	username string
	conn     Conn

	// writeMu serializes writes; gorilla/websocket forbids concurrent writers.
	writeMu sync.Mutex
}

// Username returns the resolved chat identity, or empty if unauthenticated.
func (c *Client) Username() string { return c.username }

// Token returns the connection's challenge token.
func (c *Client) Token() string { return c.token }

func (c *Client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

const tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
const tokenLength = 8

// registry tracks every live connection keyed by its challenge token. It has no lock
// of its own: the owning hub serializes all access.
type registry struct {
	clients map[string]*Client
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*Client)}
}

// register mints a fresh collision-checked token and an unauthenticated client entry.
func (r *registry) register(conn Conn) (*Client, error) {
	for range 10 {
		token, err := mintToken()
		if err != nil {
			return nil, err
		}
		if _, taken := r.clients[token]; taken {
			continue
		}
		c := &Client{token: token, conn: conn}
		r.clients[token] = c
		return c, nil
	}
	return nil, fmt.Errorf("could not mint a unique challenge token")
}

// unregister removes the client's challenge. Idempotent.
func (r *registry) unregister(c *Client) {
	delete(r.clients, c.token)
}

// resolve binds token's connection to username on first call only; later calls are
// no-ops so duplicate or racing chat events cannot rebind a challenge.
func (r *registry) resolve(token, username string) (*Client, bool) {
	c, ok := r.clients[token]
	if !ok || c.username != "" {
		return nil, false
	}
	c.username = username
	return c, true
}

// pending reports whether token belongs to a live, still-unresolved challenge.
func (r *registry) pending(token string) bool {
	c, ok := r.clients[token]
	return ok && c.username == ""
}

// clientsFor returns every open connection resolved to username.
func (r *registry) clientsFor(username string) []*Client {
	var out []*Client
	for _, c := range r.clients {
		if c.username == username {
			out = append(out, c)
		}
	}
	return out
}

// onlineUsernames returns the distinct resolved usernames across all connections.
func (r *registry) onlineUsernames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range r.clients {
		if c.username == "" {
			continue
		}
		if _, dup := seen[c.username]; dup {
			continue
		}
		seen[c.username] = struct{}{}
		out = append(out, c.username)
	}
	return out
}

func (r *registry) size() int { return len(r.clients) }

func (r *registry) authenticatedCount() int {
	n := 0
	for _, c := range r.clients {
		if c.username != "" {
			n++
		}
	}
	return n
}

func mintToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}
