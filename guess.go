// Guessbox Number Game
//
// Players connect over a websocket and race to guess a secret number
// between 1 and 100. The first correct guess wins the round; after a short
// pause the next round starts with a fresh secret. Wins accumulate across
// rounds, and after the final round the standings are announced and the
// game resets for a new set of players.
//
// Features:
// - Single shared session per process: / (client), /ws (socket), /qr (share)
// - Plain UTF-8 text protocol, one message per frame
// - First client message is the display name, everything after is a guess
// - New players may only join during round 1, up to --max-players
// - Players identified by cookie (playerID), so a dropped connection can
//   rejoin mid-game with its win count intact
// - Guess comparison and the win increment share one critical section, so
//   two simultaneous correct guesses can never both take the same round
// - Per-client buffered send queue drained by a dedicated writer, so one
//   slow client never stalls the rest; full queues drop messages
// - Final standings ranked by wins, ties broken by join order
// - In-browser QR button to share the server URL, backed by go-qrcode

package main

import (
	_ "embed"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	secretMin = 1
	secretMax = 100
)

// Player holds the durable per-identity record. It survives disconnects
// and round boundaries, and is only discarded when the game resets.
type Player struct {
	ID     string
	Name   string
	Wins   int
	Active bool

	client *Client // live connection, nil while disconnected
	seq    int     // join order, breaks standings ties
}

// Standing is one row of the leaderboard.
type Standing struct {
	Name string
	Wins int
}

// Client pairs a websocket connection with its outbound queue. The queue
// is drained by writePump; trySend and shutdown guard it so that a
// broadcast can never race a close.
type Client struct {
	conn     *websocket.Conn
	playerID string

	mu     sync.Mutex
	send   chan string
	closed bool
}

func newClient(conn *websocket.Conn, playerID string) *Client {
	return &Client{
		conn:     conn,
		playerID: playerID,
		send:     make(chan string, 16),
	}
}

// trySend queues a message for delivery without blocking. Messages to a
// full or closed queue are dropped; delivery is best-effort.
func (c *Client) trySend(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// shutdown closes the outbound queue exactly once, letting writePump
// finish the remaining messages and send a close frame.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}

	// Queue closed server-side; give the client a clean goodbye.
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Session is the single source of truth for one game: the round counter,
// the secret, the player registry, and the set of live connections. Every
// read or mutation happens inside one short critical section; network
// writes and pauses always happen outside the lock.
type Session struct {
	cfg *Config

	mu          sync.Mutex
	round       int
	secret      int
	roundActive bool
	gameOver    bool
	players     map[string]*Player // registry, survives disconnects
	order       []string           // player ids in join order
	connected   map[string]*Client // subset of players with a live socket
	nextSeq     int
}

func newSession(cfg *Config) *Session {
	s := &Session{cfg: cfg}
	s.resetLocked()
	return s
}

func drawSecret() int {
	return rand.IntN(secretMax-secretMin+1) + secretMin
}

// resetLocked reinitializes the session for a fresh game. Callers other
// than newSession must hold s.mu.
func (s *Session) resetLocked() {
	s.round = 1
	s.secret = drawSecret()
	s.roundActive = true
	s.gameOver = false
	s.players = make(map[string]*Player)
	s.order = nil
	s.connected = make(map[string]*Client)
	s.nextSeq = 0
}

// tryAdmit decides whether a connection presenting playerID may attach.
// Returning players are always readmitted unless the game has ended; new
// players only fit during an active round 1 with a free slot. The reason
// string is sent to the client verbatim on rejection.
func (s *Session) tryAdmit(playerID string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.players[playerID]; known {
		if s.gameOver {
			return false, "Game has ended! Final results have been announced. Please wait for a new game to start."
		}
		return true, ""
	}

	switch {
	case s.gameOver:
		return false, "Game has ended! Final results have been announced. Please wait for a new game to start."
	case s.round > 1:
		return false, fmt.Sprintf("Game is already in progress (Round %d). Please wait for the next game to start.", s.round)
	case len(s.connected) >= s.cfg.maxPlayers:
		return false, fmt.Sprintf("Round %d is full! Maximum %d players allowed. Please wait for the next game.", s.round, s.cfg.maxPlayers)
	case !s.roundActive:
		return false, "Round is ending. Please wait for the next round to start."
	}

	return true, ""
}

// joinOrReconnect attaches a named connection to the session. A known
// playerID always succeeds: its name is refreshed, any stale connection is
// booted, and the prior win count is kept. A new playerID claims a slot,
// failing only when the capacity was taken since admission.
func (s *Session) joinOrReconnect(c *Client, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.players[c.playerID]; ok {
		if stale := p.client; stale != nil && stale != c {
			stale.shutdown()
		}
		p.Name = name
		p.Active = true
		p.client = c
		s.connected[c.playerID] = c
		return true
	}

	if len(s.connected) >= s.cfg.maxPlayers {
		return false
	}

	s.players[c.playerID] = &Player{
		ID:     c.playerID,
		Name:   name,
		Active: true,
		client: c,
		seq:    s.nextSeq,
	}
	s.nextSeq++
	s.order = append(s.order, c.playerID)
	s.connected[c.playerID] = c

	return true
}

// removeConnection detaches a dropped connection. The registry record is
// kept so the player can rejoin later. Returns the player's name and
// whether this connection was the one attached; a connection replaced by
// a reconnect, or orphaned by a game reset, is a no-op.
func (s *Session) removeConnection(c *Client) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected[c.playerID] != c {
		return "", false
	}

	delete(s.connected, c.playerID)
	c.shutdown()

	p := s.players[c.playerID]
	if p == nil {
		return "", false
	}
	p.Active = false
	p.client = nil

	return p.Name, true
}

// joinSummary builds the private status lines sent to a player right
// after name registration.
func (s *Session) joinSummary(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := []string{fmt.Sprintf("Welcome %s! Round %d/%d - Guess a number between %d-%d. Players: %d/%d",
		name, s.round, s.cfg.maxRounds, secretMin, secretMax, len(s.connected), s.cfg.maxPlayers)}

	if s.round > 1 {
		if standings := s.standingsLocked(); len(standings) > 0 {
			var b strings.Builder
			b.WriteString("Current Standings:\n")
			writeStandings(&b, standings, false)
			msgs = append(msgs, b.String())
		}
	}

	return msgs
}

type guessResult struct {
	private string // reply sent only to the guesser
	public  string // result broadcast to every connected player
	won     bool
}

// resolveGuess interprets one text message from a named connection. The
// round-active check, the comparison against the secret, and the win
// increment all happen under one lock acquisition, so at most one guess
// can take a given round.
func (s *Session) resolveGuess(c *Client, input string) guessResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.players[c.playerID]
	if p == nil {
		return guessResult{}
	}

	if !s.roundActive {
		return guessResult{private: "Round is over! Waiting for next round..."}
	}

	guess, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return guessResult{private: fmt.Sprintf("Invalid input. Please enter a number between %d-%d", secretMin, secretMax)}
	}

	if guess < secretMin || guess > secretMax {
		return guessResult{private: fmt.Sprintf("Please guess a number between %d and %d", secretMin, secretMax)}
	}

	switch {
	case guess < s.secret:
		return guessResult{public: fmt.Sprintf("%s guessed %d → Too low! (Round %d)", p.Name, guess, s.round)}
	case guess > s.secret:
		return guessResult{public: fmt.Sprintf("%s guessed %d → Too high! (Round %d)", p.Name, guess, s.round)}
	}

	s.roundActive = false
	p.Wins++

	return guessResult{
		public: fmt.Sprintf("🎉 %s guessed %d → WINS ROUND %d! 🎉", p.Name, guess, s.round),
		won:    true,
	}
}

// advance runs the pause between a round being won and whatever comes
// next. It is spawned exactly once per round, by the winning guess, and
// never holds the session lock while sleeping or broadcasting.
func (s *Session) advance() {
	time.Sleep(s.cfg.roundDelay)

	s.mu.Lock()
	round := s.round
	finished := s.round >= s.cfg.maxRounds
	if finished {
		s.gameOver = true
	}
	standings := s.standingsLocked()
	s.mu.Unlock()

	if finished {
		s.broadcastAll(finalStandingsMessage(standings))
		logf(s.cfg, "GAMES: Game over after round %d, resetting", round)

		time.Sleep(s.cfg.closeDelay)

		s.mu.Lock()
		for _, c := range s.connected {
			c.shutdown()
		}
		s.resetLocked()
		s.mu.Unlock()

		return
	}

	s.broadcastAll(roundEndedMessage(round, standings))

	s.mu.Lock()
	s.round++
	s.secret = drawSecret()
	s.roundActive = true
	next := s.round
	s.mu.Unlock()

	s.broadcastAll(fmt.Sprintf("🎮 ROUND %d STARTED! 🎮\nGuess a number between %d-%d!", next, secretMin, secretMax))
	logf(s.cfg, "GAMES: Round %d started", next)
}

// standingsLocked ranks players by wins, ties broken by join order.
// Assumes s.mu is held.
func (s *Session) standingsLocked() []Standing {
	standings := make([]Standing, 0, len(s.order))
	for _, id := range s.order {
		p := s.players[id]
		standings = append(standings, Standing{Name: p.Name, Wins: p.Wins})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Wins > standings[j].Wins
	})

	return standings
}

// standings returns the current leaderboard.
func (s *Session) standings() []Standing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standingsLocked()
}

// broadcastAll queues a message for every connected player. Sends are
// non-blocking: a full or closed queue silently loses that copy and never
// affects delivery to the others.
func (s *Session) broadcastAll(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.connected {
		c.trySend(msg)
	}
}

// broadcastOthers queues a message for every connected player except one,
// used for join and leave notices.
func (s *Session) broadcastOthers(excludeID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.connected {
		if id == excludeID {
			continue
		}
		c.trySend(msg)
	}
}

func writeStandings(b *strings.Builder, standings []Standing, medals bool) {
	for i, row := range standings {
		if medals {
			medal := "  "
			switch i {
			case 0:
				medal = "🥇"
			case 1:
				medal = "🥈"
			case 2:
				medal = "🥉"
			}
			fmt.Fprintf(b, "%s %d. %s - %d wins\n", medal, i+1, row.Name, row.Wins)
		} else {
			fmt.Fprintf(b, "%d. %s - %d wins\n", i+1, row.Name, row.Wins)
		}
	}
}

func roundEndedMessage(round int, standings []Standing) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== ROUND %d ENDED ===\n", round)
	b.WriteString("Current Standings:\n")
	writeStandings(&b, standings, false)
	b.WriteString("\nGet ready for the next round!")

	return b.String()
}

func finalStandingsMessage(standings []Standing) string {
	var b strings.Builder

	b.WriteString("🏆 GAME OVER - FINAL RESULTS 🏆\n")

	if len(standings) > 0 {
		b.WriteString("Final Standings:\n")
		writeStandings(&b, standings, true)
		fmt.Fprintf(&b, "\n🎊 Congratulations %s! You are the champion with %d wins! 🎊",
			standings[0].Name, standings[0].Wins)
	}

	b.WriteString("\nThank you for playing! Connection will close shortly.")

	return b.String()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "guessbox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func shortID(playerID string) string {
	if len(playerID) > 8 {
		playerID = playerID[:8]
	}
	return strings.ToUpper(playerID)
}

// serveGameSocket upgrades a connection, runs admission, and hands the
// socket to the per-connection read loop.
func serveGameSocket(cfg *Config, s *Session) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		playerID := getOrSetPlayerID(w, r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GAMES: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		admitted, reason := s.tryAdmit(playerID)
		if !admitted {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(reason))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			logf(cfg, "GAMES: Rejected %s: %s", realIP(r), reason)
			return
		}

		client := newClient(conn, playerID)

		go client.writePump()

		client.trySend(fmt.Sprintf("Welcome! You are Player %s. Please enter your name:", shortID(playerID)))

		client.readPump(cfg, s)
	}
}

// readPump is the per-connection receive loop: the first text message is
// the display name, every later one is a guess. Cleanup on any exit path
// detaches the connection and tells the remaining players.
func (c *Client) readPump(cfg *Config, s *Session) {
	named := false

	defer func() {
		name, wasAttached := s.removeConnection(c)

		// Closing the queue lets writePump drain any pending replies, send
		// a close frame, and shut the socket down.
		c.shutdown()

		if wasAttached && named {
			s.broadcastOthers(c.playerID, fmt.Sprintf("%s left the game", name))
			logf(cfg, "GAMES: Player %q left", name)
		}
	}()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		input := strings.TrimSpace(string(data))

		if !named {
			named = true

			if !s.joinOrReconnect(c, input) {
				c.trySend("Sorry, the round is now full. Please wait for the next round.")
				return
			}

			for _, msg := range s.joinSummary(input) {
				c.trySend(msg)
			}

			s.broadcastOthers(c.playerID, fmt.Sprintf("%s joined the game!", input))
			logf(cfg, "GAMES: Player %q joined as %s", input, shortID(c.playerID))

			continue
		}

		result := s.resolveGuess(c, input)

		if result.private != "" {
			c.trySend(result.private)
			continue
		}

		if result.public != "" {
			s.broadcastAll(result.public)
		}

		if result.won {
			go s.advance()
		}
	}
}

// QR handler: generates a PNG QR code for the game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../qr; strip the trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")
	if path == "" {
		path = "/"
	}

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed assets/play.html
var playHTML []byte

//go:embed assets/app.css
var guessboxCSS []byte

//go:embed assets/app.js
var guessboxJS []byte

func getIndexHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(playHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(guessboxCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(guessboxJS)
	}
}

// registerGuessGame sets up routes so that:
//   - /          → HTML client
//   - /ws        → the shared game websocket
//   - /qr        → PNG QR code for the game URL
func registerGuessGame(cfg *Config, mux *httprouter.Router) {
	session := newSession(cfg)

	mux.GET(cfg.prefix+"/", getIndexHandler(cfg))

	mux.GET(cfg.prefix+"/assets/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+"/ws", serveGameSocket(cfg, session))

	mux.GET(cfg.prefix+"/qr", qrHandler)
}
