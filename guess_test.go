package main

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		maxPlayers: 4,
		maxRounds:  5,
		roundDelay: 5 * time.Millisecond,
		closeDelay: 5 * time.Millisecond,
	}
}

func testClient(id string) *Client {
	return newClient(nil, id)
}

// drain empties a client's outbound queue without blocking.
func drain(c *Client) []string {
	var msgs []string
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func (s *Session) setSecret(n int) {
	s.mu.Lock()
	s.secret = n
	s.mu.Unlock()
}

func TestTryAdmit(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(s *Session)
		playerID string
		admitted bool
		reason   string
	}{
		{
			name:     "fresh session admits new player",
			setup:    func(s *Session) {},
			playerID: "new",
			admitted: true,
		},
		{
			name: "capacity reached rejects new player",
			setup: func(s *Session) {
				for i := 0; i < 4; i++ {
					id := fmt.Sprintf("p%d", i)
					require.True(t, s.joinOrReconnect(testClient(id), id))
				}
			},
			playerID: "new",
			admitted: false,
			reason:   "Round 1 is full! Maximum 4 players allowed. Please wait for the next game.",
		},
		{
			name: "round past one rejects new player",
			setup: func(s *Session) {
				s.mu.Lock()
				s.round = 3
				s.mu.Unlock()
			},
			playerID: "new",
			admitted: false,
			reason:   "Game is already in progress (Round 3). Please wait for the next game to start.",
		},
		{
			name: "resolving round rejects new player",
			setup: func(s *Session) {
				s.mu.Lock()
				s.roundActive = false
				s.mu.Unlock()
			},
			playerID: "new",
			admitted: false,
			reason:   "Round is ending. Please wait for the next round to start.",
		},
		{
			name: "ended game rejects new player",
			setup: func(s *Session) {
				s.mu.Lock()
				s.gameOver = true
				s.mu.Unlock()
			},
			playerID: "new",
			admitted: false,
			reason:   "Game has ended! Final results have been announced. Please wait for a new game to start.",
		},
		{
			name: "known player readmitted in later round at full capacity",
			setup: func(s *Session) {
				for i := 0; i < 4; i++ {
					id := fmt.Sprintf("p%d", i)
					require.True(t, s.joinOrReconnect(testClient(id), id))
				}
				s.mu.Lock()
				s.round = 4
				s.mu.Unlock()
			},
			playerID: "p2",
			admitted: true,
		},
		{
			name: "known player rejected once game has ended",
			setup: func(s *Session) {
				require.True(t, s.joinOrReconnect(testClient("p0"), "zero"))
				s.mu.Lock()
				s.gameOver = true
				s.mu.Unlock()
			},
			playerID: "p0",
			admitted: false,
			reason:   "Game has ended! Final results have been announced. Please wait for a new game to start.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(testConfig())
			tt.setup(s)

			admitted, reason := s.tryAdmit(tt.playerID)

			assert.Equal(t, tt.admitted, admitted)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestJoinOrReconnect(t *testing.T) {
	t.Run("fills to capacity then rejects", func(t *testing.T) {
		s := newSession(testConfig())

		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("p%d", i)
			require.True(t, s.joinOrReconnect(testClient(id), id))
		}

		assert.False(t, s.joinOrReconnect(testClient("p4"), "fifth"))
	})

	t.Run("reconnect succeeds at capacity and keeps wins", func(t *testing.T) {
		s := newSession(testConfig())

		first := testClient("p0")
		require.True(t, s.joinOrReconnect(first, "alice"))
		for i := 1; i < 4; i++ {
			id := fmt.Sprintf("p%d", i)
			require.True(t, s.joinOrReconnect(testClient(id), id))
		}

		s.mu.Lock()
		s.players["p0"].Wins = 3
		s.round = 4
		s.mu.Unlock()

		name, wasAttached := s.removeConnection(first)
		assert.Equal(t, "alice", name)
		assert.True(t, wasAttached)

		second := testClient("p0")
		require.True(t, s.joinOrReconnect(second, "alice2"))

		s.mu.Lock()
		p := s.players["p0"]
		s.mu.Unlock()

		assert.Equal(t, 3, p.Wins)
		assert.Equal(t, "alice2", p.Name)
		assert.True(t, p.Active)
		assert.Len(t, s.players, 4)
	})

	t.Run("reconnect boots the stale connection", func(t *testing.T) {
		s := newSession(testConfig())

		stale := testClient("p0")
		require.True(t, s.joinOrReconnect(stale, "alice"))

		fresh := testClient("p0")
		require.True(t, s.joinOrReconnect(fresh, "alice"))

		drain(stale)
		_, open := <-stale.send
		assert.False(t, open, "stale queue should be closed")

		// The stale read loop exiting must not detach the new connection.
		_, wasAttached := s.removeConnection(stale)
		assert.False(t, wasAttached)

		s.broadcastAll("hello")
		assert.Contains(t, drain(fresh), "hello")
	})
}

func TestRemoveConnection(t *testing.T) {
	s := newSession(testConfig())

	c := testClient("p0")
	require.True(t, s.joinOrReconnect(c, "alice"))

	name, wasAttached := s.removeConnection(c)
	assert.Equal(t, "alice", name)
	assert.True(t, wasAttached)

	s.mu.Lock()
	p := s.players["p0"]
	connected := len(s.connected)
	s.mu.Unlock()

	require.NotNil(t, p, "registry record survives disconnect")
	assert.False(t, p.Active)
	assert.Nil(t, p.client)
	assert.Zero(t, connected)

	// Second removal of the same connection is a no-op.
	_, wasAttached = s.removeConnection(c)
	assert.False(t, wasAttached)
}

func TestResolveGuess(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		private string
		public  string
		won     bool
	}{
		{
			name:    "non-integer input",
			input:   "abc",
			private: "Invalid input. Please enter a number between 1-100",
		},
		{
			name:    "out of range high",
			input:   "150",
			private: "Please guess a number between 1 and 100",
		},
		{
			name:    "out of range low",
			input:   "0",
			private: "Please guess a number between 1 and 100",
		},
		{
			name:   "too low",
			input:  "10",
			public: "alice guessed 10 → Too low! (Round 1)",
		},
		{
			name:   "too high",
			input:  "90",
			public: "alice guessed 90 → Too high! (Round 1)",
		},
		{
			name:   "correct",
			input:  "42",
			public: "🎉 alice guessed 42 → WINS ROUND 1! 🎉",
			won:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(testConfig())
			s.setSecret(42)

			c := testClient("p0")
			require.True(t, s.joinOrReconnect(c, "alice"))

			result := s.resolveGuess(c, tt.input)

			assert.Equal(t, tt.private, result.private)
			assert.Equal(t, tt.public, result.public)
			assert.Equal(t, tt.won, result.won)
		})
	}

	t.Run("inactive round rejects before parsing", func(t *testing.T) {
		s := newSession(testConfig())
		s.setSecret(42)

		c := testClient("p0")
		require.True(t, s.joinOrReconnect(c, "alice"))

		require.True(t, s.resolveGuess(c, "42").won)

		result := s.resolveGuess(c, "abc")
		assert.Equal(t, "Round is over! Waiting for next round...", result.private)
		assert.Empty(t, result.public)
	})

	t.Run("unknown connection resolves to nothing", func(t *testing.T) {
		s := newSession(testConfig())

		result := s.resolveGuess(testClient("ghost"), "42")
		assert.Empty(t, result.private)
		assert.Empty(t, result.public)
		assert.False(t, result.won)
	})
}

// TestSingleWinnerPerRound hammers a round with simultaneous correct
// guesses; exactly one may win.
func TestSingleWinnerPerRound(t *testing.T) {
	s := newSession(testConfig())
	s.setSecret(42)

	clients := make([]*Client, 4)
	for i := range clients {
		id := fmt.Sprintf("p%d", i)
		clients[i] = testClient(id)
		require.True(t, s.joinOrReconnect(clients[i], id))
	}

	var wg sync.WaitGroup
	results := make(chan guessResult, len(clients))

	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.resolveGuess(c, "42")
		}()
	}

	wg.Wait()
	close(results)

	wins := 0
	for result := range results {
		if result.won {
			wins++
		} else {
			assert.Equal(t, "Round is over! Waiting for next round...", result.private)
		}
	}
	assert.Equal(t, 1, wins, "exactly one guess may take a round")

	total := 0
	s.mu.Lock()
	for _, p := range s.players {
		total += p.Wins
	}
	s.mu.Unlock()
	assert.Equal(t, 1, total)
}

func TestStandingsOrder(t *testing.T) {
	s := newSession(testConfig())

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, s.joinOrReconnect(testClient(id), id))
	}

	s.mu.Lock()
	s.players["a"].Wins = 1
	s.players["b"].Wins = 2
	s.players["c"].Wins = 1
	s.mu.Unlock()

	standings := s.standings()

	require.Len(t, standings, 3)
	assert.Equal(t, Standing{Name: "b", Wins: 2}, standings[0])
	assert.Equal(t, Standing{Name: "a", Wins: 1}, standings[1], "ties keep join order")
	assert.Equal(t, Standing{Name: "c", Wins: 1}, standings[2])
}

func TestBroadcast(t *testing.T) {
	s := newSession(testConfig())

	a := testClient("a")
	b := testClient("b")
	c := testClient("c")
	for _, cl := range []*Client{a, b, c} {
		require.True(t, s.joinOrReconnect(cl, cl.playerID))
	}
	for _, cl := range []*Client{a, b, c} {
		drain(cl)
	}

	s.broadcastAll("everyone")
	s.broadcastOthers("b", "not b")

	assert.Equal(t, []string{"everyone", "not b"}, drain(a))
	assert.Equal(t, []string{"everyone"}, drain(b))
	assert.Equal(t, []string{"everyone", "not b"}, drain(c))

	// A full queue drops that copy and never blocks the rest.
	for i := 0; i < cap(b.send)+8; i++ {
		b.trySend("filler")
	}

	done := make(chan struct{})
	go func() {
		s.broadcastAll("after full")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}

	assert.Contains(t, drain(a), "after full")
	assert.NotContains(t, drain(b), "after full")
}

func TestJoinSummary(t *testing.T) {
	s := newSession(testConfig())

	require.True(t, s.joinOrReconnect(testClient("a"), "alice"))

	msgs := s.joinSummary("alice")
	require.Len(t, msgs, 1, "no standings snapshot during round 1")
	assert.Equal(t, "Welcome alice! Round 1/5 - Guess a number between 1-100. Players: 1/4", msgs[0])

	s.mu.Lock()
	s.round = 3
	s.players["a"].Wins = 2
	s.mu.Unlock()

	msgs = s.joinSummary("alice")
	require.Len(t, msgs, 2)
	assert.Equal(t, "Welcome alice! Round 3/5 - Guess a number between 1-100. Players: 1/4", msgs[0])
	assert.Equal(t, "Current Standings:\n1. alice - 2 wins\n", msgs[1])
}

// TestFullGame walks a four-player game through every round and verifies
// the reset afterwards.
func TestFullGame(t *testing.T) {
	cfg := testConfig()
	s := newSession(cfg)

	clients := make([]*Client, 4)
	for i := range clients {
		id := fmt.Sprintf("p%d", i)
		clients[i] = testClient(id)
		require.True(t, s.joinOrReconnect(clients[i], fmt.Sprintf("player%d", i)))
	}

	// A fifth join attempt during round 1 is rejected with a capacity message.
	admitted, reason := s.tryAdmit("p5")
	assert.False(t, admitted)
	assert.Contains(t, reason, "full")

	for round := 1; round <= cfg.maxRounds; round++ {
		for _, c := range clients {
			drain(c)
		}

		s.setSecret(42)
		winner := clients[round%len(clients)]
		result := s.resolveGuess(winner, "42")
		require.True(t, result.won, "round %d", round)
		assert.Contains(t, result.public, fmt.Sprintf("WINS ROUND %d", round))

		s.broadcastAll(result.public)

		// Everyone sees the win broadcast.
		for _, c := range clients {
			assert.Contains(t, drain(c), result.public)
		}

		s.mu.Lock()
		assert.False(t, s.roundActive)
		assert.Equal(t, round, s.round, "round number never skips")
		s.mu.Unlock()

		s.advance()

		if round < cfg.maxRounds {
			s.mu.Lock()
			assert.Equal(t, round+1, s.round)
			assert.True(t, s.roundActive)
			assert.Len(t, s.connected, 4, "players stay attached across rounds")
			s.mu.Unlock()
		}
	}

	// The final advance announced standings and reset the session.
	for _, c := range clients {
		msgs := drain(c)
		require.NotEmpty(t, msgs)
		final := strings.Join(msgs, "\n")
		assert.Contains(t, final, "GAME OVER - FINAL RESULTS")
		assert.Contains(t, final, "🥇")
		assert.Contains(t, final, "champion")

		_, open := <-c.send
		assert.False(t, open, "connections closed at game end")
	}

	s.mu.Lock()
	assert.Equal(t, 1, s.round)
	assert.True(t, s.roundActive)
	assert.False(t, s.gameOver)
	assert.Empty(t, s.players)
	assert.Empty(t, s.connected)
	s.mu.Unlock()

	// A brand-new connection fits into the fresh game.
	admitted, _ = s.tryAdmit("newcomer")
	assert.True(t, admitted)
	assert.True(t, s.joinOrReconnect(testClient("newcomer"), "newcomer"))
}

func TestRoundNumberBounded(t *testing.T) {
	cfg := testConfig()
	s := newSession(cfg)

	c := testClient("p0")
	require.True(t, s.joinOrReconnect(c, "alice"))

	for round := 1; round <= cfg.maxRounds; round++ {
		s.setSecret(1)
		require.True(t, s.resolveGuess(c, "1").won)
		drain(c)
		s.advance()

		s.mu.Lock()
		assert.LessOrEqual(t, s.round, cfg.maxRounds)
		s.mu.Unlock()
	}
}

func TestStandingsMessages(t *testing.T) {
	standings := []Standing{
		{Name: "alice", Wins: 3},
		{Name: "bob", Wins: 1},
		{Name: "carol", Wins: 1},
		{Name: "dave", Wins: 0},
	}

	ended := roundEndedMessage(2, standings)
	assert.Contains(t, ended, "=== ROUND 2 ENDED ===")
	assert.Contains(t, ended, "1. alice - 3 wins")
	assert.Contains(t, ended, "Get ready for the next round!")

	final := finalStandingsMessage(standings)
	assert.Contains(t, final, "🥇 1. alice - 3 wins")
	assert.Contains(t, final, "🥈 2. bob - 1 wins")
	assert.Contains(t, final, "🥉 3. carol - 1 wins")
	assert.Contains(t, final, "   4. dave - 0 wins")
	assert.Contains(t, final, "Congratulations alice! You are the champion with 3 wins!")
}

func TestDrawSecretRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		n := drawSecret()
		require.GreaterOrEqual(t, n, secretMin)
		require.LessOrEqual(t, n, secretMax)
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "1B9D6BCD", shortID("1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed"))
	assert.Equal(t, "AB", shortID("ab"))
}
