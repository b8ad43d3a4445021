// Package games collects design notes for guessbox game modes.
package games

// Each player connects over a websocket, supplies a display name, and then races
// the other players to guess a secret number between 1 and 100
// Every guess is echoed to all connected players as "too low" / "too high",
// so everyone can binary-search off each other's attempts
// The first correct guess wins the round; after a short pause the next round
// starts with a fresh secret and the same players
// Wins accumulate across rounds; after the final round, standings are announced
// and every connection is closed, resetting the game for a new group

// Implementation details:
// - One shared session per process, no per-game IDs
// - Identify players by cookie on first page load, so a dropped connection
//   can rejoin mid-game with its win count intact
// - New players may only join during round 1; reconnects are allowed any time
//   before the game ends

// How to play
// - Open the page, enter a name when prompted, then type numbers
// - Private notices (invalid input, round over) go only to the sender
// - Guess results, joins, leaves, and standings are broadcast to everyone
