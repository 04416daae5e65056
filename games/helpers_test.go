package games

import (
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock only moves when Advance is called and runs due tasks in order.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	tasks []fakeTask
}

type fakeTask struct {
	at time.Time
	f  func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, fakeTask{at: c.now.Add(d), f: f})
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := -1
		for i, task := range c.tasks {
			if task.at.After(target) {
				continue
			}
			if next == -1 || task.at.Before(c.tasks[next].at) {
				next = i
			}
		}
		if next == -1 {
			c.now = target
			c.mu.Unlock()
			return
		}

		task := c.tasks[next]
		c.tasks = slices.Delete(c.tasks, next, next+1)
		if task.at.After(c.now) {
			c.now = task.at
		}
		c.mu.Unlock()

		task.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// fakeConn records everything sent to it.
type fakeConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.msgs = append(c.msgs, slices.Clone(data))
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

func (c *fakeConn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.msgs)
}

func (c *fakeConn) Types(t *testing.T) []string {
	t.Helper()

	var types []string
	for _, data := range c.Messages() {
		var m struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &m))
		types = append(types, m.Type)
	}
	return types
}

func (c *fakeConn) States(t *testing.T) []StateMessage {
	t.Helper()

	var states []StateMessage
	for _, data := range c.Messages() {
		var m StateMessage
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == "state" {
			states = append(states, m)
		}
	}
	return states
}

func (c *fakeConn) Phases(t *testing.T) []Phase {
	t.Helper()

	var phases []Phase
	for _, s := range c.States(t) {
		phases = append(phases, s.Phase)
	}
	return phases
}

// Last decodes the most recent message into v.
func (c *fakeConn) Last(t *testing.T, v any) {
	t.Helper()

	msgs := c.Messages()
	require.NotEmpty(t, msgs)
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], v))
}

func testOptions(clock *fakeClock) Options {
	opts := DefaultOptions()
	opts.Clock = clock
	return opts
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	return NewRegistry(opts)
}

// setupRoom creates a room joined by n players with ids "a-player", "b-player", ...
// The first one claims host. Connections are reset before returning.
func setupRoom(t *testing.T, reg *Registry, n int) (*Room, string, []*fakeConn) {
	t.Helper()

	code, hostKey, err := reg.CreateRoom()
	require.NoError(t, err)

	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = &fakeConn{}
		id := string(rune('a'+i)) + "-player"
		require.NoError(t, reg.JoinRoom(code, id, "Player "+id, conns[i], i == 0))
	}

	room, ok := reg.Room(code)
	require.True(t, ok)

	for _, c := range conns {
		c.Reset()
	}
	return room, hostKey, conns
}

// assertConsistent checks the reverse index against room membership.
func assertConsistent(t *testing.T, reg *Registry) {
	t.Helper()

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for id, code := range reg.players {
		room, ok := reg.rooms[code]
		require.Truef(t, ok, "player %s indexed to missing room %s", id, code)
		_, member := room.connOf(id)
		require.Truef(t, member, "player %s indexed to %s but not a member", id, code)
	}

	for code, room := range reg.rooms {
		for _, id := range room.playerIDs() {
			require.Equalf(t, code, reg.players[id], "member %s of %s missing from index", id, code)
		}
	}
}
