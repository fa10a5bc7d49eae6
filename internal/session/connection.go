package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/ttlcache"
)

// Connection is the protocol state owned by one socket.
type Connection struct {
	ID          string
	ResumeToken string
	Tracker     *Tracker

	mu            sync.Mutex
	authenticated bool
	userID        string
	deviceID      string
	caps          map[string]bool
	capsDeclared  bool
	rooms         map[string]struct{}
}

func NewConnection(cfg Config) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		ResumeToken: newResumeToken(),
		Tracker:     NewTracker(cfg),
		rooms:       make(map[string]struct{}),
	}
}

func newResumeToken() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b[:])
}

// Authenticate binds the connection to a verified identity.
func (c *Connection) Authenticate(userID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.userID = userID
	c.deviceID = deviceID
}

func (c *Connection) Identity() (userID, deviceID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.deviceID, c.authenticated
}

func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Connection) DeclareCaps(supported []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = make(map[string]bool, len(supported))
	for _, s := range supported {
		c.caps[s] = true
	}
	c.capsDeclared = true
}

// Caps returns the declared capability set and whether E2EE_CAPS was sent.
func (c *Connection) Caps() (map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.caps))
	for k, v := range c.caps {
		out[k] = v
	}
	return out, c.capsDeclared
}

func (c *Connection) AddRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) RemoveRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Connection) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Detached is what survives a closed socket for RESUME.
type Detached struct {
	UserID   string
	DeviceID string
	Caps     []string
	Tracker  *Tracker
}

// ResumeTable holds detached sessions keyed by resume token.
type ResumeTable struct {
	cache *ttlcache.Cache
}

func NewResumeTable(ttl time.Duration, maxEntries int) *ResumeTable {
	return &ResumeTable{cache: ttlcache.New(ttl, maxEntries)}
}

func (t *ResumeTable) Cache() *ttlcache.Cache { return t.cache }

// Detach stores c under its resume token if it was authenticated.
func (t *ResumeTable) Detach(c *Connection) {
	userID, deviceID, ok := c.Identity()
	if !ok {
		return
	}
	caps, _ := c.Caps()
	d := Detached{UserID: userID, DeviceID: deviceID, Tracker: c.Tracker}
	for k := range caps {
		d.Caps = append(d.Caps, k)
	}
	t.cache.Set(c.ResumeToken, d)
}

// Claim consumes a resume token. Each token resumes at most once.
func (t *ResumeTable) Claim(token string) (Detached, bool) {
	v, ok := t.cache.Take(token)
	if !ok {
		return Detached{}, false
	}
	return v.(Detached), true
}

// Resume restores d into c: identity, capabilities and inbound sequencing.
func (c *Connection) Resume(d Detached) {
	c.Authenticate(d.UserID, d.DeviceID)
	if d.Caps != nil {
		c.DeclareCaps(d.Caps)
	}
	c.Tracker.ResumeFrom(d.Tracker)
}
