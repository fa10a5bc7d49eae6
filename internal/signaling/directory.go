package signaling

import (
	"sync"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
)

// directory maps an authenticated device id to the socket currently serving
// it. A device has at most one live socket; a newer AUTH or RESUME for the
// same device takes over.
type directory struct {
	mu      sync.RWMutex
	devices map[string]*conn
}

func newDirectory() *directory {
	return &directory{devices: make(map[string]*conn)}
}

// claim makes c the owner of deviceID on behalf of userID and returns the
// socket it replaced, if any. A device owned by another user is refused.
func (d *directory) claim(deviceID, userID string, c *conn) (*conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.devices[deviceID]
	if prev == c {
		return nil, nil
	}
	if prev != nil {
		if owner, _, _ := prev.sess.Identity(); owner != userID {
			return nil, protocol.NewError(protocol.CodeUnauthorized, "device id is bound to another user")
		}
	}
	d.devices[deviceID] = c
	return prev, nil
}

// release removes deviceID only if c still owns it.
func (d *directory) release(deviceID string, c *conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devices[deviceID] != c {
		return false
	}
	delete(d.devices, deviceID)
	return true
}

func (d *directory) lookup(deviceID string) *conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.devices[deviceID]
}

func (d *directory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}
