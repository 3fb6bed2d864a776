package changefeed

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks live connections.
type Registry struct {
	conns *xsync.MapOf[uuid.UUID, *Connection]

	// invoked with +1 for each connection stored and -1 for each deleted.
	observe func(delta int)
}

func NewRegistry() *Registry {
	return &Registry{
		conns:   xsync.NewMapOf[uuid.UUID, *Connection](),
		observe: func(int) {},
	}
}

// Register stores the connection under a newly generated ID, which is
// returned.
func (r *Registry) Register(conn *Connection) uuid.UUID {
	conn.ID = uuid.New()
	r.conns.Store(conn.ID, conn)
	r.observe(1)
	return conn.ID
}

// Get retrieves a live connection.
func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	return r.conns.Load(id)
}

// Remove removes and releases the connection. Removing a connection that is not
// registered is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.evict(id, websocket.CloseNormalClosure, "")
}

func (r *Registry) evict(id uuid.UUID, code int, reason string) {
	conn, ok := r.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	r.observe(-1)
	conn.release(code, reason)
}

// RemoveAll removes and releases every connection.
func (r *Registry) RemoveAll(code int, reason string) {
	r.conns.Range(func(id uuid.UUID, _ *Connection) bool {
		r.evict(id, code, reason)
		return true
	})
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return r.conns.Size()
}
