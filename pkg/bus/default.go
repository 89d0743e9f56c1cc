package bus

import "sync"

var (
	defaultMu   sync.RWMutex
	defaultConn *Conn
)

// SetDefault installs conn as the process-wide connection and returns the
// previous one, if any. Nothing is created implicitly; applications that want
// a shared connection build it once at startup and register it here.
func SetDefault(conn *Conn) *Conn {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultConn
	defaultConn = conn
	return prev
}

// Default returns the process-wide connection, or nil.
func Default() *Conn {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultConn
}

// CloseDefault closes and clears the process-wide connection.
func CloseDefault() error {
	conn := SetDefault(nil)
	if conn == nil {
		return nil
	}
	return conn.Close()
}
