package transport

import (
	"sync"
)

type ConnectionPool struct {
	sync.RWMutex
	m map[string]Connection
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{
		m: make(map[string]Connection),
	}
}

func (p *ConnectionPool) Add(a string, c Connection) {
	p.Lock()
	p.m[a] = c
	p.Unlock()
}

func (p *ConnectionPool) Get(a string) (c Connection) {
	p.RLock()
	c = p.m[a]
	p.RUnlock()
	return c
}

func (p *ConnectionPool) Del(a string) {
	p.Lock()
	delete(p.m, a)
	p.Unlock()
}

func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) {
	p.Lock()
	defer p.Unlock()
	c.Close()
	delete(p.m, addr)
}

func (p *ConnectionPool) Size() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.m)
}

// Clear closes all connections and empties the pool.
func (p *ConnectionPool) Clear() {
	p.Lock()
	defer p.Unlock()
	for _, c := range p.m {
		c.Close()
	}
	p.m = make(map[string]Connection)
}
