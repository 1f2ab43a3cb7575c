package attach

import "sync"

// credentialGate separates the windows in which a jattach runs with the effective
// uid and gid of a target, which are process-wide, from the filesystem operations that
// must run with the credentials of the host process. Holders of the host credentials
// never wait for each other, and a switch waits until no holder is left.
type credentialGate struct {
	mt       sync.Mutex
	cond     *sync.Cond
	holders  int
	switched bool
}

func newCredentialGate() *credentialGate {
	g := &credentialGate{}
	g.cond = sync.NewCond(&g.mt)
	return g
}

var hostCredentials = newCredentialGate()

// HoldHostCredentials waits until no jattach runs with the credentials of a target and
// keeps them from being switched until the returned function is invoked. Holds can be
// nested, and releasing more than once is harmless.
func HoldHostCredentials() (release func()) {
	return hostCredentials.hold()
}

func (g *credentialGate) hold() func() {
	g.mt.Lock()
	for g.switched {
		g.cond.Wait()
	}
	g.holders++
	g.mt.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mt.Lock()
			g.holders--
			if g.holders == 0 {
				g.cond.Broadcast()
			}
			g.mt.Unlock()
		})
	}
}

// switchCredentials waits for the other switches and for the holders to finish.
// The returned function must be invoked once the host credentials are restored.
func (g *credentialGate) switchCredentials() (restored func()) {
	g.mt.Lock()
	for g.switched || g.holders > 0 {
		g.cond.Wait()
	}
	g.switched = true
	g.mt.Unlock()

	return func() {
		g.mt.Lock()
		g.switched = false
		g.cond.Broadcast()
		g.mt.Unlock()
	}
}
