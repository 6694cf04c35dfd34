package engine

// Send writes a raw command to the engine.
func (p *Process) Send(cmd string) error { return p.send(cmd) }
