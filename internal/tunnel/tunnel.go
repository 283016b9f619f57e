// Package tunnel defines the seam between a peer session and the local
// TUN/TAP device that carries its decapsulated traffic. The device itself
// (creation, addressing, link state) is an external collaborator outside
// this module's scope; this package only describes the interface a
// PeerSession needs against it.
package tunnel

import "io"

// Frame is a single decapsulated packet read from or destined for the
// tunnel device. Sessions neither inspect nor modify its contents.
type Frame []byte

// Interface is what a PeerSession needs from a tunnel device: send a frame
// that arrived from the peer, and be told about frames the device wants
// sent to the peer via Packets.
type Interface interface {
	io.Closer

	// Send hands a frame received from the peer to the tunnel device.
	Send(f Frame) error

	// Packets returns the channel of frames the device has produced
	// locally and wants forwarded to the peer. Closed when the device is
	// torn down.
	Packets() <-chan Frame
}

// Null is an Interface that discards everything sent to it and never
// produces packets of its own. Useful for sessions that carry only
// routing-plane traffic, and as the default test double.
type Null struct {
	packets chan Frame
}

// NewNull returns a ready-to-use Null tunnel.
func NewNull() *Null {
	return &Null{packets: make(chan Frame)}
}

func (n *Null) Send(Frame) error { return nil }

func (n *Null) Packets() <-chan Frame { return n.packets }

func (n *Null) Close() error {
	close(n.packets)
	return nil
}
