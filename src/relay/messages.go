// Package relay carries a screen-region capture from the surface that draws
// the selection to the requester that asked for it. The actors share no
// memory; every interaction is a message routed by the Dispatcher.
package relay

// Message is the closed set of relay messages.
type Message interface {
	Type() string
	relayMessage()
}

const (
	TypeStartCapture        = "StartCapture"
	TypeBeginCaptureSession = "BeginCaptureSession"
	TypeCaptureReady        = "CaptureReady"
	TypeCaptureSuperseded   = "CaptureSuperseded"
)

// StartCapture - sent by a requester when the user asks to capture a region.
type StartCapture struct{}

func (StartCapture) Type() string  { return TypeStartCapture }
func (StartCapture) relayMessage() {}

// BeginCaptureSession - sent to the surface to show the selection affordance.
type BeginCaptureSession struct{}

func (BeginCaptureSession) Type() string  { return TypeBeginCaptureSession }
func (BeginCaptureSession) relayMessage() {}

// CaptureReady - sent by the surface with the rasterized region.
type CaptureReady struct {
	DataURL string
}

func (CaptureReady) Type() string  { return TypeCaptureReady }
func (CaptureReady) relayMessage() {}

// CaptureSuperseded - sent to a requester whose pending capture was taken
// over by another requester.
type CaptureSuperseded struct{}

func (CaptureSuperseded) Type() string  { return TypeCaptureSuperseded }
func (CaptureSuperseded) relayMessage() {}

// Envelope wraps a message with routing metadata.
type Envelope struct {
	From    string
	To      string // empty lets the dispatcher route by message type
	Message Message
}

// Role tells the dispatcher how to route to an endpoint.
type Role int

const (
	RoleRequester Role = iota
	RoleSurface
)

func (r Role) String() string {
	if r == RoleSurface {
		return "surface"
	}
	return "requester"
}
