package domain

import "errors"

var (
	ErrTransport         = errors.New("relay transport error")
	ErrNotConnected      = errors.New("relay not connected")
	ErrJoinTimeout       = errors.New("join-room timed out waiting for roster")
	ErrPeerSignal        = errors.New("peer signal rejected")
	ErrSignalTimeout     = errors.New("signal exchange timed out")
	ErrIceFailure        = errors.New("ice failure")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrDeviceBusy        = errors.New("device busy")
	ErrStatsUnavailable  = errors.New("stats unavailable")

	ErrPeerNotFound    = errors.New("peer not found")
	ErrSessionExists   = errors.New("peer session already exists")
	ErrSessionClosed   = errors.New("peer session closed")
	ErrMeshClosed      = errors.New("mesh is shut down")
	ErrNoCapture       = errors.New("no local capture")
	ErrCaptureReleased = errors.New("local capture released")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrTransport, "TransportError"},
	{ErrNotConnected, "NotConnected"},
	{ErrJoinTimeout, "JoinTimeout"},
	{ErrPeerSignal, "PeerSignalError"},
	{ErrSignalTimeout, "SignalTimeout"},
	{ErrIceFailure, "IceFailure"},
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrDeviceUnavailable, "DeviceUnavailable"},
	{ErrDeviceBusy, "DeviceBusy"},
	{ErrStatsUnavailable, "StatsUnavailable"},
}

// ErrorKind returns the classification name carried in peer-failed events.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "InternalError"
}
