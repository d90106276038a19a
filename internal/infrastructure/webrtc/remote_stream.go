package webrtc

import (
	"sync"

	"meshcall/internal/core/domain"
)

// remoteStream is the inbound media of one peer.
type remoteStream struct {
	id string

	mu      sync.Mutex
	tracks  []domain.RemoteTrackInfo
	packets map[string]uint64
	bytes   map[string]uint64
}

func newRemoteStream(id string) *remoteStream {
	return &remoteStream{
		id:      id,
		packets: make(map[string]uint64),
		bytes:   make(map[string]uint64),
	}
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Tracks() []domain.RemoteTrackInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RemoteTrackInfo(nil), s.tracks...)
}

// addTrack reports whether info is the first track of the stream.
func (s *remoteStream) addTrack(info domain.RemoteTrackInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, info)
	return len(s.tracks) == 1
}

func (s *remoteStream) count(trackID string, payload int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets[trackID]++
	s.bytes[trackID] += uint64(payload)
}

// Received returns packets and payload bytes read so far for trackID.
func (s *remoteStream) Received(trackID string) (packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[trackID], s.bytes[trackID]
}
