package domain

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// QualityProfile only affects the video track.
type QualityProfile struct {
	Name      string `json:"name" yaml:"name"`
	Width     int    `json:"width" yaml:"width"`
	Height    int    `json:"height" yaml:"height"`
	FrameRate int    `json:"frame_rate" yaml:"frame_rate"`
}

var (
	ProfileLow    = QualityProfile{Name: "low", Width: 320, Height: 240, FrameRate: 15}
	ProfileMedium = QualityProfile{Name: "medium", Width: 640, Height: 480, FrameRate: 24}
	ProfileHigh   = QualityProfile{Name: "high", Width: 1280, Height: 720, FrameRate: 30}
)

func DefaultQualityProfiles() map[string]QualityProfile {
	return map[string]QualityProfile{
		ProfileLow.Name:    ProfileLow,
		ProfileMedium.Name: ProfileMedium,
		ProfileHigh.Name:   ProfileHigh,
	}
}

type CaptureConstraints struct {
	Profile       QualityProfile
	AudioDeviceID string
	VideoDeviceID string
}

type CaptureState struct {
	HasAudio      bool `json:"has_audio"`
	HasVideo      bool `json:"has_video"`
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

type RemoteTrackInfo struct {
	ID    string    `json:"id"`
	Kind  TrackKind `json:"kind"`
	Codec string    `json:"codec"`
}

// RemoteStream is the inbound media bundle of one peer, populated on its first track.
type RemoteStream interface {
	ID() string
	Tracks() []RemoteTrackInfo
}
