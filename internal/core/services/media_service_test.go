package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type mediaFixture struct {
	media   *MediaService
	devices *mockDeviceProvider
	events  *eventRecorder
	mic     *fakeTrack
	cam     *fakeTrack
}

func newMediaFixture(t *testing.T) *mediaFixture {
	t.Helper()
	f := &mediaFixture{
		devices: &mockDeviceProvider{},
		events:  &eventRecorder{},
		mic:     newFakeTrack("mic", domain.TrackAudio, "mic-0"),
		cam:     newFakeTrack("cam", domain.TrackVideo, "cam-0"),
	}
	f.media = NewMediaService(f.devices, f.events, testLogger())
	return f
}

func (f *mediaFixture) acquire(t *testing.T) {
	t.Helper()
	f.devices.On("AcquireTrack", mock.Anything, domain.TrackAudio, "mic-0", domain.ProfileMedium).Return(f.mic, nil).Once()
	f.devices.On("AcquireTrack", mock.Anything, domain.TrackVideo, "cam-0", domain.ProfileMedium).Return(f.cam, nil).Once()
	require.NoError(t, f.media.Acquire(context.Background(), domain.CaptureConstraints{
		Profile:       domain.ProfileMedium,
		AudioDeviceID: "mic-0",
		VideoDeviceID: "cam-0",
	}))
}

func TestMedia_AcquireExposesTracks(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)

	assert.Same(t, f.mic, f.media.AudioTrack())
	assert.Same(t, f.cam, f.media.VideoTrack())
	assert.Equal(t, domain.CaptureState{HasAudio: true, HasVideo: true, AudioEnabled: true, VideoEnabled: true}, f.media.Capture())

	updates := f.events.ofType(domain.EventCaptureUpdated)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Capture.HasVideo)
	f.devices.AssertExpectations(t)
}

func TestMedia_AcquireErrorsSurfaceVerbatim(t *testing.T) {
	for _, deviceErr := range []error{domain.ErrPermissionDenied, domain.ErrDeviceUnavailable, domain.ErrDeviceBusy} {
		f := newMediaFixture(t)
		f.devices.On("AcquireTrack", mock.Anything, domain.TrackAudio, "", mock.Anything).Return(f.mic, nil)
		f.devices.On("AcquireTrack", mock.Anything, domain.TrackVideo, "", mock.Anything).Return(nil, deviceErr)

		err := f.media.Acquire(context.Background(), domain.CaptureConstraints{Profile: domain.ProfileLow})
		assert.ErrorIs(t, err, deviceErr)
		assert.True(t, f.mic.Stopped(), "partially acquired audio is released")
		assert.Nil(t, f.media.AudioTrack())
	}
}

func TestMedia_ToggleTwiceRestores(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)

	enabled, err := f.media.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, f.mic.Enabled())
	assert.False(t, f.mic.Stopped(), "toggle never stops the track")

	enabled, err = f.media.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, f.mic.Enabled())

	enabled, err = f.media.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, f.media.Capture().VideoEnabled)
}

func TestMedia_ToggleWithoutCapture(t *testing.T) {
	f := newMediaFixture(t)
	_, err := f.media.ToggleAudio()
	assert.ErrorIs(t, err, domain.ErrNoCapture)

	f.acquire(t)
	f.media.Release()
	_, err = f.media.ToggleVideo()
	assert.ErrorIs(t, err, domain.ErrCaptureReleased)
}

func TestMedia_ScreenShareAndStop(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)

	var videoChanges []ports.Track
	f.media.OnVideoTrackChanged(func(ctx context.Context, track ports.Track) {
		videoChanges = append(videoChanges, track)
	})

	screen := newFakeTrack("screen", domain.TrackVideo, "screen")
	f.devices.On("AcquireScreen", mock.Anything).Return(screen, nil).Once()

	require.NoError(t, f.media.ReplaceVideoWithScreen(context.Background()))
	assert.Same(t, screen, f.media.VideoTrack())
	assert.True(t, f.media.Capture().ScreenSharing)
	assert.False(t, f.cam.Stopped(), "camera kept for restoration")

	// second call while sharing is a no-op
	require.NoError(t, f.media.ReplaceVideoWithScreen(context.Background()))

	require.NoError(t, f.media.StopScreenShare(context.Background()))
	assert.Same(t, f.cam, f.media.VideoTrack())
	assert.True(t, screen.Stopped())
	assert.False(t, f.media.Capture().ScreenSharing)

	require.Len(t, videoChanges, 2)
	assert.Same(t, screen, videoChanges[0])
	assert.Same(t, f.cam, videoChanges[1])
	f.devices.AssertExpectations(t)
}

func TestMedia_ScreenEndedBySourceRestoresCamera(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)

	screen := newFakeTrack("screen", domain.TrackVideo, "screen")
	f.devices.On("AcquireScreen", mock.Anything).Return(screen, nil).Once()
	require.NoError(t, f.media.ReplaceVideoWithScreen(context.Background()))

	screen.end()

	assert.Same(t, f.cam, f.media.VideoTrack())
	last := f.events.ofType(domain.EventCaptureUpdated)
	assert.False(t, last[len(last)-1].Capture.ScreenSharing)
}

func TestMedia_ScreenEndedWhileAcquiringKeepsCamera(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)

	screen := newFakeTrack("screen", domain.TrackVideo, "screen")
	f.devices.On("AcquireScreen", mock.Anything).
		Run(func(mock.Arguments) { screen.end() }).
		Return(screen, nil).Once()

	err := f.media.ReplaceVideoWithScreen(context.Background())
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.Same(t, f.cam, f.media.VideoTrack())
	assert.False(t, f.media.Capture().ScreenSharing)
	assert.False(t, f.cam.Stopped())
}

func TestMedia_ScreenPermissionDenied(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)
	f.devices.On("AcquireScreen", mock.Anything).Return(nil, domain.ErrPermissionDenied).Once()

	err := f.media.ReplaceVideoWithScreen(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Same(t, f.cam, f.media.VideoTrack())
}

func TestMedia_SwitchDevicePreservesEnabled(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)

	var audioChanges []ports.Track
	f.media.OnAudioTrackChanged(func(ctx context.Context, track ports.Track) {
		audioChanges = append(audioChanges, track)
	})

	_, err := f.media.ToggleAudio()
	require.NoError(t, err)

	headset := newFakeTrack("headset", domain.TrackAudio, "mic-1")
	f.devices.On("AcquireTrack", mock.Anything, domain.TrackAudio, "mic-1", domain.ProfileMedium).Return(headset, nil).Once()

	require.NoError(t, f.media.SwitchDevice(context.Background(), domain.TrackAudio, "mic-1"))
	assert.Same(t, headset, f.media.AudioTrack())
	assert.False(t, headset.Enabled(), "muted state carries over")
	assert.True(t, f.mic.Stopped())
	require.Len(t, audioChanges, 1)
	assert.Same(t, headset, audioChanges[0])
}

func TestMedia_SwitchCameraWhileSharing(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)

	screen := newFakeTrack("screen", domain.TrackVideo, "screen")
	f.devices.On("AcquireScreen", mock.Anything).Return(screen, nil).Once()
	require.NoError(t, f.media.ReplaceVideoWithScreen(context.Background()))

	var videoChanges []ports.Track
	f.media.OnVideoTrackChanged(func(ctx context.Context, track ports.Track) {
		videoChanges = append(videoChanges, track)
	})

	cam2 := newFakeTrack("cam2", domain.TrackVideo, "cam-1")
	f.devices.On("AcquireTrack", mock.Anything, domain.TrackVideo, "cam-1", domain.ProfileMedium).Return(cam2, nil).Once()
	require.NoError(t, f.media.SwitchDevice(context.Background(), domain.TrackVideo, "cam-1"))

	assert.Same(t, screen, f.media.VideoTrack(), "screen stays exposed")
	assert.True(t, f.cam.Stopped())
	assert.Empty(t, videoChanges)

	require.NoError(t, f.media.StopScreenShare(context.Background()))
	assert.Same(t, cam2, f.media.VideoTrack())
}

func TestMedia_SwitchDeviceBusy(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)
	f.devices.On("AcquireTrack", mock.Anything, domain.TrackVideo, "cam-9", domain.ProfileMedium).Return(nil, domain.ErrDeviceBusy).Once()

	err := f.media.SwitchDevice(context.Background(), domain.TrackVideo, "cam-9")
	assert.ErrorIs(t, err, domain.ErrDeviceBusy)
	assert.Same(t, f.cam, f.media.VideoTrack())
	assert.False(t, f.cam.Stopped())
}

func TestMedia_ReleaseStopsEverything(t *testing.T) {
	f := newMediaFixture(t)
	f.acquire(t)
	screen := newFakeTrack("screen", domain.TrackVideo, "screen")
	f.devices.On("AcquireScreen", mock.Anything).Return(screen, nil).Once()
	require.NoError(t, f.media.ReplaceVideoWithScreen(context.Background()))

	f.media.Release()
	assert.True(t, f.mic.Stopped())
	assert.True(t, f.cam.Stopped())
	assert.True(t, screen.Stopped())
	assert.Nil(t, f.media.VideoTrack())
	assert.Equal(t, domain.CaptureState{}, f.media.Capture())

	count := len(f.events.ofType(domain.EventCaptureUpdated))
	f.media.Release()
	assert.Len(t, f.events.ofType(domain.EventCaptureUpdated), count)
}
