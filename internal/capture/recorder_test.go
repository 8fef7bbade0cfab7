package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/therapy-audio-service/internal/audio"
)

// pcmEncoder mirrors the pipeline's encode step without resampling
var pcmEncoder = EncoderFunc(func(_ context.Context, clip *Clip) (*Encoded, error) {
	pcm := audio.FloatTo16BitPCM(clip.Samples)
	wav, err := audio.EncodeWAV(pcm, clip.SampleRate, 1)
	if err != nil {
		return nil, err
	}
	return &Encoded{
		Clip:       clip,
		SampleRate: clip.SampleRate,
		Samples:    len(clip.Samples),
		Duration:   clip.Duration,
		PCM:        pcm,
		WAV:        wav,
	}, nil
})

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder(Config{})
	assert.Equal(t, StateIdle, r.State())

	require.NoError(t, r.Start(48000, 1))
	assert.Equal(t, StateRecording, r.State())

	require.NoError(t, r.Write(0, []float32{0.5, 0.5}))
	require.NoError(t, r.Write(1, []float32{-0.5, -0.5}))

	clip, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 48000, clip.SampleRate)
	assert.Equal(t, []float32{0.5, 0.5, -0.5, -0.5}, clip.Samples)

	encoded, err := r.Encode(context.Background(), pcmEncoder)
	require.NoError(t, err)
	assert.Equal(t, StateEncoded, r.State())
	assert.Len(t, encoded.PCM, 8)

	select {
	case <-r.Done():
	default:
		t.Fatal("Done should be closed after Encode")
	}

	res, err := r.Result()
	require.NoError(t, err)
	assert.Same(t, encoded, res)
}

func TestRecorderInvalidTransitions(t *testing.T) {
	r := NewRecorder(Config{})

	assert.ErrorIs(t, r.Write(0, []float32{0}), ErrInvalidState)

	_, err := r.Stop()
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = r.Encode(context.Background(), pcmEncoder)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, r.Start(16000, 1))
	assert.ErrorIs(t, r.Start(16000, 1), ErrInvalidState)

	_, err = r.Encode(context.Background(), pcmEncoder)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, r.Write(0, []float32{0.1}))
	_, err = r.Stop()
	require.NoError(t, err)

	assert.ErrorIs(t, r.Write(1, []float32{0.1}), ErrInvalidState)
	_, err = r.Stop()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecorderStartValidation(t *testing.T) {
	r := NewRecorder(Config{})
	assert.ErrorIs(t, r.Start(0, 1), ErrUnsupportedRate)
	assert.ErrorIs(t, r.Start(4000, 1), ErrUnsupportedRate)
	assert.ErrorIs(t, r.Start(MaxSampleRate+1, 1), ErrUnsupportedRate)
	assert.ErrorIs(t, r.Start(1<<31, 1), ErrUnsupportedRate)
	assert.Error(t, r.Start(48000, 0))
	assert.Equal(t, StateIdle, r.State())

	require.NoError(t, r.Start(MaxSampleRate, 1))
}

func TestRecorderInterleavedKeepsFirstChannel(t *testing.T) {
	r := NewRecorder(Config{})
	require.NoError(t, r.Start(44100, 2))

	require.NoError(t, r.Write(0, []float32{0.1, 0.9, 0.2, 0.9, 0.3, 0.9}))
	assert.Error(t, r.Write(1, []float32{0.1, 0.9, 0.2}))

	clip, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, clip.Samples)
	assert.Equal(t, 2, clip.Channels)
}

func TestRecorderStopWithoutAudio(t *testing.T) {
	r := NewRecorder(Config{})
	require.NoError(t, r.Start(16000, 1))

	_, err := r.Stop()
	assert.ErrorIs(t, err, ErrNoAudio)
	assert.Equal(t, StateFailed, r.State())

	<-r.Done()
	_, err = r.Result()
	assert.ErrorIs(t, err, ErrNoAudio)
}

func TestRecorderEncodeFailure(t *testing.T) {
	encodeErr := errors.New("encode failed")
	r := NewRecorder(Config{})
	require.NoError(t, r.Start(16000, 1))
	require.NoError(t, r.Write(0, []float32{0.1}))
	_, err := r.Stop()
	require.NoError(t, err)

	_, err = r.Encode(context.Background(), EncoderFunc(func(context.Context, *Clip) (*Encoded, error) {
		return nil, encodeErr
	}))
	assert.ErrorIs(t, err, encodeErr)
	assert.Equal(t, StateFailed, r.State())
}

func TestRecorderCancel(t *testing.T) {
	r := NewRecorder(Config{})
	require.NoError(t, r.Start(16000, 1))
	require.NoError(t, r.Write(0, []float32{0.1}))

	r.Cancel()
	assert.Equal(t, StateFailed, r.State())

	_, err := r.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	// Cancelling twice is harmless.
	r.Cancel()
	assert.ErrorIs(t, r.Write(1, []float32{0.1}), ErrInvalidState)
}

func TestRecorderOnComplete(t *testing.T) {
	completed := make(chan *Encoded, 1)
	r := NewRecorder(Config{
		OnComplete: func(e *Encoded, err error) {
			assert.NoError(t, err)
			completed <- e
		},
	})

	require.NoError(t, r.Start(8000, 1))
	require.NoError(t, r.Write(0, []float32{0.25}))
	_, err := r.Stop()
	require.NoError(t, err)
	_, err = r.Encode(context.Background(), pcmEncoder)
	require.NoError(t, err)

	select {
	case e := <-completed:
		assert.Equal(t, 1, e.Samples)
	case <-time.After(time.Second):
		t.Fatal("OnComplete was not called")
	}
}

func TestRecorderMaxDuration(t *testing.T) {
	r := NewRecorder(Config{MaxDuration: 10 * time.Millisecond})
	require.NoError(t, r.Start(8000, 1))

	require.NoError(t, r.Write(0, make([]float32, 80)))
	assert.ErrorIs(t, r.Write(1, make([]float32, 1)), audio.ErrBufferFull)

	clip, err := r.Stop()
	require.NoError(t, err)
	assert.Len(t, clip.Samples, 80)
}

func TestRecorderStopKeepsClipWhenHeldFramesOverflow(t *testing.T) {
	// 1ms at 8kHz holds 8 samples
	r := NewRecorder(Config{MaxDuration: time.Millisecond})
	require.NoError(t, r.Start(8000, 1))

	require.NoError(t, r.Write(0, []float32{0.1, 0.1, 0.1, 0.1, 0.1, 0.1}))
	require.NoError(t, r.Write(2, []float32{0.3, 0.3, 0.3, 0.3}))

	clip, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, StateStopped, r.State())
	assert.Len(t, clip.Samples, 6)
	assert.Equal(t, uint32(2), clip.Stats.LostFrames)
}

func TestRecorderGetStats(t *testing.T) {
	r := NewRecorder(Config{})
	assert.Equal(t, "idle", r.GetStats().State)

	require.NoError(t, r.Start(16000, 1))
	require.NoError(t, r.Write(0, make([]float32, 160)))

	stats := r.GetStats()
	assert.Equal(t, "recording", stats.State)
	require.NotNil(t, stats.BufferStats)
	assert.Equal(t, 160, stats.BufferStats.Samples)
}
