// Package transcode remuxes received streams into WebM and forwards their
// packets to local UDP ports for external players.
package transcode

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/go-webrtc-send-receive/media"
	"github.com/pion/logging"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

var ErrRecorderClosed = errors.New("transcode: recorder closed")

type WebMRecorderConfig struct {
	AudioChannels uint16
	LoggerFactory logging.LoggerFactory
}

// WebMRecorder writes an Opus track and a VP8 track into one WebM stream.
// Nothing is written before the first video keyframe, whose size becomes the
// track's pixel size.
type WebMRecorder struct {
	output        io.WriteCloser
	audioChannels uint16
	log           logging.LeveledLogger

	mu             sync.Mutex
	audioWriter    webm.BlockWriteCloser
	audioTimestamp time.Duration
	videoWriter    webm.BlockWriteCloser
	videoTimestamp time.Duration
	width          int
	height         int
	blocks         uint64
	closed         bool
}

func NewWebMRecorder(output io.WriteCloser, config WebMRecorderConfig) *WebMRecorder {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	channels := config.AudioChannels
	if channels == 0 {
		channels = 2
	}
	return &WebMRecorder{
		output:        output,
		audioChannels: channels,
		log:           loggerFactory.NewLogger("webm"),
	}
}

type sampleSinkFunc func(sample pionmedia.Sample) error

func (fn sampleSinkFunc) WriteSample(sample pionmedia.Sample) error { return fn(sample) }

// AudioSink accepts Opus samples.
func (recorder *WebMRecorder) AudioSink() media.SampleSink {
	return sampleSinkFunc(recorder.handleAudioSample)
}

// VideoSink accepts VP8 samples.
func (recorder *WebMRecorder) VideoSink() media.SampleSink {
	return sampleSinkFunc(recorder.handleVideoSample)
}

// Blocks is the number of blocks written so far, both tracks included.
func (recorder *WebMRecorder) Blocks() uint64 {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return recorder.blocks
}

func (recorder *WebMRecorder) Size() (int, int) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return recorder.width, recorder.height
}

// Close finalizes the stream. The output is closed once both tracks are.
func (recorder *WebMRecorder) Close() error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.closed {
		return nil
	}
	recorder.closed = true

	if recorder.videoWriter == nil {
		return recorder.output.Close()
	}
	return errors.Join(recorder.audioWriter.Close(), recorder.videoWriter.Close())
}

// Private

func (recorder *WebMRecorder) handleAudioSample(sample pionmedia.Sample) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.closed {
		return ErrRecorderClosed
	}
	if recorder.audioWriter == nil {
		return nil
	}

	recorder.audioTimestamp += sample.Duration
	timestamp := int64(recorder.audioTimestamp / time.Millisecond)
	if _, err := recorder.audioWriter.Write(true, timestamp, sample.Data); err != nil {
		return err
	}
	recorder.blocks++
	return nil
}

func (recorder *WebMRecorder) handleVideoSample(sample pionmedia.Sample) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.closed {
		return ErrRecorderClosed
	}

	videoKeyframe := media.IsVP8Keyframe(sample.Data)
	if videoKeyframe && recorder.videoWriter == nil {
		width, height, _ := media.VP8KeyframeSize(sample.Data)
		if err := recorder.openWriters(width, height); err != nil {
			return err
		}
	}
	if recorder.videoWriter == nil {
		return nil
	}

	recorder.videoTimestamp += sample.Duration
	timestamp := int64(recorder.videoTimestamp / time.Millisecond)
	if _, err := recorder.videoWriter.Write(videoKeyframe, timestamp, sample.Data); err != nil {
		return err
	}
	recorder.blocks++
	return nil
}

func (recorder *WebMRecorder) openWriters(width, height int) error {
	codecsSpec := []webm.TrackEntry{
		{
			Name:            "Audio",
			TrackNumber:     1,
			TrackUID:        12345,
			CodecID:         "A_OPUS",
			TrackType:       2,
			DefaultDuration: 20000000,
			Audio: &webm.Audio{
				SamplingFrequency: 48000.0,
				Channels:          uint64(recorder.audioChannels),
			},
		}, {
			Name:            "Video",
			TrackNumber:     2,
			TrackUID:        67890,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: 33333333,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
	}

	blockWriteCloserArray, err := webm.NewSimpleBlockWriter(recorder.output, codecsSpec)
	if err != nil {
		return err
	}

	recorder.log.Infof("WebM recorder has started with video width=%d, height=%d", width, height)

	recorder.audioWriter = blockWriteCloserArray[0]
	recorder.videoWriter = blockWriteCloserArray[1]
	recorder.width, recorder.height = width, height
	return nil
}
