package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// frameProducer yields encoded frames at the pace of their durations.
type frameProducer interface {
	nextFrame(keyframe bool) (data []byte, duration time.Duration, err error)
	close() error
}

// LocalSource is a source whose frames originate in this process: a
// synthetic device or a file. Production starts with the first sink.
type LocalSource struct {
	*baseSource

	producer         frameProducer
	keyframeInterval time.Duration
	keyframeRequest  int32

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newLocalSource(base *baseSource, producer frameProducer, keyframeInterval time.Duration) *LocalSource {
	source := &LocalSource{
		baseSource:       base,
		producer:         producer,
		keyframeInterval: keyframeInterval,
		done:             make(chan struct{}),
	}
	base.onFirstSink = source.start
	return source
}

// RequestKeyframe makes the next produced frame a keyframe.
func (source *LocalSource) RequestKeyframe() {
	atomic.StoreInt32(&source.keyframeRequest, 1)
}

func (source *LocalSource) Close() error {
	var err error
	source.closeOnce.Do(func() {
		close(source.done)
		source.wg.Wait()
		err = source.producer.close()
	})
	return err
}

func (source *LocalSource) start() {
	source.startOnce.Do(func() {
		select {
		case <-source.done:
			return
		default:
		}
		source.log.Infof("starting %s %s source %q", source.sourceType, source.mediaType, source.name)
		source.wg.Add(1)
		go source.run()
	})
}

func (source *LocalSource) run() {
	defer source.wg.Done()

	var lastKeyframe time.Time
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-source.done:
			return
		case now := <-timer.C:
			keyframe := atomic.SwapInt32(&source.keyframeRequest, 0) == 1 ||
				lastKeyframe.IsZero() ||
				(source.keyframeInterval > 0 && now.Sub(lastKeyframe) >= source.keyframeInterval)

			data, duration, err := source.producer.nextFrame(keyframe)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					source.log.Errorf("%s: stopping after producer error: %v", source.name, err)
				}
				return
			}
			if keyframe {
				lastKeyframe = now
			}
			if len(data) > 0 {
				source.emit(pionmedia.Sample{Data: data, Duration: duration, Timestamp: now})
			}
			if duration <= 0 {
				duration = time.Millisecond
			}
			timer.Reset(duration)
		}
	}
}

type syntheticVideo struct {
	width, height int
	frameDuration time.Duration
}

func (producer *syntheticVideo) nextFrame(keyframe bool) ([]byte, time.Duration, error) {
	size := 1200
	if keyframe {
		size = 4000
	}
	return vp8Frame(keyframe, producer.width, producer.height, size), producer.frameDuration, nil
}

func (producer *syntheticVideo) close() error { return nil }

// Opus TOC config 31 (CELT fullband, 20 ms), one frame: a silent packet.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

type syntheticAudio struct{}

func (producer *syntheticAudio) nextFrame(bool) ([]byte, time.Duration, error) {
	frame := make([]byte, len(opusSilence))
	copy(frame, opusSilence)
	return frame, opusFrameDuration, nil
}

func (producer *syntheticAudio) close() error { return nil }

func NewSyntheticVideoSource(name string, sourceType SourceType, width, height int, framerate float64, loggerFactory logging.LoggerFactory) *LocalSource {
	if framerate <= 0 {
		framerate = 30
	}
	producer := &syntheticVideo{
		width:         width,
		height:        height,
		frameDuration: time.Duration(float64(time.Second) / framerate),
	}
	base := newBaseSource(name, MediaTypeVideo, sourceType, CodecTypeVP8, loggerFactory)
	return newLocalSource(base, producer, 3*time.Second)
}

func NewSyntheticAudioSource(name string, sourceType SourceType, loggerFactory logging.LoggerFactory) *LocalSource {
	base := newBaseSource(name, MediaTypeAudio, sourceType, CodecTypeOpus, loggerFactory)
	return newLocalSource(base, &syntheticAudio{}, 0)
}
