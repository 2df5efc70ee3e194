package media

import (
	"errors"
	"fmt"

	"github.com/pion/logging"
)

// CaptureConfig describes the devices GetCaptureSources pretends to find.
type CaptureConfig struct {
	// VideoFile and AudioFile replace the synthetic camera and microphone
	// with IVF and Ogg/Opus file playback.
	VideoFile string
	AudioFile string

	Width     int
	Height    int
	Framerate float64

	LoggerFactory logging.LoggerFactory
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Width:     1280,
		Height:    720,
		Framerate: 30,
	}
}

// GetCaptureSources enumerates the sources matching types. Capture sources
// come first, followed by a test pattern when video is requested.
func GetCaptureSources(config CaptureConfig, types MediaType) ([]Source, error) {
	var sources []Source

	if types&MediaTypeVideo != 0 {
		if config.VideoFile != "" {
			source, err := NewIVFFileSource(config.VideoFile, config.LoggerFactory)
			if err != nil {
				return nil, errors.Join(err, CloseSources(sources))
			}
			sources = append(sources, source)
		} else {
			sources = append(sources, NewSyntheticVideoSource("Synthetic camera", SourceTypeCapture, config.Width, config.Height, config.Framerate, config.LoggerFactory))
		}
	}

	if types&MediaTypeAudio != 0 {
		if config.AudioFile != "" {
			source, err := NewOggFileSource(config.AudioFile, config.LoggerFactory)
			if err != nil {
				return nil, errors.Join(err, CloseSources(sources))
			}
			sources = append(sources, source)
		} else {
			sources = append(sources, NewSyntheticAudioSource("Synthetic microphone", SourceTypeCapture, config.LoggerFactory))
		}
	}

	if types&MediaTypeVideo != 0 {
		sources = append(sources, NewSyntheticVideoSource("Test pattern", SourceTypeTest, 320, 240, 15, config.LoggerFactory))
	}

	return sources, nil
}

// CloseSources stops every local source in the list and returns the joined
// close errors.
func CloseSources(sources []Source) error {
	var errs []error
	for _, source := range sources {
		if closer, ok := source.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", source.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
