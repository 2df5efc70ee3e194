package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

var (
	ErrUnsupportedFourCC = errors.New("media: unsupported IVF fourcc")
	errEmptyFile         = errors.New("media: file holds no frames")
)

// ivfProducer replays an IVF file, rewinding at the end.
type ivfProducer struct {
	path          string
	file          *os.File
	reader        *ivfreader.IVFReader
	frameDuration time.Duration
	framesInPass  int
}

func openIVF(path string) (*ivfProducer, *ivfreader.IVFFileHeader, error) {
	producer := &ivfProducer{path: path}
	header, err := producer.open()
	if err != nil {
		return nil, nil, err
	}
	producer.frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	if producer.frameDuration <= 0 {
		producer.frameDuration = time.Second / 30
	}
	return producer, header, nil
}

func (producer *ivfProducer) open() (*ivfreader.IVFFileHeader, error) {
	file, err := os.Open(producer.path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("parse %s: %w", producer.path, err)
	}
	producer.file = file
	producer.reader = reader
	producer.framesInPass = 0
	return header, nil
}

func (producer *ivfProducer) nextFrame(bool) ([]byte, time.Duration, error) {
	frame, _, err := producer.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if producer.framesInPass == 0 {
			return nil, 0, errEmptyFile
		}
		producer.file.Close()
		if _, err = producer.open(); err != nil {
			return nil, 0, err
		}
		frame, _, err = producer.reader.ParseNextFrame()
	}
	if err != nil {
		return nil, 0, err
	}
	producer.framesInPass++
	return frame, producer.frameDuration, nil
}

func (producer *ivfProducer) close() error {
	return producer.file.Close()
}

// oggProducer replays an Ogg/Opus file page by page, rewinding at the end.
// Pages are expected to carry a single Opus packet each.
type oggProducer struct {
	path         string
	file         *os.File
	reader       *oggreader.OggReader
	lastGranule  uint64
	framesInPass int
}

func openOgg(path string) (*oggProducer, error) {
	producer := &oggProducer{path: path}
	if err := producer.open(); err != nil {
		return nil, err
	}
	return producer, nil
}

func (producer *oggProducer) open() error {
	file, err := os.Open(producer.path)
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("parse %s: %w", producer.path, err)
	}
	producer.file = file
	producer.reader = reader
	producer.lastGranule = 0
	producer.framesInPass = 0
	return nil
}

func (producer *oggProducer) nextFrame(bool) ([]byte, time.Duration, error) {
	for {
		page, pageHeader, err := producer.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if producer.framesInPass == 0 {
				return nil, 0, errEmptyFile
			}
			producer.file.Close()
			if err = producer.open(); err != nil {
				return nil, 0, err
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) || pageHeader.GranulePosition <= producer.lastGranule {
			continue
		}

		// The granule position counts 48 kHz samples for Opus.
		sampleCount := pageHeader.GranulePosition - producer.lastGranule
		producer.lastGranule = pageHeader.GranulePosition
		producer.framesInPass++

		return page, time.Duration(sampleCount) * time.Second / 48000, nil
	}
}

func (producer *oggProducer) close() error {
	return producer.file.Close()
}

// NewIVFFileSource replays a VP8 or VP9 IVF file as a capture source.
func NewIVFFileSource(path string, loggerFactory logging.LoggerFactory) (*LocalSource, error) {
	producer, header, err := openIVF(path)
	if err != nil {
		return nil, err
	}

	var codec CodecType
	switch header.FourCC {
	case "VP80":
		codec = CodecTypeVP8
	case "VP90":
		codec = CodecTypeVP9
	default:
		producer.close()
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFourCC, header.FourCC)
	}

	base := newBaseSource(filepath.Base(path), MediaTypeVideo, SourceTypeCapture, codec, loggerFactory)
	// File frames cannot be turned into keyframes on request.
	return newLocalSource(base, producer, 0), nil
}

// NewOggFileSource replays an Ogg/Opus file as a capture source.
func NewOggFileSource(path string, loggerFactory logging.LoggerFactory) (*LocalSource, error) {
	producer, err := openOgg(path)
	if err != nil {
		return nil, err
	}
	base := newBaseSource(filepath.Base(path), MediaTypeAudio, SourceTypeCapture, CodecTypeOpus, loggerFactory)
	return newLocalSource(base, producer, 0), nil
}
