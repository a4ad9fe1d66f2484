package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"

	apperrors "peercall/pkg/errors"
)

// opusClockRate is the rate Ogg granule positions count at for Opus.
const opusClockRate = 48000

// FileDevices captures from media files: VP8 IVF for camera and display,
// Opus Ogg for the microphone. The camera and microphone loop; the display
// source ends the track when its file is exhausted.
type FileDevices struct {
	CameraFile     string
	MicrophoneFile string
	DisplayFile    string

	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

func NewFileDevices(camera, microphone, display string, logger *zap.SugaredLogger) *FileDevices {
	return &FileDevices{
		CameraFile:     camera,
		MicrophoneFile: microphone,
		DisplayFile:    display,
		logger:         logger,
	}
}

// GetUserMedia opens the microphone and camera sources requested by c.
func (d *FileDevices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	streamID := "local-" + uuid.NewString()
	var tracks []*Track

	fail := func(err error) (*Stream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	if c.Audio {
		t, err := NewAudioTrack("audio-"+uuid.NewString(), streamID)
		if err != nil {
			return fail(apperrors.NewMediaAccessError("microphone", err))
		}
		if err := d.startOgg(t, d.MicrophoneFile, true); err != nil {
			return fail(apperrors.NewMediaAccessError("microphone", err))
		}
		tracks = append(tracks, t)
	}

	if c.Video != nil {
		t, err := NewVideoTrack("video-"+uuid.NewString(), streamID)
		if err != nil {
			return fail(apperrors.NewMediaAccessError("camera", err))
		}
		if err := d.startIVF(t, d.CameraFile, true); err != nil {
			return fail(apperrors.NewMediaAccessError("camera", err))
		}
		tracks = append(tracks, t)
	}

	if len(tracks) == 0 {
		return nil, apperrors.NewMediaAccessError("devices", errors.New("no audio or video requested"))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	return NewStream(streamID, tracks...), nil
}

// GetDisplayMedia opens the display source as a single video track.
func (d *FileDevices) GetDisplayMedia(ctx context.Context) (*Stream, error) {
	streamID := "screen-" + uuid.NewString()
	t, err := NewVideoTrack("screen-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, apperrors.NewMediaAccessError("display", err)
	}
	if err := d.startIVF(t, d.DisplayFile, false); err != nil {
		return nil, apperrors.NewMediaAccessError("display", err)
	}
	if err := ctx.Err(); err != nil {
		t.Stop()
		return nil, err
	}
	return NewStream(streamID, t), nil
}

// Wait blocks until every pump goroutine has exited.
func (d *FileDevices) Wait() {
	d.wg.Wait()
}

func (d *FileDevices) startIVF(t *Track, path string, loop bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("read ivf header %s: %w", path, err)
	}
	if header.TimebaseDenominator == 0 {
		f.Close()
		return fmt.Errorf("ivf %s: zero timebase", path)
	}

	frameDuration := time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}

	next := func() ([]byte, time.Duration, error) {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) && loop {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return nil, 0, err
			}
			if reader, _, err = ivfreader.NewWith(f); err != nil {
				return nil, 0, err
			}
			frame, _, err = reader.ParseNextFrame()
		}
		return frame, frameDuration, err
	}

	d.pump(t, f, path, next)
	return nil
}

func (d *FileDevices) startOgg(t *Track, path string, loop bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	pages, err := newOggPages(f, loop)
	if err != nil {
		f.Close()
		return fmt.Errorf("read ogg header %s: %w", path, err)
	}

	d.pump(t, f, path, pages.next)
	return nil
}

// oggPages yields Opus pages timed by how far each one advances the granule
// position.
type oggPages struct {
	src         io.ReadSeeker
	reader      *oggreader.OggReader
	loop        bool
	lastGranule uint64
}

func newOggPages(src io.ReadSeeker, loop bool) (*oggPages, error) {
	reader, _, err := oggreader.NewWith(src)
	if err != nil {
		return nil, err
	}
	return &oggPages{src: src, reader: reader, loop: loop}, nil
}

// next returns a zero duration for pages that carry no audio, such as the
// comment header.
func (o *oggPages) next() ([]byte, time.Duration, error) {
	page, header, err := o.reader.ParseNextPage()
	if errors.Is(err, io.EOF) && o.loop {
		if _, err := o.src.Seek(0, io.SeekStart); err != nil {
			return nil, 0, err
		}
		if o.reader, _, err = oggreader.NewWith(o.src); err != nil {
			return nil, 0, err
		}
		o.lastGranule = 0
		page, header, err = o.reader.ParseNextPage()
	}
	if err != nil {
		return nil, 0, err
	}

	duration := oggSampleDuration(o.lastGranule, header.GranulePosition)
	o.lastGranule = header.GranulePosition
	return page, duration, nil
}

func oggSampleDuration(last, cur uint64) time.Duration {
	if cur <= last {
		return 0
	}
	return time.Duration(cur-last) * time.Second / opusClockRate
}

// pump writes samples from next, pacing each by its own duration.
// Zero-duration samples are skipped.
func (d *FileDevices) pump(t *Track, f *os.File, path string, next func() ([]byte, time.Duration, error)) {
	done := make(chan struct{})
	var once sync.Once
	t.setRelease(func() { once.Do(func() { close(done) }) })

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer f.Close()

		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-done:
				return
			case <-timer.C:
			}

			data, duration, err := next()
			if err != nil {
				if !errors.Is(err, io.EOF) && d.logger != nil {
					d.logger.Warnw("media source read failed", "file", path, "error", err)
				}
				// source exhausted: behave like a native end
				go t.End()
				<-done
				return
			}
			if duration <= 0 {
				timer.Reset(time.Millisecond)
				continue
			}
			if err := t.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil && d.logger != nil {
				d.logger.Debugw("write sample failed", "track", t.ID(), "error", err)
			}
			timer.Reset(duration)
		}
	}()
}
