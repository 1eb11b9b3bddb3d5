//go:build portaudio

package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// maxReadErrors consecutive failed reads end the track.
const maxReadErrors = 10

// PortAudioDevice captures from the default input device of the local machine.
type PortAudioDevice struct {
	SampleRate      int
	FramesPerBuffer int
}

func (d *PortAudioDevice) Open(ctx context.Context) (Track, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	n := d.FramesPerBuffer
	if n <= 0 {
		n = rate / 50
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%w: %v", ErrNoDevice, err)}
	}
	buf := make([]int16, n)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%w: %v", ErrNoDevice, err)}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, &DeviceError{Op: "start", Err: err}
	}
	t := &portAudioTrack{
		stream: stream,
		buf:    buf,
		frames: make(chan []byte, 32),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.read()
	return t, nil
}

type portAudioTrack struct {
	stream *portaudio.Stream
	buf    []int16
	frames chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (t *portAudioTrack) Frames() <-chan []byte { return t.frames }

func (t *portAudioTrack) read() {
	defer close(t.done)
	defer close(t.frames)
	failures := readFailures{max: maxReadErrors}
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		if err := t.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				metricChunksDropped.Inc()
				continue
			}
			if failures.fail() {
				log.Printf("[capture] portaudio read failed %d times, ending track: %v", maxReadErrors, err)
				return
			}
			log.Printf("[capture] portaudio read err: %v", err)
			continue
		}
		failures.reset()
		out := make([]byte, len(t.buf)*2)
		for i, s := range t.buf {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
		}
		select {
		case t.frames <- out:
		default:
			metricChunksDropped.Inc()
		}
	}
}

func (t *portAudioTrack) Close() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		<-t.done
		if e := t.stream.Stop(); e != nil {
			err = e
		}
		if e := t.stream.Close(); e != nil && err == nil {
			err = e
		}
		portaudio.Terminate()
	})
	return err
}
