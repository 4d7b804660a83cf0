package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/source"
)

// decoder is the decode side of a run: one source instance plus the pool its
// frames are rented from.
type decoder struct {
	src      source.Source
	geom     geometry
	read     source.ReadOptions
	pool     *bufpool.Pool
	hardware bool
}

func (d *decoder) rent() *bufpool.Buffer {
	return d.pool.Rent(d.geom.proxy.X, d.geom.proxy.Y)
}

func (d *decoder) close() {
	if d.src != nil {
		d.src.Close()
	}
}

// openDecoder opens the video with hardware acceleration and performs one
// trial read at the start index. A hardware transfer failure on that read
// switches the whole run to software decoding; it is never retried later.
// On success the source is positioned at start.
func (o *Orchestrator) openDecoder(ctx context.Context, log *logrus.Entry, path string, start int) (*decoder, error) {
	src, err := o.opener.Open(ctx, path, true)
	if err != nil {
		if !isHardwareFailure(nil, err) || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to open video: %w", err)
		}
		log.WithError(err).Warn("hardware decoder unavailable, using software decoding")
		return o.openSoftware(ctx, path, start)
	}

	d := o.newDecoder(src, start, true)
	if err := src.StartSequentialRead(ctx, d.read); err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	trial := d.rent()
	_, err = src.Next(ctx, trial.Pix)
	trial.Release()

	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil && isHardwareFailure(src, err) {
		log.WithFields(logrus.Fields{
			"status": src.LastDecodeStatus(),
			"error":  src.LastDecodeError(),
		}).Warn("hardware frame transfer failed, falling back to software decoding")
		src.Close()
		return o.openSoftware(ctx, path, start)
	}

	// Rewind to the start index whatever the trial returned
	if err := src.StartSequentialRead(ctx, d.read); err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to restart decoder: %w", err)
	}
	return d, nil
}

func (o *Orchestrator) openSoftware(ctx context.Context, path string, start int) (*decoder, error) {
	src, err := o.opener.Open(ctx, path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open video: %w", err)
	}
	d := o.newDecoder(src, start, false)
	if err := src.StartSequentialRead(ctx, d.read); err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	return d, nil
}

func (o *Orchestrator) newDecoder(src source.Source, start int, hardware bool) *decoder {
	ratio := o.opts.DownscaleRatio
	if o.scaleInDetector() {
		ratio = 1
	}
	geom := newGeometry(src.FrameSize(), ratio)
	return &decoder{
		src:  src,
		geom: geom,
		read: source.ReadOptions{
			From:    start,
			Width:   geom.proxy.X,
			Height:  geom.proxy.Y,
			Quality: o.opts.DownscaleQuality,
		},
		pool:     bufpool.New(geom.proxy.X, geom.proxy.Y),
		hardware: hardware,
	}
}

func isHardwareFailure(src source.Source, err error) bool {
	if errors.Is(err, source.ErrHardwareTransfer) {
		return true
	}
	if src == nil {
		return source.IsHardwareTransferFailure("", err.Error())
	}
	return source.IsHardwareTransferFailure(src.LastDecodeStatus(), src.LastDecodeError())
}
