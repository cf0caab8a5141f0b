package resource

import (
	"context"
	"io"
)

// PacedWriter throttles writes through a controller's IO pacer. Used by
// consolidation so a long merge cannot saturate the disk.
type PacedWriter struct {
	w    io.Writer
	ctrl *Controller
	ctx  context.Context
}

// NewPacedWriter wraps w; a nil controller passes writes through.
func NewPacedWriter(ctx context.Context, w io.Writer, ctrl *Controller) *PacedWriter {
	return &PacedWriter{w: w, ctrl: ctrl, ctx: ctx}
}

func (p *PacedWriter) Write(b []byte) (int, error) {
	if err := p.ctrl.AcquireIO(p.ctx, len(b)); err != nil {
		return 0, err
	}
	return p.w.Write(b)
}

// PacedReader throttles reads the same way. The charge is the buffer size,
// not the bytes actually read; short reads overpay slightly rather than
// splitting the admission.
type PacedReader struct {
	r    io.Reader
	ctrl *Controller
	ctx  context.Context
}

// NewPacedReader wraps r; a nil controller passes reads through.
func NewPacedReader(ctx context.Context, r io.Reader, ctrl *Controller) *PacedReader {
	return &PacedReader{r: r, ctrl: ctrl, ctx: ctx}
}

func (p *PacedReader) Read(b []byte) (int, error) {
	if err := p.ctrl.AcquireIO(p.ctx, len(b)); err != nil {
		return 0, err
	}
	return p.r.Read(b)
}
