package ioutil

import "io"

var defaultBufferBytesN = 128 * 1024

// PageWriter buffers writes and passes them on in whole pages where it
// can, so a torn write never spans a page boundary it did not need to.
// Only Flush writes a partial page.
type PageWriter struct {
	w io.Writer

	pageBytesN int
	// pageOffset is the offset of the buffer's base within its page.
	pageOffset int

	buf       []byte
	bufferedN int
	// bufWatermark is below len(buf), leaving room to complete the
	// page being filled before a flush.
	bufWatermark int
}

// NewPageWriter returns a PageWriter writing to w, whose next write
// lands at pageOffset bytes into a page of pageBytesN.
func NewPageWriter(w io.Writer, pageBytesN, pageOffset int) *PageWriter {
	return &PageWriter{
		w:            w,
		pageBytesN:   pageBytesN,
		pageOffset:   pageOffset % pageBytesN,
		buf:          make([]byte, defaultBufferBytesN+pageBytesN),
		bufWatermark: defaultBufferBytesN,
	}
}

func (pw *PageWriter) Write(p []byte) (n int, err error) {
	if pw.bufferedN+len(p) <= pw.bufWatermark {
		copy(pw.buf[pw.bufferedN:], p)
		pw.bufferedN += len(p)
		return len(p), nil
	}

	// complete the partial page at the end of the buffer
	slackN := pw.pageBytesN - ((pw.pageOffset + pw.bufferedN) % pw.pageBytesN)
	if slackN != pw.pageBytesN {
		partial := slackN > len(p)
		if partial {
			slackN = len(p)
		}
		copy(pw.buf[pw.bufferedN:], p[:slackN])
		pw.bufferedN += slackN
		n = slackN
		p = p[slackN:]
		if partial {
			return n, nil
		}
	}

	// the buffer now ends on a page boundary
	if err = pw.Flush(); err != nil {
		return n, err
	}

	// whole pages skip the buffer
	if len(p) > pw.pageBytesN {
		boundary := (len(p) / pw.pageBytesN) * pw.pageBytesN
		c, werr := pw.w.Write(p[:boundary])
		n += c
		if werr != nil {
			return n, werr
		}
		pw.pageOffset = (pw.pageOffset + c) % pw.pageBytesN
		p = p[boundary:]
	}

	c, werr := pw.Write(p)
	return n + c, werr
}

// Flush writes everything buffered, including a partial page.
func (pw *PageWriter) Flush() error {
	if pw.bufferedN == 0 {
		return nil
	}
	_, err := pw.w.Write(pw.buf[:pw.bufferedN])
	pw.pageOffset = (pw.pageOffset + pw.bufferedN) % pw.pageBytesN
	pw.bufferedN = 0
	return err
}
