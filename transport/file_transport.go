package transport

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/godzie44/go-uring/uring"
	"golang.org/x/sys/unix"

	"github.com/ErikMinekus/sm-ripext/errors"
)

// FileMode selects how a FileTransport opens its file
type FileMode int

const (
	// FileRead opens an existing file for upload
	FileRead FileMode = iota
	// FileWrite creates or truncates a file for download
	FileWrite
)

// FileTransport streams a local file through io_uring using
// godzie44/go-uring. When the kernel refuses to create a ring it falls back
// to positioned reads and writes.
type FileTransport struct {
	ring   *uring.Ring
	file   *os.File
	path   string
	offset int64
}

// OpenFile opens path for the given mode. Parent directories are created
// for downloads.
func OpenFile(path string, mode FileMode) (*FileTransport, error) {
	var (
		file *os.File
		err  error
	)
	switch mode {
	case FileRead:
		file, err = os.Open(path)
	case FileWrite:
		if dir := filepath.Dir(path); dir != "" {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				err = mkErr
				break
			}
		}
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unknown file mode %d", mode))
	}
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorFileOpenFailure,
			fmt.Sprintf("failed to open %s", path),
			err,
		)
	}

	t := &FileTransport{file: file, path: path}

	// Create io_uring instance with queue depth of 8
	if ring, err := uring.New(8); err == nil {
		t.ring = ring
	}

	return t, nil
}

// Path returns the file's path
func (t *FileTransport) Path() string {
	return t.path
}

// UsesRing reports whether I/O goes through io_uring
func (t *FileTransport) UsesRing() bool {
	return t.ring != nil
}

// Size returns the current file size
func (t *FileTransport) Size() (int64, error) {
	if t.file == nil {
		return 0, errors.NewTransportError(errors.TransportErrorConnectionClosed, "file closed", nil)
	}
	info, err := t.file.Stat()
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketReadFailure,
			fmt.Sprintf("failed to stat %s", t.path),
			err,
		)
	}
	return info.Size(), nil
}

// Write appends data at the current offset
func (t *FileTransport) Write(buf []byte) (int, error) {
	if t.file == nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketWriteFailure,
			"file closed",
			nil,
		)
	}

	totalWritten := 0
	for totalWritten < len(buf) {
		n, err := t.pwrite(buf[totalWritten:], t.offset)
		if err != nil {
			return totalWritten, errors.NewTransportError(
				errors.TransportErrorSocketWriteFailure,
				"write operation failed",
				err,
			)
		}
		if n <= 0 {
			return totalWritten, errors.NewTransportError(
				errors.TransportErrorSocketWriteFailure,
				"short write",
				nil,
			)
		}
		totalWritten += n
		t.offset += int64(n)
	}

	return totalWritten, nil
}

// Read reads from the current offset. It returns io.EOF at end of file.
func (t *FileTransport) Read(buf []byte) (int, error) {
	if t.file == nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketReadFailure,
			"file closed",
			nil,
		)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	n, err := t.pread(buf, t.offset)
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorSocketReadFailure,
			"read operation failed",
			err,
		)
	}
	if n == 0 {
		return 0, io.EOF
	}
	t.offset += int64(n)
	return n, nil
}

// Seek moves the offset; only absolute positions are supported
func (t *FileTransport) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart || offset < 0 {
		return t.offset, errors.NewInvalidArgumentError("unsupported seek")
	}
	t.offset = offset
	return offset, nil
}

func (t *FileTransport) pwrite(buf []byte, off int64) (int, error) {
	if t.ring == nil {
		return unix.Pwrite(int(t.file.Fd()), buf, off)
	}
	return t.submit(uring.Write(t.file.Fd(), buf, uint64(off)))
}

func (t *FileTransport) pread(buf []byte, off int64) (int, error) {
	if t.ring == nil {
		return unix.Pread(int(t.file.Fd()), buf, off)
	}
	return t.submit(uring.Read(t.file.Fd(), buf, uint64(off)))
}

// submit queues one operation and waits for its completion
func (t *FileTransport) submit(op uring.Operation) (int, error) {
	if err := t.ring.QueueSQE(op, 0, 0); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to queue request",
			err,
		)
	}

	if _, err := t.ring.Submit(); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to submit request",
			err,
		)
	}

	cqe, err := t.ring.WaitCQEvents(1)
	if err != nil {
		return 0, err
	}
	defer t.ring.SeenCQE(cqe)

	if err := cqe.Error(); err != nil {
		return 0, err
	}
	return int(cqe.Res), nil
}

// Close closes the file and the ring
func (t *FileTransport) Close() error {
	var err error
	if t.file != nil {
		err = t.file.Close()
		t.file = nil
	}
	if t.ring != nil {
		t.ring.Close()
		t.ring = nil
	}
	return err
}
