package update

import (
	"errors"
	"io"
)

// maxEmptyReads bounds consecutive reads returning no data.
const maxEmptyReads = 3

// WriteFrom copies r into the running update until the image is complete or
// r reports io.EOF. Read errors, including deadline timeouts, and repeated
// empty reads abort the update with KindStream.
func (u *Updater) WriteFrom(r io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	empty := 0

	for {
		remaining := u.Remaining()
		if !u.IsRunning() {
			if err := u.Err(); err != nil {
				return total, err
			}
			return total, ErrNotRunning
		}
		if remaining == 0 {
			return total, nil
		}

		want := len(buf)
		if uint32(want) > remaining {
			want = int(remaining)
		}
		n, rerr := r.Read(buf[:want])
		if n > 0 {
			empty = 0
			if _, err := u.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}

		switch {
		case errors.Is(rerr, io.EOF):
			return total, nil
		case rerr != nil:
			return total, u.abortWith(KindStream, rerr)
		case n == 0:
			empty++
			if empty >= maxEmptyReads {
				return total, u.abortWith(KindStream, io.ErrNoProgress)
			}
		}
	}
}

func (u *Updater) abortWith(kind ErrorKind, cause error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running {
		return u.err
	}
	return u.fail(kind, cause)
}
