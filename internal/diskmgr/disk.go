package diskmgr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20"

	"francodb/internal/dberr"
)

// fileExt is appended to the database path if the caller's path doesn't
// already carry it.
const fileExt = ".fdb"

// Manager owns a single database file and performs all positional page
// I/O against it. Reads and writes are serialized by an internal lock —
// Manager is the only component in the core that touches the database
// file.
type Manager struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	numPages uint64
	key      []byte // encryption key, nil if encryption disabled
}

// Open opens or creates the database file at path (appending ".fdb" if the
// caller omitted an extension). On creation it writes page 0 with the
// FRANCODB magic header; on open it validates that header and fails with
// ErrCorruptFile otherwise.
func Open(path string) (*Manager, error) {
	if filepath.Ext(path) == "" {
		path += fileExt
	}

	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, dberr.Wrap("diskmgr.Open", err)
	}

	m := &Manager{f: f, path: path}

	if isNew {
		meta := make([]byte, PageSize)
		copy(meta[:8], Magic)
		if _, err := f.WriteAt(meta, 0); err != nil {
			f.Close()
			return nil, dberr.Wrap("diskmgr.Open: write metadata", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, dberr.Wrap("diskmgr.Open: sync", err)
		}
		m.numPages = 1
	} else {
		meta := make([]byte, PageSize)
		n, err := f.ReadAt(meta, 0)
		if err != nil && n < 8 {
			f.Close()
			return nil, dberr.Wrap("diskmgr.Open: read metadata", err)
		}
		if string(meta[:8]) != Magic {
			f.Close()
			return nil, fmt.Errorf("diskmgr.Open: %w", dberr.ErrCorruptFile)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, dberr.Wrap("diskmgr.Open: stat", err)
		}
		m.numPages = uint64(info.Size()) / PageSize
		if m.numPages == 0 {
			m.numPages = 1
		}
	}

	return m, nil
}

// SetEncryptionKey enables transparent page encryption. Every page except
// page 0 is XORed with a keystream derived from (key, pageID) before write
// and after read.
func (m *Manager) SetEncryptionKey(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = append([]byte{}, key...)
}

// keystream derives a chacha20 keystream block for the given page, long
// enough to cover one page body.
func (m *Manager) keystream(id PageID) ([]byte, error) {
	// chacha20 needs a 32-byte key and a 12-byte nonce. Derive both from
	// the configured key and the page id so every page gets an
	// independent stream while staying deterministic across open/close.
	sum := sha256.Sum256(m.key)
	var nonce [12]byte
	binary.LittleEndian.PutUint32(nonce[:4], uint32(id))
	c, err := chacha20.NewUnauthenticatedCipher(sum[:], nonce[:])
	if err != nil {
		return nil, dberr.Wrap("diskmgr.keystream", err)
	}
	out := make([]byte, PageSize)
	c.XORKeyStream(out, out)
	return out, nil
}

func (m *Manager) xorPage(id PageID, buf []byte) error {
	if len(m.key) == 0 || id == MetadataPageID {
		return nil
	}
	ks, err := m.keystream(id)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] ^= ks[i]
	}
	return nil
}

// ReadPage reads one page by id. Short reads past EOF are zero-padded
// rather than erroring. If encryption is configured the page (other than
// page 0) is decrypted in place before being returned.
func (m *Manager) ReadPage(id PageID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, PageSize)
	off := int64(id) * PageSize
	n, err := m.f.ReadAt(buf, off)
	if err != nil && n == 0 && !strings.Contains(err.Error(), "EOF") {
		return nil, dberr.Wrap(fmt.Sprintf("diskmgr.ReadPage(%d)", id), err)
	}
	// n < PageSize (including n==0 at true EOF) is a short read; the
	// buffer is already zero-padded since buf was freshly allocated.

	if err := m.xorPage(id, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePage writes buf (which must be PageSize bytes) at page id. Unless
// writing page 0, the caller must have pre-computed the checksum stored in
// the page; WritePage validates it and returns ErrChecksumMismatch if the
// caller's checksum doesn't match what it recomputes.
func (m *Manager) WritePage(id PageID, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("diskmgr.WritePage(%d): buffer is %d bytes, want %d", id, len(buf), PageSize)
	}

	if id != MetadataPageID {
		stored := StoredChecksum(buf)
		computed := ComputeChecksum(buf)
		if stored != computed {
			return fmt.Errorf("diskmgr.WritePage(%d): %w", id, dberr.ErrChecksumMismatch)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := buf
	if len(m.key) > 0 && id != MetadataPageID {
		out = append([]byte{}, buf...)
		if err := m.xorPage(id, out); err != nil {
			return err
		}
	}

	off := int64(id) * PageSize
	if _, err := m.f.WriteAt(out, off); err != nil {
		return dberr.Wrap(fmt.Sprintf("diskmgr.WritePage(%d)", id), err)
	}
	if uint64(id)+1 > m.numPages {
		m.numPages = uint64(id) + 1
	}
	return nil
}

// NumPages returns the number of pages currently in the file, including
// page 0.
func (m *Manager) NumPages() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numPages
}

// Flush fsyncs the underlying file.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dberr.Wrap("diskmgr.Flush", m.f.Sync())
}

// ReadMetadata returns a copy of page 0's bytes beyond the 8-byte magic.
func (m *Manager) ReadMetadata() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, PageSize)
	if _, err := m.f.ReadAt(buf, 0); err != nil {
		return nil, dberr.Wrap("diskmgr.ReadMetadata", err)
	}
	return buf[8:], nil
}

// WriteMetadata overwrites page 0's bytes beyond the magic with data
// (truncated/zero-padded to fit). The magic itself is never touched.
func (m *Manager) WriteMetadata(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, PageSize)
	copy(buf[:8], Magic)
	n := copy(buf[8:], data)
	_ = n
	if _, err := m.f.WriteAt(buf, 0); err != nil {
		return dberr.Wrap("diskmgr.WriteMetadata", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.Sync(); err != nil {
		_ = m.f.Close()
		return dberr.Wrap("diskmgr.Close", err)
	}
	return dberr.Wrap("diskmgr.Close", m.f.Close())
}

// Path returns the underlying file path.
func (m *Manager) Path() string { return m.path }
