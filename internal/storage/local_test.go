package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func TestLocalStoragePutGet(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	data := []byte(strings.Repeat("received object body\n", 500))
	for _, compress := range []bool{false, true} {
		blob, err := s.Put(bytes.NewReader(data), compress)
		if err != nil {
			t.Fatalf("Put(compress=%v): %v", compress, err)
		}
		if blob.Size != int64(len(data)) || blob.Compressed != compress {
			t.Fatalf("blob = %+v", blob)
		}
		if compress && blob.StoredSize >= blob.Size {
			t.Fatalf("compressed blob is %d bytes for %d", blob.StoredSize, blob.Size)
		}

		rc, err := s.Get(blob.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("blob content differs (compress=%v)", compress)
		}

		path, err := s.GetPath(blob.ID)
		if err != nil {
			t.Fatalf("GetPath: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() != blob.StoredSize {
			t.Fatalf("stored file %s: %v, size %d", path, err, blob.StoredSize)
		}
	}
}

func TestLocalStorageSameContentSameID(t *testing.T) {
	s, _ := NewLocalStorage(t.TempDir())
	a, err := s.Put(strings.NewReader("same"), false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	b, err := s.Put(strings.NewReader("same"), true)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("ids differ: %s vs %s", a.ID, b.ID)
	}
}

func TestLocalStorageMissingAndDelete(t *testing.T) {
	s, _ := NewLocalStorage(t.TempDir())
	if _, err := s.Get("deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
	if _, err := s.Get("../escape"); err == nil {
		t.Fatalf("path traversal accepted")
	}

	blob, _ := s.Put(strings.NewReader("gone soon"), true)
	if err := s.Delete(blob.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(blob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
}
