package inbox

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaywantadh/dropwire/internal/metadata"
	"github.com/jaywantadh/dropwire/internal/transfer"
)

func openTestInbox(t *testing.T) *Inbox {
	t.Helper()
	dir := t.TempDir()
	in, err := Open(Options{
		StoragePath:  filepath.Join(dir, "objects"),
		MetadataPath: filepath.Join(dir, "catalog"),
		Compress:     true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { in.Close() })
	return in
}

func object(id, name, mediaType string, data []byte, at time.Time) transfer.Object {
	return transfer.Object{
		Metadata: transfer.Metadata{
			ID:        id,
			Name:      name,
			ByteSize:  int64(len(data)),
			MediaType: mediaType,
			Timestamp: at,
		},
		Data: data,
	}
}

func TestSaveListExport(t *testing.T) {
	in := openTestInbox(t)
	now := time.Now().UTC()

	text := bytes.Repeat([]byte("log line\n"), 2000)
	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 100)...)

	rec, err := in.Save(object("t1", "app.log", "text/plain; charset=utf-8", text, now), "10.0.0.2:9400")
	if err != nil {
		t.Fatalf("Save text: %v", err)
	}
	if !rec.Compressed || rec.StoredSize >= rec.ByteSize {
		t.Fatalf("text record = %+v", rec)
	}
	rec, err = in.Save(object("t2", "pic.png", "image/png", png, now.Add(time.Second)), "")
	if err != nil {
		t.Fatalf("Save png: %v", err)
	}
	if rec.Compressed {
		t.Fatalf("png was compressed")
	}

	list, err := in.List()
	if err != nil || len(list) != 2 || list[0].ID != "t2" {
		t.Fatalf("List = %+v, %v", list, err)
	}

	dir := t.TempDir()
	path, err := in.Export("t1", dir)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if filepath.Base(path) != "app.log" {
		t.Fatalf("exported to %s", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, text) {
		t.Fatalf("exported content differs: %v", err)
	}

	if _, err := in.Export("t2", filepath.Join(dir, "renamed.png")); err != nil {
		t.Fatalf("Export to file: %v", err)
	}
}

func TestRemove(t *testing.T) {
	in := openTestInbox(t)
	if _, err := in.Save(object("gone", "x.bin", "application/octet-stream", []byte("bye"), time.Now()), ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := in.Remove("gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := in.Get("gone"); !errors.Is(err, metadata.ErrNotFound) {
		t.Fatalf("Get after remove err = %v", err)
	}
	if _, err := in.Export("gone", t.TempDir()); !errors.Is(err, metadata.ErrNotFound) {
		t.Fatalf("Export after remove err = %v", err)
	}
}
