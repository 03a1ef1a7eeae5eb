// Package inbox persists objects received over a link and exports them again.
package inbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaywantadh/dropwire/internal/compressor"
	"github.com/jaywantadh/dropwire/internal/metadata"
	"github.com/jaywantadh/dropwire/internal/storage"
	"github.com/jaywantadh/dropwire/internal/transfer"
	"github.com/sirupsen/logrus"
)

// Options configures an Inbox.
type Options struct {
	StoragePath  string
	MetadataPath string
	// Compress stores bodies lz4-compressed unless the media type is already compressed.
	Compress bool
	Logger   logrus.FieldLogger
}

// Inbox stores object bodies in a blob store and their records in a catalog.
type Inbox struct {
	blobs    storage.Storage
	catalog  *metadata.MetadataStore
	compress bool
	log      logrus.FieldLogger
}

func Open(opts Options) (*Inbox, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	blobs, err := storage.NewLocalStorage(opts.StoragePath)
	if err != nil {
		return nil, err
	}
	catalog, err := metadata.OpenMetadataStore(opts.MetadataPath)
	if err != nil {
		return nil, err
	}
	return &Inbox{
		blobs:    blobs,
		catalog:  catalog,
		compress: opts.Compress,
		log:      opts.Logger,
	}, nil
}

// Save stores a received object. peer is recorded for display only.
func (in *Inbox) Save(obj transfer.Object, peer string) (metadata.ObjectRecord, error) {
	compress := in.compress && !compressor.ShouldSkipCompression(obj.MediaType)
	blob, err := in.blobs.Put(bytes.NewReader(obj.Data), compress)
	if err != nil {
		return metadata.ObjectRecord{}, fmt.Errorf("failed to store %s: %w", obj.ID, err)
	}

	rec := metadata.ObjectRecord{
		ID:         obj.ID,
		Name:       obj.Name,
		ByteSize:   obj.ByteSize,
		MediaType:  obj.MediaType,
		Checksum:   obj.Checksum,
		BlobID:     blob.ID,
		StoredSize: blob.StoredSize,
		Compressed: blob.Compressed,
		Peer:       peer,
		ReceivedAt: obj.Timestamp,
	}
	if err := in.catalog.PutObject(rec); err != nil {
		return metadata.ObjectRecord{}, fmt.Errorf("failed to record %s: %w", obj.ID, err)
	}

	in.log.WithFields(logrus.Fields{
		"transfer_id": obj.ID,
		"name":        obj.Name,
		"byte_size":   obj.ByteSize,
		"stored_size": blob.StoredSize,
		"compressed":  blob.Compressed,
	}).Info("object saved to inbox")
	return rec, nil
}

func (in *Inbox) List() ([]metadata.ObjectRecord, error) {
	return in.catalog.ListObjects()
}

func (in *Inbox) Get(id string) (metadata.ObjectRecord, error) {
	return in.catalog.GetObject(id)
}

// Open returns the body of object id.
func (in *Inbox) Open(id string) (io.ReadCloser, metadata.ObjectRecord, error) {
	rec, err := in.catalog.GetObject(id)
	if err != nil {
		return nil, rec, err
	}
	rc, err := in.blobs.Get(rec.BlobID)
	if err != nil {
		return nil, rec, err
	}
	return rc, rec, nil
}

// Export writes object id to path. A directory path receives the object's
// original name.
func (in *Inbox) Export(id, path string) (string, error) {
	rc, rec, err := in.Open(id)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, filepath.Base(rec.Name))
	}
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to export %s: %w", id, err)
	}
	if n != rec.ByteSize {
		return "", &transfer.SizeMismatchError{Expected: rec.ByteSize, Actual: n}
	}
	return path, nil
}

// Remove deletes the record of id and its body.
func (in *Inbox) Remove(id string) error {
	rec, err := in.catalog.GetObject(id)
	if err != nil {
		return err
	}
	if err := in.catalog.DeleteObject(id); err != nil {
		return err
	}
	if err := in.blobs.Delete(rec.BlobID); err != nil {
		in.log.WithError(err).WithField("blob_id", rec.BlobID).Warn("failed to delete blob")
	}
	return nil
}

func (in *Inbox) Close() error {
	return in.catalog.Close()
}
