// Package bundle exports a project with its files into a single stream and
// imports it back. The stream is what gets encrypted into an archive.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/blobstore"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/google/uuid"
)

const (
	manifestName  = "project.json"
	filesDir      = "files"
	formatVersion = 1
)

var ErrInvalidBundle = errors.New("invalid project bundle")

type manifestFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type manifest struct {
	Version   int            `json:"version"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Tags      []string       `json:"tags"`
	Data      []byte         `json:"data"`
	Members   []string       `json:"members"`
	Files     []manifestFile `json:"files"`
	CreatedAt time.Time      `json:"created_at"`
}

// TarBundle writes a gzip-compressed tar: project.json followed by one
// files/<id> entry per project file. File contents are read from and
// restored into Files.
type TarBundle struct {
	Files blobstore.Store
	// StoragePrefix is prepended to storage names of imported files.
	StoragePrefix string
}

func NewTarBundle(files blobstore.Store) *TarBundle {
	return &TarBundle{Files: files, StoragePrefix: "files"}
}

// Export streams p and the content of its files to w.
func (b *TarBundle) Export(ctx context.Context, p *models.Project, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	m := manifest{
		Version:   formatVersion,
		ID:        p.ID,
		Name:      p.Name,
		Tags:      p.Tags,
		Data:      p.Data,
		Members:   p.Members,
		CreatedAt: p.CreatedAt,
	}
	for _, f := range p.Files {
		m.Files = append(m.Files, manifestFile{ID: f.ID, Name: f.Name})
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := writeEntry(tw, manifestName, int64(len(raw)), func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	}); err != nil {
		return err
	}

	for _, f := range p.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.exportFile(ctx, tw, f); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func (b *TarBundle) exportFile(ctx context.Context, tw *tar.Writer, f *models.ProjectFile) error {
	rc, err := b.Files.Open(ctx, f.StorageName)
	if err != nil {
		return fmt.Errorf("open file %s: %w", f.ID, err)
	}
	defer rc.Close()

	size, err := rc.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := rc.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return writeEntry(tw, path.Join(filesDir, f.ID), size, func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	})
}

func writeEntry(tw *tar.Writer, name string, size int64, body func(io.Writer) error) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o600,
		Size:     size,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if err := body(tw); err != nil {
		return fmt.Errorf("tar entry %s: %w", name, err)
	}
	return nil
}

// Import reads a bundle written by Export. The returned project has a fresh
// id and fresh file ids; file contents are already saved under new storage
// names. It is not read-only. On error every blob saved so far is removed.
func (b *TarBundle) Import(ctx context.Context, r io.Reader) (p *models.Project, err error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var saved []string
	defer func() {
		if err != nil {
			for _, name := range saved {
				_ = b.Files.Delete(context.WithoutCancel(ctx), name)
			}
		}
	}()

	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if hdr.Name != manifestName {
		return nil, fmt.Errorf("%w: first entry is %q", ErrInvalidBundle, hdr.Name)
	}
	var m manifest
	if err := json.NewDecoder(tr).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidBundle, err)
	}
	if m.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidBundle, m.Version)
	}

	p = &models.Project{
		ID:        uuid.NewString(),
		Name:      m.Name,
		Tags:      m.Tags,
		Data:      m.Data,
		Members:   m.Members,
		CreatedAt: m.CreatedAt,
	}

	byID := make(map[string]*models.ProjectFile, len(m.Files))
	for _, f := range m.Files {
		pf := &models.ProjectFile{ID: uuid.NewString(), ProjectID: p.ID, Name: f.Name}
		byID[f.ID] = pf
		p.Files = append(p.Files, pf)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}

		dir, id := path.Split(hdr.Name)
		pf, ok := byID[id]
		if path.Clean(dir) != filesDir || !ok {
			return nil, fmt.Errorf("%w: unexpected entry %q", ErrInvalidBundle, hdr.Name)
		}
		if pf.StorageName != "" {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrInvalidBundle, hdr.Name)
		}

		name := blobstore.NewName(b.StoragePrefix)
		if err := b.Files.Save(ctx, name, tr); err != nil {
			return nil, fmt.Errorf("save file %s: %w", id, err)
		}
		saved = append(saved, name)
		pf.StorageName = name
	}

	for _, f := range m.Files {
		if byID[f.ID].StorageName == "" {
			return nil, fmt.Errorf("%w: missing content for file %s", ErrInvalidBundle, f.ID)
		}
	}

	return p, nil
}
