// This file reads and writes the .cbz (ZIP) archives chapters are stored as.

package library

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mholt/archives"

	"github.com/vrsandeep/chapterdl/internal/models"
)

const chapterExt = ".cbz"

// archivePage is one image entry read back from a chapter archive.
type archivePage struct {
	Name string
	Data []byte
}

// pageFileName names an entry so lexical order matches page order.
func pageFileName(img models.ImageDescriptor) string {
	return fmt.Sprintf("%04d%s", img.PageNumber, imageExt(img))
}

func imageExt(img models.ImageDescriptor) string {
	switch http.DetectContentType(img.Data) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if ext := strings.ToLower(path.Ext(strings.SplitN(img.OriginalURL, "?", 2)[0])); isImageFile("x" + ext) {
		return ext
	}
	return ".jpg"
}

// pageNumberFromName recovers the page number written by pageFileName.
func pageNumberFromName(name string) (int, bool) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	n, err := strconv.Atoi(base)
	return n, err == nil
}

// writeArchive stages the images on disk and packs them into dest. The
// archive is written to a temporary name and renamed into place, so a
// partially written chapter is never visible at dest.
func writeArchive(ctx context.Context, dest string, images []models.ImageDescriptor) (int64, error) {
	staging, err := os.MkdirTemp("", "chapterdl-stage-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	names := make(map[string]string, len(images))
	for _, img := range images {
		name := pageFileName(img)
		p := filepath.Join(staging, name)
		if err := os.WriteFile(p, img.Data, 0o644); err != nil {
			return 0, fmt.Errorf("failed to stage page %d: %w", img.PageNumber, err)
		}
		names[p] = name
	}

	files, err := archives.FilesFromDisk(ctx, nil, names)
	if err != nil {
		return 0, fmt.Errorf("failed to collect staged pages: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create series dir: %w", err)
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	if err := (archives.Zip{}).Archive(ctx, out, files); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// readArchive returns the image entries of a chapter archive sorted by name.
func readArchive(ctx context.Context, src string) ([]archivePage, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var pages []archivePage
	err = (archives.Zip{}).Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		if info.IsDir() || !isImageFile(info.NameInArchive) {
			return nil
		}
		rc, err := info.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", info.NameInArchive, err)
		}
		pages = append(pages, archivePage{Name: info.NameInArchive, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corrupt archive %s: %w", filepath.Base(src), err)
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Name < pages[j].Name })
	return pages, nil
}
