package sandbox

import (
	"archive/tar"
	"bytes"
	"embed"
	"io"
	"io/fs"
	"time"
)

//go:embed Dockerfile entrypoint.sh
var imageFiles embed.FS

// buildContext packs the embedded image files into an in-memory tar stream
// suitable for the docker image build API.
func buildContext() (io.Reader, error) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)

	entries, err := fs.ReadDir(imageFiles, ".")
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		content, err := imageFiles.ReadFile(entry.Name())
		if err != nil {
			return nil, err
		}

		header := &tar.Header{
			Name:    entry.Name(),
			Mode:    0644,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tarWriter.Write(content); err != nil {
			return nil, err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	return &buf, nil
}
