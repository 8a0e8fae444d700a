package transport

import (
	"compress/flate"
	"compress/gzip"
	"io"
)

func gzipReader(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func flateReader(r io.Reader) (io.Reader, error) {
	return flate.NewReader(r), nil
}
