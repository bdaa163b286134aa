package artifact

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
)

// Format selects the integrity predicate of an artifact.
type Format string

const (
	FormatExists   Format = "exists"
	FormatNonEmpty Format = "nonempty"
	FormatGzip     Format = "gzip" // every gzip member decodes with a valid checksum
	FormatBAM      Format = "bam"  // BGZF container terminated by the EOF block
	FormatZip      Format = "zip"
)

// ErrCorrupt is wrapped by every integrity failure.
var ErrCorrupt = errors.New("artifact failed integrity check")

// bgzfEOF is the empty BGZF block that terminates every complete BAM file.
var bgzfEOF = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00,
	0x00, 0xff, 0x06, 0x00, 0x42, 0x43, 0x02, 0x00,
	0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// bgzfMagic is the gzip header prefix with FEXTRA set used by BGZF blocks.
var bgzfMagic = []byte{0x1f, 0x8b, 0x08, 0x04}

// ParseFormat validates a format name. Empty means FormatExists.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatExists, nil
	case FormatExists, FormatNonEmpty, FormatGzip, FormatBAM, FormatZip:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown artifact format %q", s)
}

// Validate checks that path is a regular file satisfying f.
// A missing file yields an error wrapping os.ErrNotExist.
func Validate(path string, f Format) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrCorrupt, path)
	}

	switch f {
	case FormatExists, "":
		return nil
	case FormatNonEmpty:
		if info.Size() == 0 {
			return fmt.Errorf("%w: %s is empty", ErrCorrupt, path)
		}
		return nil
	case FormatGzip:
		return checkGzip(path)
	case FormatBAM:
		return checkBAM(path, info.Size())
	case FormatZip:
		return checkZip(path)
	}
	return fmt.Errorf("unknown artifact format %q", f)
}

func checkGzip(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	zr, err := gzip.NewReader(bufio.NewReader(file))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer zr.Close()
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

func checkBAM(path string, size int64) error {
	if size < int64(len(bgzfEOF)) {
		return fmt.Errorf("%w: %s is too short to be BAM", ErrCorrupt, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	head := make([]byte, len(bgzfMagic))
	if _, err := io.ReadFull(file, head); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if !bytes.Equal(head, bgzfMagic) {
		return fmt.Errorf("%w: %s is not BGZF compressed", ErrCorrupt, path)
	}

	tail := make([]byte, len(bgzfEOF))
	if _, err := file.ReadAt(tail, size-int64(len(bgzfEOF))); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if !bytes.Equal(tail, bgzfEOF) {
		return fmt.Errorf("%w: %s is truncated (missing BGZF EOF block)", ErrCorrupt, path)
	}
	return nil
}

func checkZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return zr.Close()
}
