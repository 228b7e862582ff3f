package dictionary

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/vmihailenco/msgpack/v5"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
)

const (
	// Magic opens every index file
	Magic = "FELX"
	// Version is the only index layout this package reads and writes
	Version uint32 = 1

	preambleSize = 12
	sectionAlign = 8
)

// Section names inside an index image
const (
	sectionMPHF         = "mphf"
	sectionFingerprints = "fingerprints"
	sectionEntities     = "entities"
	sectionNames        = "names"
)

func batchOffsetsSection(b int) string { return fmt.Sprintf("batch/%d/offsets", b) }
func batchValuesSection(b int) string  { return fmt.Sprintf("batch/%d/values", b) }

// Section locates one structure relative to the start of the data area.
type Section struct {
	Name   string `msgpack:"name" json:"name"`
	Offset uint64 `msgpack:"offset" json:"offset"`
	Length uint64 `msgpack:"length" json:"length"`
}

// Header is the msgpack document that follows the preamble.
type Header struct {
	Stats           CorpusStats `msgpack:"stats" json:"stats"`
	BatchSize       uint64      `msgpack:"batch_size" json:"batch_size"`
	Aliases         uint64      `msgpack:"aliases" json:"aliases"`
	EntitySlots     uint64      `msgpack:"entity_slots" json:"entity_slots"`
	FingerprintBits uint        `msgpack:"fingerprint_bits" json:"fingerprint_bits"`
	Batches         int         `msgpack:"batches" json:"batches"`
	Sections        []Section   `msgpack:"sections" json:"sections"`
}

func alignUp(n uint64) uint64 {
	return (n + sectionAlign - 1) &^ (sectionAlign - 1)
}

// writeImage lays out preamble, header and sections, padding every section to
// 8 bytes so word arrays stay aligned when the file is mapped.
func writeImage(w io.Writer, h Header, order []string, data map[string][]byte) (int64, error) {
	h.Sections = make([]Section, 0, len(order))
	var off uint64
	for _, name := range order {
		n := uint64(len(data[name]))
		h.Sections = append(h.Sections, Section{Name: name, Offset: off, Length: n})
		off = alignUp(off + n)
	}

	head, err := msgpack.Marshal(&h)
	if err != nil {
		return 0, fmt.Errorf("failed to encode index header: %w", err)
	}

	bw := bufio.NewWriter(w)
	var written int64
	write := func(p []byte) error {
		n, err := bw.Write(p)
		written += int64(n)
		return err
	}
	pad := func() error {
		if rem := written % sectionAlign; rem != 0 {
			return write(make([]byte, sectionAlign-rem))
		}
		return nil
	}

	var pre [preambleSize]byte
	copy(pre[:4], Magic)
	binary.LittleEndian.PutUint32(pre[4:8], Version)
	binary.LittleEndian.PutUint32(pre[8:12], uint32(len(head)))
	if err := write(pre[:]); err != nil {
		return written, err
	}
	if err := write(head); err != nil {
		return written, err
	}
	if err := pad(); err != nil {
		return written, err
	}
	for _, name := range order {
		if err := write(data[name]); err != nil {
			return written, err
		}
		if err := pad(); err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}

// readImage splits a mapped or in-memory image back into header and sections.
// Section slices alias b.
func readImage(b []byte) (Header, map[string][]byte, error) {
	var h Header
	if len(b) < preambleSize || string(b[:4]) != Magic {
		return h, nil, fmt.Errorf("%w: missing %s magic", internalErrors.ErrCorruptIndex, Magic)
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != Version {
		return h, nil, fmt.Errorf("%w: version %d (supported: %d)", internalErrors.ErrUnsupportedVersion, v, Version)
	}
	headLen := uint64(binary.LittleEndian.Uint32(b[8:12]))
	if preambleSize+headLen > uint64(len(b)) {
		return h, nil, fmt.Errorf("%w: header length %d exceeds file", internalErrors.ErrCorruptIndex, headLen)
	}
	if err := msgpack.Unmarshal(b[preambleSize:preambleSize+headLen], &h); err != nil {
		return h, nil, fmt.Errorf("%w: header: %v", internalErrors.ErrCorruptIndex, err)
	}

	base := alignUp(preambleSize + headLen)
	sections := make(map[string][]byte, len(h.Sections))
	for _, s := range h.Sections {
		start := base + s.Offset
		if s.Offset%sectionAlign != 0 || start > uint64(len(b)) || s.Length > uint64(len(b))-start {
			return h, nil, fmt.Errorf("%w: section %s [%d, +%d) outside file", internalErrors.ErrCorruptIndex, s.Name, s.Offset, s.Length)
		}
		sections[s.Name] = b[start : start+s.Length]
	}
	return h, sections, nil
}

// FileFormat represents the files this package reads
type FileFormat int

const (
	FormatUnknown FileFormat = iota
	FormatIndex              // Compressed candidate index
	FormatAliases            // Alias records, one per line
	FormatNames              // Entity names, id<TAB>name per line
)

// FormatInfo contains metadata about a file format
type FormatInfo struct {
	Format      FileFormat
	Description string
	Extensions  []string
	MinSize     int64 // Minimum expected file size in bytes
}

var supportedFormats = map[FileFormat]FormatInfo{
	FormatIndex: {
		Format:      FormatIndex,
		Description: "Compressed Candidate Index",
		Extensions:  []string{".fel", ".idx"},
		MinSize:     preambleSize + 1,
	},
	FormatAliases: {
		Format:      FormatAliases,
		Description: "Alias Records",
		Extensions:  []string{".txt", ".tsv"},
		MinSize:     1,
	},
	FormatNames: {
		Format:      FormatNames,
		Description: "Entity Names",
		Extensions:  []string{".txt", ".tsv"},
		MinSize:     1,
	},
}

// ValidateFileFormat checks if a file matches the expected format
func ValidateFileFormat(filename string, expectedFormat FileFormat) error {
	fileInfo, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("failed to stat file %s: %w", filename, err)
	}

	formatInfo, exists := supportedFormats[expectedFormat]
	if !exists {
		return fmt.Errorf("unknown format: %v", expectedFormat)
	}

	if fileInfo.Size() < formatInfo.MinSize {
		return fmt.Errorf("file %s is too small (%d bytes) for format %s (minimum: %d bytes)",
			filename, fileInfo.Size(), formatInfo.Description, formatInfo.MinSize)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	validExt := false
	for _, validExtension := range formatInfo.Extensions {
		if ext == validExtension {
			validExt = true
			break
		}
	}
	if !validExt {
		return fmt.Errorf("file %s has invalid extension %s for format %s (expected: %v)",
			filename, ext, formatInfo.Description, formatInfo.Extensions)
	}

	switch expectedFormat {
	case FormatIndex:
		return validateIndexFormat(filename)
	case FormatAliases:
		return validateTextFormat(filename, fieldSep)
	case FormatNames:
		return validateTextFormat(filename, blockSep)
	}
	return nil
}

// validateIndexFormat checks the preamble of an index file
func validateIndexFormat(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	var pre [preambleSize]byte
	if _, err := io.ReadFull(file, pre[:]); err != nil {
		return fmt.Errorf("failed to read header from %s: %w", filename, err)
	}
	if string(pre[:4]) != Magic {
		return fmt.Errorf("%w: %s is not an index file", internalErrors.ErrCorruptIndex, filename)
	}
	if v := binary.LittleEndian.Uint32(pre[4:8]); v != Version {
		return fmt.Errorf("%w: %s has version %d", internalErrors.ErrUnsupportedVersion, filename, v)
	}

	log.Debugf("Index file %s validated", filename)
	return nil
}

// validateTextFormat checks that the first line of a text input carries sep
func validateTextFormat(filename, sep string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	buffer := make([]byte, 4096)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read from text file %s: %w", filename, err)
	}
	first, _, _ := bytes.Cut(buffer[:n], []byte("\n"))
	if !bytes.Contains(first, []byte(sep)) {
		return fmt.Errorf("%w: first line of %s has no %q separator", internalErrors.ErrInvalidInput, filename, sep)
	}

	log.Debugf("Text file %s validated", filename)
	return nil
}

// DetectFileFormat attempts to detect the format of a file
func DetectFileFormat(filename string) (FileFormat, error) {
	for _, format := range []FileFormat{FormatIndex, FormatAliases, FormatNames} {
		if err := ValidateFileFormat(filename, format); err == nil {
			return format, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unable to detect format for file %s", filename)
}

// CheckInputFile validates filename as want. When it fails but the file is
// recognizably another format, the error names that format.
func CheckInputFile(filename string, want FileFormat) error {
	err := ValidateFileFormat(filename, want)
	if err == nil {
		return nil
	}
	got, detectErr := DetectFileFormat(filename)
	if detectErr != nil || got == want {
		return err
	}
	wantInfo, _ := GetFormatInfo(want)
	gotInfo, _ := GetFormatInfo(got)
	return fmt.Errorf("%w: %s looks like %s, want %s",
		internalErrors.ErrInvalidInput, filename, gotInfo.Description, wantInfo.Description)
}

// GetFormatInfo returns information about a specific format
func GetFormatInfo(format FileFormat) (FormatInfo, bool) {
	info, exists := supportedFormats[format]
	return info, exists
}
