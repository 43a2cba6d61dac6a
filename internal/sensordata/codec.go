package sensordata

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// FileExtension is the extension for sensor-data container files.
const FileExtension = ".slog"

// envelopeVersion is bumped on incompatible payload changes.
const envelopeVersion = 1

// magic identifies a container file before decompression.
var magic = []byte("SLOG")

type envelope struct {
	Version int        `cbor:"version"`
	Data    SensorData `cbor:"data"`
}

// Save writes the container to path as a zstd-compressed CBOR envelope.
func Save(d *SensorData, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sensordata: create %s: %w", path, err)
	}
	defer f.Close()
	if err := Write(d, f); err != nil {
		return fmt.Errorf("sensordata: write %s: %w", path, err)
	}
	return f.Close()
}

// Load reads a container written by Save.
func Load(path string) (*SensorData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sensordata: open %s: %w", path, err)
	}
	defer f.Close()
	d, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("sensordata: read %s: %w", path, err)
	}
	return d, nil
}

// Write encodes the container onto w: the magic bytes followed by a zstd
// stream of the CBOR envelope.
func Write(d *SensorData, w io.Writer) error {
	if _, err := w.Write(magic); err != nil {
		return err
	}
	payload, err := cbor.Marshal(envelope{Version: envelopeVersion, Data: *d})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Read decodes a container from r.
func Read(r io.Reader) (*SensorData, error) {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if !bytes.Equal(head, magic) {
		return nil, fmt.Errorf("not a sensor-data container (magic %q)", head)
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress envelope: %w", err)
	}
	var env envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported container version %d", env.Version)
	}
	return &env.Data, nil
}
