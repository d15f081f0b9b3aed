package cqs

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressWithZstd uses an external dependency for Zstd to compress data and places data in the supplied buffer.
func CompressWithZstd(data []byte, buffer *bytes.Buffer) error {

	zstdWriter, err := zstd.NewWriter(buffer)
	if err != nil {
		return err
	}

	_, err = io.Copy(zstdWriter, bytes.NewReader(data))
	if err != nil {

		closeErr := zstdWriter.Close()
		if closeErr != nil {
			return closeErr
		}

		return err
	}

	return zstdWriter.Close()
}

// DecompressWithZstd uses an external dependency for Zstd to decompress data and replaces the supplied buffer with a new buffer with data in it.
func DecompressWithZstd(buffer *bytes.Buffer) error {

	zstdReader, err := zstd.NewReader(buffer)
	if err != nil {
		return err
	}
	defer zstdReader.Close()

	data, err := ioutil.ReadAll(zstdReader)
	if err != nil {
		return err
	}

	*buffer = *bytes.NewBuffer(data)

	return nil
}

// CompressWithSnappy compresses data with snappy block encoding and places
// data in the supplied buffer. Snappy is what the wire protocol negotiates,
// so the frame codec shares this path.
func CompressWithSnappy(data []byte, buffer *bytes.Buffer) error {

	_, err := buffer.Write(snappy.Encode(nil, data))
	return err
}

// DecompressWithSnappy decompresses snappy block data and replaces the
// supplied buffer with a new buffer with data in it.
func DecompressWithSnappy(buffer *bytes.Buffer) error {

	data, err := snappy.Decode(nil, buffer.Bytes())
	if err != nil {
		return err
	}

	*buffer = *bytes.NewBuffer(data)

	return nil
}
