package cqs

import (
	"bytes"
	"errors"
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
)

const (
	// ZstdCompressionType helps identify which compression/decompression to use.
	ZstdCompressionType = "zstd"

	// SnappyCompressionType helps identify which compression/decompression to use.
	SnappyCompressionType = "snappy"

	// AesSymmetricType helps identify which encryption/decryption to use.
	AesSymmetricType = "aes"
)

// ConvertJSONFileToConfig opens a file.json and converts to ClusterConfig.
func ConvertJSONFileToConfig(fileNamePath string) (*ClusterConfig, error) {

	byteValue, err := ioutil.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ClusterConfig{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)
	if err != nil {
		return nil, err
	}

	config.fillDefaults()
	return config, nil
}

// CreateValuePayload JSON-marshals a value and optionally compresses and
// encrypts the bytes, producing a blob suitable for a bound query value.
func CreateValuePayload(
	input interface{},
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	data, err := json.Marshal(&input)
	if err != nil {
		return nil, err
	}

	if compression != nil && compression.Enabled {
		buffer := &bytes.Buffer{}
		err := handleCompression(compression, data, buffer)
		if err != nil {
			return nil, err
		}

		// Update data - data is now compressed
		data = buffer.Bytes()
	}

	if encryption != nil && encryption.Enabled {
		data, err = handleEncryption(encryption, data)
		if err != nil {
			return nil, err
		}
	}

	return data, nil
}

// ReadValuePayload reverses CreateValuePayload into the supplied target.
func ReadValuePayload(
	data []byte,
	target interface{},
	compression *CompressionConfig,
	encryption *EncryptionConfig) error {

	var err error
	if encryption != nil && encryption.Enabled {
		data, err = handleDecryption(encryption, data)
		if err != nil {
			return err
		}
	}

	if compression != nil && compression.Enabled {
		buffer := bytes.NewBuffer(data)
		err := handleDecompression(compression, buffer)
		if err != nil {
			return err
		}
		data = buffer.Bytes()
	}

	var json = jsoniter.ConfigFastest
	return json.Unmarshal(data, target)
}

func handleCompression(compression *CompressionConfig, data []byte, buffer *bytes.Buffer) error {
	switch compression.Type {
	case SnappyCompressionType:
		return CompressWithSnappy(data, buffer)
	case ZstdCompressionType:
		fallthrough
	default:
		return CompressWithZstd(data, buffer)
	}
}

func handleDecompression(compression *CompressionConfig, buffer *bytes.Buffer) error {
	switch compression.Type {
	case SnappyCompressionType:
		return DecompressWithSnappy(buffer)
	case ZstdCompressionType:
		fallthrough
	default:
		return DecompressWithZstd(buffer)
	}
}

func handleEncryption(encryption *EncryptionConfig, data []byte) ([]byte, error) {
	if len(encryption.Hashkey) == 0 {
		return nil, errors.New("encryption enabled but no hashkey has been derived")
	}

	switch encryption.Type {
	case AesSymmetricType:
		fallthrough
	default:
		return EncryptWithAes(data, encryption.Hashkey, 0)
	}
}

func handleDecryption(encryption *EncryptionConfig, data []byte) ([]byte, error) {
	if len(encryption.Hashkey) == 0 {
		return nil, errors.New("encryption enabled but no hashkey has been derived")
	}

	switch encryption.Type {
	case AesSymmetricType:
		fallthrough
	default:
		return DecryptWithAes(data, encryption.Hashkey, defaultNonceSize)
	}
}
