// Package serialization encodes State snapshots for durable checkpointers:
// a codec, optional compression and optional AES-256-GCM encryption.
package serialization

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chronos-ai/reactor/engine/state"
)

// Codec turns values into bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Compression names a compression algorithm.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Config holds serializer settings.
type Config struct {
	Codec       Codec
	Compression Compression
	EncryptKey  []byte // AES-256 key (32 bytes)
}

// Serializer runs the encode -> compress -> encrypt pipeline and its inverse.
type Serializer struct {
	config Config
}

// New validates cfg and returns a serializer. A nil codec means JSON.
func New(cfg Config) (*Serializer, error) {
	if cfg.Codec == nil {
		cfg.Codec = JSON()
	}
	switch cfg.Compression {
	case "", CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}
	if n := len(cfg.EncryptKey); n != 0 && n != 32 {
		return nil, fmt.Errorf("encrypt key must be 32 bytes, got %d", n)
	}
	return &Serializer{config: cfg}, nil
}

// Default is JSON without compression, readable with any SQL client.
func Default() *Serializer {
	return &Serializer{config: Config{Codec: JSON(), Compression: CompressionNone}}
}

// FromNames builds a serializer from configuration strings. hexKey may be empty.
func FromNames(codec, compression, hexKey string) (*Serializer, error) {
	cfg := Config{Compression: Compression(compression)}
	switch codec {
	case "", "json":
		cfg.Codec = JSON()
	case "msgpack":
		cfg.Codec = MsgPack()
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decode encrypt key: %w", err)
		}
		cfg.EncryptKey = key
	}
	return New(cfg)
}

// CodecName reports the configured codec.
func (s *Serializer) CodecName() string { return s.config.Codec.Name() }

// Serialize encodes, compresses and encrypts v.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	data, err := s.config.Codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("codec encoding failed: %w", err)
	}
	data, err = s.compress(data)
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if len(s.config.EncryptKey) > 0 {
		data, err = s.encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("encryption failed: %w", err)
		}
	}
	return data, nil
}

// Deserialize reverses Serialize into v.
func (s *Serializer) Deserialize(data []byte, v any) error {
	var err error
	if len(s.config.EncryptKey) > 0 {
		data, err = s.decrypt(data)
		if err != nil {
			return fmt.Errorf("decryption failed: %w", err)
		}
	}
	data, err = s.decompress(data)
	if err != nil {
		return fmt.Errorf("decompression failed: %w", err)
	}
	if err := s.config.Codec.Decode(data, v); err != nil {
		return fmt.Errorf("codec decoding failed: %w", err)
	}
	return nil
}

// EncodeState serializes the wire snapshot of st.
func (s *Serializer) EncodeState(st *state.State) ([]byte, error) {
	return s.Serialize(st.Snapshot())
}

// DecodeState rebuilds a State from EncodeState output.
func (s *Serializer) DecodeState(data []byte) (*state.State, error) {
	var snap state.Snapshot
	if err := s.Deserialize(data, &snap); err != nil {
		return nil, err
	}
	return state.FromSnapshot(snap)
}

func (s *Serializer) compress(data []byte) ([]byte, error) {
	switch s.config.Compression {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func (s *Serializer) decompress(data []byte) ([]byte, error) {
	switch s.config.Compression {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

func (s *Serializer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.config.EncryptKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Serializer) encrypt(data []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (s *Serializer) decrypt(data []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return nil, errors.New("invalid ciphertext size")
	}
	return gcm.Open(nil, data[:n], data[n:], nil)
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                    { return "json" }

type msgpackCodec struct{}

func (msgpackCodec) Encode(v any) ([]byte, error)    { return msgpack.Marshal(v) }
func (msgpackCodec) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Name() string                    { return "msgpack" }

// JSON returns the encoding/json codec.
func JSON() Codec { return jsonCodec{} }

// MsgPack returns the MessagePack codec.
func MsgPack() Codec { return msgpackCodec{} }
