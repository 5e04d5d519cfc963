// Package transfer packs records into a password-protected sequence of short tagged strings
// for offline device-to-device transfer, and reverses the process.
package transfer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// DefaultChunkSize is the maximum payload length of one chunk.
const DefaultChunkSize = 500

const envelopeVersion = 1

// Record is the minimal field set carried by a transfer. It holds no ids or timestamps.
type Record struct {
	Title    string `json:"title"`
	Username string `json:"username"`
	Password string `json:"password"`
	Category string `json:"category,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type envelope struct {
	Version int      `json:"v"`
	Records []Record `json:"records"`
}

// Codec encodes and decodes transfers. The zero value uses DefaultChunkSize.
type Codec struct {
	ChunkSize int
	params    krypto.Argon2Params
}

// NewCodec returns a codec producing chunks of at most chunkSize payload bytes.
func NewCodec(chunkSize int) *Codec {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Codec{ChunkSize: chunkSize, params: krypto.DefaultArgon2Params()}
}

func (c *Codec) kdfParams() krypto.Argon2Params {
	if c.params == (krypto.Argon2Params{}) {
		return krypto.DefaultArgon2Params()
	}
	return c.params
}

// Encode serializes records, seals them under a key derived from password with a fresh salt,
// and returns the tagged chunk strings in order.
func (c *Codec) Encode(records []Record, password string) ([]string, error) {
	if password == "" {
		return nil, errors.New("transfer password is required")
	}
	if records == nil {
		records = []Record{}
	}
	plaintext, err := json.Marshal(envelope{Version: envelopeVersion, Records: records})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}
	defer krypto.Wipe(plaintext)

	p := c.kdfParams()
	salt, err := krypto.NewRandomSalt(p.SaltLen)
	if err != nil {
		return nil, err
	}
	key, err := krypto.DeriveKeyArgon2id([]byte(password), salt, p)
	if err != nil {
		return nil, err
	}
	defer krypto.Wipe(key)

	sealed, err := krypto.SealPacked(key, plaintext, []byte(FormatTag))
	if err != nil {
		return nil, fmt.Errorf("seal transfer: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(append(salt, sealed...))

	size := c.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := Split(payload, size)
	if len(chunks) > MaxChunks {
		return nil, fmt.Errorf("%w: %d > %d, raise the chunk size", ErrTooManyChunks, len(chunks), MaxChunks)
	}
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.String()
	}
	return out, nil
}

// Decode parses chunks in any order, checks the set is complete and consistent, and opens the
// payload with password. A wrong password or corrupted payload yields krypto.ErrAuthentication.
func (c *Codec) Decode(chunks []string, password string) ([]Record, error) {
	if password == "" {
		return nil, krypto.ErrAuthentication
	}
	parsed := make([]Chunk, 0, len(chunks))
	for _, s := range chunks {
		ch, err := ParseChunk(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, ch)
	}
	payload, err := Assemble(parsed)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, krypto.ErrAuthentication
	}
	p := c.kdfParams()
	if len(raw) <= p.SaltLen {
		return nil, krypto.ErrAuthentication
	}
	salt, sealed := raw[:p.SaltLen], raw[p.SaltLen:]

	key, err := krypto.DeriveKeyArgon2id([]byte(password), salt, p)
	if err != nil {
		return nil, err
	}
	defer krypto.Wipe(key)

	plaintext, err := krypto.OpenPacked(key, sealed, []byte(FormatTag))
	if err != nil {
		return nil, err
	}
	defer krypto.Wipe(plaintext)

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("unmarshal transfer: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: payload version %d", ErrUnknownFormat, env.Version)
	}
	return env.Records, nil
}
