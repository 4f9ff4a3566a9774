package pager

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ByteHandler is one stage of the byte-handler pipeline applied to a
// page body before it is framed and written, and after a frame is
// read and before it is unmarshaled. Handlers are reversible:
// Decode(Encode(b)) must return b for any input.
type ByteHandler interface {
	Encode(plain []byte) ([]byte, error)
	Decode(encoded []byte) ([]byte, error)
}

// Pipeline composes ByteHandlers into a single ordered chain. Encode
// runs the handlers front to back; Decode runs them back to front, so
// the pipeline is its own reverse regardless of how many handlers it
// holds.
type Pipeline struct {
	handlers []ByteHandler
}

// NewPipeline builds a Pipeline from the given handlers in encode
// order.
func NewPipeline(handlers ...ByteHandler) *Pipeline {
	return &Pipeline{handlers: handlers}
}

func (p *Pipeline) Encode(body []byte) ([]byte, error) {
	out := body
	for _, h := range p.handlers {
		var err error
		out, err = h.Encode(out)
		if err != nil {
			return nil, wrapIo("byte handler encode", err)
		}
	}
	return out, nil
}

func (p *Pipeline) Decode(body []byte) ([]byte, error) {
	out := body
	for i := len(p.handlers) - 1; i >= 0; i-- {
		var err error
		out, err = p.handlers[i].Decode(out)
		if err != nil {
			return nil, wrapIo("byte handler decode", err)
		}
	}
	return out, nil
}

// ───────────────────────────────────────────────────────────────────────────
// GzipHandler — compression stage
// ───────────────────────────────────────────────────────────────────────────

// GzipHandler compresses page bodies with the standard library's gzip
// implementation. No third-party compression library is present
// anywhere in the retrieved reference material, so this one stage is
// built on the standard library (see design notes).
type GzipHandler struct{}

func (GzipHandler) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipHandler) Decode(encoded []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ───────────────────────────────────────────────────────────────────────────
// AEADHandler — encryption stage
// ───────────────────────────────────────────────────────────────────────────

// AEADHandler encrypts page bodies with ChaCha20-Poly1305. Each
// encoded blob is nonce || ciphertext, so Decode never needs external
// state beyond the key.
type AEADHandler struct {
	key [chacha20poly1305.KeySize]byte
}

// NewAEADHandler builds an AEADHandler from a raw key (exactly
// chacha20poly1305.KeySize bytes, loaded by the caller from the
// resource's encryption keyset — parsing that keyset file is out of
// scope here).
func NewAEADHandler(key []byte) (*AEADHandler, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, usageErrorf("aead key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	h := &AEADHandler{}
	copy(h.key[:], key)
	return h, nil
}

func (h *AEADHandler) Encode(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(h.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := aead.Seal(nonce, nonce, plain, nil)
	return out, nil
}

func (h *AEADHandler) Decode(encoded []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(h.key[:])
	if err != nil {
		return nil, err
	}
	if len(encoded) < aead.NonceSize() {
		return nil, corruptErrorf("encrypted body shorter than nonce")
	}
	nonce, ciphertext := encoded[:aead.NonceSize()], encoded[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
