// Package cipher is the external cipher collaborator: key derivation plus
// per-direction stream encrypt/decrypt state. Everything above this
// package treats a *Context as opaque; the only contract is Transform's
// error-on-failure signal.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/pbkdf2"
)

// SALT is the PBKDF2 salt used to expand the user-supplied password into a
// key, mirroring the fixed salt constant the teacher derives its session
// key with.
const SALT = "ss-local"

// Direction distinguishes the encrypt side of a session from the decrypt
// side; each needs its own IV and keystream offset even under the same key.
type Direction int

const (
	Encrypt Direction = iota
	Decrypt
)

// ErrCipherFailure is returned when Transform cannot produce output. It is
// always session-fatal.
var ErrCipherFailure = errors.New("cipher: transform produced no output")

// ErrUnknownMethod is returned by NewMethod for an unrecognized cipher name.
var ErrUnknownMethod = errors.New("cipher: unknown method")

// None is the sentinel "no cipher" method name. Its contexts are identity
// transforms: Transform copies bytes through unchanged in both directions,
// which is how direct/plaintext sessions share the relay's single code path.
const None = "none"

// Method describes one selectable cipher: its key size, its per-connection
// IV size, and how to build the underlying keystream from a key and IV.
type Method struct {
	Name    string
	KeySize int
	IVSize  int
	build   func(key, iv []byte) (stdcipher.Stream, error)
}

var methods = map[string]Method{
	None:          {Name: None, KeySize: 0, IVSize: 0, build: nil},
	"aes-128-ctr": {Name: "aes-128-ctr", KeySize: 16, IVSize: aes.BlockSize, build: buildAESCTR},
	"aes-256-ctr": {Name: "aes-256-ctr", KeySize: 32, IVSize: aes.BlockSize, build: buildAESCTR},
	"chacha20":    {Name: "chacha20", KeySize: chacha20.KeySize, IVSize: chacha20.NonceSize, build: buildChaCha20},
}

// NewMethod looks up a cipher method by name, the same kind of small table
// lookup std.SelectBlockCrypt does for the teacher's KCP block ciphers.
func NewMethod(name string) (Method, error) {
	if m, ok := methods[name]; ok {
		return m, nil
	}
	return Method{}, errors.Wrapf(ErrUnknownMethod, "%q", name)
}

// DeriveKey expands a password into a key of the size the method requires.
func DeriveKey(password string, m Method) []byte {
	if m.KeySize == 0 {
		return nil
	}
	return pbkdf2.Key([]byte(password), []byte(SALT), 4096, m.KeySize, sha1.New)
}

func buildAESCTR(key, iv []byte) (stdcipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cipher: aes")
	}
	return stdcipher.NewCTR(block, iv), nil
}

func buildChaCha20(key, iv []byte) (stdcipher.Stream, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, iv)
	if err != nil {
		return nil, errors.Wrap(err, "cipher: chacha20")
	}
	return c, nil
}

// Context is one direction's opaque encrypt/decrypt state. The IV is
// generated (encrypt) or consumed from the wire (decrypt) lazily on the
// first Transform call, exactly once, and is never transmitted again —
// this reproduces the shadowsocks wire format where the IV rides as a
// prefix of the very first ciphertext record.
type Context struct {
	method Method
	key    []byte
	dir    Direction
	stream stdcipher.Stream
	plain  bool
}

// NewContext allocates a fresh per-direction cipher context for method m.
func (m Method) NewContext(key []byte, dir Direction) (*Context, error) {
	if m.Name == None {
		return &Context{plain: true}, nil
	}
	return &Context{method: m, key: key, dir: dir}, nil
}

// Transform runs src through the context's keystream and returns the
// output slice, backed by dst. dst must have spare capacity for an IV
// prefix (method.IVSize bytes) on an encrypt context's first call. A
// non-nil error means the cipher failed and the session must be torn down.
func (c *Context) Transform(dst, src []byte) ([]byte, error) {
	if c == nil || c.plain {
		return transformPlain(dst, src)
	}

	if c.stream == nil {
		prefix, consumed, err := c.start(dst, src)
		if err != nil {
			return nil, err
		}
		src = src[consumed:]
		out := dst[:prefix+len(src)]
		c.stream.XORKeyStream(out[prefix:], src)
		return out, nil
	}

	out := dst[:len(src)]
	c.stream.XORKeyStream(out, src)
	return out, nil
}

func transformPlain(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}
	if &dst[:1][0] != &src[:1][0] {
		copy(dst[:len(src)], src)
	}
	return dst[:len(src)], nil
}

// start performs the one-time IV handshake: generate-and-prefix for an
// encrypt context, consume-the-prefix for a decrypt context. It returns the
// number of prefix bytes written to dst (encrypt) and the number of prefix
// bytes consumed from src (decrypt).
func (c *Context) start(dst, src []byte) (prefix, consumed int, err error) {
	switch c.dir {
	case Encrypt:
		iv := make([]byte, c.method.IVSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return 0, 0, errors.Wrap(err, "cipher: iv generation")
		}
		stream, err := c.method.build(c.key, iv)
		if err != nil {
			return 0, 0, err
		}
		if cap(dst) < len(iv)+len(src) {
			return 0, 0, ErrCipherFailure
		}
		c.stream = stream
		copy(dst[:len(iv)], iv)
		return len(iv), 0, nil
	case Decrypt:
		if len(src) < c.method.IVSize {
			return 0, 0, ErrCipherFailure
		}
		iv := src[:c.method.IVSize]
		stream, err := c.method.build(c.key, iv)
		if err != nil {
			return 0, 0, err
		}
		c.stream = stream
		return 0, c.method.IVSize, nil
	}
	return 0, 0, ErrCipherFailure
}

// Release drops any resources the context holds. Stream ciphers here hold
// none, but the seam is kept symmetric with acquisition.
func (c *Context) Release() {}
