// Package digest computes and renders content digests in the form the
// remote backend uses to address blobs: "<sha256 hex>/<size bytes>".
package digest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/remotebuild/rewrap/util/status"
)

const (
	hashKeyLength = 64
	EmptySha256   = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

var (
	// Hashes must be lower case ascii sha256 sums.
	hashKeyRegex = regexp.MustCompile("^[a-f0-9]{64}$")
)

// Digest addresses a blob by hash and size.
type Digest struct {
	Hash      string
	SizeBytes int64
}

func (d *Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// Validate checks that d is a well-formed sha256 digest and returns its
// hash.
func Validate(d *Digest) (string, error) {
	if d == nil {
		return "", status.InvalidArgumentError("Invalid (nil) Digest")
	}
	if len(d.Hash) != hashKeyLength {
		return "", status.InvalidArgumentErrorf("Hash length was %d, expected %d", len(d.Hash), hashKeyLength)
	}
	if !hashKeyRegex.MatchString(d.Hash) {
		return "", status.InvalidArgumentError("Malformed hash")
	}
	return d.Hash, nil
}

// Parse parses the "hash/size" rendering produced by String.
func Parse(s string) (*Digest, error) {
	hash, sizeStr, ok := strings.Cut(s, "/")
	if !ok {
		return nil, status.InvalidArgumentErrorf("malformed digest %q: expected <hash>/<size>", s)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return nil, status.InvalidArgumentErrorf("malformed digest size in %q: %s", s, err)
	}
	d := &Digest{Hash: hash, SizeBytes: size}
	if _, err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Compute digests the contents of in.
func Compute(in io.Reader) (*Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, in)
	if err != nil {
		return nil, err
	}
	return &Digest{
		Hash:      fmt.Sprintf("%x", h.Sum(nil)),
		SizeBytes: n,
	}, nil
}

// ComputeForFile digests the contents of the named file.
func ComputeForFile(path string) (*Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFoundError(err.Error())
		}
		return nil, err
	}
	defer f.Close()
	return Compute(f)
}
