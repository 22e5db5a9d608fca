// Package pinning stores encrypted record envelopes in content-addressed
// storage and returns their content identifier.
package pinning

import (
	"context"
	"errors"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrNotConfigured is returned by Disabled.Upload.
var ErrNotConfigured = errors.New("pinning service not configured")

// Uploader pins an opaque blob and returns its content identifier.
// Callers only ever pass ciphertext.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
	Name() string
}

// LocalCID computes a CIDv1 (raw codec, sha2-256) for data. It is the
// identifier IPFS would assign the same bytes added as a single raw block.
func LocalCID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// ValidCID reports whether s parses as a content identifier.
func ValidCID(s string) bool {
	_, err := cid.Decode(s)
	return err == nil
}

// GatewayURL links cid on an HTTP gateway, or "" without one.
func GatewayURL(gateway, contentID string) string {
	if gateway == "" || contentID == "" {
		return ""
	}
	return strings.TrimRight(gateway, "/") + "/" + contentID
}

// Disabled is the Uploader used when no pinning backend is configured.
type Disabled struct{}

// Upload always fails with ErrNotConfigured.
func (Disabled) Upload(ctx context.Context, name string, data []byte) (string, error) {
	return "", ErrNotConfigured
}

// Name identifies the uploader in logs.
func (Disabled) Name() string { return "disabled" }
