// Package blob turns uploaded attachment payloads into URLs the issue store can persist.
package blob

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const defaultContentType = "application/octet-stream"

var ErrInvalidDataURI = errors.New("invalid data uri")

// Payload is a binary attachment as received from the client.
type Payload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Stored describes where a payload ended up.
type Stored struct {
	URL         string
	ContentType string
	Size        int64
	Checksum    string
}

// Sink persists payloads.
type Sink interface {
	Store(ctx context.Context, issueID int, p Payload) (Stored, error)
}

// Checksum is the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DataURISink inlines payloads as base64 data URIs, which is what the browser mock did.
type DataURISink struct{}

func (DataURISink) Store(_ context.Context, _ int, p Payload) (Stored, error) {
	contentType := contentTypeOrDefault(p.ContentType)
	return Stored{
		URL:         EncodeDataURI(contentType, p.Data),
		ContentType: contentType,
		Size:        int64(len(p.Data)),
		Checksum:    Checksum(p.Data),
	}, nil
}

func EncodeDataURI(contentType string, data []byte) string {
	return "data:" + contentTypeOrDefault(contentType) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// IsDataURI reports whether value looks like an already encoded data URI.
func IsDataURI(value string) bool {
	return strings.HasPrefix(value, "data:") && strings.Contains(value, ",")
}

// DecodeDataURI splits a base64 data URI into its media type and bytes.
func DecodeDataURI(value string) (string, []byte, error) {
	if !IsDataURI(value) {
		return "", nil, ErrInvalidDataURI
	}
	header, body, _ := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return contentTypeOrDefault(mediaType), []byte(body), nil
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", nil, ErrInvalidDataURI
	}
	return contentTypeOrDefault(mediaType), data, nil
}

// Describe reports the metadata of an already encoded data URI without re-encoding it.
// Undecodable values are described by their raw text.
func Describe(dataURI string) Stored {
	contentType, data, err := DecodeDataURI(dataURI)
	if err != nil {
		return Stored{URL: dataURI, ContentType: defaultContentType, Size: int64(len(dataURI)), Checksum: Checksum([]byte(dataURI))}
	}
	return Stored{URL: dataURI, ContentType: contentType, Size: int64(len(data)), Checksum: Checksum(data)}
}

func contentTypeOrDefault(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return defaultContentType
	}
	return contentType
}
