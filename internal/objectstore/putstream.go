package objectstore

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
)

// PutStream uploads r (size bytes) to key, streaming through
// manager.Uploader so large bodies never load fully into memory. Metadata
// is sanitized to 7-bit-ASCII header values before the request is sent
// (spec.md §4.2). Transient errors are retried with exponential backoff;
// permanent errors (auth, permission) return immediately.
func (c *Client) PutStream(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error {
	sanitized := SanitizeMetadata(metadata)

	operation := func() error {
		input := &s3.PutObjectInput{
			Bucket:   aws.String(c.config.Bucket),
			Key:      aws.String(key),
			Body:     r,
			Metadata: sanitized,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}

		_, err := c.uploader.Upload(ctx, input)
		if err != nil {
			mapped := MapS3Error(err, "put_stream", key)
			if !IsRetryableError(mapped) {
				return backoff.Permanent(mapped)
			}
			return mapped
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.BackoffInitial
	b.MaxInterval = c.config.BackoffMax
	b.Multiplier = 2.0
	b.MaxElapsedTime = 0

	retryPolicy := backoff.WithMaxRetries(b, uint64(c.config.MaxRetries))

	attempt := 0
	wrapped := func() error {
		attempt++
		err := operation()
		if err != nil {
			c.logger.Warn("put_stream attempt failed", "key", key, "attempt", attempt, "error", err)
		}
		return err
	}

	if err := backoff.Retry(wrapped, backoff.WithContext(retryPolicy, ctx)); err != nil {
		return fmt.Errorf("objectstore: put stream %q: %w", key, err)
	}

	c.logger.Info("object stored", "key", key, "size", size, "attempts", attempt)
	return nil
}

// ObjectStat describes the outcome of a Stat call (spec.md §4.2 stat).
type ObjectStat struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

// Stat retrieves object metadata for post-upload durability verification
// (spec.md §4.4 step 6: stat-verify).
func (c *Client) Stat(ctx context.Context, key string) (*ObjectStat, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, MapS3Error(err, "stat", key)
	}

	stat := &ObjectStat{}
	if out.ContentLength != nil {
		stat.Size = *out.ContentLength
	}
	if out.ETag != nil {
		stat.ETag = strings.Trim(*out.ETag, `"`)
	}
	if out.LastModified != nil {
		stat.LastModified = *out.LastModified
	}
	return stat, nil
}

// typographicReplacements maps common typographic Unicode punctuation to
// their closest 7-bit-ASCII equivalent (spec.md §4.2 step 3), since S3
// object metadata headers are restricted to US-ASCII.
var typographicReplacements = map[rune]string{
	'‘': "'", '’': "'", // single quotes
	'“': `"`, '”': `"`, // double quotes
	'–': "-", '—': "-", // en/em dash
	'…': "...", // ellipsis
	' ': " ",   // non-breaking space
}

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
var whitespaceRunPattern = regexp.MustCompile(`[ \t]+`)

// SanitizeMetadata reduces arbitrary client-supplied metadata values to
// values safe for transmission as S3 object metadata headers, following the
// five-step algorithm from spec.md §4.2:
//  1. strip control characters
//  2. collapse CR/LF/TAB to a single space
//  3. map common typographic Unicode punctuation to ASCII equivalents
//  4. map any remaining non-ASCII rune to "-"
//  5. collapse repeated whitespace and trim
func SanitizeMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = sanitizeHeaderValue(v)
	}
	return out
}

func sanitizeHeaderValue(v string) string {
	v = controlCharPattern.ReplaceAllString(v, "")
	v = strings.ReplaceAll(v, "\r\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\t", " ")

	var b strings.Builder
	for _, r := range v {
		if repl, ok := typographicReplacements[r]; ok {
			b.WriteString(repl)
			continue
		}
		if r > unicode.MaxASCII {
			b.WriteByte('-')
			continue
		}
		b.WriteRune(r)
	}

	result := whitespaceRunPattern.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(result)
}
