package finalize

import (
	"context"
	"fmt"
	"os"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/objectstore"
)

// headersFor builds the S3 metadata header set for a finalization, adding
// multipartId/totalParts when assembling a logical multi-part file
// (spec.md §4.5 step b).
func headersFor(m uploadgw.Metadata) map[string]string {
	headers := map[string]string{
		"userid":       m.UserID,
		"stage":        m.Stage,
		"filename":     m.Filename,
		"relativepath": m.RelativePath,
	}
	if m.MultipartID != "" {
		headers["multipartid"] = m.MultipartID
	}
	if m.TotalParts > 0 {
		headers["totalparts"] = fmt.Sprintf("%d", m.TotalParts)
	}
	for k, v := range m.Extra {
		headers[k] = v
	}
	return headers
}

// putAndVerify streams localPath to key via the Object-Store Client and
// confirms durability by comparing the remote size to localSize
// (spec.md §4.4 steps 5-6). It never deletes anything; callers own
// cleanup based on the returned error.
func putAndVerify(ctx context.Context, client *objectstore.Client, key, localPath string, localSize int64, contentType string, metadata uploadgw.Metadata) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("finalize: open staged body: %w", err)
	}
	defer f.Close()

	if err := client.PutStream(ctx, key, f, localSize, contentType, headersFor(metadata)); err != nil {
		return err
	}

	stat, err := client.Stat(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: stat after put: %v", uploadgw.ErrRemotePermanent, err)
	}
	if stat.Size != localSize {
		return fmt.Errorf("%w: remote size %d does not match local size %d", uploadgw.ErrRemotePermanent, stat.Size, localSize)
	}
	return nil
}
