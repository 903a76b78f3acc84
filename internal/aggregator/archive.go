package aggregator

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
)

// Uploader is the subset of *manager.Uploader archival needs, so tests can
// substitute a fake without touching S3.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// archivedAuditRecord is one JSONL line written to an archive object: the
// fields preserved from an audit row's image at the moment its TTL expired.
type archivedAuditRecord struct {
	EntityID  string `json:"entity_id"`
	ULID      string `json:"ulid"`
	Action    string `json:"action"`
	Principal string `json:"principal"`
	Resource  string `json:"resource"`
	Timestamp string `json:"timestamp"`
}

func archivedAuditRecordFromImage(img Image) (archivedAuditRecord, bool) {
	sk := img["sk"].S
	ulid, ok := keys.AuditULIDFromSK(sk)
	if !ok {
		return archivedAuditRecord{}, false
	}
	return archivedAuditRecord{
		EntityID:  img[keys.AttrEntityID].S,
		ULID:      ulid,
		Action:    img["action"].S,
		Principal: img["principal"].S,
		Resource:  img["resource"].S,
		Timestamp: img["timestamp"].S,
	}, true
}

// archiveExpiredAudits gzips every REMOVE-event audit record in records into
// one JSONL object and uploads it to opts.ArchiveBucket, under
// audit/year=YYYY/month=MM/day=DD/audit-{requestID}-{ts}.jsonl.gz. It
// returns 0, nil if the batch contained no audit REMOVE events: archival
// never writes an empty object.
func archiveExpiredAudits(ctx context.Context, uploader Uploader, records []Record, opts Options, requestID string, now time.Time) (int, error) {
	var lines []archivedAuditRecord
	for _, rec := range records {
		if rec.EventName != EventRemove {
			continue
		}
		ar, ok := archivedAuditRecordFromImage(rec.OldImage)
		if !ok {
			continue
		}
		lines = append(lines, ar)
	}
	if len(lines) == 0 {
		return 0, nil
	}
	if opts.ArchiveBucket == "" {
		return 0, fmt.Errorf("aggregator: %d audit records expired but no archive bucket is configured", len(lines))
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, ar := range lines {
		if err := enc.Encode(ar); err != nil {
			gz.Close()
			return 0, fmt.Errorf("aggregator: encoding archive record: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("aggregator: closing gzip writer: %w", err)
	}

	key := fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/audit-%s-%d.jsonl.gz",
		opts.archivePrefix(), now.Year(), now.Month(), now.Day(), requestID, now.UnixMilli())

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(opts.ArchiveBucket),
		Key:    aws.String(key),
		Body:   &buf,
	})
	if err != nil {
		return 0, fmt.Errorf("aggregator: uploading audit archive %s: %w", key, err)
	}
	return len(lines), nil
}
