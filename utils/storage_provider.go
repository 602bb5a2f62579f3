package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client.
// Prefers ADC (service account / GOOGLE_APPLICATION_CREDENTIALS); set
// GCS_CREDENTIALS_JSON to provide explicit JSON locally.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ArchiveEvidenceToGCS uploads the canonical JSON of a verified analysis result to
// the evidence bucket, keyed by organization and audit entry. Archival is additive:
// objects are never overwritten in place (object name carries the audit entry id).
func ArchiveEvidenceToGCS(ctx context.Context, organizationId, auditLogEntryId string, evidence []byte) error {
	bucketName := os.Getenv("GCS_EVIDENCE_BUCKET")
	if bucketName == "" {
		return errors.New("GCS_EVIDENCE_BUCKET is required")
	}
	if organizationId == "" || auditLogEntryId == "" {
		return errors.New("organization id and audit log entry id are required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucketName, err)
	}

	objectName := fmt.Sprintf("evidence/%s/%s.json", organizationId, auditLogEntryId)
	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(evidence); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}
