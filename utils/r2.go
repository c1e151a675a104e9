// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"challenge-settlement-system/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gorm.io/gorm"
)

var r2Client *s3.Client
var r2Bucket string
var cdnBaseURL string

func InitR2() error {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")
	r2Bucket = os.Getenv("R2_BUCKET_NAME")
	cdnBaseURL = os.Getenv("CDN_BASE_URL")
	if cdnBaseURL == "" {
		cdnBaseURL = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load R2 config: %w", err)
	}

	r2Client = s3.NewFromConfig(cfg)
	return nil
}

// AuditExport is the daily settlement audit snapshot: everything an auditor
// needs to replay resolution decisions against the external ledger.
type AuditExport struct {
	GeneratedAt  time.Time                 `json:"generated_at"`
	Since        time.Time                 `json:"since"`
	Attestations []models.AdminAttestation `json:"attestations"`
	Submissions  []models.LedgerSubmission `json:"submissions"`
	PayoutJobs   []models.PayoutJob        `json:"payout_jobs"`
}

// BuildAuditExport collects attestations, ledger submissions and payout jobs
// created since the cutoff.
func BuildAuditExport(db *gorm.DB, since time.Time) (*AuditExport, error) {
	export := &AuditExport{
		GeneratedAt: time.Now(),
		Since:       since,
	}

	if err := db.Where("signed_at >= ?", since).
		Order("signed_at asc").
		Find(&export.Attestations).Error; err != nil {
		return nil, fmt.Errorf("audit export: attestation query failed: %w", err)
	}
	if err := db.Where("created_at >= ?", since).
		Order("created_at asc").
		Find(&export.Submissions).Error; err != nil {
		return nil, fmt.Errorf("audit export: submission query failed: %w", err)
	}
	if err := db.Preload("Entries").
		Where("created_at >= ?", since).
		Order("created_at asc").
		Find(&export.PayoutJobs).Error; err != nil {
		return nil, fmt.Errorf("audit export: payout query failed: %w", err)
	}
	return export, nil
}

// UploadAuditExport writes the export as JSON to the audit bucket and
// returns the object URL. The key is date-stamped so a re-run overwrites the
// same day instead of piling up.
func UploadAuditExport(export *AuditExport) (string, error) {
	if r2Client == nil {
		return "", fmt.Errorf("R2 client not initialized")
	}

	raw, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode audit export: %w", err)
	}

	key := fmt.Sprintf("settlement-audit/%s.json", export.GeneratedAt.Format("2006-01-02"))
	_, err = r2Client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(r2Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audit export to R2: %w", err)
	}

	return fmt.Sprintf("%s/%s", cdnBaseURL, key), nil
}
