package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// allowedImageTypes maps accepted avatar content types to file extensions.
var allowedImageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// AvatarStore hands out upload URLs for profile images.
type AvatarStore interface {
	PresignUpload(ctx context.Context, userID, contentType string) (key, url string, err error)
	PublicURL(key string) string
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PublicURL string
}

// S3AvatarStore presigns PUTs against an S3-compatible bucket (AWS or MinIO).
type S3AvatarStore struct {
	cfg     S3Config
	presign *s3.PresignClient
	expires time.Duration
}

func NewS3AvatarStore(ctx context.Context, cfg S3Config) (*S3AvatarStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3AvatarStore{cfg: cfg, presign: s3.NewPresignClient(client), expires: 15 * time.Minute}, nil
}

func avatarKey(userID, contentType string) (string, error) {
	ext, ok := allowedImageTypes[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
	return fmt.Sprintf("avatars/%s/%s%s", userID, uuid.NewString(), ext), nil
}

func (s *S3AvatarStore) PresignUpload(ctx context.Context, userID, contentType string) (string, string, error) {
	key, err := avatarKey(userID, contentType)
	if err != nil {
		return "", "", err
	}
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.expires))
	if err != nil {
		return "", "", fmt.Errorf("presigning upload: %w", err)
	}
	return key, req.URL, nil
}

func (s *S3AvatarStore) PublicURL(key string) string {
	if key == "" {
		return ""
	}
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + "/" + key
	}
	if s.cfg.Endpoint != "" {
		return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}
