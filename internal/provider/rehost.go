package provider

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

const (
	defaultFolder      = "ad-genesis"
	maxRehostBodyBytes = 25 << 20
	emptySessionToken  = ""
)

// DefaultPublicID names an asset when the caller supplies none.
func DefaultPublicID(folder string) string {
	if folder == "" {
		folder = defaultFolder
	}
	return fmt.Sprintf("%s/ad-%d", folder, time.Now().UnixMilli())
}

type CloudinaryOptions struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	Logger    *slog.Logger
}

type CloudinaryRehoster struct {
	cld     *cloudinary.Cloudinary
	folder  string
	missing string
	logger  *slog.Logger
}

func NewCloudinary(opts CloudinaryOptions) (*CloudinaryRehoster, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	folder := strings.Trim(opts.Folder, "/")
	if folder == "" {
		folder = defaultFolder
	}
	r := &CloudinaryRehoster{folder: folder, logger: logger}
	switch {
	case opts.CloudName == "":
		r.missing = "CLOUDINARY_CLOUD_NAME"
	case opts.APIKey == "":
		r.missing = "CLOUDINARY_API_KEY"
	case opts.APISecret == "":
		r.missing = "CLOUDINARY_API_SECRET"
	}
	if r.missing != "" {
		return r, nil
	}
	cld, err := cloudinary.NewFromParams(opts.CloudName, opts.APIKey, opts.APISecret)
	if err != nil {
		return nil, fmt.Errorf("create cloudinary client: %w", err)
	}
	r.cld = cld
	return r, nil
}

func (r *CloudinaryRehoster) RehostURL(ctx context.Context, sourceURL, publicID string) (HostedImage, error) {
	return r.upload(ctx, sourceURL, publicID)
}

func (r *CloudinaryRehoster) Upload(ctx context.Context, body io.Reader, publicID, _ string) (HostedImage, error) {
	return r.upload(ctx, body, publicID)
}

func (r *CloudinaryRehoster) upload(ctx context.Context, file any, publicID string) (HostedImage, error) {
	if r.cld == nil {
		return HostedImage{}, ConfigError("Cloudinary", r.missing)
	}
	if publicID == "" {
		publicID = DefaultPublicID(r.folder)
	}
	// Folder is applied by the upload params.
	publicID = strings.TrimPrefix(publicID, r.folder+"/")
	res, err := r.cld.Upload.Upload(ctx, file, uploader.UploadParams{
		PublicID:       publicID,
		Folder:         r.folder,
		Overwrite:      api.Bool(true),
		ResourceType:   "image",
		Transformation: "q_auto:best,f_auto",
	})
	if err != nil {
		return HostedImage{}, UpstreamError("Cloudinary", "UPLOAD_FAILED", err.Error(), err)
	}
	if res.Error.Message != "" {
		return HostedImage{}, UpstreamError("Cloudinary", "UPLOAD_REJECTED", res.Error.Message, nil)
	}
	if res.SecureURL == "" {
		return HostedImage{}, ParseError("Cloudinary returned no secure url", nil)
	}
	r.logger.Debug("cloudinary_upload", "public_id", res.PublicID, "bytes", res.Bytes)
	return HostedImage{
		URL:      res.SecureURL,
		PublicID: res.PublicID,
		Width:    res.Width,
		Height:   res.Height,
	}, nil
}

type S3Options struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// S3Rehoster stores images in a bucket fronted by a CDN.
type S3Rehoster struct {
	uploader      *s3manager.Uploader
	bucket        string
	publicBaseURL string
	httpClient    *http.Client
	missing       string
	logger        *slog.Logger
}

func NewS3(opts S3Options) (*S3Rehoster, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	r := &S3Rehoster{
		bucket:        opts.Bucket,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		httpClient:    httpClient,
		logger:        logger,
	}
	switch {
	case opts.Bucket == "":
		r.missing = "ADGEN_S3_BUCKET"
	case opts.AccessKeyID == "":
		r.missing = "AWS_ACCESS_KEY_ID"
	case opts.SecretAccessKey == "":
		r.missing = "AWS_SECRET_ACCESS_KEY"
	}
	if r.missing != "" {
		return r, nil
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(opts.Region),
		Credentials: credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, emptySessionToken),
		HTTPClient:  httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	r.uploader = s3manager.NewUploader(sess)
	return r, nil
}

func (r *S3Rehoster) RehostURL(ctx context.Context, sourceURL, publicID string) (HostedImage, error) {
	if r.uploader == nil {
		return HostedImage{}, ConfigError("S3", r.missing)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return HostedImage{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return HostedImage{}, UpstreamError("Source image", "FETCH_FAILED", err.Error(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return HostedImage{}, UpstreamError("Source image", fmt.Sprintf("HTTP_%d", resp.StatusCode), resp.Status, nil)
	}
	return r.Upload(ctx, resp.Body, publicID, resp.Header.Get("Content-Type"))
}

func (r *S3Rehoster) Upload(ctx context.Context, body io.Reader, publicID, contentType string) (HostedImage, error) {
	if r.uploader == nil {
		return HostedImage{}, ConfigError("S3", r.missing)
	}
	data, err := io.ReadAll(io.LimitReader(body, maxRehostBodyBytes+1))
	if err != nil {
		return HostedImage{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxRehostBodyBytes {
		return HostedImage{}, UpstreamError("S3", "TOO_LARGE", "image exceeds 25 MiB", nil)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if publicID == "" {
		publicID = DefaultPublicID(defaultFolder)
	}
	key := objectKey(publicID, contentType)

	out, err := r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return HostedImage{}, UpstreamError("S3", "UPLOAD_FAILED", err.Error(), err)
	}

	hosted := HostedImage{URL: out.Location, PublicID: key}
	if r.publicBaseURL != "" {
		hosted.URL = r.publicBaseURL + "/" + key
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		hosted.Width = cfg.Width
		hosted.Height = cfg.Height
	}
	return hosted, nil
}

func objectKey(publicID, contentType string) string {
	key := strings.TrimLeft(publicID, "/")
	if path.Ext(key) != "" {
		return key
	}
	switch {
	case strings.Contains(contentType, "jpeg"):
		return key + ".jpg"
	case strings.Contains(contentType, "webp"):
		return key + ".webp"
	case strings.Contains(contentType, "gif"):
		return key + ".gif"
	}
	return key + ".png"
}
