package replicate

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/idpops/teststudio/pkg/config"
)

// inputCopyConcurrency bounds parallel input document copies. Baseline
// copies use the configured concurrency; input copies are lighter
// (single object each) and get a slightly wider limit.
const inputCopyConcurrency = 30

// S3Replicator implements Lister and Replicator against the input and
// baseline S3 buckets.
type S3Replicator struct {
	log            logrus.FieldLogger
	client         *s3.Client
	inputBucket    string
	baselineBucket string
	concurrency    int
}

// Compile-time interface checks.
var (
	_ Lister     = (*S3Replicator)(nil)
	_ Replicator = (*S3Replicator)(nil)
)

// NewS3Replicator creates an S3-backed replicator from config.
func NewS3Replicator(
	log logrus.FieldLogger,
	cfg *config.StorageConfig,
	concurrency int,
) *S3Replicator {
	if concurrency <= 0 {
		concurrency = config.DefaultCopyConcurrency
	}

	return &S3Replicator{
		log:            log.WithField("component", "replicator"),
		client:         newS3Client(&cfg.S3),
		inputBucket:    cfg.InputBucket,
		baselineBucket: cfg.BaselineBucket,
		concurrency:    concurrency,
	}
}

// FindMatchingFiles lists the input bucket and returns keys matching
// the pattern. Keys under run prefixes are already excluded because
// run prefixes never match user-authored patterns' literal prefix.
func (r *S3Replicator) FindMatchingFiles(
	ctx context.Context, pattern string,
) ([]string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(
		r.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(r.inputBucket),
			Prefix: aws.String(literalPrefix(pattern)),
		},
	)

	var keys []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf(
				"listing input bucket for pattern %q: %w", pattern, err,
			)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if re.MatchString(key) {
				keys = append(keys, key)
			}
		}
	}

	return keys, nil
}

// Replicate copies baseline data for every file, then copies the input
// documents under the run prefix. The input copy is what triggers the
// downstream pipeline, so baselines must land first.
func (r *S3Replicator) Replicate(
	ctx context.Context, runID string, files []string,
) error {
	if len(files) == 0 {
		return nil
	}

	if err := r.copyBaselines(ctx, runID, files); err != nil {
		return err
	}

	return r.copyInputs(ctx, runID, files)
}

// copyBaselines copies every object under each file's baseline prefix
// to the run's baseline prefix. A file with no baseline objects fails
// the whole replication: the run cannot be evaluated without ground
// truth.
func (r *S3Replicator) copyBaselines(
	ctx context.Context, runID string, files []string,
) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	var (
		mu     sync.Mutex
		copied int
	)

	for _, file := range files {
		g.Go(func() error {
			n, err := r.copyBaselineForFile(gCtx, runID, file)
			if err != nil {
				return err
			}

			mu.Lock()
			copied += n
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	r.log.WithField("run_id", runID).
		WithField("objects", copied).
		Info("Copied baseline files")

	return nil
}

func (r *S3Replicator) copyBaselineForFile(
	ctx context.Context, runID, file string,
) (int, error) {
	oldPrefix := file + "/"
	newPrefix := runID + "/" + file + "/"

	paginator := s3.NewListObjectsV2Paginator(
		r.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(r.baselineBucket),
			Prefix: aws.String(oldPrefix),
		},
	)

	copied := 0

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf(
				"listing baseline files for %q: %w", file, err,
			)
		}

		for _, obj := range page.Contents {
			sourceKey := aws.ToString(obj.Key)
			newKey := newPrefix + sourceKey[len(oldPrefix):]

			if _, err := r.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(r.baselineBucket),
				CopySource: aws.String(r.baselineBucket + "/" + sourceKey),
				Key:        aws.String(newKey),
			}); err != nil {
				return 0, fmt.Errorf(
					"copying baseline object %q: %w", sourceKey, err,
				)
			}

			copied++
		}
	}

	if copied == 0 {
		return 0, fmt.Errorf(
			"no baseline data found for %q: process the document and "+
				"mark it as baseline before running tests against it", file,
		)
	}

	return copied, nil
}

// copyInputs copies each input document to the run prefix.
func (r *S3Replicator) copyInputs(
	ctx context.Context, runID string, files []string,
) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(inputCopyConcurrency)

	for _, file := range files {
		g.Go(func() error {
			newKey := runID + "/" + file

			if _, err := r.client.CopyObject(gCtx, &s3.CopyObjectInput{
				Bucket:     aws.String(r.inputBucket),
				CopySource: aws.String(r.inputBucket + "/" + file),
				Key:        aws.String(newKey),
			}); err != nil {
				return fmt.Errorf("copying input document %q: %w", file, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	r.log.WithField("run_id", runID).
		WithField("documents", len(files)).
		Info("Copied input documents for processing")

	return nil
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
