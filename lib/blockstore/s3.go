// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tinycloudlabs/node/lib/cidkey"
)

// s3API is the subset of *s3.Client this backend calls, narrowed so
// tests can substitute a fake without standing up a real S3 endpoint.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 is a Backend storing blocks as individual objects in an
// S3-compatible bucket, keyed by the CID's text encoding under an
// optional key prefix. Objects are written in a single PutObject call:
// S3's PUT is already atomic from the reader's perspective (a GET never
// observes a partial object), so no local staging area is needed — the
// staging happens in the caller (Store.Put holds the full block in
// memory before ever calling this backend).
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 creates an S3 backend against client, storing objects in
// bucket under keyPrefix (which may be empty).
func NewS3(client *s3.Client, bucket, keyPrefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: keyPrefix}
}

func (s *S3) key(cid cidkey.CID) string {
	return s.prefix + cid.String()
}

func (s *S3) Has(ctx context.Context, cid cidkey.CID) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(cid)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("blockstore: s3 head %s: %w", cid, err)
}

func (s *S3) Write(ctx context.Context, cid cidkey.CID, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(cid)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blockstore: s3 put %s: %w", cid, err)
	}
	return nil
}

func (s *S3) Read(ctx context.Context, cid cidkey.CID) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(cid)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
		}
		return nil, fmt.Errorf("blockstore: s3 get %s: %w", cid, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blockstore: s3 reading body of %s: %w", cid, err)
	}
	return data, nil
}

func (s *S3) Delete(ctx context.Context, cid cidkey.CID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(cid)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("blockstore: s3 delete %s: %w", cid, err)
	}
	return nil
}

func (s *S3) IterPrefix(ctx context.Context, prefix string) ([]cidkey.CID, error) {
	var out []cidkey.CID
	var continuationToken *string

	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix + prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("blockstore: s3 list %s*: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			cid, err := cidkey.Parse(name)
			if err != nil {
				continue
			}
			out = append(out, cid)
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuationToken = page.NextContinuationToken
	}

	return out, nil
}

// isNotFound reports whether err is the S3 "no such key"/"not found"
// family of errors returned by HeadObject, GetObject, and DeleteObject.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
