// Streaming writer with automatic multipart upload.
//
// Small objects (under one part size) are written with a single PutObject
// on Close. Anything larger switches to a multipart upload: full parts are
// flushed as they accumulate, so memory stays bounded at one part size per
// open writer. A failed or abandoned upload is aborted; an aborted
// multipart upload never becomes a visible object.
package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type multipartWriter struct {
	ctx      context.Context
	client   *Client
	key      string
	buf      bytes.Buffer
	uploadID string
	parts    []types.CompletedPart
	partNum  int32
	err      error
	closed   bool
}

func newMultipartWriter(ctx context.Context, client *Client, key string) *multipartWriter {
	return &multipartWriter{ctx: ctx, client: client, key: key}
}

func (w *multipartWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, fmt.Errorf("write to closed s3 writer")
	}

	n, _ := w.buf.Write(p) // bytes.Buffer.Write never fails

	for int64(w.buf.Len()) >= w.client.partSize {
		if err := w.flushPart(); err != nil {
			w.err = err
			w.abort()
			return n, err
		}
	}
	return n, nil
}

// flushPart uploads exactly one part from the front of the buffer.
func (w *multipartWriter) flushPart() error {
	if w.uploadID == "" {
		out, err := w.client.s3.CreateMultipartUpload(w.ctx, &awss3.CreateMultipartUploadInput{
			Bucket: aws.String(w.client.bucket),
			Key:    aws.String(w.key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	data := w.buf.Next(int(w.client.partSize))
	// Next returns a slice into the buffer's storage; copy before the
	// buffer is written to again.
	part := append([]byte(nil), data...)

	w.partNum++
	out, err := w.client.s3.UploadPart(w.ctx, &awss3.UploadPartInput{
		Bucket:     aws.String(w.client.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", w.partNum, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	return nil
}

func (w *multipartWriter) abort() {
	if w.uploadID == "" {
		return
	}
	// Best effort; a background lifecycle rule catches leaked uploads.
	w.client.s3.AbortMultipartUpload(context.WithoutCancel(w.ctx), &awss3.AbortMultipartUploadInput{ //nolint:errcheck
		Bucket:   aws.String(w.client.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	w.uploadID = ""
}

func (w *multipartWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true

	if w.err != nil {
		w.abort()
		return w.err
	}
	if err := w.ctx.Err(); err != nil {
		w.abort()
		return err
	}

	// Simple PutObject path for objects smaller than one part.
	if w.uploadID == "" {
		_, err := w.client.s3.PutObject(w.ctx, &awss3.PutObjectInput{
			Bucket: aws.String(w.client.bucket),
			Key:    aws.String(w.key),
			Body:   bytes.NewReader(w.buf.Bytes()),
		})
		if err != nil {
			w.err = err
		}
		return err
	}

	// Flush the tail and complete.
	if w.buf.Len() > 0 {
		if err := w.flushPart(); err != nil {
			w.err = err
			w.abort()
			return err
		}
	}
	_, err := w.client.s3.CompleteMultipartUpload(w.ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.client.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.err = err
		w.abort()
	}
	return err
}
