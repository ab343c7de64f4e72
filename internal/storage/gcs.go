package storage

import (
	"context"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSLister 基于 Google Cloud Storage 的抓拍图片列表
type GCSLister struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	logger *zap.Logger
}

// NewGCSLister 创建 GCS 列表器；credentialsFile 为空时使用默认凭据
func NewGCSLister(ctx context.Context, bucketName, credentialsFile string, logger *zap.Logger) (*GCSLister, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSLister{
		client: client,
		bucket: client.Bucket(bucketName),
		logger: logger,
	}, nil
}

// List 列出前缀下的对象（不递归子目录）
func (l *GCSLister) List(ctx context.Context, prefix string) ([]Object, error) {
	it := l.bucket.Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: "/"})

	var objects []Object
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		// 子目录占位
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		objects = append(objects, Object{Name: attrs.Name, URL: attrs.MediaLink})
	}

	l.logger.Debug("Listed capture objects",
		zap.String("prefix", prefix),
		zap.Int("count", len(objects)),
	)
	return objects, nil
}

// Close 关闭客户端
func (l *GCSLister) Close() error {
	return l.client.Close()
}
