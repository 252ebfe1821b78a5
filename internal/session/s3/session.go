// Package s3 implements the cluster-session contract against an S3
// bucket. Each stored object lives in a single record blob, so one
// conditional PUT applies a whole batch atomically: If-Match on the
// record's ETag for updates, If-None-Match for creation. Conflicting
// writers lose the precondition and retry against the fresh record.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/objectpool/objectpool/internal/circuit"
	"github.com/objectpool/objectpool/internal/retry"
	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// errConflict signals that a conditional write lost to a concurrent
// writer and the batch should re-run against the fresh record.
var errConflict = errors.New("conditional write conflict")

type result struct {
	res session.Result
}

// s3API is the slice of the S3 client the session uses.
type s3API interface {
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, opts ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Session is the S3 gateway session.
type Session struct {
	cfg     *Config
	logger  *slog.Logger
	breaker *circuit.Breaker
	retryer *retry.Retryer
	client  s3API

	sem chan struct{}
	wg  sync.WaitGroup

	mu        sync.Mutex
	connected bool
	pools     map[string]int64
	poolNames map[int64]string
	nextPool  int64
	results   map[string]*result
}

// New creates an S3 session. Connect must be called before use.
func New(cfg *Config, logger *slog.Logger) *Session {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:       cfg,
		logger:    logger.With("component", "s3session"),
		breaker:   circuit.New("s3", cfg.Breaker),
		sem:       make(chan struct{}, cfg.Workers),
		pools:     make(map[string]int64),
		poolNames: make(map[int64]string),
		results:   make(map[string]*result),
	}
	s.retryer = retry.New(retry.Config{
		MaxAttempts:  cfg.MaxRetries + 1,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		Retryable:    func(err error) bool { return errors.Is(err, errConflict) },
		OnRetry: func(attempt int, _ error, delay time.Duration) {
			s.logger.Debug("conditional write lost, retrying", "attempt", attempt, "delay", delay)
		},
	})
	return s
}

// Connect builds the S3 client and verifies the bucket is reachable.
func (s *Session) Connect(ctx context.Context) error {
	if s.cfg.Bucket == "" {
		return perrors.New(perrors.ErrCodeConfigValidation, "s3 session requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.cfg.Region),
	}
	if s.cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return perrors.Wrap(perrors.ErrCodeTransportFailure, "failed to load AWS config", err)
	}

	s.client = awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
		if s.cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	err = s.breaker.Execute(func() error {
		_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{
			Bucket: aws.String(s.cfg.Bucket),
		})
		return err
	})
	if err != nil {
		return perrors.Wrap(perrors.ErrCodeTransportFailure, "bucket not reachable", err)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("connected", "bucket", s.cfg.Bucket, "region", s.cfg.Region)
	return nil
}

// Close stops accepting requests and waits for in-flight workers.
func (s *Session) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// CreatePool writes the pool's marker object.
func (s *Session) CreatePool(ctx context.Context, name string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	err := s.breaker.Execute(func() error {
		_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(poolMarkerKey(s.cfg.Prefix, name)),
			Body:   bytes.NewReader(nil),
		})
		return err
	})
	if err != nil {
		return perrors.Wrap(perrors.ErrCodeTransportFailure, "failed to create pool marker", err).WithPool(name)
	}
	return nil
}

// LookupPool resolves a pool name by probing its marker object.
func (s *Session) LookupPool(ctx context.Context, name string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if id, ok := s.pools[name]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	err := s.breaker.Execute(func() error {
		_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(poolMarkerKey(s.cfg.Prefix, name)),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return 0, perrors.Newf(perrors.ErrCodePoolNotFound, "pool %q unknown", name).WithPool(name)
		}
		return 0, perrors.Wrap(perrors.ErrCodeTransportFailure, "pool lookup failed", err).WithPool(name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pools[name]; ok {
		return id, nil
	}
	s.nextPool++
	s.pools[name] = s.nextPool
	s.poolNames[s.nextPool] = name
	return s.nextPool, nil
}

// Submit dispatches a batch onto a session worker. Ack fires when a
// worker picks the request up, complete when the conditional write (or
// the read) resolved.
func (s *Session) Submit(ctx context.Context, req *session.Request) (string, error) {
	if err := s.checkConnected(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	r := &result{}
	s.mu.Lock()
	s.results[id] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		s.mu.Lock()
		r.res.AckReached = true
		s.mu.Unlock()

		// The operation runs to completion regardless of the caller:
		// there is no mid-flight cancellation.
		opCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		err := s.process(opCtx, req)

		s.mu.Lock()
		r.res.Complete = true
		r.res.Err = err
		s.mu.Unlock()
	}()

	return id, nil
}

// PollResult reports milestone progress. A completed id is forgotten
// after it is reported once.
func (s *Session) PollResult(ctx context.Context, id string) (*session.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, perrors.Newf(perrors.ErrCodeTransportFailure, "unknown request id %s", id)
	}
	res := r.res
	if res.Complete {
		delete(s.results, id)
	}
	return &res, nil
}

func (s *Session) process(ctx context.Context, req *session.Request) error {
	pool, err := s.poolName(req.PoolID)
	if err != nil {
		return err
	}
	if req.ReadOnly && req.ReadSnap != session.SnapLive {
		return perrors.Newf(perrors.ErrCodeSnapshotInvalid,
			"snapshot reads are not supported by the s3 gateway")
	}

	key := objectKey(s.cfg.Prefix, pool, req.Namespace, req.Object)

	err = s.retryer.Do(ctx, func(ctx context.Context) error {
		return s.attempt(ctx, req, key)
	})
	if errors.Is(err, errConflict) {
		return perrors.Newf(perrors.ErrCodeTransportFailure,
			"object %q: conditional write kept losing after %d attempts", req.Object, s.cfg.MaxRetries+1)
	}
	return err
}

// attempt runs the batch once against the current record. It returns
// errConflict when a concurrent writer invalidated the read, which the
// retryer turns into a re-read.
func (s *Session) attempt(ctx context.Context, req *session.Request, key string) error {
	rec, etag, found, err := s.getRecord(ctx, key)
	if err != nil {
		return err
	}

	// A tombstone is physically present but the object is gone. The
	// conditional PUT keys on physical presence so a recreate over a
	// tombstone still goes through If-Match.
	exists := found && !rec.Deleted

	version := uint64(0)
	mtime := time.Time{}
	var state *session.State
	if exists {
		version = rec.Version
		mtime = rec.ModTime
		state = rec.state().Clone()
	}

	removed := false
	created := false
	for _, op := range req.Ops {
		if state == nil && session.NeedsObject(op.Kind) {
			stepErr := perrors.Newf(perrors.ErrCodeObjectNotFound, "object %q does not exist", req.Object).
				WithObject(req.Object)
			op.Result.Err = stepErr
			return stepErr
		}
		if state == nil {
			state = session.NewState()
			created = true
		}
		if op.Kind == session.OpCreate && op.Exclusive && exists {
			stepErr := perrors.Newf(perrors.ErrCodeObjectExists, "object %q already exists", req.Object).
				WithObject(req.Object)
			op.Result.Err = stepErr
			return stepErr
		}
		if stepErr := session.ApplyOp(op, state, req.Object, version, mtime, exists || created); stepErr != nil {
			op.Result.Err = stepErr
			return stepErr
		}
		if op.Kind == session.OpRemove {
			removed = true
		}
	}

	if req.ReadOnly {
		return nil
	}

	if removed {
		return s.removeRecord(ctx, key, etag, found)
	}

	out := newRecord()
	out.setState(state)
	out.Version = version + 1
	out.ModTime = time.Now().UTC()
	_, conflict, err := s.putRecord(ctx, key, out, etag, found)
	if err != nil {
		return err
	}
	if conflict {
		return errConflict
	}
	return nil
}

func (s *Session) getRecord(ctx context.Context, key string) (*record, string, bool, error) {
	var rec *record
	var etag string
	found := false

	err := s.breaker.Execute(func() error {
		out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return err
		}
		rec, err = decodeRecord(data)
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		found = true
		return nil
	})
	if err != nil {
		return nil, "", false, perrors.Wrap(perrors.ErrCodeTransportFailure, "record read failed", err)
	}
	return rec, etag, found, nil
}

// putRecord writes the record conditionally and reports the new ETag.
// Returns conflict=true when another writer changed the record since it
// was read.
func (s *Session) putRecord(ctx context.Context, key string, rec *record, etag string, found bool) (string, bool, error) {
	data, err := rec.encode()
	if err != nil {
		return "", false, perrors.Wrap(perrors.ErrCodeTransportFailure, "record encode failed", err)
	}

	input := &awss3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if found {
		input.IfMatch = aws.String(etag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}

	var newEtag string
	err = s.breaker.Execute(func() error {
		out, err := s.client.PutObject(ctx, input)
		if err != nil {
			return err
		}
		newEtag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return "", true, nil
		}
		return "", false, perrors.Wrap(perrors.ErrCodeTransportFailure, "record write failed", err)
	}
	return newEtag, false, nil
}

// removeRecord retires an object through the same conditional protocol
// as writes: the batch's outcome is settled by a guarded tombstone PUT,
// then the blob is physically deleted unless another writer already
// recreated the object on top of the tombstone.
func (s *Session) removeRecord(ctx context.Context, key, etag string, found bool) error {
	tomb := newRecord()
	tomb.Deleted = true
	tomb.ModTime = time.Now().UTC()
	tombEtag, conflict, err := s.putRecord(ctx, key, tomb, etag, found)
	if err != nil {
		return err
	}
	if conflict {
		return errConflict
	}

	err = s.breaker.Execute(func() error {
		_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket:  aws.String(s.cfg.Bucket),
			Key:     aws.String(key),
			IfMatch: aws.String(tombEtag),
		})
		return err
	})
	if err != nil && !isPreconditionFailed(err) && !isNotFound(err) {
		return perrors.Wrap(perrors.ErrCodeTransportFailure, "record delete failed", err)
	}
	return nil
}

// ListObjects pages through one pool namespace with the bucket's native
// continuation token as the cursor.
func (s *Session) ListObjects(ctx context.Context, poolID int64, namespace, cursor string, limit int) (*session.ObjectPage, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	pool, err := s.poolName(poolID)
	if err != nil {
		return nil, err
	}

	prefix := namespacePrefix(s.cfg.Prefix, pool, namespace)
	input := &awss3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if cursor != "" {
		input.ContinuationToken = aws.String(cursor)
	}

	var out *awss3.ListObjectsV2Output
	err = s.breaker.Execute(func() error {
		var err error
		out, err = s.client.ListObjectsV2(ctx, input)
		return err
	})
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrCodeTransportFailure, "object listing failed", err)
	}

	page := &session.ObjectPage{}
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		page.Names = append(page.Names, unescape(name))
	}
	if aws.ToBool(out.IsTruncated) {
		page.Cursor = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// ListXattrs pages through an object's extended attributes by name.
func (s *Session) ListXattrs(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int) (*session.AttrPage, error) {
	return s.listEntries(ctx, poolID, namespace, oid, cursor, limit, func(r *record) map[string][]byte {
		return r.Xattrs
	})
}

// ListOmap pages through an object's key-value map by key.
func (s *Session) ListOmap(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int) (*session.AttrPage, error) {
	return s.listEntries(ctx, poolID, namespace, oid, cursor, limit, func(r *record) map[string][]byte {
		return r.Omap
	})
}

func (s *Session) listEntries(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int, get func(*record) map[string][]byte) (*session.AttrPage, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	pool, err := s.poolName(poolID)
	if err != nil {
		return nil, err
	}

	rec, _, found, err := s.getRecord(ctx, objectKey(s.cfg.Prefix, pool, namespace, oid))
	if err != nil {
		return nil, err
	}
	if !found || rec.Deleted {
		return nil, perrors.Newf(perrors.ErrCodeObjectNotFound, "object %q does not exist", oid).WithObject(oid)
	}

	m := get(rec)
	names := session.SortedKeysAfter(m, cursor)
	page := &session.AttrPage{}
	for _, name := range names {
		if len(page.Entries) == limit {
			page.Cursor = page.Entries[len(page.Entries)-1].Name
			break
		}
		page.Entries = append(page.Entries, session.AttrEntry{Name: name, Value: m[name]})
	}
	return page, nil
}

func (s *Session) checkConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return perrors.New(perrors.ErrCodeNotConnected, "session not connected")
	}
	return nil
}

func (s *Session) poolName(id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.poolNames[id]
	if !ok {
		return "", perrors.Newf(perrors.ErrCodePoolNotFound, "pool id %d unknown", id)
	}
	return name, nil
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}
