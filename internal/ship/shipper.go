// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ship

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/ClusterCockpit/tailer-agent/internal/sender"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RetryableError wraps a transient-external failure so callers can
// distinguish it from permanent failures without matching error strings.
type RetryableError struct {
	Result model.SendResult
	Err    error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable send failure (%d): %v", e.Result, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Config holds the shipper tunables.
type Config struct {
	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration
	PollInterval   time.Duration

	// Scheme prefixes every endpoint address ("https" unless overridden
	// for tests).
	Scheme string

	SigningService string

	// Static credentials; when empty the AWS default chain is used.
	AccessKey string
	SecretKey string
}

// Shipper drains Idle batches from the sender queues, compresses, signs and
// POSTs them, classifies the outcome and reports it back to the owning
// queue; after MaxRetries transient failures a payload is spilled to the
// on-disk buffer file instead of being retried in memory.
type Shipper struct {
	cfg     Config
	queues  *sender.Manager
	regions *sender.Regions
	enc     Encoder
	comp    *compressor
	signer  *v4.Signer
	creds   aws.CredentialsProvider
	client  *http.Client
	buffer  *BufferFile
}

// New builds a Shipper. buffer may be nil to disable disk spilling (tests).
func New(cfg Config, queues *sender.Manager, regions *sender.Regions, buffer *BufferFile) (*Shipper, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.SigningService == "" {
		cfg.SigningService = "log"
	}

	comp, err := newCompressor()
	if err != nil {
		return nil, err
	}

	var creds aws.CredentialsProvider
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("aws credentials: %w", err)
		}
		creds = awsCfg.Credentials
	}

	return &Shipper{
		cfg:     cfg,
		queues:  queues,
		regions: regions,
		enc:     JSONEncoder{},
		comp:    comp,
		signer:  v4.NewSigner(),
		creds:   creds,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		buffer:  buffer,
	}, nil
}

// SetEncoder replaces the wire encoder, the seam for the out-of-scope
// protocol collaborator.
func (s *Shipper) SetEncoder(enc Encoder) { s.enc = enc }

// Run blocks, driving cfg.Workers dispatch workers until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.worker(ctx)
		})
	}
	return g.Wait()
}

func (s *Shipper) worker(ctx context.Context) error {
	for {
		batch, q, ok := s.queues.PopIdle()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		result := s.dispatch(ctx, batch)

		if isTransient(result) && batch.RetryCount+1 >= s.cfg.MaxRetries && s.buffer != nil {
			if err := s.spill(batch); err != nil {
				alarm.RaiseError(alarm.KindShipperSpill, "spilling %s failed: %v", batch.FeedbackKey, err)
				// Spill failed: keep retrying in memory.
			} else {
				result = model.ResultBuffered
			}
		}

		q.Complete(batch, result)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func isTransient(r model.SendResult) bool {
	switch r {
	case model.ResultNetworkFail, model.ResultQuotaFail, model.ResultOtherFail:
		return true
	}
	return false
}

// dispatch performs one send attempt for batch: acquire region resources,
// pick an endpoint, ensure the payload is compressed, sign and POST.
func (s *Shipper) dispatch(ctx context.Context, batch *model.SendBatch) model.SendResult {
	region := s.regions.Get(batch.Destination.Region)

	for !region.TryAcquire(batch.RawBytes) {
		select {
		case <-ctx.Done():
			return model.ResultNetworkFail
		case <-time.After(s.cfg.PollInterval):
		}
	}
	defer region.Release()

	ep, ok := region.PickEndpoint()
	if !ok {
		alarm.Raise(alarm.KindShipperSendFailed, "no endpoint for region %q", batch.Destination.Region)
		return model.ResultOtherFail
	}

	if batch.Compressed == nil {
		raw, err := s.enc.Encode(batch.Groups)
		if err != nil {
			alarm.RaiseError(alarm.KindShipperSendFailed, "encoding batch for %s: %v", batch.FeedbackKey, err)
			return model.ResultDiscard
		}
		compressed, err := s.comp.Compress(batch.PayloadKind, raw)
		if err != nil {
			alarm.RaiseError(alarm.KindShipperSendFailed, "compressing batch for %s: %v", batch.FeedbackKey, err)
			return model.ResultDiscard
		}
		batch.Compressed = compressed
	}

	start := time.Now()
	result, err := s.sendOnce(ctx, batch, ep.Address)
	latency := time.Since(start)
	region.ReportLatency(ep.Address, latency)

	if err != nil {
		backoffFor := region.ReportFailure(ep.Address)
		alarm.Raise(alarm.KindShipperSendFailed, "send to %s failed (retry %d, backing off %s): %v",
			ep.Address, batch.RetryCount, backoffFor, err)

		select {
		case <-ctx.Done():
		case <-time.After(backoffFor):
		}
		return result
	}

	region.ReportSuccess(ep.Address)
	return result
}

// sendOnce signs and POSTs the compressed payload to one endpoint and maps
// the HTTP outcome onto the SendResult taxonomy.
func (s *Shipper) sendOnce(ctx context.Context, batch *model.SendBatch, addr string) (model.SendResult, error) {
	url := fmt.Sprintf("%s://%s/logstores/%s/shards/lb", s.cfg.Scheme, addr, batch.Destination.Logstore)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(batch.Compressed))
	if err != nil {
		return model.ResultOtherFail, &RetryableError{Result: model.ResultOtherFail, Err: err}
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", contentEncoding(batch.PayloadKind))
	req.Header.Set("x-log-bodyrawsize", strconv.FormatInt(batch.RawBytes, 10))
	req.Header.Set("x-request-id", uuid.New().String())
	if batch.ShardHashKey != "" {
		req.Header.Set("x-log-hashkey", batch.ShardHashKey)
	}

	sum := sha256.Sum256(batch.Compressed)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("x-amz-content-sha256", payloadHash)

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return model.ResultUnauthorizedFail, fmt.Errorf("retrieving credentials: %w", err)
	}
	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, s.cfg.SigningService, batch.Destination.Region, time.Now()); err != nil {
		return model.ResultOtherFail, fmt.Errorf("signing request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.ResultNetworkFail, &RetryableError{Result: model.ResultNetworkFail, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		cclog.Debugf("ship: sent %d line(s) (%d bytes compressed) to %s, request id %s",
			batch.LineCount, len(batch.Compressed), addr, resp.Header.Get("x-log-requestid"))
		return model.ResultOk, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var serverErr struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	_ = json.Unmarshal(body, &serverErr)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.ResultUnauthorizedFail, nil
	case serverErr.ErrorCode == "INVALID_SEQUENCE_ID":
		// Exactly-once specific: the server already holds a different
		// sequence for this slot's hash key. Replaying is pointless; an
		// alarm is raised and the payload is discarded, freeing the slot.
		// The range is not handed to any replay path.
		alarm.RaiseError(alarm.KindShipperSendFailed, "invalid sequence id for %s: %s", batch.FeedbackKey, serverErr.ErrorMessage)
		return model.ResultDiscard, nil
	case resp.StatusCode == http.StatusTooManyRequests || serverErr.ErrorCode == "QUOTA_EXCEEDED":
		return model.ResultQuotaFail, &RetryableError{Result: model.ResultQuotaFail, Err: fmt.Errorf("quota exceeded: %s", serverErr.ErrorMessage)}
	case resp.StatusCode >= 500:
		return model.ResultOtherFail, &RetryableError{Result: model.ResultOtherFail, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, serverErr.ErrorMessage)}
	default:
		return model.ResultOtherFail, &RetryableError{Result: model.ResultOtherFail, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)}
	}
}

// spill writes batch's compressed payload to the buffer file so it can be
// replayed after a restart.
func (s *Shipper) spill(batch *model.SendBatch) error {
	if batch.Compressed == nil {
		raw, err := s.enc.Encode(batch.Groups)
		if err != nil {
			return err
		}
		compressed, err := s.comp.Compress(batch.PayloadKind, raw)
		if err != nil {
			return err
		}
		batch.Compressed = compressed
	}

	return s.buffer.Append(SpillMeta{
		Project:      batch.Destination.Project,
		Logstore:     batch.Destination.Logstore,
		Region:       batch.Destination.Region,
		AliUID:       batch.Destination.AliUID,
		PayloadKind:  int(batch.PayloadKind),
		ShardHashKey: batch.ShardHashKey,
		FeedbackKey:  batch.FeedbackKey,
		RawBytes:     batch.RawBytes,
		LineCount:    batch.LineCount,
	}, batch.Compressed, batch.RetryCount)
}

// ReplaySpilled requeues every unhandled record in the buffer file,
// marking each handled once its rebuilt batch was accepted by a queue.
// Called once at startup and periodically from the task manager.
func (s *Shipper) ReplaySpilled() {
	if s.buffer == nil {
		return
	}

	var replayed int
	err := s.buffer.Scan(func(rec SpillRecord) error {
		if rec.Handled {
			return nil
		}
		if !s.queues.Submit(rec.Batch()) {
			return nil // queue full, retry on the next replay pass
		}
		replayed++
		return s.buffer.MarkHandled(rec)
	})
	if err != nil {
		alarm.Raise(alarm.KindShipperSpill, "replaying buffer file: %v", err)
	}
	if replayed > 0 {
		cclog.Infof("ship: replayed %d spilled batch(es)", replayed)
	}
}
