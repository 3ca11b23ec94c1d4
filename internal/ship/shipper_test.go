// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ship

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/ClusterCockpit/tailer-agent/internal/sender"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
)

func testShipper(t *testing.T, addr string, buffer *BufferFile) (*Shipper, *sender.Manager) {
	t.Helper()

	queues := sender.NewManager(sender.QueueDefaults{Capacity: 8, HighWater: 6, LowWater: 2}, nil)
	regions := sender.NewRegions(4, 64<<20)
	regions.Get("r1").AddEndpoint(&model.DestinationEndpoint{Address: addr, Healthy: true})

	s, err := New(Config{
		Workers:        1,
		MaxRetries:     3,
		RequestTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		Scheme:         "http",
		AccessKey:      "test-key",
		SecretKey:      "test-secret",
	}, queues, regions, buffer)
	require.NoError(t, err)
	return s, queues
}

func testBatch() *model.SendBatch {
	return &model.SendBatch{
		Destination: model.Destination{Project: "p", Logstore: "l", Region: "r1"},
		PayloadKind: model.PayloadLz4Compressed,
		Groups: []model.LogGroup{{
			Project:  "p",
			Logstore: "l",
			Records:  []model.LogRecord{{Contents: map[string]string{"content": "hello"}, RawSize: 5}},
		}},
		RawBytes:    5,
		LineCount:   1,
		FeedbackKey: "p/l",
	}
}

func TestDispatchSendsSignedCompressedRequest(t *testing.T) {
	var gotEncoding, gotAuth, gotPath string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := testShipper(t, strings.TrimPrefix(srv.URL, "http://"), nil)

	batch := testBatch()
	result := s.dispatch(context.Background(), batch)
	require.Equal(t, model.ResultOk, result)

	require.Equal(t, "lz4", gotEncoding)
	require.Contains(t, gotAuth, "AWS4-HMAC-SHA256")
	require.Equal(t, "/logstores/l/shards/lb", gotPath)

	// The body must decompress back to the JSON-encoded groups.
	decompressed, err := io.ReadAll(lz4.NewReader(strings.NewReader(string(body))))
	require.NoError(t, err)
	require.Contains(t, string(decompressed), "hello")
}

func TestDispatchClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   model.SendResult
	}{
		{"unauthorized", http.StatusUnauthorized, "", model.ResultUnauthorizedFail},
		{"quota", http.StatusTooManyRequests, `{"errorCode":"QUOTA_EXCEEDED"}`, model.ResultQuotaFail},
		{"server error", http.StatusInternalServerError, "", model.ResultOtherFail},
		{"invalid sequence", http.StatusBadRequest, `{"errorCode":"INVALID_SEQUENCE_ID"}`, model.ResultDiscard},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
				rw.WriteHeader(tc.status)
				rw.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s, _ := testShipper(t, strings.TrimPrefix(srv.URL, "http://"), nil)
			require.Equal(t, tc.want, s.dispatch(context.Background(), testBatch()))
		})
	}
}

func TestWorkerSpillsAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	buffer, err := OpenBufferFile(t.TempDir()+"/buffer", 1<<20)
	require.NoError(t, err)
	defer buffer.Close()

	s, queues := testShipper(t, strings.TrimPrefix(srv.URL, "http://"), buffer)
	require.True(t, queues.Submit(testBatch()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Wait until the failing batch has been spilled and removed.
	require.Eventually(t, func() bool {
		return queues.Len() == 0
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	var spilled int
	require.NoError(t, buffer.Scan(func(rec SpillRecord) error {
		spilled++
		require.False(t, rec.Handled)
		require.Equal(t, "p/l", rec.Meta.FeedbackKey)
		return nil
	}))
	require.Equal(t, 1, spilled)
	require.GreaterOrEqual(t, int(attempts.Load()), 1)
}

func TestReplaySpilledRequeuesUnhandled(t *testing.T) {
	buffer, err := OpenBufferFile(t.TempDir()+"/buffer", 1<<20)
	require.NoError(t, err)
	defer buffer.Close()

	require.NoError(t, buffer.Append(SpillMeta{
		Project: "p", Logstore: "l", Region: "r1", FeedbackKey: "p/l",
		PayloadKind: int(model.PayloadLz4Compressed), RawBytes: 5, LineCount: 1,
	}, []byte("compressed"), 2))

	s, queues := testShipper(t, "unused:80", buffer)
	s.ReplaySpilled()

	require.Equal(t, 1, queues.Len())

	// A second replay pass must not requeue the now-handled record.
	s.ReplaySpilled()
	require.Equal(t, 1, queues.Len())
}
